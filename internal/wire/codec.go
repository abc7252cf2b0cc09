package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultMaxFrameBytes is the default frame size cap.
const DefaultMaxFrameBytes = 64 * 1024

// MaxChatChars is the maximum accepted length of a CHAT_MESSAGE's text.
const MaxChatChars = 500

// DecodeError is returned for any frame the codec refuses to decode. It
// never panics on the hot path; callers get a short, typed reason instead.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "wire: decode error: " + e.Reason }

func decodeErrorf(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Codec frames and unframes messages on both links. The cap is configurable
// per link.
type Codec struct {
	MaxFrameBytes int
}

// NewCodec returns a Codec with the default frame size cap.
func NewCodec() *Codec {
	return &Codec{MaxFrameBytes: DefaultMaxFrameBytes}
}

func (c *Codec) maxBytes() int {
	if c.MaxFrameBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return c.MaxFrameBytes
}

// strictUnmarshal decodes exactly one JSON value from raw into v, rejecting
// unknown top-level fields and any trailing garbage after the value.
func strictUnmarshal(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// DecodeClientFrame decodes one client-link frame: {"type","payload"}.
func (c *Codec) DecodeClientFrame(raw []byte) (ClientFrame, error) {
	if len(raw) > c.maxBytes() {
		return ClientFrame{}, decodeErrorf("frame of %d bytes exceeds cap of %d bytes", len(raw), c.maxBytes())
	}
	var frame ClientFrame
	if err := strictUnmarshal(raw, &frame); err != nil {
		return ClientFrame{}, decodeErrorf("malformed frame: %v", err)
	}
	if frame.Type == "" {
		return ClientFrame{}, decodeErrorf("missing \"type\" field")
	}
	return frame, nil
}

// EncodeClientFrame marshals a type/payload pair into a client-link frame.
func (c *Codec) EncodeClientFrame(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return json.Marshal(ClientFrame{Type: msgType, Payload: raw})
}

// DecodePayload strictly decodes a frame's payload into v.
func DecodePayload(raw json.RawMessage, v interface{}) error {
	if err := strictUnmarshal(raw, v); err != nil {
		return decodeErrorf("malformed payload: %v", err)
	}
	return nil
}

// DecodeEnvelope decodes one inter-node RPC envelope.
func (c *Codec) DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) > c.maxBytes() {
		return Envelope{}, decodeErrorf("rpc envelope of %d bytes exceeds cap of %d bytes", len(raw), c.maxBytes())
	}
	var env Envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return Envelope{}, decodeErrorf("malformed envelope: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, decodeErrorf("missing \"type\" field")
	}
	return env, nil
}

// EncodeEnvelope marshals an RPC envelope.
func (c *Codec) EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// ValidateChatText enforces the 500-character chat cap.
func ValidateChatText(text string) error {
	if n := len([]rune(text)); n > MaxChatChars {
		return decodeErrorf("chat message of %d characters exceeds cap of %d", n, MaxChatChars)
	}
	return nil
}

// NormalizeRoomCode uppercases a client-submitted room code.
func NormalizeRoomCode(code string) string {
	out := make([]byte, len(code))
	for i := 0; i < len(code); i++ {
		b := code[i]
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}

// ValidRoomCode reports whether code is exactly six [A-Z0-9] characters.
func ValidRoomCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		b := code[i]
		if !((b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')) {
			return false
		}
	}
	return true
}
