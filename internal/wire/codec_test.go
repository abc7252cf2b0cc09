package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeClientFrameRoundTrip(t *testing.T) {
	c := NewCodec()
	raw, err := c.EncodeClientFrame(ClientChatMessage, map[string]string{"roomCode": "ABC123"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := c.DecodeClientFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != ClientChatMessage {
		t.Fatalf("type = %q, want %q", frame.Type, ClientChatMessage)
	}
}

func TestDecodeClientFrameRejectsOversize(t *testing.T) {
	c := &Codec{MaxFrameBytes: 16}
	_, err := c.DecodeClientFrame([]byte(`{"type":"CHAT_MESSAGE","payload":{}}`))
	if err == nil {
		t.Fatal("expected oversize frame to be rejected")
	}
	var de *DecodeError
	if !asDecodeError(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
}

func TestDecodeClientFrameRejectsMalformedJSON(t *testing.T) {
	c := NewCodec()
	_, err := c.DecodeClientFrame([]byte(`{"type": `))
	if err == nil {
		t.Fatal("expected malformed JSON to be rejected")
	}
}

func TestDecodeClientFrameRejectsUnknownFields(t *testing.T) {
	c := NewCodec()
	_, err := c.DecodeClientFrame([]byte(`{"type":"CHAT_MESSAGE","payload":{},"extra":1}`))
	if err == nil {
		t.Fatal("expected unknown top-level field to be rejected")
	}
}

func TestDecodeClientFrameRejectsMissingType(t *testing.T) {
	c := NewCodec()
	_, err := c.DecodeClientFrame([]byte(`{"payload":{}}`))
	if err == nil {
		t.Fatal("expected missing type to be rejected")
	}
}

func TestValidateChatText(t *testing.T) {
	ok := strings.Repeat("a", MaxChatChars)
	if err := ValidateChatText(ok); err != nil {
		t.Fatalf("500 chars should be accepted: %v", err)
	}
	tooLong := strings.Repeat("a", MaxChatChars+1)
	if err := ValidateChatText(tooLong); err == nil {
		t.Fatal("501 chars should be rejected")
	}
}

func TestNormalizeRoomCode(t *testing.T) {
	if got := NormalizeRoomCode("abcd12"); got != "ABCD12" {
		t.Fatalf("got %q", got)
	}
	if !ValidRoomCode(NormalizeRoomCode("abcd12")) {
		t.Fatal("normalized code should be valid")
	}
	if ValidRoomCode("ABCD1") {
		t.Fatal("5-char code should be invalid")
	}
	if ValidRoomCode("ABCD1!") {
		t.Fatal("non-alnum code should be invalid")
	}
}

func TestOperationRoundTrip(t *testing.T) {
	for _, kind := range []OpKind{
		OpRoomCreate, OpRoomJoin, OpRoomLeave, OpPlaybackPlay, OpPlaybackPause,
		OpPlaybackSeek, OpPlaylistAdd, OpPlaylistRemove, OpChatMessage,
	} {
		op := Operation{
			Kind:            kind,
			OriginUserID:    "u1",
			SubmitTimestamp: 1000,
			Payload: OperationPayload{
				VideoID:         "dQw4w9WgXcQ",
				PositionSeconds: 12.5,
				MessageText:     "hi",
			},
		}
		raw, err := json.Marshal(op)
		if err != nil {
			t.Fatalf("marshal %s: %v", kind, err)
		}
		var got Operation
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", kind, err)
		}
		if got != op {
			t.Fatalf("round trip mismatch for %s: got %+v, want %+v", kind, got, op)
		}
	}
}

// asDecodeError is a small helper so the test doesn't need errors.As boilerplate
// repeated at every call site.
func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}
