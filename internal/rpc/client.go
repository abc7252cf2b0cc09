package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunroom/internal/wire"
)

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// Client sends inter-node RPCs over HTTP. One Client is shared across every
// room's Raft group on a node — roomCode is a per-call parameter, matching
// raft.RPCClient's signature, not something baked into the Client itself
//.
type Client struct {
	NodeID string
	Peers  map[string]string // peer node ID -> RPC base URL, e.g. "http://host:9001"

	HTTPClient *http.Client
	Codec      *wire.Codec
	Timeout    time.Duration
}

// NewClient builds a Client addressed by the given peer base URLs.
func NewClient(nodeID string, peerBaseURLs map[string]string) *Client {
	return &Client{
		NodeID:     nodeID,
		Peers:      peerBaseURLs,
		HTTPClient: &http.Client{},
		Codec:      wire.NewCodec(),
		Timeout:    DefaultTimeout,
	}
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// post sends one envelope to peerID and decodes its reply payload into out
// (if out is non-nil). On timeout or connection failure, it returns a plain
// error — callers (the Raft group, the gateway) treat the peer as down for
// this attempt and retry on their own schedule; there is no retry at this
// layer.
func (c *Client) post(peerID, msgType, roomCode string, payload interface{}, out interface{}) error {
	baseURL, ok := c.Peers[peerID]
	if !ok {
		return fmt.Errorf("rpc: unknown peer %q", peerID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rpc: encode payload: %w", err)
	}
	env := wire.Envelope{
		Type:         msgType,
		Payload:      raw,
		SourceNodeID: c.NodeID,
		TargetNodeID: peerID,
		MessageID:    uuid.NewString(),
		RoomCode:     roomCode,
	}
	body, err := c.Codec.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("rpc: encode envelope: %w", err)
	}

	ctx, cancel := contextWithTimeout(c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc: request to %s: %w", peerID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc: reading reply from %s: %w", peerID, err)
	}

	var envReply wire.EnvelopeReply
	if err := json.Unmarshal(respBody, &envReply); err != nil {
		return fmt.Errorf("rpc: malformed reply from %s: %w", peerID, err)
	}
	if envReply.Error != "" {
		return fmt.Errorf("rpc: %s replied with error: %s", peerID, envReply.Error)
	}
	if out != nil && len(envReply.Payload) > 0 {
		if err := json.Unmarshal(envReply.Payload, out); err != nil {
			return fmt.Errorf("rpc: decode reply from %s: %w", peerID, err)
		}
	}
	return nil
}

// SendRequestVote implements raft.RPCClient.
func (c *Client) SendRequestVote(peerID, roomCode string, args wire.RequestVoteArgs) (wire.RequestVoteReply, error) {
	var reply wire.RequestVoteReply
	err := c.post(peerID, wire.RPCRequestVote, roomCode, args, &reply)
	return reply, err
}

// SendAppendEntries implements raft.RPCClient.
func (c *Client) SendAppendEntries(peerID, roomCode string, args wire.AppendEntriesArgs) (wire.AppendEntriesReply, error) {
	var reply wire.AppendEntriesReply
	err := c.post(peerID, wire.RPCAppendEntries, roomCode, args, &reply)
	return reply, err
}

// SendCreateRoom fans the cluster create-room handshake out to one peer
//. Idempotent on the receiving end.
func (c *Client) SendCreateRoom(peerID string, args wire.CreateRoomArgs) error {
	return c.post(peerID, wire.RPCCreateRoom, args.RoomCode, args, nil)
}

// Forward sends a client-originated operation to peerID, the room's known
// (or believed) leader, for it to propose on the caller's behalf. The
// envelope's Type is the operation's own Kind so the receiving
// server's dispatch can tell forwarded ops apart from Raft RPCs without a
// separate wrapper type.
func (c *Client) Forward(peerID, roomCode string, op wire.Operation) error {
	return c.post(peerID, string(op.Kind), roomCode, op, nil)
}

// Health queries a peer's /health endpoint, classifying it reachable or
// unreachable on demand.
func (c *Client) Health(peerID string) (wire.Health, error) {
	baseURL, ok := c.Peers[peerID]
	if !ok {
		return wire.Health{}, fmt.Errorf("rpc: unknown peer %q", peerID)
	}
	ctx, cancel := contextWithTimeout(c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return wire.Health{}, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return wire.Health{}, err
	}
	defer resp.Body.Close()

	var h wire.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return wire.Health{}, fmt.Errorf("rpc: decode health from %s: %w", peerID, err)
	}
	return h, nil
}
