package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kartikbazzad/bunroom/internal/wire"
)

// fakeDispatcher records what reached it and replies with canned values.
type fakeDispatcher struct {
	voteReply   wire.RequestVoteReply
	appendReply wire.AppendEntriesReply

	createdRooms []string
	forwarded    []wire.Operation
}

func (f *fakeDispatcher) RequestVote(roomCode string, args wire.RequestVoteArgs) (wire.RequestVoteReply, error) {
	return f.voteReply, nil
}

func (f *fakeDispatcher) AppendEntries(roomCode string, args wire.AppendEntriesArgs) (wire.AppendEntriesReply, error) {
	return f.appendReply, nil
}

func (f *fakeDispatcher) HandleCreateRoomRPC(args wire.CreateRoomArgs) error {
	f.createdRooms = append(f.createdRooms, args.RoomCode)
	return nil
}

func (f *fakeDispatcher) ForwardOperation(roomCode string, op wire.Operation) error {
	f.forwarded = append(f.forwarded, op)
	return nil
}

// newTestPair wires a Client directly at a Server's handler via httptest.
func newTestPair(t *testing.T, disp Dispatcher) (*Client, *fakeDispatcher) {
	t.Helper()
	fd, _ := disp.(*fakeDispatcher)
	srv := NewServer("ignored:0", "node-b", disp)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	client := NewClient("node-a", map[string]string{"node-b": ts.URL})
	return client, fd
}

func TestHealthEndpoint(t *testing.T) {
	client, _ := newTestPair(t, &fakeDispatcher{})
	h, err := client.Health("node-b")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.NodeID != "node-b" {
		t.Fatalf("unexpected health reply: %+v", h)
	}
}

func TestRequestVoteRoundTrip(t *testing.T) {
	client, _ := newTestPair(t, &fakeDispatcher{
		voteReply: wire.RequestVoteReply{Term: 7, VoteGranted: true},
	})
	reply, err := client.SendRequestVote("node-b", "ABC123", wire.RequestVoteArgs{
		Term: 7, CandidateID: "node-a",
	})
	if err != nil {
		t.Fatalf("SendRequestVote: %v", err)
	}
	if reply.Term != 7 || !reply.VoteGranted {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestAppendEntriesRoundTrip(t *testing.T) {
	client, _ := newTestPair(t, &fakeDispatcher{
		appendReply: wire.AppendEntriesReply{Term: 3, Success: true, MatchIndex: 5},
	})
	reply, err := client.SendAppendEntries("node-b", "ABC123", wire.AppendEntriesArgs{
		Term: 3, LeaderID: "node-a",
	})
	if err != nil {
		t.Fatalf("SendAppendEntries: %v", err)
	}
	if !reply.Success || reply.MatchIndex != 5 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestCreateRoomHandshake(t *testing.T) {
	client, fd := newTestPair(t, &fakeDispatcher{})
	err := client.SendCreateRoom("node-b", wire.CreateRoomArgs{RoomCode: "ABC123", CreatorUserID: "u1"})
	if err != nil {
		t.Fatalf("SendCreateRoom: %v", err)
	}
	if len(fd.createdRooms) != 1 || fd.createdRooms[0] != "ABC123" {
		t.Fatalf("handshake never reached the dispatcher: %v", fd.createdRooms)
	}
}

func TestForwardedOperationCarriesKindInEnvelopeType(t *testing.T) {
	client, fd := newTestPair(t, &fakeDispatcher{})
	op := wire.Operation{
		Kind:         wire.OpPlaybackPlay,
		OriginUserID: "u1",
		Payload:      wire.OperationPayload{VideoID: "dQw4w9WgXcQ"},
	}
	if err := client.Forward("node-b", "ABC123", op); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(fd.forwarded) != 1 {
		t.Fatalf("forwarded ops = %d, want 1", len(fd.forwarded))
	}
	got := fd.forwarded[0]
	if got.Kind != wire.OpPlaybackPlay || got.Payload.VideoID != "dQw4w9WgXcQ" {
		t.Fatalf("unexpected forwarded op: %+v", got)
	}
}

func TestUnknownPeerIsAnError(t *testing.T) {
	client := NewClient("node-a", map[string]string{})
	if _, err := client.SendRequestVote("ghost", "ABC123", wire.RequestVoteArgs{}); err == nil {
		t.Fatal("expected an error for an unknown peer")
	}
	if _, err := client.Health("ghost"); err == nil {
		t.Fatal("expected an error for an unknown peer health check")
	}
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	srv := NewServer("ignored:0", "node-b", &fakeDispatcher{})
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"type":`))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var reply wire.EnvelopeReply
	if err := json.NewDecoder(rec.Body).Decode(&reply); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if reply.Error == "" {
		t.Fatal("expected an error message in the reply")
	}
}

func TestRPCRejectsNonPost(t *testing.T) {
	srv := NewServer("ignored:0", "node-b", &fakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
