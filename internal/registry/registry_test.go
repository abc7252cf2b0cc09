package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/kartikbazzad/bunroom/internal/raft"
	"github.com/kartikbazzad/bunroom/internal/wire"
)

// fastRaftConfig keeps single-node test elections near-instant.
func fastRaftConfig(nodeID string) func(string) *raft.Config {
	return func(string) *raft.Config {
		return &raft.Config{
			NodeID:        nodeID,
			Peers:         []string{nodeID},
			ElectionMinMs: 10,
			ElectionMaxMs: 20,
			HeartbeatMs:   5,
		}
	}
}

type fanoutRecorder struct {
	mu      sync.Mutex
	entries []wire.LogEntry
}

func (f *fanoutRecorder) record(_ string, entry wire.LogEntry, _ *Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fanoutRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.NodeID == "" {
		opts.NodeID = "n1"
	}
	if opts.PeerIDs == nil {
		opts.PeerIDs = []string{opts.NodeID}
	}
	if opts.RaftConfig == nil {
		opts.RaftConfig = fastRaftConfig(opts.NodeID)
	}
	r := New(opts)
	t.Cleanup(r.Stop)
	return r
}

func awaitLeader(t *testing.T, room *Room) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _, _ := room.Raft().State(); state == raft.Leader {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("room never elected a leader")
}

func TestCreateRoomIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, Options{})
	first, err := r.CreateRoom("ABC123")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	second, err := r.CreateRoom("ABC123")
	if err != nil {
		t.Fatalf("second CreateRoom: %v", err)
	}
	if first != second {
		t.Fatal("second CreateRoom must return the existing room")
	}
	if !r.Has("ABC123") {
		t.Fatal("Has must report a created room")
	}
}

func TestSingleNodeProposeAppliesAndFansOut(t *testing.T) {
	rec := &fanoutRecorder{}
	r := newTestRegistry(t, Options{Fanout: rec.record})

	room, err := r.CreateRoom("ABC123")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	awaitLeader(t, room)

	_, err = StampAndPropose(room, wire.Operation{
		Kind:         wire.OpRoomCreate,
		OriginUserID: "u1",
		Payload:      wire.OperationPayload{Username: "alice"},
	})
	if err != nil {
		t.Fatalf("StampAndPropose: %v", err)
	}

	state := room.Snapshot()
	if len(state.Participants) != 1 || state.Participants[0].UserID != "u1" {
		t.Fatalf("ROOM_CREATE never applied: %+v", state)
	}
	if state.CreatedAt == 0 {
		t.Fatal("StampAndPropose must stamp a timestamp before proposing")
	}
	if rec.count() != 1 {
		t.Fatalf("fanout entries = %d, want 1", rec.count())
	}
}

func TestDropRoomStopsFurtherProposals(t *testing.T) {
	r := newTestRegistry(t, Options{})
	room, _ := r.CreateRoom("ABC123")
	awaitLeader(t, room)

	r.DropRoom("ABC123")
	if r.Has("ABC123") {
		t.Fatal("dropped room must not remain in the registry")
	}
	if _, err := room.Raft().Propose(wire.Operation{Kind: wire.OpChatMessage}); err == nil {
		t.Fatal("propose after drop must fail")
	}
}

func TestDispatchToUnknownRoomFails(t *testing.T) {
	r := newTestRegistry(t, Options{})
	if _, err := r.RequestVote("GHOST1", wire.RequestVoteArgs{}); err == nil {
		t.Fatal("RequestVote for an unknown room must fail")
	}
	if _, err := r.AppendEntries("GHOST1", wire.AppendEntriesArgs{}); err == nil {
		t.Fatal("AppendEntries for an unknown room must fail")
	}
	if err := r.ForwardOperation("GHOST1", wire.Operation{}); err == nil {
		t.Fatal("ForwardOperation for an unknown room must fail")
	}
}

func TestLogCapTearsRoomDown(t *testing.T) {
	r := newTestRegistry(t, Options{MaxLogEntries: 3})
	room, _ := r.CreateRoom("ABC123")
	awaitLeader(t, room)

	for i := 0; i < 3; i++ {
		if _, err := StampAndPropose(room, wire.Operation{
			Kind:         wire.OpChatMessage,
			OriginUserID: "u1",
			Payload:      wire.OperationPayload{MessageText: "x"},
		}); err != nil {
			t.Fatalf("propose %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.Has("ABC123") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("room at log cap was never torn down")
}

func TestIdleEmptyRoomIsEvicted(t *testing.T) {
	r := newTestRegistry(t, Options{
		IdleTTL:            20 * time.Millisecond,
		EvictCheckInterval: 10 * time.Millisecond,
	})
	r.CreateRoom("ABC123")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.Has("ABC123") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("idle empty room was never evicted")
}

func TestSubscribedRoomIsNotEvicted(t *testing.T) {
	r := newTestRegistry(t, Options{
		IdleTTL:             20 * time.Millisecond,
		EvictCheckInterval:  10 * time.Millisecond,
		HasLocalSubscribers: func(string) bool { return true },
	})
	r.CreateRoom("ABC123")

	time.Sleep(100 * time.Millisecond)
	if !r.Has("ABC123") {
		t.Fatal("a room with local subscribers must not be evicted")
	}
}

func TestUnhealthyRoomRefusesWrites(t *testing.T) {
	r := newTestRegistry(t, Options{})
	room, _ := r.CreateRoom("ABC123")
	awaitLeader(t, room)

	// An unrecognized kind makes rsm.Apply fail, which marks the room
	// unhealthy.
	room.Apply(wire.Operation{Kind: "NOT_A_REAL_KIND"})
	if room.Healthy() {
		t.Fatal("room must be unhealthy after a failed apply")
	}
	if _, err := StampAndPropose(room, wire.Operation{Kind: wire.OpChatMessage}); err != ErrRoomUnhealthy {
		t.Fatalf("expected ErrRoomUnhealthy, got %v", err)
	}
}
