package rsm

import (
	"testing"

	"github.com/kartikbazzad/bunroom/internal/wire"
)

func mustApply(t *testing.T, s State, op wire.Operation) State {
	t.Helper()
	next, err := Apply(s, op)
	if err != nil {
		t.Fatalf("Apply(%s): %v", op.Kind, err)
	}
	return next
}

func TestRoomCreateIdempotent(t *testing.T) {
	s := New("ABC123")
	create := wire.Operation{
		Kind:            wire.OpRoomCreate,
		OriginUserID:    "u1",
		SubmitTimestamp: 100,
		Payload:         wire.OperationPayload{Username: "alice"},
	}
	once := mustApply(t, s, create)
	twice := mustApply(t, once, create)
	if !once.Equal(twice) {
		t.Fatalf("second ROOM_CREATE must be a no-op: once=%+v twice=%+v", once, twice)
	}
	if len(once.Participants) != 1 || !once.Participants[0].IsCreator {
		t.Fatalf("creator participant missing or not marked: %+v", once.Participants)
	}
}

func TestRoomJoinIdempotent(t *testing.T) {
	s := New("ABC123")
	s = mustApply(t, s, wire.Operation{Kind: wire.OpRoomCreate, OriginUserID: "u1", SubmitTimestamp: 100})
	join := wire.Operation{Kind: wire.OpRoomJoin, OriginUserID: "u2", SubmitTimestamp: 200, Payload: wire.OperationPayload{Username: "bob"}}
	once := mustApply(t, s, join)
	twice := mustApply(t, once, join)
	if !once.Equal(twice) {
		t.Fatalf("second ROOM_JOIN by the same user must be a no-op")
	}
	if len(once.Participants) != 2 {
		t.Fatalf("want 2 participants, got %d", len(once.Participants))
	}
	if once.Participants[1].IsCreator {
		t.Fatal("joiner after create must not be marked creator")
	}
}

func TestRoomLeaveIdempotentAndPreservesOrder(t *testing.T) {
	s := New("ABC123")
	s = mustApply(t, s, wire.Operation{Kind: wire.OpRoomCreate, OriginUserID: "u1", SubmitTimestamp: 100})
	s = mustApply(t, s, wire.Operation{Kind: wire.OpRoomJoin, OriginUserID: "u2", SubmitTimestamp: 200})
	s = mustApply(t, s, wire.Operation{Kind: wire.OpRoomJoin, OriginUserID: "u3", SubmitTimestamp: 300})

	leave := wire.Operation{Kind: wire.OpRoomLeave, OriginUserID: "u2", SubmitTimestamp: 400}
	once := mustApply(t, s, leave)
	twice := mustApply(t, once, leave)
	if !once.Equal(twice) {
		t.Fatal("second ROOM_LEAVE by the same user must be a no-op")
	}
	if len(once.Participants) != 2 || once.Participants[0].UserID != "u1" || once.Participants[1].UserID != "u3" {
		t.Fatalf("unexpected participant order after leave: %+v", once.Participants)
	}

	// Leaving without ever having joined is also a no-op.
	ghost := mustApply(t, once, wire.Operation{Kind: wire.OpRoomLeave, OriginUserID: "never-here", SubmitTimestamp: 500})
	if !once.Equal(ghost) {
		t.Fatal("leaving a room you never joined must be a no-op")
	}
}

func TestPlaylistAddPositionHandling(t *testing.T) {
	s := New("ABC123")
	add := func(s State, videoID string, pos int) State {
		return mustApply(t, s, wire.Operation{
			Kind: wire.OpPlaylistAdd, OriginUserID: "u1", SubmitTimestamp: 100,
			Payload: wire.OperationPayload{VideoID: videoID, NewVideoPosition: pos},
		})
	}

	s = add(s, "v1", -1) // append to empty list
	s = add(s, "v2", -1) // append -> [v1, v2]
	if got := ids(s.Playlist); got != "v1,v2" {
		t.Fatalf("after two appends: %s", got)
	}

	s = add(s, "v0", 0) // insert at head -> [v0, v1, v2]
	if got := ids(s.Playlist); got != "v0,v1,v2" {
		t.Fatalf("after head insert: %s", got)
	}

	s = add(s, "v99", 999) // out-of-range position clamps to append
	if got := ids(s.Playlist); got != "v0,v1,v2,v99" {
		t.Fatalf("after out-of-range insert: %s", got)
	}
}

func TestPlaylistRemoveStalePositionFallsBackToHeadMatch(t *testing.T) {
	s := New("ABC123")
	for i, v := range []string{"v1", "v2", "v3"} {
		s = mustApply(t, s, wire.Operation{
			Kind: wire.OpPlaylistAdd, OriginUserID: "u1", SubmitTimestamp: int64(100 + i),
			Payload: wire.OperationPayload{VideoID: v, NewVideoPosition: i},
		})
	}
	// RemovedVideoPosition says index 0, but the entry there is no longer
	// "v3" because of a concurrent edit — fall back to matching by VideoID.
	s = mustApply(t, s, wire.Operation{
		Kind: wire.OpPlaylistRemove, OriginUserID: "u1", SubmitTimestamp: 400,
		Payload: wire.OperationPayload{VideoID: "v3", RemovedVideoPosition: 0},
	})
	if got := ids(s.Playlist); got != "v1,v2" {
		t.Fatalf("expected v3 removed via fallback match, got %s", got)
	}

	// Removing a VideoID that isn't present is a no-op.
	before := s
	after := mustApply(t, s, wire.Operation{
		Kind: wire.OpPlaylistRemove, OriginUserID: "u1", SubmitTimestamp: 500,
		Payload: wire.OperationPayload{VideoID: "not-there", RemovedVideoPosition: 0},
	})
	if !before.Equal(after) {
		t.Fatal("removing an absent video must be a no-op")
	}
}

func TestChatLogCapsAtMaxChatLog(t *testing.T) {
	s := New("ABC123")
	for i := 0; i < MaxChatLog+50; i++ {
		s = mustApply(t, s, wire.Operation{
			Kind: wire.OpChatMessage, OriginUserID: "u1", SubmitTimestamp: int64(i),
			Payload: wire.OperationPayload{MessageText: "hi"},
		})
	}
	if len(s.ChatLog) != MaxChatLog {
		t.Fatalf("chat log len = %d, want %d", len(s.ChatLog), MaxChatLog)
	}
	// The oldest 50 messages (timestamps 0..49) must have been evicted.
	if s.ChatLog[0].Timestamp != 50 {
		t.Fatalf("oldest surviving message has timestamp %d, want 50", s.ChatLog[0].Timestamp)
	}
}

func TestPlaybackOperationsUpdateLastUpdated(t *testing.T) {
	s := New("ABC123")
	s = mustApply(t, s, wire.Operation{
		Kind: wire.OpPlaybackPlay, OriginUserID: "u1", SubmitTimestamp: 100,
		Payload: wire.OperationPayload{VideoID: "v1", PositionSeconds: 0},
	})
	if !s.Playback.IsPlaying || s.Playback.CurrentVideoID != "v1" {
		t.Fatalf("unexpected playback after play: %+v", s.Playback)
	}
	s = mustApply(t, s, wire.Operation{
		Kind: wire.OpPlaybackPause, OriginUserID: "u1", SubmitTimestamp: 150,
		Payload: wire.OperationPayload{PositionSeconds: 12.5},
	})
	if s.Playback.IsPlaying || s.Playback.PositionSeconds != 12.5 || s.Playback.LastUpdated != 150 {
		t.Fatalf("unexpected playback after pause: %+v", s.Playback)
	}
	s = mustApply(t, s, wire.Operation{
		Kind: wire.OpPlaybackSeek, OriginUserID: "u1", SubmitTimestamp: 200,
		Payload: wire.OperationPayload{NewPositionSeconds: 42},
	})
	if s.Playback.PositionSeconds != 42 || s.Playback.LastUpdated != 200 {
		t.Fatalf("unexpected playback after seek: %+v", s.Playback)
	}
}

func TestApplyRejectsUnknownKind(t *testing.T) {
	_, err := Apply(New("ABC123"), wire.Operation{Kind: "NOT_A_REAL_KIND"})
	if err == nil {
		t.Fatal("expected an error for an unrecognized operation kind")
	}
}

func ids(items []PlaylistItem) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it.VideoID
	}
	return out
}
