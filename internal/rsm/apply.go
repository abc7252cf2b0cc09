package rsm

import (
	"fmt"

	"github.com/kartikbazzad/bunroom/internal/wire"
)

// Apply folds one committed operation into state and returns the resulting
// state. It never mutates its input and never fails on a well-formed
// Operation — an unrecognized Kind is a determinism-violation bug in the
// caller, not a runtime condition, so it is reported rather than ignored.
func Apply(state State, op wire.Operation) (State, error) {
	switch op.Kind {
	case wire.OpRoomCreate:
		return applyRoomCreate(state, op), nil
	case wire.OpRoomJoin:
		return applyRoomJoin(state, op), nil
	case wire.OpRoomLeave:
		return applyRoomLeave(state, op), nil
	case wire.OpPlaybackPlay:
		return applyPlaybackPlay(state, op), nil
	case wire.OpPlaybackPause:
		return applyPlaybackPause(state, op), nil
	case wire.OpPlaybackSeek:
		return applyPlaybackSeek(state, op), nil
	case wire.OpPlaylistAdd:
		return applyPlaylistAdd(state, op), nil
	case wire.OpPlaylistRemove:
		return applyPlaylistRemove(state, op), nil
	case wire.OpChatMessage:
		return applyChatMessage(state, op), nil
	default:
		return state, fmt.Errorf("rsm: unrecognized operation kind %q", op.Kind)
	}
}

// applyRoomCreate seeds CreatedAt/CreatedBy and the sole creator
// participant. A room already created ignores a second ROOM_CREATE —
// Raft can replay or re-propose this entry across a leadership change,
// and the fold must stay idempotent.
func applyRoomCreate(state State, op wire.Operation) State {
	if state.Created() {
		return state
	}
	return State{
		Code:      state.Code,
		CreatedAt: op.SubmitTimestamp,
		CreatedBy: op.OriginUserID,
		Participants: []Participant{{
			UserID:    op.OriginUserID,
			Username:  op.Payload.Username,
			JoinedAt:  op.SubmitTimestamp,
			IsCreator: true,
		}},
	}
}

// applyRoomJoin appends the user if not already present. The creator slot
// is only ever set by ROOM_CREATE; every joiner after that is IsCreator=false.
func applyRoomJoin(state State, op wire.Operation) State {
	if state.ParticipantIndex(op.OriginUserID) != -1 {
		return state
	}
	next := state
	next.Participants = append(append([]Participant{}, state.Participants...), Participant{
		UserID:    op.OriginUserID,
		Username:  op.Payload.Username,
		JoinedAt:  op.SubmitTimestamp,
		IsCreator: false,
	})
	return next
}

// applyRoomLeave removes the user if present, preserving the order of
// everyone else. Leaving twice, or leaving without ever joining, is a no-op.
func applyRoomLeave(state State, op wire.Operation) State {
	idx := state.ParticipantIndex(op.OriginUserID)
	if idx == -1 {
		return state
	}
	participants := make([]Participant, 0, len(state.Participants)-1)
	participants = append(participants, state.Participants[:idx]...)
	participants = append(participants, state.Participants[idx+1:]...)
	next := state
	next.Participants = participants
	return next
}

func applyPlaybackPlay(state State, op wire.Operation) State {
	next := state
	next.Playback = Playback{
		IsPlaying:       true,
		CurrentVideoID:  op.Payload.VideoID,
		PositionSeconds: op.Payload.PositionSeconds,
		LastUpdated:     op.SubmitTimestamp,
	}
	return next
}

func applyPlaybackPause(state State, op wire.Operation) State {
	next := state
	pb := state.Playback
	pb.IsPlaying = false
	pb.PositionSeconds = op.Payload.PositionSeconds
	pb.LastUpdated = op.SubmitTimestamp
	next.Playback = pb
	return next
}

func applyPlaybackSeek(state State, op wire.Operation) State {
	next := state
	pb := state.Playback
	pb.PositionSeconds = op.Payload.NewPositionSeconds
	pb.LastUpdated = op.SubmitTimestamp
	next.Playback = pb
	return next
}

// applyPlaylistAdd inserts at NewVideoPosition, clamped to [0, len(playlist)].
// A position of -1 means append.
func applyPlaylistAdd(state State, op wire.Operation) State {
	list := append([]PlaylistItem{}, state.Playlist...)
	item := PlaylistItem{
		VideoID: op.Payload.VideoID,
		Title:   op.Payload.Title,
		AddedBy: op.OriginUserID,
		AddedAt: op.SubmitTimestamp,
	}
	pos := op.Payload.NewVideoPosition
	switch {
	case pos == -1 || pos > len(list):
		pos = len(list)
	case pos < 0:
		pos = 0
	}
	list = append(list, PlaylistItem{})
	copy(list[pos+1:], list[pos:])
	list[pos] = item
	next := state
	next.Playlist = list
	return next
}

// applyPlaylistRemove removes the entry at RemovedVideoPosition if it still
// names VideoID; otherwise the position went stale under concurrent edits
// and the fold falls back to removing the first entry matching VideoID
//. A VideoID absent from the playlist is a no-op.
func applyPlaylistRemove(state State, op wire.Operation) State {
	pos := op.Payload.RemovedVideoPosition
	idx := -1
	if pos >= 0 && pos < len(state.Playlist) && state.Playlist[pos].VideoID == op.Payload.VideoID {
		idx = pos
	} else {
		for i, item := range state.Playlist {
			if item.VideoID == op.Payload.VideoID {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return state
	}
	list := make([]PlaylistItem, 0, len(state.Playlist)-1)
	list = append(list, state.Playlist[:idx]...)
	list = append(list, state.Playlist[idx+1:]...)
	next := state
	next.Playlist = list
	return next
}

// applyChatMessage appends a message and truncates the log to MaxChatLog,
// dropping the oldest entries first. The message ID is derived from the
// leader-stamped submit timestamp and origin user, so a re-applied entry
// (same Raft log index, replayed after a crash) always produces the same ID.
func applyChatMessage(state State, op wire.Operation) State {
	msg := ChatMessage{
		ID:        fmt.Sprintf("%d-%s", op.SubmitTimestamp, op.OriginUserID),
		UserID:    op.OriginUserID,
		Text:      op.Payload.MessageText,
		Timestamp: op.SubmitTimestamp,
	}
	log := append(append([]ChatMessage{}, state.ChatLog...), msg)
	if len(log) > MaxChatLog {
		log = log[len(log)-MaxChatLog:]
	}
	next := state
	next.ChatLog = log
	return next
}
