package registry

import (
	"fmt"
	"time"

	"github.com/kartikbazzad/bunroom/internal/wire"
)

// RequestVote dispatches an incoming vote request to roomCode's Raft group.
// Implements rpc.Dispatcher.
func (r *Registry) RequestVote(roomCode string, args wire.RequestVoteArgs) (wire.RequestVoteReply, error) {
	room, ok := r.GetForRead(roomCode)
	if !ok {
		return wire.RequestVoteReply{}, fmt.Errorf("registry: room %q not found", roomCode)
	}
	return room.Raft().RequestVote(args), nil
}

// AppendEntries dispatches an incoming replication/heartbeat RPC to
// roomCode's Raft group. Implements rpc.Dispatcher.
func (r *Registry) AppendEntries(roomCode string, args wire.AppendEntriesArgs) (wire.AppendEntriesReply, error) {
	room, ok := r.GetForRead(roomCode)
	if !ok {
		return wire.AppendEntriesReply{}, fmt.Errorf("registry: room %q not found", roomCode)
	}
	return room.Raft().AppendEntries(args), nil
}

// HandleCreateRoomRPC handles the non-Raft cluster create-room handshake:
// it idempotently instantiates the room's RSM and Raft group so it
// exists before the first AppendEntries for it arrives.
func (r *Registry) HandleCreateRoomRPC(args wire.CreateRoomArgs) error {
	_, err := r.CreateRoom(args.RoomCode)
	return err
}

// ForwardOperation is invoked when a non-leader peer forwards a
// client-originated write to this node because this node is (or was, as of
// the forwarder's last observation) the room's leader. The timestamp is
// stamped fresh here — the forwarder's is advisory only.
func (r *Registry) ForwardOperation(roomCode string, op wire.Operation) error {
	room, ok := r.GetForWrite(roomCode)
	if !ok {
		return fmt.Errorf("registry: room %q not found", roomCode)
	}
	_, err := StampAndPropose(room, op)
	return err
}

// StampAndPropose overwrites op's SubmitTimestamp with this node's clock and
// proposes it to room's Raft group. Every path that actually appends an
// operation to a leader's log — whether the write originated on this node
// or was forwarded here — must go through this single stamping point, so
// that determinism never depends on which node's gateway first saw the
// write.
func StampAndPropose(room *Room, op wire.Operation) (uint64, error) {
	if !room.Healthy() {
		return 0, ErrRoomUnhealthy
	}
	op.SubmitTimestamp = time.Now().UnixMilli()
	return room.Raft().Propose(op)
}
