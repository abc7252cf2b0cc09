package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/bunroom/internal/raft"
	"github.com/kartikbazzad/bunroom/internal/rsm"
	"github.com/kartikbazzad/bunroom/internal/wire"
)

// Room pairs one room's RSM snapshot with its Raft group. It implements
// raft.StateMachine so the group can apply committed operations directly
// into RSM, under the room's own lock — the same single-writer rule
// on Raft state extends to the RSM it drives.
type Room struct {
	Code string

	mu      sync.RWMutex
	state   rsm.State
	healthy bool

	raftGroup    *raft.Group
	lastActivity atomic.Int64 // unix nano, updated on every Apply
}

func newRoom(code string) *Room {
	r := &Room{
		Code:    code,
		state:   rsm.New(code),
		healthy: true,
	}
	r.lastActivity.Store(time.Now().UnixNano())
	return r
}

// Apply folds a committed operation into the room's state. A fold that
// returns an error is a determinism-violation bug:
// unreachable in correct code, fatal for this room's group when it happens.
// The room is marked unhealthy and refuses further writes; an operator
// restart is required to recover it.
func (r *Room) Apply(op wire.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActivity.Store(time.Now().UnixNano())
	next, err := rsm.Apply(r.state, op)
	if err != nil {
		slog.Error("registry: apply rejected, marking room unhealthy",
			"room", r.Code, "kind", op.Kind, "error", err)
		r.healthy = false
		return
	}
	r.state = next
}

// Snapshot returns a copy-safe read of the room's current state. rsm.State
// replaces slices wholesale on Apply, never mutates in place, so handing out
// the value directly is safe once taken under the lock.
func (r *Room) Snapshot() rsm.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Healthy reports whether the room may still accept proposals.
func (r *Room) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy
}

// Empty reports whether the room currently has no participants, one of the
// two conditions required before a room may be destroyed.
func (r *Room) Empty() bool {
	return len(r.Snapshot().Participants) == 0
}

// IdleSince reports how long it has been since the room last applied an
// operation.
func (r *Room) IdleSince() time.Duration {
	last := time.Unix(0, r.lastActivity.Load())
	return time.Since(last)
}

// Raft exposes the room's Raft group so the gateway can Propose directly
// when this node is the leader, or read State()/CommitIndex() for replies.
func (r *Room) Raft() *raft.Group {
	return r.raftGroup
}
