// Package registry maintains the cluster-local map of room code to
// {RSM, Raft group, subscriber set}. The subscriber set itself is owned by
// the Client Gateway; the registry only knows whether a room has any local
// subscribers through the HasLocalSubscribers callback, so it can decide
// whether a room is eligible for idle eviction without reaching into the
// gateway's internals.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kartikbazzad/bunroom/internal/metrics"
	"github.com/kartikbazzad/bunroom/internal/raft"
	"github.com/kartikbazzad/bunroom/internal/wire"
)

// Options configures a Registry.
type Options struct {
	NodeID  string
	PeerIDs []string
	RPC     raft.RPCClient

	// Fanout is called synchronously, in Raft apply order, after every
	// committed operation. May be nil in tests that don't care about fanout.
	Fanout func(roomCode string, entry wire.LogEntry, room *Room)

	// HasLocalSubscribers reports whether any session on this node is
	// currently bound to roomCode. Consulted by the idle evictor alongside
	// Room.Empty().
	HasLocalSubscribers func(roomCode string) bool

	// LeaderChanged is invoked whenever a room's Raft group observes a new
	// leader. The gateway uses it to push LEADER_CHANGED to subscribers.
	LeaderChanged func(roomCode, leaderID string)

	IdleTTL            time.Duration
	EvictCheckInterval time.Duration
	RaftConfig         func(roomCode string) *raft.Config // optional override, mainly for tests

	// MaxLogEntries caps a room's Raft log. There is no snapshotting or
	// compaction, so a room whose log reaches the cap is torn down with a
	// warning instead of growing without bound. Zero means the default.
	MaxLogEntries uint64
}

// DefaultMaxLogEntries is sized for ephemeral rooms, which are expected to
// die long before reaching it.
const DefaultMaxLogEntries = 20000

// Registry is the cluster-local room directory. Inserts are rare (one per
// room creation) so a single short-critical-section mutex guarding the map
// is enough.
type Registry struct {
	opts Options

	mu    sync.Mutex
	rooms map[string]*Room

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Registry and starts its idle-eviction loop.
func New(opts Options) *Registry {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.EvictCheckInterval <= 0 {
		opts.EvictCheckInterval = 30 * time.Second
	}
	if opts.MaxLogEntries == 0 {
		opts.MaxLogEntries = DefaultMaxLogEntries
	}
	r := &Registry{
		opts:   opts,
		rooms:  make(map[string]*Room),
		stopCh: make(chan struct{}),
	}
	go r.evictionLoop()
	return r
}

// ErrRoomUnhealthy is returned when a proposal targets a room that suffered
// a determinism-violation fault.
var ErrRoomUnhealthy = fmt.Errorf("registry: room is unhealthy, refusing writes")

// CreateRoom instantiates a room's RSM and Raft group if code is not
// already present locally; otherwise it is a no-op and the existing Room is
// returned.
func (r *Registry) CreateRoom(code string) (*Room, error) {
	r.mu.Lock()
	if existing, ok := r.rooms[code]; ok {
		r.mu.Unlock()
		return existing, nil
	}

	room := newRoom(code)
	cfg := raft.DefaultConfig(r.opts.NodeID, r.opts.PeerIDs)
	if r.opts.RaftConfig != nil {
		cfg = r.opts.RaftConfig(code)
	}
	group := raft.NewGroup(code, cfg, r.opts.RPC, room, func(entry wire.LogEntry) {
		if r.opts.Fanout != nil {
			r.opts.Fanout(code, entry, room)
		}
		r.observeCommit(code, entry)
	})
	group.OnLeaderChange(func(leaderID string) {
		role, term, _ := group.State()
		metrics.RaftRole.WithLabelValues(code).Set(float64(role))
		metrics.RaftTerm.WithLabelValues(code).Set(float64(term))
		if r.opts.LeaderChanged != nil {
			r.opts.LeaderChanged(code, leaderID)
		}
	})
	room.raftGroup = group
	r.rooms[code] = room
	r.mu.Unlock()

	group.Start()
	metrics.RoomsActive.Inc()
	slog.Info("registry: room created", "room", code, "node", r.opts.NodeID)
	return room, nil
}

// observeCommit updates per-room gauges after each applied entry and
// enforces the log cap: with no compaction, a room that reaches
// MaxLogEntries is torn down rather than left to grow without bound.
func (r *Registry) observeCommit(code string, entry wire.LogEntry) {
	role, term, _ := r.groupState(code)
	metrics.RaftRole.WithLabelValues(code).Set(float64(role))
	metrics.RaftTerm.WithLabelValues(code).Set(float64(term))
	metrics.RaftCommitIndex.WithLabelValues(code).Set(float64(entry.Index))

	if entry.Index >= r.opts.MaxLogEntries {
		slog.Warn("registry: room log reached cap, tearing room down",
			"room", code, "index", entry.Index, "cap", r.opts.MaxLogEntries)
		go r.DropRoom(code)
	}
}

func (r *Registry) groupState(code string) (raft.State, uint64, string) {
	room, ok := r.GetForRead(code)
	if !ok {
		return raft.Follower, 0, ""
	}
	return room.Raft().State()
}

// DropRoom tears down a room's Raft group and removes it from the registry.
// Destruction is purely a local concern: other nodes drop the
// same room independently once they observe it idle and empty.
func (r *Registry) DropRoom(code string) {
	r.mu.Lock()
	room, ok := r.rooms[code]
	if ok {
		delete(r.rooms, code)
	}
	r.mu.Unlock()

	if ok {
		room.raftGroup.Stop()
		metrics.RoomsActive.Dec()
		metrics.DropRoom(code)
		slog.Info("registry: room dropped", "room", code, "node", r.opts.NodeID)
	}
}

// GetForRead returns the room for a read-only snapshot, or false if unknown
// locally.
func (r *Registry) GetForRead(code string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[code]
	return room, ok
}

// GetForWrite returns the room a caller intends to propose against. Callers
// must still route the actual write through Room.Raft().Propose (or forward
// to the leader) — this accessor performs no mutation itself.
func (r *Registry) GetForWrite(code string) (*Room, bool) {
	return r.GetForRead(code)
}

// Has reports whether code is present locally, without allocating a lookup
// result — used by the gateway to reject colliding codes on create and
// unknown rooms on join.
func (r *Registry) Has(code string) bool {
	_, ok := r.GetForRead(code)
	return ok
}

// Stop halts the eviction loop and tears down every room. Used on node
// shutdown.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	codes := make([]string, 0, len(r.rooms))
	for code := range r.rooms {
		codes = append(codes, code)
	}
	r.mu.Unlock()

	for _, code := range codes {
		r.DropRoom(code)
	}
}

func (r *Registry) evictionLoop() {
	ticker := time.NewTicker(r.opts.EvictCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.stopCh:
			return
		}
	}
}

// evictIdle drops every room that is empty of participants, has applied no
// operation for at least IdleTTL, and has no locally subscribed client at
// the time of the check. All conditions must hold: a populated-but-
// unsubscribed room (e.g. every client reconnected elsewhere mid-partition)
// is not evicted.
func (r *Registry) evictIdle() {
	r.mu.Lock()
	var candidates []string
	for code, room := range r.rooms {
		if room.Empty() && room.IdleSince() >= r.opts.IdleTTL {
			candidates = append(candidates, code)
		}
	}
	r.mu.Unlock()

	for _, code := range candidates {
		if r.opts.HasLocalSubscribers != nil && r.opts.HasLocalSubscribers(code) {
			continue
		}
		r.DropRoom(code)
	}
}
