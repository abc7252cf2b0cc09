// Package raft implements the per-room Raft consensus group: leader
// election, log replication, and commit-index safety.
// Each room in the cluster runs its own independent Group — there is no
// cross-room coordination or shared log.
package raft

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/kartikbazzad/bunroom/internal/wire"
)

// State represents the current role of a Group.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	}
	return "Unknown"
}

// Config holds the tunables for one Group.
type Config struct {
	NodeID        string
	Peers         []string // peer node IDs, including this node's own ID
	ElectionMinMs int
	ElectionMaxMs int
	HeartbeatMs   int
}

// DefaultConfig returns sane timings for a room group.
func DefaultConfig(nodeID string, peers []string) *Config {
	return &Config{
		NodeID:        nodeID,
		Peers:         peers,
		ElectionMinMs: 300,
		ElectionMaxMs: 500,
		HeartbeatMs:   100,
	}
}

// RPCClient sends the two Raft RPCs to a named peer, addressed for a
// specific room. Implemented concretely by internal/rpc.
type RPCClient interface {
	SendRequestVote(peerID, roomCode string, args wire.RequestVoteArgs) (wire.RequestVoteReply, error)
	SendAppendEntries(peerID, roomCode string, args wire.AppendEntriesArgs) (wire.AppendEntriesReply, error)
}

// StateMachine receives operations in committed-log order. Apply must be
// side-effect free with respect to anything but its own internal state —
// it is called once per committed LogEntry, in order, never concurrently.
type StateMachine interface {
	Apply(op wire.Operation)
}

// ErrNotLeader is returned by Propose when this node cannot accept writes.
var ErrNotLeader = errors.New("raft: not the leader")

// ErrLeadershipLost is returned by Propose when the group loses leadership,
// or a newer term is observed, before the proposed entry commits.
var ErrLeadershipLost = errors.New("raft: leadership lost before entry committed")

// ErrStopped is returned by Propose after the group has been stopped.
var ErrStopped = errors.New("raft: group stopped")

// Group is one room's Raft participant.
type Group struct {
	mu   sync.Mutex
	cond *sync.Cond

	roomCode string

	// Persistent state.
	currentTerm uint64
	votedFor    string
	log         []wire.LogEntry

	// Volatile state.
	commitIndex uint64
	lastApplied uint64
	state       State
	leaderID    string

	// Leader-only volatile state.
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	// Per-peer replication serialization: replicating marks a peer with an
	// AppendEntries currently in flight; replicatePending marks that one or
	// more triggers arrived while it was. All intervening triggers coalesce
	// into a single follow-up round.
	replicating      map[string]bool
	replicatePending map[string]bool

	id     string
	peers  []string
	config *Config

	rpc            RPCClient
	fsm            StateMachine
	onCommit       func(wire.LogEntry)
	onLeaderChange func(leaderID string)

	electionTimer  *time.Timer
	heartbeatTimer *time.Ticker

	stopped bool
	stopCh  chan struct{}
}

// NewGroup constructs a Group for one room. onCommit, if non-nil, is
// called synchronously after each entry is applied to fsm — the registry
// uses this to fan the new state out to subscribers.
func NewGroup(roomCode string, cfg *Config, rpc RPCClient, fsm StateMachine, onCommit func(wire.LogEntry)) *Group {
	g := &Group{
		roomCode:         roomCode,
		id:               cfg.NodeID,
		peers:            cfg.Peers,
		config:           cfg,
		rpc:              rpc,
		fsm:              fsm,
		onCommit:         onCommit,
		state:            Follower,
		nextIndex:        make(map[string]uint64),
		matchIndex:       make(map[string]uint64),
		replicating:      make(map[string]bool),
		replicatePending: make(map[string]bool),
		stopCh:           make(chan struct{}),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// OnLeaderChange registers a hook fired whenever the group learns of a new
// leader — itself, on winning an election, or a peer, via AppendEntries. Must
// be set before Start. The hook runs on its own goroutine so it may call back
// into the group freely.
func (g *Group) OnLeaderChange(fn func(leaderID string)) {
	g.onLeaderChange = fn
}

// setLeaderLocked records the current leader and fires the change hook if the
// identity actually changed. Caller must hold g.mu.
func (g *Group) setLeaderLocked(leaderID string) {
	if g.leaderID == leaderID {
		return
	}
	g.leaderID = leaderID
	if g.onLeaderChange != nil && leaderID != "" {
		go g.onLeaderChange(leaderID)
	}
}

// Start begins the group's election timer and apply loop. Safe to call once.
func (g *Group) Start() {
	g.mu.Lock()
	g.resetElectionTimer()
	g.mu.Unlock()
	go g.applyLoop()
}

// Stop halts all timers and wakes any Propose callers waiting on commit.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	close(g.stopCh)
	if g.electionTimer != nil {
		g.electionTimer.Stop()
	}
	if g.heartbeatTimer != nil {
		g.heartbeatTimer.Stop()
	}
	g.cond.Broadcast()
}

// State reports the group's current role, term, and leader hint.
func (g *Group) State() (State, uint64, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.currentTerm, g.leaderID
}

// CommitIndex reports the highest index known committed.
func (g *Group) CommitIndex() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commitIndex
}

func (g *Group) resetElectionTimer() {
	if g.electionTimer != nil {
		g.electionTimer.Stop()
	}
	span := g.config.ElectionMaxMs - g.config.ElectionMinMs
	if span <= 0 {
		span = 1
	}
	duration := time.Duration(g.config.ElectionMinMs+rand.Intn(span)) * time.Millisecond
	g.electionTimer = time.AfterFunc(duration, g.startElection)
}

func (g *Group) startElection() {
	g.mu.Lock()
	if g.stopped || g.state == Leader {
		g.mu.Unlock()
		return
	}
	g.state = Candidate
	g.currentTerm++
	g.votedFor = g.id
	g.leaderID = ""
	g.resetElectionTimer()
	g.mu.Unlock()

	go g.runElection()
}

func (g *Group) getLastLogInfo() (uint64, uint64) {
	if len(g.log) == 0 {
		return 0, 0
	}
	last := g.log[len(g.log)-1]
	return last.Index, last.Term
}

func (g *Group) getLogEntry(index uint64) (wire.LogEntry, bool) {
	for _, entry := range g.log {
		if entry.Index == index {
			return entry, true
		}
	}
	return wire.LogEntry{}, false
}

func (g *Group) truncateLog(fromIndex uint64) {
	kept := g.log[:0]
	for _, entry := range g.log {
		if entry.Index < fromIndex {
			kept = append(kept, entry)
		}
	}
	g.log = kept
}

// applyLoop is the Group's single applier goroutine. Serializing all
// fsm.Apply/onCommit calls through one goroutine is what lets StateMachine
// promise callers it is never invoked concurrently, even though commitIndex
// can advance from several different RPC-handling goroutines.
func (g *Group) applyLoop() {
	for {
		g.mu.Lock()
		for !g.stopped && g.lastApplied >= g.commitIndex {
			g.cond.Wait()
		}
		if g.stopped && g.lastApplied >= g.commitIndex {
			g.mu.Unlock()
			return
		}
		next := g.lastApplied + 1
		entry, found := g.getLogEntry(next)
		g.mu.Unlock()

		if found {
			if g.fsm != nil {
				g.fsm.Apply(entry.Operation)
			}
			if g.onCommit != nil {
				g.onCommit(entry)
			}
		}

		g.mu.Lock()
		g.lastApplied = next
		g.cond.Broadcast()
		g.mu.Unlock()
	}
}
