package raft

import (
	"time"

	"github.com/kartikbazzad/bunroom/internal/wire"
)

// AppendEntries handles a replication or heartbeat RPC from the leader.
//
//  1. Reject if the leader's term is older than ours.
//  2. Step down if the leader's term is newer, or if we were a candidate.
//  3. Reject if our log doesn't contain PrevLogIndex/PrevLogTerm, returning
//     MatchIndex as a fast-backtrack hint so the leader can jump nextIndex
//     instead of decrementing one entry at a time.
//  4. Truncate on conflict, append new entries, advance commitIndex.
func (g *Group) AppendEntries(args wire.AppendEntriesArgs) wire.AppendEntriesReply {
	g.mu.Lock()
	defer g.mu.Unlock()

	reply := wire.AppendEntriesReply{Term: g.currentTerm}

	if args.Term < g.currentTerm {
		return reply
	}

	g.resetElectionTimer()
	if args.Term > g.currentTerm {
		g.currentTerm = args.Term
		g.votedFor = ""
	}
	g.state = Follower
	g.setLeaderLocked(args.LeaderID)

	if args.PrevLogIndex > 0 {
		lastIdx, _ := g.getLastLogInfo()
		if lastIdx < args.PrevLogIndex {
			reply.Term = g.currentTerm
			reply.MatchIndex = lastIdx
			return reply
		}
		entry, found := g.getLogEntry(args.PrevLogIndex)
		if !found || entry.Term != args.PrevLogTerm {
			hint := args.PrevLogIndex - 1
			reply.Term = g.currentTerm
			reply.MatchIndex = hint
			return reply
		}
	}

	for _, newEntry := range args.Entries {
		existing, found := g.getLogEntry(newEntry.Index)
		switch {
		case found && existing.Term != newEntry.Term:
			g.truncateLog(newEntry.Index)
			g.log = append(g.log, newEntry)
		case !found:
			g.log = append(g.log, newEntry)
		}
	}

	if args.LeaderCommit > g.commitIndex {
		lastIdx, _ := g.getLastLogInfo()
		if args.LeaderCommit < lastIdx {
			g.commitIndex = args.LeaderCommit
		} else {
			g.commitIndex = lastIdx
		}
		g.cond.Broadcast()
	}

	reply.Success = true
	reply.Term = g.currentTerm
	lastIdx, _ := g.getLastLogInfo()
	reply.MatchIndex = lastIdx
	return reply
}

// Propose appends op to the leader's log and blocks until it commits and
// is applied, or until leadership is lost first. Non-leaders must reject
// the client (or the gateway forwards to the current leader) — they never
// buffer a write locally.
func (g *Group) Propose(op wire.Operation) (uint64, error) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return 0, ErrStopped
	}
	if g.state != Leader {
		g.mu.Unlock()
		return 0, ErrNotLeader
	}
	term := g.currentTerm
	lastIdx, _ := g.getLastLogInfo()
	index := lastIdx + 1
	g.log = append(g.log, wire.LogEntry{Term: term, Index: index, Operation: op})
	g.matchIndex[g.id] = index
	g.updateCommitIndexLocked() // a quorum of one commits immediately
	g.mu.Unlock()

	go g.broadcastAppendEntries(term)

	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.lastApplied >= index {
			return index, nil
		}
		if g.stopped {
			return 0, ErrStopped
		}
		if g.state != Leader || g.currentTerm != term {
			return 0, ErrLeadershipLost
		}
		g.cond.Wait()
	}
}

func (g *Group) startHeartbeatLocked() {
	if g.heartbeatTimer != nil {
		g.heartbeatTimer.Stop()
	}
	g.heartbeatTimer = time.NewTicker(time.Duration(g.config.HeartbeatMs) * time.Millisecond)
	ticker := g.heartbeatTimer

	go func() {
		for {
			select {
			case <-ticker.C:
				g.mu.Lock()
				if g.state != Leader || g.stopped {
					g.mu.Unlock()
					return
				}
				term := g.currentTerm
				g.mu.Unlock()
				g.broadcastAppendEntries(term)
			case <-g.stopCh:
				return
			}
		}
	}()
}

// broadcastAppendEntries triggers one replication round toward every peer
// at the given term. Called both on the heartbeat tick and immediately
// after Propose so a write doesn't wait a full heartbeat interval to start
// replicating. Replication per peer is serialized: a peer with an
// AppendEntries already in flight is only marked pending, and however many
// triggers arrive while that call is out coalesce into a single follow-up
// round once it returns.
func (g *Group) broadcastAppendEntries(term uint64) {
	g.mu.Lock()
	if g.state != Leader || g.currentTerm != term || g.stopped {
		g.mu.Unlock()
		return
	}
	var launch []string
	for _, peer := range g.peers {
		if peer == g.id {
			continue
		}
		if g.replicating[peer] {
			g.replicatePending[peer] = true
			continue
		}
		g.replicating[peer] = true
		launch = append(launch, peer)
	}
	g.mu.Unlock()

	for _, p := range launch {
		go g.replicateToPeer(p)
	}
}

// replicateToPeer is the single replication loop for one peer; the caller
// must have claimed g.replicating[p] before spawning it. Each iteration
// snapshots the peer's nextIndex tail at the current term, sends one
// AppendEntries, and applies the reply; it runs again only if a trigger
// arrived while the RPC was in flight, and releases the peer's slot on
// exit.
func (g *Group) replicateToPeer(p string) {
	for {
		g.mu.Lock()
		if g.state != Leader || g.stopped {
			delete(g.replicating, p)
			delete(g.replicatePending, p)
			g.mu.Unlock()
			return
		}
		delete(g.replicatePending, p)
		term := g.currentTerm
		nextIdx := g.nextIndex[p]
		if nextIdx == 0 {
			nextIdx = 1
		}
		prevLogIndex := nextIdx - 1
		var prevLogTerm uint64
		if prevLogIndex > 0 {
			if entry, found := g.getLogEntry(prevLogIndex); found {
				prevLogTerm = entry.Term
			}
		}
		var entries []wire.LogEntry
		for _, entry := range g.log {
			if entry.Index >= nextIdx {
				entries = append(entries, entry)
			}
		}
		leaderCommit := g.commitIndex
		g.mu.Unlock()

		args := wire.AppendEntriesArgs{
			Term:         term,
			LeaderID:     g.id,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      entries,
			LeaderCommit: leaderCommit,
		}
		reply, err := g.rpc.SendAppendEntries(p, g.roomCode, args)

		g.mu.Lock()
		if err == nil && g.state == Leader && g.currentTerm == term {
			switch {
			case reply.Term > g.currentTerm:
				g.currentTerm = reply.Term
				g.state = Follower
				g.votedFor = ""
				g.leaderID = ""
				g.resetElectionTimer()
				g.cond.Broadcast()
			case reply.Success:
				if len(entries) > 0 {
					last := entries[len(entries)-1]
					if last.Index > g.matchIndex[p] {
						g.matchIndex[p] = last.Index
					}
					if last.Index+1 > g.nextIndex[p] {
						g.nextIndex[p] = last.Index + 1
					}
				} else if reply.MatchIndex > g.matchIndex[p] {
					g.matchIndex[p] = reply.MatchIndex
				}
				g.updateCommitIndexLocked()
			default:
				g.nextIndex[p] = reply.MatchIndex + 1
			}
		}
		if !g.replicatePending[p] || g.state != Leader || g.stopped {
			delete(g.replicating, p)
			delete(g.replicatePending, p)
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()
	}
}

// updateCommitIndexLocked finds the highest N, greater than commitIndex,
// replicated on a majority of peers and committed in the current term
// (the Raft safety rule: a leader only commits entries from its own term
// directly; earlier-term entries commit as a side effect of that). Caller
// must hold g.mu.
func (g *Group) updateCommitIndexLocked() {
	lastIdx, _ := g.getLastLogInfo()
	for n := lastIdx; n > g.commitIndex; n-- {
		entry, found := g.getLogEntry(n)
		if !found || entry.Term != g.currentTerm {
			continue
		}
		count := 1 // self
		for _, peer := range g.peers {
			if peer == g.id {
				continue
			}
			if g.matchIndex[peer] >= n {
				count++
			}
		}
		if count > len(g.peers)/2 {
			g.commitIndex = n
			g.cond.Broadcast()
			break
		}
	}
}
