package raft

import (
	"log/slog"
	"sync/atomic"

	"github.com/kartikbazzad/bunroom/internal/wire"
)

// RequestVote handles an incoming vote request from a candidate.
//
//  1. Reject if the candidate's term is older than ours.
//  2. Step down if the candidate's term is newer.
//  3. Grant the vote only if we haven't voted for someone else this term
//     and the candidate's log is at least as up to date as ours.
func (g *Group) RequestVote(args wire.RequestVoteArgs) wire.RequestVoteReply {
	g.mu.Lock()
	defer g.mu.Unlock()

	reply := wire.RequestVoteReply{Term: g.currentTerm}

	if args.Term < g.currentTerm {
		return reply
	}
	if args.Term > g.currentTerm {
		g.currentTerm = args.Term
		g.state = Follower
		g.votedFor = ""
		g.leaderID = ""
		g.resetElectionTimer()
	}

	lastIdx, lastTerm := g.getLastLogInfo()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIdx)

	if (g.votedFor == "" || g.votedFor == args.CandidateID) && upToDate {
		g.votedFor = args.CandidateID
		g.resetElectionTimer()
		reply.VoteGranted = true
		reply.Term = g.currentTerm
	}
	return reply
}

// runElection fans RequestVote out to every peer and becomes leader on a
// first majority of granted votes.
func (g *Group) runElection() {
	g.mu.Lock()
	term := g.currentTerm
	peers := g.peers
	lastIdx, lastTerm := g.getLastLogInfo()
	g.mu.Unlock()

	var votes int32 = 1 // vote for self

	// A cluster of one (or a quorum of one) elects itself without waiting
	// for any reply.
	if 1 > len(peers)/2 {
		g.mu.Lock()
		if g.state == Candidate && g.currentTerm == term {
			g.becomeLeaderLocked()
		}
		g.mu.Unlock()
		return
	}

	for _, peer := range peers {
		if peer == g.id {
			continue
		}
		go func(p string) {
			args := wire.RequestVoteArgs{
				Term:         term,
				CandidateID:  g.id,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
			}
			reply, err := g.rpc.SendRequestVote(p, g.roomCode, args)
			if err != nil {
				return
			}

			g.mu.Lock()
			defer g.mu.Unlock()

			if g.state != Candidate || g.currentTerm != term {
				return // election is stale
			}
			if reply.Term > g.currentTerm {
				g.currentTerm = reply.Term
				g.state = Follower
				g.votedFor = ""
				g.leaderID = ""
				g.resetElectionTimer()
				return
			}
			if reply.VoteGranted {
				n := atomic.AddInt32(&votes, 1)
				if int(n) > len(g.peers)/2 {
					g.becomeLeaderLocked()
				}
			}
		}(peer)
	}
}

// becomeLeaderLocked transitions to Leader. Caller must hold g.mu.
func (g *Group) becomeLeaderLocked() {
	if g.state == Leader {
		return
	}
	g.state = Leader
	g.setLeaderLocked(g.id)
	slog.Info("raft: became leader", "room", g.roomCode, "node", g.id, "term", g.currentTerm)

	if g.electionTimer != nil {
		g.electionTimer.Stop()
	}

	g.nextIndex = make(map[string]uint64)
	g.matchIndex = make(map[string]uint64)
	lastIdx, _ := g.getLastLogInfo()
	for _, p := range g.peers {
		g.nextIndex[p] = lastIdx + 1
		g.matchIndex[p] = 0
	}

	g.startHeartbeatLocked()
}
