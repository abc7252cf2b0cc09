// Package metrics exposes bunroom's Prometheus instruments. Gauges labeled
// by room are deleted when the room is dropped so a long-lived node doesn't
// accumulate series for dead rooms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoomsActive is the number of rooms this node currently hosts.
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bunroom_rooms_active",
			Help: "Number of rooms with a live Raft group on this node",
		},
	)
	// GatewaySessions is the number of live client WebSocket sessions.
	GatewaySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bunroom_gateway_sessions",
			Help: "Number of connected client sessions on this node",
		},
	)
	// RaftTerm is each local room group's current term.
	RaftTerm = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bunroom_raft_term",
			Help: "Current Raft term per room",
		},
		[]string{"room"},
	)
	// RaftCommitIndex is each local room group's commit index.
	RaftCommitIndex = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bunroom_raft_commit_index",
			Help: "Highest committed log index per room",
		},
		[]string{"room"},
	)
	// RaftRole is each local room group's role: 0 follower, 1 candidate,
	// 2 leader.
	RaftRole = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bunroom_raft_role",
			Help: "Raft role per room (0=follower, 1=candidate, 2=leader)",
		},
		[]string{"room"},
	)
	// StateUpdatesDropped counts ROOM_STATE_UPDATE frames discarded under
	// session backpressure.
	StateUpdatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bunroom_state_updates_dropped_total",
			Help: "State update frames dropped from full session queues",
		},
	)
	// OperationsProposed counts client operations proposed or forwarded by
	// this node, by kind and outcome.
	OperationsProposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunroom_operations_total",
			Help: "Client operations handled by the gateway",
		},
		[]string{"kind", "status"},
	)
)

// DropRoom removes every per-room series for code.
func DropRoom(code string) {
	RaftTerm.DeleteLabelValues(code)
	RaftCommitIndex.DeleteLabelValues(code)
	RaftRole.DeleteLabelValues(code)
}
