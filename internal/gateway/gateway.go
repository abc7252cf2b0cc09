// Package gateway implements the client-facing half of a node: accept
// WebSocket sessions, validate and dispatch client messages, forward writes
// to a room's leader, and fan committed state back out to local subscribers.
package gateway

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/bunroom/internal/apperrors"
	"github.com/kartikbazzad/bunroom/internal/metrics"
	"github.com/kartikbazzad/bunroom/internal/raft"
	"github.com/kartikbazzad/bunroom/internal/registry"
	"github.com/kartikbazzad/bunroom/internal/rsm"
	"github.com/kartikbazzad/bunroom/internal/wire"
)

// roomCodeAlphabet is the charset room codes are drawn from.
const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RPC is the subset of rpc.Client the gateway needs: the two Raft RPCs
// (passed straight through to registry.New as its raft.RPCClient), plus the
// create-room handshake and write-forwarding the gateway itself uses.
type RPC interface {
	raft.RPCClient
	SendCreateRoom(peerID string, args wire.CreateRoomArgs) error
	Forward(peerID, roomCode string, op wire.Operation) error
}

// Gateway owns every locally connected Session and the per-room subscriber
// sets that drive fanout. The registry never holds a reference back to the
// Gateway — the Gateway registers itself as a plain callback when it
// constructs the Registry.
type Gateway struct {
	NodeID  string
	PeerIDs []string

	reg *registry.Registry
	rpc RPC

	codec *wire.Codec
	pool  *ants.Pool

	mu          sync.Mutex
	sessions    map[string]*Session            // sessionID -> session
	subscribers map[string]map[string]*Session // roomCode -> sessionID -> session
}

// Config bundles the dependencies a Gateway needs at construction.
type Config struct {
	NodeID             string
	PeerIDs            []string
	RPC                RPC
	IdleRoomTTL        time.Duration
	EvictCheckInterval time.Duration
	MaxLogEntries      uint64
}

// New builds a Gateway and the Registry it drives. The fanout closure
// passed to registry.New is the one place the two packages touch — it hands
// the gateway a room code and a post-apply snapshot, nothing more.
func New(cfg Config) *Gateway {
	gw := &Gateway{
		NodeID:      cfg.NodeID,
		PeerIDs:     cfg.PeerIDs,
		rpc:         cfg.RPC,
		codec:       wire.NewCodec(),
		sessions:    make(map[string]*Session),
		subscribers: make(map[string]map[string]*Session),
	}

	pool, err := ants.NewPool(256, ants.WithNonblocking(false))
	if err != nil {
		// A bounded goroutine pool is a fan-out optimization, not a
		// correctness requirement; fall back to unbounded goroutines rather
		// than fail gateway construction.
		slog.Warn("gateway: ants pool unavailable, fanout will spawn unbounded goroutines", "error", err)
	}
	gw.pool = pool

	gw.reg = registry.New(registry.Options{
		NodeID:              cfg.NodeID,
		PeerIDs:             cfg.PeerIDs,
		RPC:                 cfg.RPC,
		Fanout:              gw.onCommit,
		HasLocalSubscribers: gw.hasLocalSubscribers,
		LeaderChanged:       gw.onLeaderChange,
		IdleTTL:             cfg.IdleRoomTTL,
		EvictCheckInterval:  cfg.EvictCheckInterval,
		MaxLogEntries:       cfg.MaxLogEntries,
	})
	return gw
}

// Registry exposes the underlying room registry (used by the node
// supervisor to wire the RPC server's Dispatcher).
func (gw *Gateway) Registry() *registry.Registry { return gw.reg }

// Stop tears down every room and closes every session.
func (gw *Gateway) Stop() {
	gw.reg.Stop()
	gw.mu.Lock()
	sessions := make([]*Session, 0, len(gw.sessions))
	for _, s := range gw.sessions {
		sessions = append(sessions, s)
	}
	gw.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	if gw.pool != nil {
		gw.pool.Release()
	}
}

func (gw *Gateway) hasLocalSubscribers(roomCode string) bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.subscribers[roomCode]) > 0
}

// onCommit is the registry's Fanout callback: invoked synchronously, in
// Raft apply order, after every committed operation. It must not block on
// slow subscribers, so each push is dispatched through the bounded worker
// pool rather than inline.
func (gw *Gateway) onCommit(roomCode string, entry wire.LogEntry, room *registry.Room) {
	state := room.Snapshot()
	data, err := gw.codec.EncodeClientFrame(wire.ServerRoomStateUpdate, stateUpdatePayload(roomCode, state))
	if err != nil {
		slog.Error("gateway: encode state update", "room", roomCode, "error", err)
		return
	}

	gw.mu.Lock()
	subs := make([]*Session, 0, len(gw.subscribers[roomCode]))
	for _, s := range gw.subscribers[roomCode] {
		subs = append(subs, s)
	}
	gw.mu.Unlock()

	for _, s := range subs {
		s := s
		task := func() { s.sendDroppable(data) }
		if gw.pool != nil {
			if err := gw.pool.Submit(task); err != nil {
				go task()
			}
		} else {
			go task()
		}
	}
}

// onLeaderChange pushes LEADER_CHANGED to every local subscriber of the
// room. Clients don't act on it — forwarding keeps writes transparent — but
// it lets them surface "reconnecting"-style hints during an election.
func (gw *Gateway) onLeaderChange(roomCode, leaderID string) {
	data, err := gw.codec.EncodeClientFrame(wire.ServerLeaderChanged, map[string]string{
		"roomCode": roomCode,
		"leaderId": leaderID,
	})
	if err != nil {
		return
	}

	gw.mu.Lock()
	subs := make([]*Session, 0, len(gw.subscribers[roomCode]))
	for _, s := range gw.subscribers[roomCode] {
		subs = append(subs, s)
	}
	gw.mu.Unlock()

	for _, s := range subs {
		s.sendCritical(data)
	}
}

type stateUpdate struct {
	RoomCode  string    `json:"roomCode"`
	RoomState rsm.State `json:"roomState"`
}

func stateUpdatePayload(roomCode string, state rsm.State) stateUpdate {
	return stateUpdate{RoomCode: roomCode, RoomState: state}
}

// ServeWS upgrades an HTTP request to a WebSocket and runs the session's
// read/write pumps until it disconnects.
func (gw *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}

	session := newSession(uuid.NewString(), conn)
	gw.mu.Lock()
	gw.sessions[session.ID] = session
	gw.mu.Unlock()
	metrics.GatewaySessions.Inc()

	go session.writePump()

	connected, _ := gw.codec.EncodeClientFrame(wire.ServerConnected, map[string]string{
		"clientId": session.ID,
		"nodeId":   gw.NodeID,
	})
	session.sendCritical(connected)

	gw.readPump(session)
}

// readPump decodes frames off the connection and dispatches them until the
// connection closes, then synthesizes a ROOM_LEAVE for any bound room.
func (gw *Gateway) readPump(session *Session) {
	defer gw.onDisconnect(session)
	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := gw.codec.DecodeClientFrame(data)
		if err != nil {
			gw.sendError(session, "", err.Error(), "")
			continue
		}
		gw.dispatch(session, frame)
	}
}

func (gw *Gateway) onDisconnect(session *Session) {
	roomCode := session.BoundRoomCode()
	if roomCode != "" {
		userID := session.UserID()
		gw.unsubscribe(roomCode, session.ID)
		if userID != "" {
			op := wire.Operation{Kind: wire.OpRoomLeave, OriginUserID: userID}
			if err := gw.propose(roomCode, op); err != nil {
				slog.Warn("gateway: disconnect leave failed", "room", roomCode, "user", userID, "error", err)
			}
		}
	}

	gw.mu.Lock()
	_, present := gw.sessions[session.ID]
	delete(gw.sessions, session.ID)
	gw.mu.Unlock()
	if present {
		metrics.GatewaySessions.Dec()
	}
	session.Close()
}

// roomDebug is the GET /rooms/{code} operator snapshot: the canonical room
// state plus the local Raft group's view of the room.
type roomDebug struct {
	RoomCode    string    `json:"roomCode"`
	State       rsm.State `json:"state"`
	Role        string    `json:"role"`
	Term        uint64    `json:"term"`
	LeaderID    string    `json:"leaderId,omitempty"`
	CommitIndex uint64    `json:"commitIndex"`
	Healthy     bool      `json:"healthy"`
}

// ServeRoomDebug serves GET /rooms/{code} on the client port.
func (gw *Gateway) ServeRoomDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code := wire.NormalizeRoomCode(strings.TrimPrefix(r.URL.Path, "/rooms/"))
	room, ok := gw.reg.GetForRead(code)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	role, term, leaderID := room.Raft().State()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(roomDebug{
		RoomCode:    code,
		State:       room.Snapshot(),
		Role:        role.String(),
		Term:        term,
		LeaderID:    leaderID,
		CommitIndex: room.Raft().CommitIndex(),
		Healthy:     room.Healthy(),
	})
}

func (gw *Gateway) subscribe(roomCode string, session *Session) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	set, ok := gw.subscribers[roomCode]
	if !ok {
		set = make(map[string]*Session)
		gw.subscribers[roomCode] = set
	}
	set[session.ID] = session
	session.bind(roomCode)
}

func (gw *Gateway) unsubscribe(roomCode, sessionID string) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if set, ok := gw.subscribers[roomCode]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(gw.subscribers, roomCode)
		}
	}
}

// propose routes op through the room's current leader: directly if this
// node is the leader, forwarded by RPC otherwise. It returns
// once the write is committed locally (local-leader path) or the forward
// RPC completes (remote-leader path) — the forwarding node's own commit of
// the same entry still arrives later, via ordinary replication.
func (gw *Gateway) propose(roomCode string, op wire.Operation) error {
	err := gw.proposeInner(roomCode, op)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.OperationsProposed.WithLabelValues(string(op.Kind), status).Inc()
	return err
}

func (gw *Gateway) proposeInner(roomCode string, op wire.Operation) error {
	room, ok := gw.reg.GetForWrite(roomCode)
	if !ok {
		return apperrors.NotFound(fmt.Sprintf("room %q not found", roomCode))
	}
	if !room.Healthy() {
		return apperrors.Internal(registry.ErrRoomUnhealthy)
	}

	state, _, leaderID := room.Raft().State()
	if state == raft.Leader {
		_, err := registry.StampAndPropose(room, op)
		return err
	}
	if leaderID == "" {
		return apperrors.Unavailable("No leader available")
	}
	return gw.rpc.Forward(leaderID, roomCode, op)
}

// proposeAwaitingLeader polls for a room to elect a leader before
// proposing, used only for the just-created room in handleRoomCreate —
// every other write targets an already-live room whose leader is either
// known or transiently absent mid-election.
func (gw *Gateway) proposeAwaitingLeader(roomCode string, op wire.Operation, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := gw.propose(roomCode, op)
		if err == nil {
			return nil
		}
		appErr, ok := err.(*apperrors.AppError)
		if !ok || appErr.Code != http.StatusServiceUnavailable {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (gw *Gateway) sendError(session *Session, roomCode, message, code string) {
	payload := map[string]string{"message": message}
	if code != "" {
		payload["code"] = code
	}
	data, err := gw.codec.EncodeClientFrame(wire.ServerError, payload)
	if err != nil {
		return
	}
	session.sendCritical(data)
}

func generateRoomCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 6)
	for i, b := range buf {
		out[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(out), nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
