package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kartikbazzad/bunroom/internal/metrics"
)

// maxPendingFrames bounds a session's outbound queue.
const maxPendingFrames = 256

// writeWait bounds how long writePump waits for a single frame write.
const writeWait = 10 * time.Second

type queuedFrame struct {
	droppable bool // true only for ROOM_STATE_UPDATE
	data      []byte
}

// outboundQueue is a session's pending-frame buffer. Unlike a plain
// channel, it can drop a specific queued item (the oldest droppable one)
// when full instead of only ever blocking or rejecting the newest —
// the backpressure rule needs exactly that: state updates are
// idempotent so only the latest matters, but chat and lifecycle frames
// must never be silently discarded.
type outboundQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []queuedFrame
	closed bool
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a frame. It returns false if the frame could not be queued
// (queue closed, or the queue was full and held no droppable frame to
// evict; this applies to droppable and non-droppable frames alike) — for a
// non-droppable frame the caller's contract is to close the session in that
// case.
func (q *outboundQueue) push(droppable bool, data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if len(q.items) >= maxPendingFrames {
		if idx := q.oldestDroppableLocked(); idx >= 0 {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			metrics.StateUpdatesDropped.Inc()
		} else {
			return false
		}
	}
	q.items = append(q.items, queuedFrame{droppable: droppable, data: data})
	q.cond.Broadcast()
	return true
}

func (q *outboundQueue) oldestDroppableLocked() int {
	for i, it := range q.items {
		if it.droppable {
			return i
		}
	}
	return -1
}

// pop blocks until a frame is available or the queue is closed.
func (q *outboundQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item.data, true
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// wsConnection is the subset of *websocket.Conn the gateway depends on,
// narrowed so sessions can be driven by a fake connection in tests.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Session is one client's live WebSocket connection. It binds
// to at most one room at a time.
type Session struct {
	ID       string
	conn     wsConnection
	queue    *outboundQueue
	closed   chan struct{}
	closeOne sync.Once

	mu            sync.RWMutex
	userID        string
	username      string
	boundRoomCode string
}

func newSession(id string, conn wsConnection) *Session {
	return &Session{
		ID:    id,
		conn:  conn,
		queue: newOutboundQueue(),
		closed: make(chan struct{}),
	}
}

// UserID returns the session's bound user id, set (and overwritten) by each
// create/join.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Username returns the session's display name.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// BoundRoomCode returns the room this session is currently subscribed to,
// or "" if unbound.
func (s *Session) BoundRoomCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundRoomCode
}

func (s *Session) setIdentity(userID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.username = username
}

func (s *Session) bind(roomCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundRoomCode = roomCode
}

func (s *Session) unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundRoomCode = ""
}

// sendDroppable enqueues a ROOM_STATE_UPDATE-class frame. Returns false if
// the session's queue was already closed, or was full with no droppable
// frame to evict (the new frame is then discarded).
func (s *Session) sendDroppable(data []byte) bool {
	return s.queue.push(true, data)
}

// sendCritical enqueues a chat/lifecycle-class frame that must never be
// silently dropped. If the queue can't accept it, the session is closed.
func (s *Session) sendCritical(data []byte) bool {
	if s.queue.push(false, data) {
		return true
	}
	s.Close()
	return false
}

// Close idempotently closes the session's queue and underlying connection.
func (s *Session) Close() {
	s.closeOne.Do(func() {
		s.queue.close()
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writePump drains the outbound queue to the connection until the session
// closes. It is the session's only writer goroutine.
func (s *Session) writePump() {
	defer s.Close()
	for {
		data, ok := s.queue.pop()
		if !ok {
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
