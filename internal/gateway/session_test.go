package gateway

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOutboundQueueOrder(t *testing.T) {
	q := newOutboundQueue()
	q.push(false, []byte("a"))
	q.push(true, []byte("b"))
	q.push(false, []byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.pop()
		if !ok || string(got) != want {
			t.Fatalf("pop = %q/%v, want %q", got, ok, want)
		}
	}
}

func TestOutboundQueueDropsOldestDroppableWhenFull(t *testing.T) {
	q := newOutboundQueue()
	// One droppable state update buried under critical frames.
	q.push(true, []byte("stale-update"))
	for i := 1; i < maxPendingFrames; i++ {
		q.push(false, []byte("chat"))
	}

	if !q.push(true, []byte("fresh-update")) {
		t.Fatal("a droppable push must succeed by evicting the stale update")
	}

	first, _ := q.pop()
	if string(first) == "stale-update" {
		t.Fatal("the oldest droppable frame should have been evicted")
	}
}

func TestOutboundQueueRejectsCriticalWhenFullOfCritical(t *testing.T) {
	q := newOutboundQueue()
	for i := 0; i < maxPendingFrames; i++ {
		q.push(false, []byte("chat"))
	}
	if q.push(false, []byte("one-more")) {
		t.Fatal("a critical push into a full critical queue must fail")
	}
}

func TestOutboundQueueCloseUnblocksPop(t *testing.T) {
	q := newOutboundQueue()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := q.pop(); ok {
			t.Error("pop on a closed empty queue must report not-ok")
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop never unblocked after close")
	}
}

// fakeConn is an in-memory wsConnection that records written frames.
type fakeConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	c := &fakeConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	// Sessions under test are driven by calling dispatch directly; block
	// until the connection is closed.
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed {
		c.cond.Wait()
	}
	return 0, nil, errConnClosed
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	c.cond.Broadcast()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// awaitFrames blocks until at least n frames have been written.
func (c *fakeConn) awaitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.frames) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, have %d", n, len(c.frames))
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		c.mu.Lock()
	}
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

var errConnClosed = &websocketClosedError{}

type websocketClosedError struct{}

func (*websocketClosedError) Error() string { return "connection closed" }

func TestWritePumpDrainsQueueToConnection(t *testing.T) {
	conn := newFakeConn()
	s := newSession("s1", conn)
	go s.writePump()

	s.sendCritical([]byte(`{"type":"CONNECTED"}`))
	s.sendDroppable([]byte(`{"type":"ROOM_STATE_UPDATE"}`))

	frames := conn.awaitFrames(t, 2)
	if string(frames[0]) != `{"type":"CONNECTED"}` {
		t.Fatalf("first frame = %s", frames[0])
	}
	s.Close()
}

func TestSessionBindUnbind(t *testing.T) {
	s := newSession("s1", newFakeConn())
	defer s.Close()

	if s.BoundRoomCode() != "" {
		t.Fatal("new session must be unbound")
	}
	s.setIdentity("u1", "alice")
	s.bind("ABC123")
	if s.BoundRoomCode() != "ABC123" || s.UserID() != "u1" || s.Username() != "alice" {
		t.Fatal("bind/setIdentity not reflected")
	}
	s.unbind()
	if s.BoundRoomCode() != "" {
		t.Fatal("unbind must clear the binding")
	}
}
