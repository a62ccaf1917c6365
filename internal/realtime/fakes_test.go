package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/infinibay/rtsync/internal/transport"
)

var errDropped = errors.New("connection reset")

// fakeConn is an in-memory transport.Conn.
type fakeConn struct {
	target transport.Target
	frames chan []byte
	fail   chan error

	mu     sync.Mutex
	sent   []protocol.Outbound
	closed bool
	once   sync.Once
	done   chan struct{}
}

func newFakeConn(target transport.Target) *fakeConn {
	return &fakeConn{
		target: target,
		frames: make(chan []byte, 16),
		fail:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(msg protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case err := <-c.fail:
		return nil, err
	case <-c.done:
		return nil, transport.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drop simulates the server going away.
func (c *fakeConn) drop() { c.fail <- errDropped }

func (c *fakeConn) push(t *testing.T, ns string, typ protocol.EventType, refs protocol.EntityRefs, payload any) {
	t.Helper()
	data, err := protocol.EncodeEvent(ns, typ, refs, payload, time.Now())
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	c.frames <- data
}

// sentOf returns the entity ids of sent messages of type typ.
func (c *fakeConn) sentOf(typ protocol.ControlType) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, m := range c.sent {
		if m.Type != typ {
			continue
		}
		switch p := m.Payload.(type) {
		case protocol.SubscriptionPayload:
			ids = append(ids, p.EntityID)
		case protocol.RequestDataPayload:
			ids = append(ids, p.VMID)
		}
	}
	return ids
}

// fakeDialer hands out fakeConns. When block is set, Dial waits for ctx.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	errs  []error
	block bool
}

func (d *fakeDialer) Dial(ctx context.Context, target transport.Target) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	block := d.block
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn(target)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingStore is a StateStore that keeps dispatched actions and serves
// Select from a fixed map.
type recordingStore struct {
	mu      sync.Mutex
	actions []Action
	values  map[string]any
}

func (s *recordingStore) Dispatch(a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
}

func (s *recordingStore) Select(path string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[path]
}

func (s *recordingStore) dispatched() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Action(nil), s.actions...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notes...)
}
