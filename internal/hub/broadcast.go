package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrTooManyConnections is returned by AddClient when the hub is full.
var ErrTooManyConnections = errors.New("hub: too many connections")

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	// writeBurst frames may go out back to back before the throttle applies.
	writeBurst = 16
)

// Event is a server push addressed to one namespace.
type Event struct {
	Namespace string
	Type      protocol.EventType
	Refs      protocol.EntityRefs
	Payload   any
}

func (e Event) encode(at time.Time) ([]byte, error) {
	return protocol.EncodeEvent(e.Namespace, e.Type, e.Refs, e.Payload, at)
}

func subKey(entityType, id string) string { return entityType + ":" + id }

// newSubSet returns a client's subscription set. client.mu guards it.
func newSubSet() mapset.Set[string] { return mapset.NewThreadUnsafeSet[string]() }

type client struct {
	conn    *websocket.Conn
	b       *Broadcaster
	send    chan []byte
	limiter *rate.Limiter
	log     logrus.FieldLogger

	// ctx ends when the client is removed or the broadcaster stops; the
	// throttle no longer applies after that.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	namespace string
	subs      mapset.Set[string]
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if c.ctx.Err() == nil {
			if err := c.limiter.Wait(c.ctx); err != nil && c.ctx.Err() == nil {
				c.log.WithError(err).Debug("write throttle")
			}
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.WithError(err).Debug("write failed")
			c.b.RemoveClient(c)
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *client) bind(ns string) {
	c.mu.Lock()
	c.namespace = ns
	c.mu.Unlock()
}

func (c *client) boundNamespace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespace
}

func (c *client) subscribe(entityType, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.Add(subKey(entityType, id))
}

func (c *client) unsubscribe(entityType, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subs.Contains(subKey(entityType, id)) {
		return false
	}
	c.subs.Remove(subKey(entityType, id))
	return true
}

func (c *client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.Cardinality()
}

// wants reports whether an event for ns about refs should reach c.
// Events without entity refs go to every client in the namespace.
func (c *client) wants(ns string, refs protocol.EntityRefs) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.namespace == "" || c.namespace != ns {
		return false
	}
	if refs.IsZero() {
		return true
	}
	for _, typ := range []string{protocol.EntityVM, protocol.EntityDepartment, protocol.EntityRule} {
		if id := refs.Get(typ); id != "" && c.subs.Contains(subKey(typ, id)) {
			return true
		}
	}
	return false
}

// Stats is a point-in-time view of the broadcaster.
type Stats struct {
	Clients       int            `json:"clients"`
	Authenticated int            `json:"authenticated"`
	Subscriptions int            `json:"subscriptions"`
	Namespaces    map[string]int `json:"namespaces"`
	Published     uint64         `json:"published"`
	Delivered     uint64         `json:"delivered"`
	Dropped       uint64         `json:"dropped"`
}

// Broadcaster owns the connected clients and fans events out to them.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	throttle time.Duration
	log      logrus.FieldLogger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	published, delivered, dropped atomic.Uint64
}

// NewBroadcaster creates a broadcaster. throttle is the minimum spacing of
// writes to one client once its burst is spent; zero disables it.
// maxConns of zero means unlimited.
func NewBroadcaster(throttle time.Duration, maxConns int, log logrus.FieldLogger) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		throttle: throttle,
		log:      logging.OrDiscard(log).WithField("component", "broadcaster"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *Broadcaster) limiter() *rate.Limiter {
	if b.throttle <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(b.throttle), writeBurst)
}

// AddClient registers conn and starts its write pump.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		return nil, ErrTooManyConnections
	}

	ctx, cancel := context.WithCancel(b.ctx)
	c := &client{
		conn:    conn,
		b:       b,
		send:    make(chan []byte, sendBuffer),
		limiter: b.limiter(),
		log:     b.log.WithField("remote", conn.RemoteAddr().String()),
		ctx:     ctx,
		cancel:  cancel,
		subs:    newSubSet(),
	}
	b.clients[c] = true
	go c.writePump()
	return c, nil
}

// RemoveClient unregisters c. Frames already queued are still written,
// without throttling, before the connection closes. Calling it twice is
// harmless.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		b.dropClientLocked(c)
	}
}

// Stop disconnects every client.
func (b *Broadcaster) Stop() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		b.dropClientLocked(c)
	}
}

func (b *Broadcaster) dropClientLocked(c *client) {
	delete(b.clients, c)
	if c.cancel != nil {
		c.cancel()
	}
	close(c.send)
}

// sendTo queues data for one client. A client whose buffer is full is
// disconnected.
func (b *Broadcaster) sendTo(c *client, data []byte) bool {
	b.mu.RLock()
	ok := b.clients[c]
	queued := false
	if ok {
		select {
		case c.send <- data:
			queued = true
		default:
		}
	}
	b.mu.RUnlock()

	if ok && !queued {
		b.dropped.Add(1)
		c.log.Warn("client too slow, disconnecting")
		b.RemoveClient(c)
	}
	return queued
}

// sendEvent encodes ev and queues it for c alone.
func (b *Broadcaster) sendEvent(c *client, ev Event) bool {
	data, err := ev.encode(b.now())
	if err != nil {
		b.log.WithError(err).WithField("type", ev.Type).Error("encode event")
		return false
	}
	return b.sendTo(c, data)
}

// Publish fans ev out to the clients bound to its namespace that are
// subscribed to any entity it references. It returns how many clients the
// event was queued for.
func (b *Broadcaster) Publish(ev Event) (int, error) {
	data, err := ev.encode(b.now())
	if err != nil {
		return 0, err
	}
	b.published.Add(1)

	var slow []*client
	n := 0
	b.mu.RLock()
	for c := range b.clients {
		if !c.wants(ev.Namespace, ev.Refs) {
			continue
		}
		select {
		case c.send <- data:
			n++
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.dropped.Add(1)
		c.log.Warn("client too slow, disconnecting")
		b.RemoveClient(c)
	}
	b.delivered.Add(uint64(n))
	if n > 0 {
		b.log.WithFields(logrus.Fields{
			"type":       ev.Type,
			"namespace":  ev.Namespace,
			"recipients": n,
		}).Debug("published")
	}
	return n, nil
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) Stats() Stats {
	st := Stats{
		Namespaces: make(map[string]int),
		Published:  b.published.Load(),
		Delivered:  b.delivered.Load(),
		Dropped:    b.dropped.Load(),
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	st.Clients = len(b.clients)
	for c := range b.clients {
		if ns := c.boundNamespace(); ns != "" {
			st.Authenticated++
			st.Namespaces[ns]++
		}
		st.Subscriptions += c.subscriptionCount()
	}
	return st
}
