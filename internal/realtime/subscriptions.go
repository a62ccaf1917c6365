package realtime

import (
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

const defaultSubscriptionDebounce = 150 * time.Millisecond

// Sender writes control messages to the server.
type Sender interface {
	Send(msg protocol.Outbound) error
}

// Key identifies one subscribable entity.
type Key struct {
	EntityType string
	EntityID   string
}

func (k Key) String() string { return k.EntityType + ":" + k.EntityID }

type subscription struct {
	refs   int
	onWire bool
	timer  *time.Timer
}

// SubscriptionRegistry reference-counts interest in entities and keeps the
// server's view in step. Changes to a key settle for a debounce window and
// only the net effect goes on the wire. Subscriptions made while offline
// are sent once the connection comes up.
type SubscriptionRegistry struct {
	sender   Sender
	debounce time.Duration
	log      logrus.FieldLogger

	mu   sync.Mutex
	subs map[Key]*subscription
}

func NewSubscriptionRegistry(sender Sender, debounce time.Duration, log logrus.FieldLogger) *SubscriptionRegistry {
	if debounce <= 0 {
		debounce = defaultSubscriptionDebounce
	}
	return &SubscriptionRegistry{
		sender:   sender,
		debounce: debounce,
		log:      logging.OrDiscard(log).WithField("component", "subscriptions"),
		subs:     make(map[Key]*subscription),
	}
}

// Handle is one consumer's interest in a key.
type Handle struct {
	r    *SubscriptionRegistry
	key  Key
	once sync.Once
}

// Key returns the entity the handle refers to.
func (h *Handle) Key() Key { return h.key }

// Release drops this consumer's interest. Calling it more than once is
// harmless.
func (h *Handle) Release() {
	h.once.Do(func() { h.r.release(h.key) })
}

// Subscribe registers interest in an entity.
func (r *SubscriptionRegistry) Subscribe(entityType, entityID string) *Handle {
	key := Key{EntityType: entityType, EntityID: entityID}

	r.mu.Lock()
	s, ok := r.subs[key]
	if !ok {
		s = &subscription{}
		r.subs[key] = s
	}
	s.refs++
	r.scheduleLocked(key, s)
	r.mu.Unlock()

	return &Handle{r: r, key: key}
}

func (r *SubscriptionRegistry) release(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[key]
	if !ok || s.refs == 0 {
		return
	}
	s.refs--
	r.scheduleLocked(key, s)
}

// scheduleLocked starts the settle window for key if one is not running.
// Further changes inside the window ride along with it.
func (r *SubscriptionRegistry) scheduleLocked(key Key, s *subscription) {
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(r.debounce, func() { r.settle(key) })
}

func (r *SubscriptionRegistry) settle(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[key]
	if !ok {
		return
	}
	s.timer = nil
	r.syncLocked(key, s)
}

// syncLocked sends whatever brings the server in line with the refcount.
func (r *SubscriptionRegistry) syncLocked(key Key, s *subscription) {
	want := s.refs > 0
	if want == s.onWire {
		if !want {
			delete(r.subs, key)
		}
		return
	}

	log := r.log.WithField("key", key.String())
	if want {
		err := r.sender.Send(protocol.NewSubscribe(key.EntityType, key.EntityID))
		switch {
		case err == nil:
			s.onWire = true
			log.Debug("subscribed")
		case errors.Is(err, ErrNotConnected):
			log.Debug("subscribe queued until connected")
		default:
			log.WithError(err).Warn("subscribe failed, will resend on reconnect")
		}
		return
	}

	if err := r.sender.Send(protocol.NewUnsubscribe(key.EntityType, key.EntityID)); err != nil && !errors.Is(err, ErrNotConnected) {
		log.WithError(err).Warn("unsubscribe failed")
	} else {
		log.Debug("unsubscribed")
	}
	// Either way the server no longer needs to hear about it: a dropped
	// connection forgets subscriptions on its own.
	delete(r.subs, key)
}

// Resync sends every live subscription the server has not seen on the
// current connection. Keys still inside their settle window are left to it.
func (r *SubscriptionRegistry) Resync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, s := range r.subs {
		if s.timer != nil || s.refs == 0 || s.onWire {
			continue
		}
		r.syncLocked(key, s)
		if s.onWire {
			n++
		}
	}
	if n > 0 {
		r.log.WithField("count", n).Info("resubscribed")
	}
}

// Forget marks every subscription as unknown to the server. Called when the
// connection drops so the next connection re-sends them.
func (r *SubscriptionRegistry) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.subs {
		s.onWire = false
		if s.refs == 0 && s.timer == nil {
			delete(r.subs, key)
		}
	}
}

// Count returns the number of entities with at least one consumer.
func (r *SubscriptionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.subs {
		if s.refs > 0 {
			n++
		}
	}
	return n
}

// Keys returns the entities with at least one consumer.
func (r *SubscriptionRegistry) Keys() mapset.Set[Key] {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := mapset.NewThreadUnsafeSetWithSize[Key](len(r.subs))
	for key, s := range r.subs {
		if s.refs > 0 {
			keys.Add(key)
		}
	}
	return keys
}

// RefCount returns the number of consumers of key.
func (r *SubscriptionRegistry) RefCount(entityType, entityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[Key{EntityType: entityType, EntityID: entityID}]; ok {
		return s.refs
	}
	return 0
}

// Close stops pending settle timers.
func (r *SubscriptionRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
}
