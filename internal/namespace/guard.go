// Package namespace keeps the per-session scoping identifier durable and
// repairs it when the host storage drops it.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/infinibay/rtsync/internal/logging"
	"github.com/sirupsen/logrus"
)

// ErrNoNamespace is returned by Reconcile when the user is logged in but no
// source (storage, memory, identity) can supply a namespace.
var ErrNoNamespace = errors.New("namespace: no namespace available")

// DefaultReconcileInterval is used when NewGuard is given a non-positive
// interval.
const DefaultReconcileInterval = 5 * time.Second

// Auth is the authentication fact supplied by the surrounding application.
type Auth struct {
	IsLoggedIn bool
	Token      string
	Namespace  string
}

// Guard owns the current namespace. It restores the value from, in order,
// durable storage, the last value seen in memory, the token's namespace
// claim and finally a value derived from the token subject.
type Guard struct {
	storage  Storage
	interval time.Duration
	log      logrus.FieldLogger

	mu        sync.Mutex
	loggedIn  bool
	identity  Identity
	current   string
	lastKnown string

	listenMu  sync.Mutex
	listeners map[int]func(string)
	nextID    int
}

func NewGuard(storage Storage, interval time.Duration, log logrus.FieldLogger) *Guard {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Guard{
		storage:   storage,
		interval:  interval,
		log:       logging.OrDiscard(log).WithField("component", "namespace"),
		listeners: make(map[int]func(string)),
	}
}

// Current returns the in-memory namespace, or "" when logged out.
func (g *Guard) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// OnChange registers fn to be called with the new namespace whenever the
// current value changes. The returned func removes the registration.
func (g *Guard) OnChange(fn func(ns string)) func() {
	g.listenMu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.listenMu.Unlock()

	return func() {
		g.listenMu.Lock()
		delete(g.listeners, id)
		g.listenMu.Unlock()
	}
}

func (g *Guard) notify(ns string) {
	g.listenMu.Lock()
	fns := make([]func(string), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.listenMu.Unlock()

	for _, fn := range fns {
		fn(ns)
	}
}

// Login records the session's identity and namespace, then reconciles.
// A logged-out Auth is treated as Logout.
func (g *Guard) Login(ctx context.Context, auth Auth) (string, error) {
	if !auth.IsLoggedIn {
		return "", g.Logout(ctx)
	}

	id, err := ParseIdentity(auth.Token)
	if err != nil {
		g.log.WithError(err).Debug("token carries no usable identity")
	}

	g.mu.Lock()
	g.loggedIn = true
	g.identity = id
	g.mu.Unlock()

	if auth.Namespace != "" {
		if err := g.Observe(ctx, auth.Namespace); err != nil {
			return "", err
		}
	}
	if _, err := g.Reconcile(ctx); err != nil {
		return "", err
	}
	return g.Current(), nil
}

// Logout clears the in-memory value and the durable key.
func (g *Guard) Logout(ctx context.Context) error {
	g.mu.Lock()
	prev := g.current
	g.loggedIn = false
	g.identity = Identity{}
	g.current = ""
	g.lastKnown = ""
	err := g.storage.Clear(ctx)
	g.mu.Unlock()

	if prev != "" {
		g.notify("")
	}
	if err != nil {
		return fmt.Errorf("clear namespace: %w", err)
	}
	return nil
}

// Observe records ns as the last known namespace and persists it when the
// stored value differs. A storage failure is logged; the value still takes
// effect in memory.
func (g *Guard) Observe(ctx context.Context, ns string) error {
	if ns == "" {
		return nil
	}

	g.mu.Lock()
	g.lastKnown = ns
	changed := g.current != ns
	g.current = ns

	stored, err := g.storage.Load(ctx)
	if err == nil && stored != ns {
		err = g.storage.Save(ctx, ns)
	}
	g.mu.Unlock()

	if err != nil {
		g.log.WithError(err).WithField("namespace", ns).Warn("persist namespace failed, keeping it in memory")
	}
	if changed {
		g.notify(ns)
	}
	return nil
}

// Reconcile repairs the in-memory and durable namespace while logged in.
// It reports whether anything was written. When the stored value already
// matches the current one it does nothing. While storage is unreachable it
// settles on the last known or identity namespace and leaves storage alone;
// the only error it returns is ErrNoNamespace.
func (g *Guard) Reconcile(ctx context.Context) (bool, error) {
	g.mu.Lock()
	if !g.loggedIn {
		g.mu.Unlock()
		return false, nil
	}

	stored, loadErr := g.storage.Load(ctx)
	if loadErr != nil {
		g.log.WithError(loadErr).Warn("load namespace failed, using the in-memory value")
		stored = ""
	}
	if g.current != "" && stored == g.current {
		g.mu.Unlock()
		return false, nil
	}

	candidate := firstNonEmpty(stored, g.lastKnown, g.identity.Namespace, FallbackNamespace(g.identity.Subject))
	if candidate == "" {
		g.mu.Unlock()
		return false, ErrNoNamespace
	}

	repaired := false
	if loadErr == nil && stored != candidate {
		if err := g.storage.Save(ctx, candidate); err != nil {
			g.log.WithError(err).WithField("namespace", candidate).Warn("restore namespace failed")
		} else {
			repaired = true
		}
	}
	changed := g.current != candidate
	g.current = candidate
	g.lastKnown = candidate
	g.mu.Unlock()

	if repaired || changed {
		g.log.WithFields(logrus.Fields{
			"namespace": candidate,
			"stored":    stored,
		}).Info("namespace repaired")
	}
	if changed {
		g.notify(candidate)
	}
	return repaired || changed, nil
}

// Run reconciles on every interval tick and on every change notification
// from the storage, until ctx is cancelled. A change feed that fails to open
// or closes is reopened on the next tick.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	changes := g.watchChanges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changes == nil {
				changes = g.watchChanges(ctx)
			}
			g.reconcileAndLog(ctx, "tick")
		case ns, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			g.log.WithField("namespace", ns).Debug("storage changed")
			g.reconcileAndLog(ctx, "storage")
		}
	}
}

// watchChanges subscribes to storage change notifications. It returns nil
// when the storage has none or the subscription failed.
func (g *Guard) watchChanges(ctx context.Context) <-chan string {
	src, ok := g.storage.(ChangeSource)
	if !ok {
		return nil
	}
	ch, err := src.Changes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.log.WithError(err).Warn("storage change notifications unavailable, retrying next tick")
		}
		return nil
	}
	return ch
}

func (g *Guard) reconcileAndLog(ctx context.Context, trigger string) {
	if _, err := g.Reconcile(ctx); err != nil && ctx.Err() == nil {
		g.log.WithError(err).WithField("trigger", trigger).Warn("reconcile failed")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
