// Package realtime keeps client state in step with server pushes: it owns
// the shared connection, routes inbound events, reference-counts entity
// subscriptions and turns events into refetch signals.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/infinibay/rtsync/internal/config"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/namespace"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/infinibay/rtsync/internal/transport"
	"github.com/sirupsen/logrus"
)

// Options wires an Engine. Store and Notifier may be nil.
type Options struct {
	Connection           ConnectionOptions
	SubscriptionDebounce time.Duration
	RefetchDebounce      time.Duration
	Store                StateStore
	Notifier             Notifier
	Log                  logrus.FieldLogger
	// OnStatus, when set, is called with a fresh Status after every
	// connection state change.
	OnStatus func(Status)
}

// OptionsFromConfig maps the config sections the engine reads.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Connection: ConnectionOptions{
			URL:                  cfg.Client.URL,
			SettleDelay:          cfg.Connection.SettleDelay,
			ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
			ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
			MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		},
		SubscriptionDebounce: cfg.Subscriptions.Debounce,
		RefetchDebounce:      cfg.Refetch.Debounce,
	}
}

// Engine is the per-session handle to the sync layer. Construct one at
// session start and pass it to whatever needs it.
type Engine struct {
	guard    *namespace.Guard
	conn     *ConnectionManager
	router   *EventRouter
	subs     *SubscriptionRegistry
	refetch  *RefetchCoordinator
	status   *StatusReporter
	onStatus func(Status)
	log      logrus.FieldLogger

	mu      sync.Mutex
	auth    namespace.Auth
	cancel  context.CancelFunc
	done    chan struct{}
	unwatch func()
}

func NewEngine(dialer transport.Dialer, guard *namespace.Guard, opts Options) *Engine {
	log := logging.OrDiscard(opts.Log)

	conn := NewConnectionManager(dialer, opts.Connection, log)
	subs := NewSubscriptionRegistry(conn, opts.SubscriptionDebounce, log)
	refetch := NewRefetchCoordinator(opts.RefetchDebounce, log)
	router := NewEventRouter(opts.Store, opts.Notifier, refetch, log)

	e := &Engine{
		guard:    guard,
		conn:     conn,
		router:   router,
		subs:     subs,
		refetch:  refetch,
		status:   NewStatusReporter(conn, subs),
		onStatus: opts.OnStatus,
		log:      log.WithField("component", "engine"),
	}
	conn.hooks = connectionHooks{
		onFrame:        router.Route,
		onConnected:    subs.Resync,
		onDisconnected: subs.Forget,
		onState:        e.emitStatus,
	}
	return e
}

// Start runs the namespace guard and enables the connection. It returns
// immediately; Stop undoes it.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.unwatch = e.guard.OnChange(e.namespaceChanged)

	go func(done chan struct{}) {
		e.guard.Run(ctx)
		close(done)
	}(e.done)

	e.conn.Start(ctx)
	e.status.setInitialized(true)
	e.log.Debug("started")
	e.emitStatus()
}

// Stop disconnects and stops the guard. Calling it more than once is
// harmless.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done, unwatch := e.cancel, e.done, e.unwatch
	e.cancel, e.done, e.unwatch = nil, nil, nil
	e.mu.Unlock()

	e.conn.Stop()
	if cancel == nil {
		return
	}
	unwatch()
	cancel()
	<-done
	e.subs.Close()
	e.status.setInitialized(false)
	e.log.Debug("stopped")
	e.emitStatus()
}

// SetAuth feeds the authentication fact to the guard and the connection.
// The namespace the guard settles on replaces auth.Namespace. Whenever the
// guard holds a namespace the connection is enabled, even if storage failed.
func (e *Engine) SetAuth(ctx context.Context, auth namespace.Auth) error {
	if !auth.IsLoggedIn {
		e.mu.Lock()
		e.auth = auth
		e.mu.Unlock()
		e.conn.SetAuth(auth)
		if err := e.guard.Logout(ctx); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		return nil
	}

	ns, err := e.guard.Login(ctx, auth)
	if ns == "" {
		ns = e.guard.Current()
	}
	if err != nil && !errors.Is(err, namespace.ErrNoNamespace) {
		if ns == "" {
			return fmt.Errorf("login: %w", err)
		}
		e.log.WithError(err).WithField("namespace", ns).Warn("login degraded, connecting with the known namespace")
		err = nil
	}
	auth.Namespace = ns

	e.mu.Lock()
	e.auth = auth
	e.mu.Unlock()
	e.conn.SetAuth(auth)
	return err
}

// namespaceChanged follows the guard: a repaired or externally switched
// namespace reconnects the transport under the new value.
func (e *Engine) namespaceChanged(ns string) {
	e.mu.Lock()
	if !e.auth.IsLoggedIn || e.auth.Namespace == ns {
		e.mu.Unlock()
		return
	}
	e.auth.Namespace = ns
	auth := e.auth
	e.mu.Unlock()

	e.log.WithField("namespace", ns).Info("namespace changed")
	e.conn.SetAuth(auth)
}

// Subscribe registers interest in an entity's events.
func (e *Engine) Subscribe(entityType, entityID string) *Handle {
	return e.subs.Subscribe(entityType, entityID)
}

// Watch calls refetch whenever f's signal moves.
func (e *Engine) Watch(f Filter, refetch func()) *Watcher {
	return e.refetch.Watch(f, refetch)
}

// Timestamp returns the latest signal time for f.
func (e *Engine) Timestamp(f Filter) time.Time {
	return e.refetch.Timestamp(f)
}

// Register installs or replaces the handler for an event type.
func (e *Engine) Register(typ protocol.EventType, h Handler) {
	e.router.Register(typ, h)
}

// RequestData asks the server to push the current state of a VM.
func (e *Engine) RequestData(vmID string) error {
	return e.conn.Send(protocol.NewRequestData(vmID))
}

// Status returns the current status snapshot.
func (e *Engine) Status() Status {
	return e.status.Status()
}

// RouterStats exposes the router counters.
func (e *Engine) RouterStats() RouterStats {
	return e.router.Stats()
}

func (e *Engine) emitStatus() {
	if e.onStatus != nil {
		e.onStatus(e.status.Status())
	}
}
