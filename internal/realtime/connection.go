package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/namespace"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/infinibay/rtsync/internal/transport"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Send when no transport is open.
var ErrNotConnected = errors.New("realtime: not connected")

// State is the lifecycle state of the shared connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	defaultSettleDelay        = 100 * time.Millisecond
	defaultReconnectBaseDelay = time.Second
	defaultReconnectMaxDelay  = 30 * time.Second
	reconnectJitter           = 0.2
)

// ConnectionOptions tunes the ConnectionManager. Zero durations use the
// defaults; MaxReconnectAttempts of 0 retries forever.
type ConnectionOptions struct {
	URL                  string
	SettleDelay          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// Connection is a point-in-time view of the connection.
type Connection struct {
	State     State
	Namespace string
	LastError error
}

// connectionHooks are called from the attempt goroutine, never with the
// manager's lock held.
type connectionHooks struct {
	onFrame        func(ns string, data []byte)
	onConnected    func()
	onDisconnected func()
	onState        func()
}

// ConnectionManager owns the single transport connection. It opens the
// connection only while started and while auth is ready, waits a settle
// delay before every dial, and retries failures with jittered exponential
// backoff.
type ConnectionManager struct {
	dialer transport.Dialer
	opts   ConnectionOptions
	hooks  connectionHooks
	log    logrus.FieldLogger

	mu       sync.Mutex
	parent   context.Context
	started  bool
	auth     namespace.Auth
	state    State
	target   transport.Target
	lastErr  error
	conn     transport.Conn
	attempt  uint64
	cancel   context.CancelFunc
	retry    *time.Timer
	failures int
	backoff  *backoff.ExponentialBackOff
}

func NewConnectionManager(dialer transport.Dialer, opts ConnectionOptions, log logrus.FieldLogger) *ConnectionManager {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
		opts.ReconnectMaxDelay = max(defaultReconnectMaxDelay, opts.ReconnectBaseDelay)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.ReconnectBaseDelay,
		RandomizationFactor: reconnectJitter,
		Multiplier:          2,
		MaxInterval:         opts.ReconnectMaxDelay,
	}
	b.Reset()
	return &ConnectionManager{
		dialer:  dialer,
		opts:    opts,
		log:     logging.OrDiscard(log).WithField("component", "connection"),
		parent:  context.Background(),
		state:   StateDisconnected,
		backoff: b,
	}
}

// Snapshot returns the current connection view.
func (m *ConnectionManager) Snapshot() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *ConnectionManager) snapshotLocked() Connection {
	return Connection{State: m.state, Namespace: m.target.Namespace, LastError: m.lastErr}
}

func authReady(a namespace.Auth) bool {
	return a.IsLoggedIn && a.Token != "" && a.Namespace != ""
}

// Start enables the manager. It connects as soon as auth is ready. ctx
// bounds every connection attempt made until Stop.
func (m *ConnectionManager) Start(ctx context.Context) {
	m.mu.Lock()
	m.parent = ctx
	m.started = true
	began := m.beginAttemptLocked()
	m.mu.Unlock()
	if began {
		m.emitState()
	}
}

// Stop tears the connection down to Disconnected. It cancels a pending
// attempt and any scheduled retry, and closes the open transport before
// clearing state. Calling Stop more than once is harmless.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	m.started = false
	fire := m.teardownLocked()
	m.mu.Unlock()
	m.afterTeardown(fire)
}

// SetAuth records the current authentication fact. Losing readiness tears
// the connection down; a namespace or token change while connected forces
// a reconnect; gaining readiness starts a connection.
func (m *ConnectionManager) SetAuth(auth namespace.Auth) {
	m.mu.Lock()
	m.auth = auth

	var fire teardownEffects
	if !authReady(auth) {
		fire = m.teardownLocked()
	} else if m.active() && (m.target.Namespace != auth.Namespace || m.target.Token != auth.Token) {
		m.log.WithFields(logrus.Fields{
			"from": m.target.Namespace,
			"to":   auth.Namespace,
		}).Info("credentials changed, reconnecting")
		fire = m.teardownLocked()
	}
	// Fresh credentials reset the retry budget.
	if fire.any() || m.state == StateError {
		m.failures = 0
		m.backoff.Reset()
	}
	began := m.beginAttemptLocked()
	m.mu.Unlock()
	m.afterTeardown(fire)
	if began {
		m.emitState()
	}
}

// Send writes msg on the open connection.
func (m *ConnectionManager) Send(msg protocol.Outbound) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// active reports whether an attempt is in flight or a connection is up.
func (m *ConnectionManager) active() bool {
	return m.state == StateConnecting || m.state == StateConnected
}

// beginAttemptLocked enters Connecting and starts an attempt, which waits
// out the settle delay before dialing. It reports whether the state moved.
func (m *ConnectionManager) beginAttemptLocked() bool {
	if !m.started || !authReady(m.auth) || m.active() {
		return false
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}

	ctx, cancel := context.WithCancel(m.parent)
	m.attempt++
	m.cancel = cancel
	m.setStateLocked(StateConnecting, nil)
	m.target = transport.Target{URL: m.opts.URL, Token: m.auth.Token, Namespace: m.auth.Namespace}
	go m.run(ctx, m.attempt, m.target)
	return true
}

func (m *ConnectionManager) run(ctx context.Context, attempt uint64, target transport.Target) {
	settle := time.NewTimer(m.opts.SettleDelay)
	select {
	case <-ctx.Done():
		settle.Stop()
		return
	case <-settle.C:
	}

	m.mu.Lock()
	if ctx.Err() != nil || attempt != m.attempt {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"namespace": target.Namespace, "attempt": attempt})
	log.Debug("dialing")
	conn, err := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	if ctx.Err() != nil || attempt != m.attempt {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		log.Debug("attempt superseded")
		return
	}
	if err != nil {
		m.failLocked(err)
		m.mu.Unlock()
		log.WithError(err).Warn("connect failed")
		m.emitState()
		return
	}
	m.conn = conn
	m.failures = 0
	m.backoff.Reset()
	m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()

	log.Info("connected")
	m.emitState()
	if m.hooks.onConnected != nil {
		m.hooks.onConnected()
	}
	m.readLoop(attempt, conn, target.Namespace, log)
}

// readLoop delivers frames one at a time in arrival order until the
// connection fails or is torn down.
func (m *ConnectionManager) readLoop(attempt uint64, conn transport.Conn, ns string, log logrus.FieldLogger) {
	for {
		data, err := conn.Receive()
		if err != nil {
			m.mu.Lock()
			if attempt != m.attempt || m.conn != conn {
				m.mu.Unlock()
				return
			}
			m.conn = nil
			conn.Close()
			m.failLocked(err)
			m.mu.Unlock()

			log.WithError(err).Warn("connection lost")
			m.emitState()
			if m.hooks.onDisconnected != nil {
				m.hooks.onDisconnected()
			}
			return
		}
		if m.hooks.onFrame != nil {
			m.hooks.onFrame(ns, data)
		}
	}
}

// failLocked records err, moves to Error and schedules the readiness
// re-check that will move Error back to Connecting.
func (m *ConnectionManager) failLocked(err error) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.setStateLocked(StateError, err)
	m.failures++

	if m.opts.MaxReconnectAttempts > 0 && m.failures >= m.opts.MaxReconnectAttempts {
		m.log.WithField("failures", m.failures).Error("giving up reconnecting")
		return
	}
	delay := m.backoff.NextBackOff()
	attempt := m.attempt
	m.retry = time.AfterFunc(delay, func() { m.recheck(attempt) })
	m.log.WithFields(logrus.Fields{"delay": delay, "failures": m.failures}).Debug("reconnect scheduled")
}

func (m *ConnectionManager) recheck(attempt uint64) {
	m.mu.Lock()
	if attempt != m.attempt || m.state != StateError {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	began := m.beginAttemptLocked()
	m.mu.Unlock()
	if began {
		m.emitState()
	}
}

type teardownEffects struct {
	stateChanged bool
	dropped      bool
}

func (e teardownEffects) any() bool { return e.stateChanged || e.dropped }

// teardownLocked cancels everything in flight and moves to Disconnected.
func (m *ConnectionManager) teardownLocked() teardownEffects {
	var fx teardownEffects
	m.attempt++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.log.WithError(err).Debug("close transport")
		}
		m.conn = nil
		fx.dropped = true
	}
	if m.state != StateDisconnected {
		fx.stateChanged = true
	}
	m.state = StateDisconnected
	m.lastErr = nil
	m.target = transport.Target{}
	return fx
}

func (m *ConnectionManager) afterTeardown(fx teardownEffects) {
	if fx.dropped && m.hooks.onDisconnected != nil {
		m.hooks.onDisconnected()
	}
	if fx.stateChanged {
		m.emitState()
	}
}

func (m *ConnectionManager) setStateLocked(s State, err error) {
	m.state = s
	if err != nil {
		m.lastErr = err
	} else if s != StateError {
		m.lastErr = nil
	}
}

// emitState tells the listener that the state moved. The listener reads
// the current value itself, so late deliveries never show a stale state.
func (m *ConnectionManager) emitState() {
	if m.hooks.onState != nil {
		m.hooks.onState()
	}
}
