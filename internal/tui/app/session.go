package app

import (
	"context"
	"errors"
	"sync"

	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/namespace"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/infinibay/rtsync/internal/realtime"
	"github.com/infinibay/rtsync/internal/tui/bridge"
	"github.com/infinibay/rtsync/internal/tui/client"
	"github.com/sirupsen/logrus"
)

// Backend is what the console drives.
type Backend interface {
	// Connect starts syncing. ErrNoNamespace is not fatal: the session
	// keeps running and connects once a namespace appears.
	Connect(ctx context.Context) error
	RequestData(vmID string) error
	Close()
}

// ReconciledMsg reports a REST refetch of the fleet.
type ReconciledMsg struct {
	VMs int
	Err error
}

// Session is the Backend over a realtime.Engine. It subscribes to the
// configured VMs and, when a REST client is set, refetches the fleet
// listing whenever the namespace's refetch signal moves.
type Session struct {
	engine *realtime.Engine
	bridge *bridge.Bridge
	rest   *client.HTTPClient
	auth   namespace.Auth
	vms    []string
	log    logrus.FieldLogger

	mu      sync.Mutex
	handles []*realtime.Handle
	watcher *realtime.Watcher
}

func NewSession(engine *realtime.Engine, b *bridge.Bridge, rest *client.HTTPClient, auth namespace.Auth, vms []string, log logrus.FieldLogger) *Session {
	return &Session{
		engine: engine,
		bridge: b,
		rest:   rest,
		auth:   auth,
		vms:    vms,
		log:    logging.OrDiscard(log).WithField("component", "session"),
	}
}

func (s *Session) Connect(ctx context.Context) error {
	s.engine.Start(ctx)
	err := s.engine.SetAuth(ctx, s.auth)
	if err != nil && !errors.Is(err, namespace.ErrNoNamespace) {
		return err
	}

	s.mu.Lock()
	for _, vm := range s.vms {
		s.bridge.Track(vm)
		s.handles = append(s.handles, s.engine.Subscribe(protocol.EntityVM, vm))
	}
	if s.rest != nil && s.watcher == nil {
		s.watcher = s.engine.Watch(realtime.AllFilter(), func() { s.reconcile(ctx) })
	}
	s.mu.Unlock()

	s.log.WithField("vms", len(s.vms)).Info("session connected")
	s.bridge.Send(bridge.StoreMsg{})
	return err
}

// reconcile pulls the fleet listing and folds it into the store.
func (s *Session) reconcile(ctx context.Context) {
	ns := s.engine.Status().Namespace
	if ns == "" {
		return
	}
	rows, err := s.rest.VMs(ctx, ns)
	if err != nil {
		s.log.WithError(err).Debug("fleet refetch")
		s.bridge.Send(ReconciledMsg{Err: err})
		return
	}
	out := make([]bridge.VMRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, bridge.VMRow{ID: r.ID, Health: r.Health, Firewall: r.Firewall, Services: r.Services})
	}
	s.bridge.Reconcile(out)
	s.bridge.Send(ReconciledMsg{VMs: len(out)})
}

func (s *Session) RequestData(vmID string) error {
	return s.engine.RequestData(vmID)
}

// Close releases subscriptions and stops the engine.
func (s *Session) Close() {
	s.mu.Lock()
	handles, watcher := s.handles, s.watcher
	s.handles, s.watcher = nil, nil
	s.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	if watcher != nil {
		watcher.Stop()
	}
	s.engine.Stop()
}
