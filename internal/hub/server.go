// Package hub is a development push server speaking the sync protocol. It
// authenticates clients, tracks their subscriptions and fans events out by
// namespace and entity.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/infinibay/rtsync/internal/config"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/namespace"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	authTimeout  = 10 * time.Second
	maxFrameSize = 64 << 10
)

type Server struct {
	cfg            config.ServerConfig
	broadcaster    *Broadcaster
	fleet          *Fleet
	log            logrus.FieldLogger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	started        time.Time
}

func NewServer(cfg config.ServerConfig, fleet *Fleet, log logrus.FieldLogger) *Server {
	log = logging.OrDiscard(log)
	s := &Server{
		cfg:            cfg,
		broadcaster:    NewBroadcaster(cfg.WriteThrottle, cfg.MaxClients, log),
		fleet:          fleet,
		log:            log.WithField("component", "hub"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

func (s *Server) Fleet() *Fleet { return s.fleet }

// Publish fans ev out to subscribed clients. It implements the mock
// generator's Publisher.
func (s *Server) Publish(ev Event) (int, error) {
	return s.broadcaster.Publish(ev)
}

// Handler returns the hub's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/vms", s.handleVMs)
	return securityHeaders(mux)
}

// ListenAndServe serves until ctx is cancelled, then disconnects clients
// and shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("hub listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.broadcaster.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("rejecting client")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c.log.Info("client connected")
	go s.readLoop(c)
}

// readLoop handles one client's control frames. The first frame must be
// auth; anything else before it ends the connection.
func (s *Server) readLoop(c *client) {
	defer func() {
		s.broadcaster.RemoveClient(c)
		c.log.Info("client disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.replyError(c, "malformed frame")
			continue
		}

		if c.boundNamespace() == "" {
			if protocol.ControlType(env.Type) != protocol.ControlAuth {
				s.replyError(c, "expected auth")
				return
			}
			if err := s.handleAuth(c, env.Payload); err != nil {
				c.log.WithError(err).Warn("auth rejected")
				s.replyError(c, err.Error())
				return
			}
			c.conn.SetReadDeadline(time.Time{})
			continue
		}

		s.handleControl(c, env)
	}
}

func (s *Server) handleAuth(c *client, payload json.RawMessage) error {
	var p protocol.AuthPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("malformed auth")
	}
	if s.cfg.AuthToken != "" && p.Token != s.cfg.AuthToken {
		return errors.New("invalid token")
	}
	if p.Namespace == "" {
		return errors.New("namespace required")
	}
	// A token that names its namespace may only bind that one.
	if id, err := namespace.ParseIdentity(p.Token); err == nil && id.Namespace != "" && id.Namespace != p.Namespace {
		return fmt.Errorf("namespace %q not permitted", p.Namespace)
	}

	c.bind(p.Namespace)
	c.log.WithField("namespace", p.Namespace).Info("client authenticated")
	s.broadcaster.sendEvent(c, Event{
		Namespace: p.Namespace,
		Type:      protocol.EventAuthenticated,
		Payload:   protocol.AuthenticatedPayload{Namespace: p.Namespace},
	})
	return nil
}

func (s *Server) handleControl(c *client, env protocol.Envelope) {
	log := c.log.WithFields(logrus.Fields{"type": env.Type, "id": env.ID})

	switch protocol.ControlType(env.Type) {
	case protocol.ControlSubscribe, protocol.ControlUnsubscribe:
		var p protocol.SubscriptionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.EntityType == "" || p.EntityID == "" {
			s.replyError(c, "malformed subscription")
			return
		}
		if !knownEntity(p.EntityType) {
			s.replyError(c, "unknown entity type "+p.EntityType)
			return
		}
		if protocol.ControlType(env.Type) == protocol.ControlSubscribe {
			c.subscribe(p.EntityType, p.EntityID)
		} else {
			c.unsubscribe(p.EntityType, p.EntityID)
		}
		log.WithField("entity", subKey(p.EntityType, p.EntityID)).Debug("subscription updated")

	case protocol.ControlRequestData:
		var p protocol.RequestDataPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.VMID == "" {
			s.replyError(c, "malformed request-data")
			return
		}
		ns := c.boundNamespace()
		events, ok := s.fleet.Snapshot(ns, p.VMID)
		if !ok {
			s.replyError(c, "unknown vm "+p.VMID)
			return
		}
		for _, ev := range events {
			if !s.broadcaster.sendEvent(c, ev) {
				return
			}
		}
		log.WithField("vm", p.VMID).Debug("sent vm state")

	case protocol.ControlAuth:
		s.replyError(c, "already authenticated")

	default:
		s.replyError(c, "unknown message type "+env.Type)
	}
}

func knownEntity(t string) bool {
	switch t {
	case protocol.EntityVM, protocol.EntityDepartment, protocol.EntityRule:
		return true
	}
	return false
}

func (s *Server) replyError(c *client, msg string) {
	s.broadcaster.sendEvent(c, Event{
		Namespace: c.boundNamespace(),
		Type:      protocol.EventError,
		Payload:   protocol.ErrorPayload{Message: msg},
	})
}

type statusResponse struct {
	Stats
	VMs    int    `json:"vms"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		Stats:  s.broadcaster.Stats(),
		VMs:    s.fleet.Count(),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

type vmResponse struct {
	ID           string          `json:"id"`
	DepartmentID string          `json:"departmentId,omitempty"`
	Health       float64         `json:"health"`
	Firewall     string          `json:"firewall,omitempty"`
	Services     map[string]bool `json:"services,omitempty"`
	Pending      int             `json:"pendingRemediations"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// handleVMs lists the fleet of the namespace given by ?namespace=.
func (s *Server) handleVMs(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ns := r.URL.Query().Get("namespace")
	if ns == "" {
		http.Error(w, "namespace required", http.StatusBadRequest)
		return
	}

	vms := s.fleet.List(ns)
	out := make([]vmResponse, 0, len(vms))
	for _, vm := range vms {
		out = append(out, vmResponse{
			ID:           vm.ID,
			DepartmentID: vm.DepartmentID,
			Health:       vm.Health,
			Firewall:     vm.Firewall,
			Services:     vm.Services,
			Pending:      len(vm.Pending),
			UpdatedAt:    vm.UpdatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.cfg.AuthToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken {
		return true
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
