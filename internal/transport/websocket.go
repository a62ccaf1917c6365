// Package transport opens the push channel: an ordered, reliable,
// bidirectional message stream over WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPongTimeout      = 60 * time.Second
	defaultPingInterval     = 30 * time.Second
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrAuthRejected = errors.New("transport: authentication rejected")
)

// Target is where and as whom to connect.
type Target struct {
	URL       string
	Token     string
	Namespace string
}

// Conn is an authenticated push channel.
type Conn interface {
	// Send writes one control message.
	Send(msg protocol.Outbound) error
	// Receive blocks until the next frame arrives or the connection fails.
	// Only one goroutine may call Receive.
	Receive() ([]byte, error)
	// Close is safe to call more than once.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// Options tunes WSDialer. Zero values use the package defaults.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongTimeout      time.Duration
	PingInterval     time.Duration
	Log              logrus.FieldLogger
}

// WSDialer dials the hub with gorilla/websocket and performs the auth
// exchange before handing the connection out.
type WSDialer struct {
	opts Options
	log  logrus.FieldLogger
}

func NewWSDialer(opts Options) *WSDialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &WSDialer{
		opts: opts,
		log:  logging.OrDiscard(opts.Log).WithField("component", "transport"),
	}
}

func (d *WSDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}
	header := http.Header{}
	if target.Token != "" {
		header.Set("Authorization", "Bearer "+target.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, target.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target.URL, err)
	}

	// The connection is not shared yet, so no write lock is needed for the
	// auth exchange.
	if err := authenticate(ctx, ws, target, d.opts); err != nil {
		ws.Close()
		return nil, err
	}

	c := &wsConn{
		ws:   ws,
		opts: d.opts,
		log:  d.log.WithField("namespace", target.Namespace),
		done: make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(d.opts.PongTimeout))
		return nil
	})
	ws.SetReadDeadline(time.Now().Add(d.opts.PongTimeout))
	go c.pingLoop()

	c.log.Debug("connected")
	return c, nil
}

func authenticate(ctx context.Context, ws *websocket.Conn, target Target, opts Options) error {
	deadline := time.Now().Add(opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	data, err := json.Marshal(protocol.NewAuth(target.Token, target.Namespace))
	if err != nil {
		return fmt.Errorf("encode auth: %w", err)
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	ws.SetReadDeadline(deadline)
	_, reply, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("await auth reply: %w", err)
	}
	ev, err := protocol.DecodeEvent(reply)
	if err != nil {
		return fmt.Errorf("auth reply: %w", err)
	}

	switch ev.Type {
	case protocol.EventAuthenticated:
		var p protocol.AuthenticatedPayload
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return fmt.Errorf("auth reply payload: %w", err)
			}
		}
		if p.Namespace != "" && target.Namespace != "" && p.Namespace != target.Namespace {
			return fmt.Errorf("%w: server bound namespace %q, wanted %q", ErrAuthRejected, p.Namespace, target.Namespace)
		}
		return nil
	case protocol.EventError:
		var p protocol.ErrorPayload
		json.Unmarshal(ev.Payload, &p)
		return fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
	default:
		return fmt.Errorf("%w: unexpected reply %q", ErrAuthRejected, ev.Type)
	}
}

type wsConn struct {
	ws   *websocket.Conn
	opts Options
	log  logrus.FieldLogger

	writeMu   sync.Mutex // serialises all conn writes (ping, control frames)
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Send(msg protocol.Outbound) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	c.log.WithFields(logrus.Fields{"type": msg.Type, "id": msg.ID}).Debug("sent")
	return nil
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// pingLoop sends periodic pings until the connection is closed.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}
