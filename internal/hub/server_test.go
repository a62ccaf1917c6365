package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/infinibay/rtsync/internal/config"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/infinibay/rtsync/internal/transport"
)

const testToken = "hub-secret"

func newTestHub(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default().Server
	cfg.AuthToken = testToken
	cfg.WriteThrottle = 0
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewServer(cfg, NewFleet(), nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Broadcaster().Stop()
		srv.Close()
	})
	return s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// rawDial opens a plain websocket to the hub with the bearer header set.
func rawDial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg protocol.Outbound) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.InboundEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

// authed dials and completes the auth handshake for ns.
func authed(t *testing.T, srv *httptest.Server, ns string) *websocket.Conn {
	t.Helper()
	conn := rawDial(t, srv, testToken)
	writeFrame(t, conn, protocol.NewAuth(testToken, ns))
	if ev := readEvent(t, conn); ev.Type != protocol.EventAuthenticated {
		t.Fatalf("auth reply = %s", ev.Type)
	}
	return conn
}

func waitUntil(t *testing.T, what string, cond func() bool) {
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

func TestServer_RejectsMissingToken(t *testing.T) {
	_, srv := newTestHub(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	// Query token is accepted too.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+testToken, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close()
}

func TestServer_AuthHandshake(t *testing.T) {
	tests := []struct {
		name    string
		first   protocol.Outbound
		wantErr string
	}{
		{"wrong token", protocol.NewAuth("nope", "ns-1"), "invalid token"},
		{"no namespace", protocol.NewAuth(testToken, ""), "namespace required"},
		{"not auth", protocol.NewSubscribe(protocol.EntityVM, "v1"), "expected auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newTestHub(t, nil)
			conn := rawDial(t, srv, testToken)
			writeFrame(t, conn, tt.first)

			ev := readEvent(t, conn)
			if ev.Type != protocol.EventError {
				t.Fatalf("reply = %s, want error", ev.Type)
			}
			var p protocol.ErrorPayload
			json.Unmarshal(ev.Payload, &p)
			if !strings.Contains(p.Message, tt.wantErr) {
				t.Errorf("message = %q, want %q", p.Message, tt.wantErr)
			}

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, _, err := conn.ReadMessage(); err == nil {
				t.Error("connection still open after rejected auth")
			}
		})
	}
}

func TestServer_TokenNamespaceClaim(t *testing.T) {
	_, srv := newTestHub(t, func(c *config.ServerConfig) { c.AuthToken = "" })

	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":       "user-1",
		"namespace": "ns-1",
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}

	conn := rawDial(t, srv, tok)
	writeFrame(t, conn, protocol.NewAuth(tok, "ns-2"))
	if ev := readEvent(t, conn); ev.Type != protocol.EventError {
		t.Fatalf("reply = %s, want error", ev.Type)
	}

	conn2 := rawDial(t, srv, tok)
	writeFrame(t, conn2, protocol.NewAuth(tok, "ns-1"))
	if ev := readEvent(t, conn2); ev.Type != protocol.EventAuthenticated {
		t.Fatalf("reply = %s, want authenticated", ev.Type)
	}
}

func TestServer_PublishRoutesBySubscription(t *testing.T) {
	s, srv := newTestHub(t, nil)

	a := authed(t, srv, "ns-1")
	b := authed(t, srv, "ns-1")
	other := authed(t, srv, "ns-2")

	writeFrame(t, a, protocol.NewSubscribe(protocol.EntityVM, "v1"))
	writeFrame(t, b, protocol.NewSubscribe(protocol.EntityDepartment, "d9"))
	writeFrame(t, other, protocol.NewSubscribe(protocol.EntityVM, "v1"))
	waitUntil(t, "subscriptions", func() bool { return s.Broadcaster().Stats().Subscriptions == 3 })

	n, err := s.Publish(Event{
		Namespace: "ns-1",
		Type:      protocol.EventHealthScoreUpdated,
		Refs:      protocol.EntityRefs{VMID: "v1"},
		Payload:   protocol.HealthScorePayload{VMID: "v1", Score: 50},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recipients = %d, want 1", n)
	}
	ev := readEvent(t, a)
	if ev.Type != protocol.EventHealthScoreUpdated || ev.Refs.VMID != "v1" || ev.Namespace != "ns-1" {
		t.Errorf("event = %+v", ev)
	}

	// A department subscriber sees events carrying its department.
	n, _ = s.Publish(Event{
		Namespace: "ns-1",
		Type:      protocol.EventFirewallStatusUpdated,
		Refs:      protocol.EntityRefs{VMID: "v5", DepartmentID: "d9"},
		Payload:   protocol.FirewallStatusPayload{VMID: "v5", Status: protocol.FirewallActive},
	})
	if n != 1 {
		t.Errorf("recipients = %d, want 1", n)
	}
	if ev := readEvent(t, b); ev.Refs.DepartmentID != "d9" {
		t.Errorf("event = %+v", ev)
	}
}

func TestServer_Unsubscribe(t *testing.T) {
	s, srv := newTestHub(t, nil)
	a := authed(t, srv, "ns-1")

	writeFrame(t, a, protocol.NewSubscribe(protocol.EntityVM, "v1"))
	waitUntil(t, "subscribed", func() bool { return s.Broadcaster().Stats().Subscriptions == 1 })
	writeFrame(t, a, protocol.NewUnsubscribe(protocol.EntityVM, "v1"))
	waitUntil(t, "unsubscribed", func() bool { return s.Broadcaster().Stats().Subscriptions == 0 })

	n, _ := s.Publish(Event{Namespace: "ns-1", Type: protocol.EventRolledBack, Refs: protocol.EntityRefs{VMID: "v1"}})
	if n != 0 {
		t.Errorf("recipients = %d, want 0", n)
	}
}

func TestServer_RequestData(t *testing.T) {
	s, srv := newTestHub(t, nil)
	s.Fleet().Upsert("ns-1", VMState{
		ID: "v1", DepartmentID: "d1", Health: 77, Firewall: protocol.FirewallActive,
		Services: map[string]bool{"ssh": true},
	})
	a := authed(t, srv, "ns-1")

	writeFrame(t, a, protocol.NewRequestData("v1"))
	want := []protocol.EventType{
		protocol.EventHealthScoreUpdated,
		protocol.EventFirewallStatusUpdated,
		protocol.EventFirewallServiceToggled,
	}
	for _, typ := range want {
		ev := readEvent(t, a)
		if ev.Type != typ || ev.Refs.VMID != "v1" || ev.Refs.DepartmentID != "d1" {
			t.Errorf("event = %+v, want %s", ev, typ)
		}
	}

	// VMs of another namespace are invisible.
	b := authed(t, srv, "ns-2")
	writeFrame(t, b, protocol.NewRequestData("v1"))
	if ev := readEvent(t, b); ev.Type != protocol.EventError {
		t.Errorf("reply = %s, want error", ev.Type)
	}
}

func TestServer_MalformedControl(t *testing.T) {
	_, srv := newTestHub(t, nil)
	a := authed(t, srv, "ns-1")

	writeFrame(t, a, protocol.NewSubscribe("planet", "p1"))
	if ev := readEvent(t, a); ev.Type != protocol.EventError {
		t.Errorf("reply = %s, want error", ev.Type)
	}
	a.WriteMessage(websocket.TextMessage, []byte("{"))
	if ev := readEvent(t, a); ev.Type != protocol.EventError {
		t.Errorf("reply = %s, want error", ev.Type)
	}
	// Still connected afterwards.
	writeFrame(t, a, protocol.NewSubscribe(protocol.EntityVM, "v1"))
	writeFrame(t, a, protocol.NewAuth(testToken, "ns-1"))
	if ev := readEvent(t, a); ev.Type != protocol.EventError {
		t.Errorf("reply to second auth = %s, want error", ev.Type)
	}
}

func TestServer_MaxClients(t *testing.T) {
	s, srv := newTestHub(t, func(c *config.ServerConfig) { c.MaxClients = 1 })
	authed(t, srv, "ns-1")

	conn := rawDial(t, srv, testToken)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseTryAgainLater {
		t.Errorf("err = %v, want close 1013", err)
	}
	if n := s.Broadcaster().ClientCount(); n != 1 {
		t.Errorf("ClientCount = %d, want 1", n)
	}
}

func TestServer_Status(t *testing.T) {
	s, srv := newTestHub(t, nil)
	s.Fleet().Upsert("ns-1", VMState{ID: "v1"})
	authed(t, srv, "ns-1")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Clients       int            `json:"clients"`
		Authenticated int            `json:"authenticated"`
		Namespaces    map[string]int `json:"namespaces"`
		VMs           int            `json:"vms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Clients != 1 || body.Authenticated != 1 || body.Namespaces["ns-1"] != 1 || body.VMs != 1 {
		t.Errorf("status = %+v", body)
	}

	resp2, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d", resp2.StatusCode)
	}
}

func TestServer_VMs(t *testing.T) {
	s, srv := newTestHub(t, func(c *config.ServerConfig) { c.AuthToken = "" })
	s.Fleet().Upsert("ns-1", VMState{ID: "b"})
	s.Fleet().Upsert("ns-1", VMState{ID: "a", Health: 90})

	resp, err := http.Get(srv.URL + "/api/vms?namespace=ns-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var vms []vmResponse
	if err := json.NewDecoder(resp.Body).Decode(&vms); err != nil {
		t.Fatal(err)
	}
	if len(vms) != 2 || vms[0].ID != "a" || vms[0].Health != 90 {
		t.Errorf("vms = %+v", vms)
	}

	resp2, _ := http.Get(srv.URL + "/api/vms")
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp2.StatusCode)
	}
}

func TestServer_TransportClient(t *testing.T) {
	s, srv := newTestHub(t, nil)
	d := transport.NewWSDialer(transport.Options{HandshakeTimeout: 2 * time.Second})

	conn, err := d.Dial(context.Background(), transport.Target{URL: wsURL(srv), Token: testToken, Namespace: "ns-1"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(protocol.NewSubscribe(protocol.EntityVM, "v1")); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "subscribed", func() bool { return s.Broadcaster().Stats().Subscriptions == 1 })

	s.Publish(Event{
		Namespace: "ns-1",
		Type:      protocol.EventIssueDetected,
		Refs:      protocol.EntityRefs{VMID: "v1"},
		Payload:   protocol.IssueDetectedPayload{VMID: "v1", Check: "disk", Severity: protocol.SeverityHigh},
	})
	data, err := conn.Receive()
	if err != nil {
		t.Fatal(err)
	}
	ev, _ := protocol.DecodeEvent(data)
	if ev.Type != protocol.EventIssueDetected {
		t.Errorf("event = %+v", ev)
	}

	_, err = d.Dial(context.Background(), transport.Target{URL: wsURL(srv), Token: "wrong", Namespace: "ns-1"})
	if err == nil {
		t.Error("dial with wrong token succeeded")
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}
	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "hub:8090", true},
		{"same host", nil, "http://hub:8090", "hub:8090", true},
		{"localhost", nil, "http://localhost:3000", "hub:8090", true},
		{"ipv6 loopback", nil, "http://[::1]:3000", "hub:8090", true},
		{"foreign", nil, "http://evil.test", "hub:8090", false},
		{"allow list hit", []string{"https://console.test"}, "https://console.test", "hub:8090", true},
		{"allow list host", []string{"https://console.test"}, "http://console.test", "hub:8090", true},
		{"allow list miss", []string{"https://console.test"}, "http://localhost:3000", "hub:8090", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(config.ServerConfig{AllowedOrigins: tt.allowed}, NewFleet(), nil)
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}
