// Package client reads the hub's REST endpoints.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// VMSummary is one row of GET /api/vms.
type VMSummary struct {
	ID           string          `json:"id"`
	DepartmentID string          `json:"departmentId,omitempty"`
	Health       float64         `json:"health"`
	Firewall     string          `json:"firewall,omitempty"`
	Services     map[string]bool `json:"services,omitempty"`
	Pending      int             `json:"pendingRemediations"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// HubStatus is GET /api/status.
type HubStatus struct {
	Clients       int            `json:"clients"`
	Authenticated int            `json:"authenticated"`
	Subscriptions int            `json:"subscriptions"`
	Namespaces    map[string]int `json:"namespaces"`
	Published     uint64         `json:"published"`
	Delivered     uint64         `json:"delivered"`
	Dropped       uint64         `json:"dropped"`
	VMs           int            `json:"vms"`
	Uptime        string         `json:"uptime"`
}

// HTTPClient makes REST calls to the hub.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting baseURL (e.g. "http://127.0.0.1:8090").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// VMs fetches /api/vms for one namespace.
func (c *HTTPClient) VMs(ctx context.Context, ns string) ([]VMSummary, error) {
	var out []VMSummary
	if err := c.get(ctx, "/api/vms?namespace="+url.QueryEscape(ns), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches /api/status.
func (c *HTTPClient) Status(ctx context.Context) (*HubStatus, error) {
	var s HubStatus
	if err := c.get(ctx, "/api/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// HTTPBase converts ws://host:port/ws into http://host:port.
func HTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return "http://127.0.0.1:8090"
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
