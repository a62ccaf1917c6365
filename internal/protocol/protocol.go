// Package protocol defines the push-channel wire format shared by the sync
// engine and the development hub. Every frame is a JSON text message carrying
// an Envelope.
package protocol

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies an inbound (server to client) message.
type EventType string

const (
	EventIssueDetected          EventType = "autocheck:issue-detected"
	EventRemediationAvailable   EventType = "autocheck:remediation-available"
	EventRemediationCompleted   EventType = "autocheck:remediation-completed"
	EventHealthScoreUpdated     EventType = "health:score-updated"
	EventAutocheckStarted       EventType = "autocheck:started"
	EventAutocheckCompleted     EventType = "autocheck:completed"
	EventFirewallStatusUpdated  EventType = "firewall:status-updated"
	EventFirewallServiceToggled EventType = "firewall:service-toggled"
	EventApprovalRequired       EventType = "remediation:approval-required"
	EventRolledBack             EventType = "remediation:rolled-back"

	// Session-level replies from the hub.
	EventAuthenticated EventType = "authenticated"
	EventError         EventType = "error"
)

// ControlType identifies an outbound (client to server) message.
type ControlType string

const (
	ControlAuth        ControlType = "auth"
	ControlSubscribe   ControlType = "subscribe"
	ControlUnsubscribe ControlType = "unsubscribe"
	ControlRequestData ControlType = "request-data"
)

// Entity types understood by subscribe/unsubscribe.
const (
	EntityVM         = "vm"
	EntityDepartment = "department"
	EntityRule       = "rule"
)

var ErrEmptyType = errors.New("protocol: message has no type")

// EntityRefs names the entities an event is about.
type EntityRefs struct {
	VMID         string `json:"vmId,omitempty"`
	DepartmentID string `json:"departmentId,omitempty"`
	RuleID       string `json:"ruleId,omitempty"`
}

// IsZero reports whether no entity is referenced.
func (r EntityRefs) IsZero() bool {
	return r.VMID == "" && r.DepartmentID == "" && r.RuleID == ""
}

// Get returns the id referenced for the given entity type.
func (r EntityRefs) Get(entityType string) string {
	switch entityType {
	case EntityVM:
		return r.VMID
	case EntityDepartment:
		return r.DepartmentID
	case EntityRule:
		return r.RuleID
	}
	return ""
}

// withDefaults fills empty fields of r from other.
func (r EntityRefs) withDefaults(other EntityRefs) EntityRefs {
	if r.VMID == "" {
		r.VMID = other.VMID
	}
	if r.DepartmentID == "" {
		r.DepartmentID = other.DepartmentID
	}
	if r.RuleID == "" {
		r.RuleID = other.RuleID
	}
	return r
}

// Envelope is the frame for all messages in both directions.
type Envelope struct {
	Type            string          `json:"type"`
	ID              string          `json:"id,omitempty"`
	Namespace       string          `json:"namespace,omitempty"`
	EntityRefs      *EntityRefs     `json:"entityRefs,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ServerTimestamp *time.Time      `json:"serverTimestamp,omitempty"`
}

// InboundEvent is a decoded server push. It is treated as immutable once
// decoded.
type InboundEvent struct {
	Type            EventType
	ID              string
	Namespace       string
	Refs            EntityRefs
	Payload         json.RawMessage
	ServerTimestamp time.Time
}

// DecodeEvent parses a frame into an InboundEvent. Entity refs carried on the
// envelope take precedence; missing ones are filled from well-known payload
// fields (vmId, departmentId, ruleId).
func DecodeEvent(data []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return InboundEvent{}, ErrEmptyType
	}

	ev := InboundEvent{
		Type:      EventType(env.Type),
		ID:        env.ID,
		Namespace: env.Namespace,
		Payload:   env.Payload,
	}
	if env.EntityRefs != nil {
		ev.Refs = *env.EntityRefs
	}
	if env.ServerTimestamp != nil {
		ev.ServerTimestamp = *env.ServerTimestamp
	}

	if len(env.Payload) > 0 && env.Payload[0] == '{' {
		var fromPayload EntityRefs
		if json.Unmarshal(env.Payload, &fromPayload) == nil {
			ev.Refs = ev.Refs.withDefaults(fromPayload)
		}
	}
	return ev, nil
}

// EncodeEvent builds the frame for an event. payload may be a
// json.RawMessage or any JSON-marshalable value.
func EncodeEvent(ns string, typ EventType, refs EntityRefs, payload any, at time.Time) ([]byte, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	env := Envelope{
		Type:      string(typ),
		ID:        NewMessageID(),
		Namespace: ns,
		Payload:   raw,
	}
	if !refs.IsZero() {
		env.EntityRefs = &refs
	}
	if !at.IsZero() {
		ts := at.UTC()
		env.ServerTimestamp = &ts
	}
	return json.Marshal(env)
}

// Outbound is a client control message.
type Outbound struct {
	Type    ControlType
	ID      string
	Payload any
}

// MarshalJSON renders the message in envelope form.
func (o Outbound) MarshalJSON() ([]byte, error) {
	raw, err := marshalPayload(o.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:    string(o.Type),
		ID:      o.ID,
		Payload: raw,
	})
}

// SubscriptionPayload is the body of subscribe and unsubscribe.
type SubscriptionPayload struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// RequestDataPayload asks the server to push current state for a VM.
type RequestDataPayload struct {
	VMID string `json:"vmId"`
}

// AuthPayload is the first frame sent on a new connection.
type AuthPayload struct {
	Token     string `json:"token"`
	Namespace string `json:"namespace"`
}

// AuthenticatedPayload is the hub's reply to a successful auth frame.
type AuthenticatedPayload struct {
	Namespace string `json:"namespace"`
}

// ErrorPayload carries a server-side error description.
type ErrorPayload struct {
	Message string `json:"message"`
}

func NewAuth(token, ns string) Outbound {
	return Outbound{Type: ControlAuth, ID: NewMessageID(), Payload: AuthPayload{Token: token, Namespace: ns}}
}

func NewSubscribe(entityType, entityID string) Outbound {
	return Outbound{Type: ControlSubscribe, ID: NewMessageID(), Payload: SubscriptionPayload{EntityType: entityType, EntityID: entityID}}
}

func NewUnsubscribe(entityType, entityID string) Outbound {
	return Outbound{Type: ControlUnsubscribe, ID: NewMessageID(), Payload: SubscriptionPayload{EntityType: entityType, EntityID: entityID}}
}

func NewRequestData(vmID string) Outbound {
	return Outbound{Type: ControlRequestData, ID: NewMessageID(), Payload: RequestDataPayload{VMID: vmID}}
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a lexically sortable id used to correlate frames in
// logs on both ends.
func NewMessageID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Now(), idEntropy).String()
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}
