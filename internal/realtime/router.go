package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

// ErrMalformed is returned by handlers whose payload cannot be used.
var ErrMalformed = errors.New("realtime: malformed payload")

// Handler applies one event. It may dispatch to the state store, notify the
// user and bump refetch signals. A returned error drops the event.
type Handler func(refs protocol.EntityRefs, payload json.RawMessage) error

// severityLevels maps issue severity to notification presentation.
var severityLevels = map[protocol.Severity]Level{
	protocol.SeverityCritical: LevelError,
	protocol.SeverityHigh:     LevelError,
	protocol.SeverityMedium:   LevelWarning,
	protocol.SeverityLow:      LevelInfo,
}

// SeverityLevel returns the presentation for s; unknown tags get the lowest.
func SeverityLevel(s protocol.Severity) Level {
	if l, ok := severityLevels[s]; ok {
		return l
	}
	return LevelInfo
}

// RouterStats counts what the router did with inbound frames.
type RouterStats struct {
	Routed    uint64
	Unknown   uint64
	Malformed uint64
	Foreign   uint64
}

// EventRouter turns inbound frames into state-store actions, notifications
// and refetch signals. Route is called by the connection's single reader
// goroutine, so events are applied one at a time in transport order.
type EventRouter struct {
	store    StateStore
	notifier Notifier
	refetch  *RefetchCoordinator
	log      logrus.FieldLogger
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[protocol.EventType]Handler

	routed, unknown, malformed, foreign atomic.Uint64
}

func NewEventRouter(store StateStore, notifier Notifier, refetch *RefetchCoordinator, log logrus.FieldLogger) *EventRouter {
	if store == nil {
		store = nopStore{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	r := &EventRouter{
		store:    store,
		notifier: notifier,
		refetch:  refetch,
		log:      logging.OrDiscard(log).WithField("component", "router"),
		now:      time.Now,
		handlers: make(map[protocol.EventType]Handler),
	}
	r.registerDefaults()
	return r
}

// Register installs h for typ, replacing any existing handler.
func (r *EventRouter) Register(typ protocol.EventType, h Handler) {
	r.mu.Lock()
	r.handlers[typ] = h
	r.mu.Unlock()
}

// Stats returns the router counters.
func (r *EventRouter) Stats() RouterStats {
	return RouterStats{
		Routed:    r.routed.Load(),
		Unknown:   r.unknown.Load(),
		Malformed: r.malformed.Load(),
		Foreign:   r.foreign.Load(),
	}
}

// Route decodes and applies one frame received on a connection bound to ns.
func (r *EventRouter) Route(ns string, data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		r.malformed.Add(1)
		r.log.WithError(err).Warn("dropping undecodable frame")
		return
	}
	r.Handle(ns, ev)
}

// Handle applies a decoded event. Events scoped to a different namespace,
// unknown types and malformed payloads are logged and dropped.
func (r *EventRouter) Handle(ns string, ev protocol.InboundEvent) {
	log := r.log.WithFields(logrus.Fields{"type": ev.Type, "id": ev.ID})

	if ev.Namespace != "" && ns != "" && ev.Namespace != ns {
		r.foreign.Add(1)
		log.WithField("namespace", ev.Namespace).Warn("dropping event for foreign namespace")
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[ev.Type]
	r.mu.RUnlock()
	if !ok {
		r.unknown.Add(1)
		log.Debug("dropping unknown event type")
		return
	}

	if err := h(ev.Refs, ev.Payload); err != nil {
		r.malformed.Add(1)
		log.WithError(err).Warn("dropping event")
		return
	}
	r.routed.Add(1)
}

func (r *EventRouter) registerDefaults() {
	r.handlers[protocol.EventIssueDetected] = r.onIssueDetected
	r.handlers[protocol.EventRemediationAvailable] = r.onRemediationAvailable
	r.handlers[protocol.EventRemediationCompleted] = r.onRemediationCompleted
	r.handlers[protocol.EventHealthScoreUpdated] = r.onHealthScore
	r.handlers[protocol.EventAutocheckStarted] = r.onAutocheckStarted
	r.handlers[protocol.EventAutocheckCompleted] = r.onAutocheckCompleted
	r.handlers[protocol.EventFirewallStatusUpdated] = r.onFirewallStatus
	r.handlers[protocol.EventFirewallServiceToggled] = r.onServiceToggled
	r.handlers[protocol.EventApprovalRequired] = r.onApprovalRequired
	r.handlers[protocol.EventRolledBack] = r.onRolledBack
	r.handlers[protocol.EventError] = r.onServerError
	r.handlers[protocol.EventAuthenticated] = func(protocol.EntityRefs, json.RawMessage) error { return nil }
}

// decodeVM unmarshals payload into v and requires a VM reference.
func decodeVM(refs protocol.EntityRefs, payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformed)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if refs.VMID == "" {
		return fmt.Errorf("%w: no vmId", ErrMalformed)
	}
	return nil
}

func (r *EventRouter) notify(level Level, vmID, title, msg string) {
	r.notifier.Notify(Notification{Level: level, Title: title, Message: msg, VMID: vmID, At: r.now()})
}

func (r *EventRouter) bump(typ protocol.EventType, refs protocol.EntityRefs) {
	if r.refetch != nil {
		r.refetch.Bump(typ, refs)
	}
}

func (r *EventRouter) onIssueDetected(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.IssueDetectedPayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	r.store.Dispatch(Action{Type: ActionIssueDetected, VMID: refs.VMID, Payload: p})
	sev := p.Severity
	if sev == "" {
		sev = "unknown"
	}
	r.notify(SeverityLevel(p.Severity), refs.VMID, "Issue detected",
		fmt.Sprintf("%s on %s (%s)", p.Check, refs.VMID, sev))
	r.bump(protocol.EventIssueDetected, refs)
	return nil
}

func (r *EventRouter) onRemediationAvailable(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.RemediationAvailablePayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	r.store.Dispatch(Action{Type: ActionRemediationAvailable, VMID: refs.VMID, Payload: p})
	r.notify(LevelInfo, refs.VMID, "Remediation available", p.Remediation.Title)
	return nil
}

func (r *EventRouter) onRemediationCompleted(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.RemediationCompletedPayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	name := p.Result.RemediationID
	if rem, ok := r.store.Select(RemediationPath(refs.VMID, p.Result.RemediationID)).(protocol.Remediation); ok && rem.Title != "" {
		name = rem.Title
	}
	r.store.Dispatch(Action{Type: ActionRemediationCompleted, VMID: refs.VMID, Payload: p})
	if p.Result.Success {
		r.notify(LevelSuccess, refs.VMID, "Remediation applied", name)
	} else {
		msg := name
		if p.Result.Message != "" {
			msg += ": " + p.Result.Message
		}
		r.notify(LevelError, refs.VMID, "Remediation failed", msg)
	}
	r.bump(protocol.EventRemediationCompleted, refs)
	return nil
}

func (r *EventRouter) onHealthScore(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.HealthScorePayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	r.store.Dispatch(Action{Type: ActionHealthScoreUpdated, VMID: refs.VMID, Payload: p})
	r.bump(protocol.EventHealthScoreUpdated, refs)
	return nil
}

func (r *EventRouter) onAutocheckStarted(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.AutocheckStartedPayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	r.store.Dispatch(Action{Type: ActionAutocheckStarted, VMID: refs.VMID, Payload: p})
	return nil
}

func (r *EventRouter) onAutocheckCompleted(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.AutocheckCompletedPayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	r.store.Dispatch(Action{Type: ActionAutocheckCompleted, VMID: refs.VMID, Payload: p})
	r.bump(protocol.EventAutocheckCompleted, refs)
	return nil
}

func (r *EventRouter) onFirewallStatus(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.FirewallStatusPayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	r.store.Dispatch(Action{Type: ActionFirewallStatusUpdated, VMID: refs.VMID, Payload: p})
	if p.Status == protocol.FirewallFailed {
		r.notify(LevelError, refs.VMID, "Firewall sync failed", refs.VMID)
	}
	r.bump(protocol.EventFirewallStatusUpdated, refs)
	return nil
}

func (r *EventRouter) onServiceToggled(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.ServiceToggledPayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	r.store.Dispatch(Action{Type: ActionServiceToggled, VMID: refs.VMID, Payload: p})
	state := "disabled"
	if p.Enabled {
		state = "enabled"
	}
	r.notify(LevelInfo, refs.VMID, "Firewall service "+state, p.ServiceID+" on "+refs.VMID)
	r.bump(protocol.EventFirewallServiceToggled, refs)
	return nil
}

func (r *EventRouter) onApprovalRequired(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.ApprovalRequiredPayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	r.store.Dispatch(Action{Type: ActionApprovalRequired, VMID: refs.VMID, Payload: p})
	r.notify(LevelWarning, refs.VMID, "Approval required", p.Remediation.Title+": "+p.Reason)
	return nil
}

func (r *EventRouter) onRolledBack(refs protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.RolledBackPayload
	if err := decodeVM(refs, payload, &p); err != nil {
		return err
	}
	r.store.Dispatch(Action{Type: ActionRolledBack, VMID: refs.VMID, Payload: p})
	r.notify(LevelWarning, refs.VMID, "Remediation rolled back", p.RemediationID+": "+p.Reason)
	r.bump(protocol.EventRolledBack, refs)
	return nil
}

func (r *EventRouter) onServerError(_ protocol.EntityRefs, payload json.RawMessage) error {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r.log.WithField("message", p.Message).Warn("server reported error")
	r.notify(LevelError, "", "Server error", p.Message)
	return nil
}
