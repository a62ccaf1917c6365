package realtime

import "sync/atomic"

// Status is a read-only snapshot of the sync layer.
type Status struct {
	IsInitialized     bool
	IsConnected       bool
	IsConnecting      bool
	HasError          bool
	State             State
	Namespace         string
	LastError         error
	SubscriptionCount int
}

// StatusOf derives a Status from a connection view. The booleans are pure
// functions of the state.
func StatusOf(c Connection, initialized bool, subscriptions int) Status {
	return Status{
		IsInitialized:     initialized,
		IsConnected:       c.State == StateConnected,
		IsConnecting:      c.State == StateConnecting,
		HasError:          c.State == StateError,
		State:             c.State,
		Namespace:         c.Namespace,
		LastError:         c.LastError,
		SubscriptionCount: subscriptions,
	}
}

// StatusReporter reads the connection and subscription state without
// touching either.
type StatusReporter struct {
	conn        *ConnectionManager
	subs        *SubscriptionRegistry
	initialized atomic.Bool
}

func NewStatusReporter(conn *ConnectionManager, subs *SubscriptionRegistry) *StatusReporter {
	return &StatusReporter{conn: conn, subs: subs}
}

func (r *StatusReporter) setInitialized(v bool) { r.initialized.Store(v) }

func (r *StatusReporter) Status() Status {
	return StatusOf(r.conn.Snapshot(), r.initialized.Load(), r.subs.Count())
}
