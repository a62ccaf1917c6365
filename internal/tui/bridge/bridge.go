package bridge

import (
	"context"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/realtime"
	"github.com/sirupsen/logrus"
)

const queueSize = 256

// Sender receives messages. *tea.Program implements it.
type Sender interface {
	Send(msg tea.Msg)
}

// StoreMsg reports that the store changed for one VM.
type StoreMsg struct {
	VMID string
	Type realtime.ActionType
}

// NotificationMsg carries a router notification to the program.
type NotificationMsg struct{ realtime.Notification }

// StatusMsg carries an engine status snapshot to the program.
type StatusMsg struct{ realtime.Status }

// Bridge implements realtime.StateStore and realtime.Notifier on top of a
// Store and forwards every change to the program. Engine callbacks never
// block on the UI: messages queue and are dropped when the queue is full.
type Bridge struct {
	*Store
	queue   chan tea.Msg
	dropped atomic.Uint64
	log     logrus.FieldLogger
}

func New(store *Store, log logrus.FieldLogger) *Bridge {
	return &Bridge{
		Store: store,
		queue: make(chan tea.Msg, queueSize),
		log:   logging.OrDiscard(log).WithField("component", "bridge"),
	}
}

// Dispatch applies a to the store and tells the program.
func (b *Bridge) Dispatch(a realtime.Action) {
	b.Store.Dispatch(a)
	b.enqueue(StoreMsg{VMID: a.VMID, Type: a.Type})
}

func (b *Bridge) Notify(n realtime.Notification) {
	b.enqueue(NotificationMsg{n})
}

// Status is an engine OnStatus callback.
func (b *Bridge) Status(s realtime.Status) {
	b.enqueue(StatusMsg{s})
}

// Send queues an arbitrary message for the program.
func (b *Bridge) Send(msg tea.Msg) {
	b.enqueue(msg)
}

// Dropped reports how many messages overflowed the queue.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

func (b *Bridge) enqueue(msg tea.Msg) {
	select {
	case b.queue <- msg:
	default:
		if b.dropped.Add(1) == 1 {
			b.log.Warn("ui queue full, dropping messages")
		}
	}
}

// Run forwards queued messages to s until ctx is done.
func (b *Bridge) Run(ctx context.Context, s Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			s.Send(msg)
		}
	}
}
