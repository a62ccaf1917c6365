// Package app is the root bubbletea model of the console.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/infinibay/rtsync/internal/namespace"
	"github.com/infinibay/rtsync/internal/realtime"
	"github.com/infinibay/rtsync/internal/tui/bridge"
	"github.com/infinibay/rtsync/internal/tui/theme"
	"github.com/infinibay/rtsync/internal/tui/views/detail"
	"github.com/infinibay/rtsync/internal/tui/views/feed"
	"github.com/infinibay/rtsync/internal/tui/views/fleet"
	"github.com/infinibay/rtsync/internal/tui/views/status"
)

type connectedMsg struct{ err error }

type requestedMsg struct {
	vmID string
	err  error
}

type frameMsg struct{}

// Model is the root bubbletea model.
type Model struct {
	backend Backend
	store   *bridge.Store
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time

	keys   KeyMap
	width  int
	height int

	statusBar status.Model
	fleet     fleet.Model
	feed      feed.Model
	detail    detail.Model

	showDetail bool
	animating  bool
	requested  map[string]time.Time
}

// New creates the root model. store is read for rendering; the backend
// writes to it through the bridge.
func New(backend Backend, store *bridge.Store) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		backend:   backend,
		store:     store,
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		keys:      DefaultKeyMap(),
		statusBar: status.New(),
		fleet:     fleet.New(),
		feed:      feed.New(),
		detail:    detail.New(),
		requested: make(map[string]time.Time),
	}
}

// Init connects the backend.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.SetWindowTitle("rtsync"), m.connect())
}

func (m Model) connect() tea.Cmd {
	return func() tea.Msg {
		return connectedMsg{err: m.backend.Connect(m.ctx)}
	}
}

func (m Model) frame() tea.Cmd {
	return tea.Tick(time.Second/fleet.FPS, func(time.Time) tea.Msg { return frameMsg{} })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.fleet.Width = msg.Width
		m.detail.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case connectedMsg:
		switch {
		case msg.err == nil:
		case errors.Is(msg.err, namespace.ErrNoNamespace):
			m.feed.Add(feed.Entry{Level: string(realtime.LevelWarning), Title: "No namespace", Message: "waiting for one to be stored"})
		default:
			m.feed.Add(feed.Entry{Level: string(realtime.LevelError), Title: "Connect failed", Message: msg.err.Error()})
		}
		return m, nil

	case bridge.StoreMsg:
		return m, m.refresh()

	case ReconciledMsg:
		if msg.Err != nil {
			m.feed.Add(feed.Entry{Level: string(realtime.LevelWarning), Title: "Refetch failed", Message: msg.Err.Error()})
			return m, nil
		}
		return m, m.refresh()

	case bridge.NotificationMsg:
		n := msg.Notification
		m.feed.Add(feed.Entry{Time: n.At, Level: string(n.Level), VMID: n.VMID, Title: n.Title, Message: n.Message})
		return m, nil

	case bridge.StatusMsg:
		prev := m.statusBar.Status.State
		m.statusBar.Status = msg.Status
		if msg.State != prev && msg.State == realtime.StateError && msg.LastError != nil {
			m.feed.Add(feed.Entry{Level: string(realtime.LevelError), Title: "Connection error", Message: msg.LastError.Error()})
		}
		return m, nil

	case requestedMsg:
		if msg.err != nil {
			m.feed.Add(feed.Entry{Level: string(realtime.LevelError), VMID: msg.vmID, Title: "Request failed", Message: msg.err.Error()})
			return m, nil
		}
		m.requested[msg.vmID] = m.now()
		m.syncDetail()
		return m, nil

	case frameMsg:
		if m.fleet.Step() {
			return m, m.frame()
		}
		m.animating = false
		return m, nil
	}

	return m, nil
}

// refresh re-reads the store and starts the gauge animation if needed.
func (m *Model) refresh() tea.Cmd {
	vms := m.store.Snapshot()
	m.fleet.SetVMs(vms)
	m.statusBar.SetCounts(len(vms), m.fleet.Degraded())
	m.syncDetail()
	if m.animating {
		return nil
	}
	m.animating = true
	return m.frame()
}

func (m *Model) syncDetail() {
	id := m.fleet.SelectedID()
	if id == "" {
		m.detail.SetVM(nil)
		return
	}
	vm, ok := m.store.Get(id)
	if !ok {
		m.detail.SetVM(nil)
		return
	}
	m.detail.SetVM(&vm)
	m.detail.Refreshed = m.requested[id]
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		m.backend.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Escape):
		m.showDetail = false
		return m, nil

	case key.Matches(msg, m.keys.Enter):
		m.showDetail = !m.showDetail
		m.syncDetail()
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.fleet.Next()
		m.syncDetail()
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.fleet.Prev()
		m.syncDetail()
		return m, nil

	case key.Matches(msg, m.keys.FeedUp):
		m.feed.Scroll(5)
		return m, nil

	case key.Matches(msg, m.keys.FeedDown):
		m.feed.Scroll(-5)
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		id := m.fleet.SelectedID()
		if id == "" {
			return m, nil
		}
		backend := m.backend
		return m, func() tea.Msg {
			return requestedMsg{vmID: id, err: backend.RequestData(id)}
		}
	}
	return m, nil
}

// View renders the full console.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.statusBar.View(), m.fleet.View()}
	if m.showDetail {
		if d := m.detail.View(); d != "" {
			sections = append(sections, d)
		}
	}

	used := lipgloss.Height(lipgloss.JoinVertical(lipgloss.Left, sections...))
	feedHeight := m.height - used - 2
	if feedHeight >= 3 {
		sections = append(sections, "", m.feed.View(m.width, feedHeight))
	}
	sections = append(sections, theme.StyleDimmed.Render("  j/k:select  enter:detail  r:request state  pgup/pgdn:feed  q:quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
