package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/infinibay/rtsync/internal/realtime"
	"github.com/infinibay/rtsync/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Status   realtime.Status
	VMs      int
	Degraded int
	Width    int
}

// New creates a status bar model.
func New() Model {
	return Model{Status: realtime.Status{State: realtime.StateDisconnected}}
}

// SetCounts updates the fleet counts.
func (m *Model) SetCounts(vms, degraded int) {
	m.VMs = vms
	m.Degraded = degraded
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	st := m.Status
	state := string(st.State)
	if state == "" {
		state = string(realtime.StateDisconnected)
	}
	connStr := lipgloss.NewStyle().Foreground(theme.StateColor(state)).
		Render(theme.StateGlyph(state) + " " + state)

	ns := st.Namespace
	if ns == "" {
		ns = "no namespace"
	}
	nsStr := theme.StyleHeader.Render(ns)

	counts := fmt.Sprintf("%d vms  %d degraded  %d subscriptions", m.VMs, m.Degraded, st.SubscriptionCount)

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + nsStr + sep + counts
	if st.HasError && st.LastError != nil {
		content += sep + lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(st.LastError.Error())
	}
	if !st.IsInitialized {
		content += sep + theme.StyleDimmed.Render("starting")
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
