// Package fleet renders the VM table with spring-animated health gauges.
package fleet

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
	"github.com/infinibay/rtsync/internal/tui/bridge"
	"github.com/infinibay/rtsync/internal/tui/theme"
)

// FPS is the gauge animation frame rate.
const FPS = 30

const (
	nameWidth  = 18
	gaugeWidth = 20
	// settled is how close a gauge must be to its target to stop animating.
	settled = 0.05
)

type gauge struct {
	pos, vel, target float64
}

// Model holds the fleet table state.
type Model struct {
	Width    int
	Selected int
	vms      []bridge.VM
	spring   harmonica.Spring
	gauges   map[string]*gauge
}

// New creates an empty fleet table.
func New() Model {
	return Model{
		spring: harmonica.NewSpring(harmonica.FPS(FPS), 6.0, 0.7),
		gauges: make(map[string]*gauge),
	}
}

// SetVMs replaces the rows. Gauges keep their position and spring toward
// the new health.
func (m *Model) SetVMs(vms []bridge.VM) {
	m.vms = vms
	seen := make(map[string]bool, len(vms))
	for _, vm := range vms {
		seen[vm.ID] = true
		g, ok := m.gauges[vm.ID]
		if !ok {
			g = &gauge{pos: vm.Health}
			m.gauges[vm.ID] = g
		}
		g.target = vm.Health
	}
	for id := range m.gauges {
		if !seen[id] {
			delete(m.gauges, id)
		}
	}
	if m.Selected >= len(vms) {
		m.Selected = max(0, len(vms)-1)
	}
}

// Step advances every gauge one frame. It reports whether any gauge is
// still moving.
func (m *Model) Step() bool {
	moving := false
	for _, g := range m.gauges {
		if math.Abs(g.pos-g.target) < settled && math.Abs(g.vel) < settled {
			g.pos, g.vel = g.target, 0
			continue
		}
		g.pos, g.vel = m.spring.Update(g.pos, g.vel, g.target)
		moving = true
	}
	return moving
}

func (m *Model) Next() {
	if len(m.vms) > 0 {
		m.Selected = (m.Selected + 1) % len(m.vms)
	}
}

func (m *Model) Prev() {
	if len(m.vms) > 0 {
		m.Selected = (m.Selected - 1 + len(m.vms)) % len(m.vms)
	}
}

// SelectedID returns the highlighted VM, or "" when the table is empty.
func (m Model) SelectedID() string {
	if m.Selected < 0 || m.Selected >= len(m.vms) {
		return ""
	}
	return m.vms[m.Selected].ID
}

// Degraded counts VMs below the healthy band.
func (m Model) Degraded() int {
	n := 0
	for _, vm := range m.vms {
		if vm.HasHealth && vm.Health < 80 {
			n++
		}
	}
	return n
}

// View renders the table.
func (m Model) View() string {
	header := theme.StyleHeader.Render(fmt.Sprintf("  %-*s %-*s %6s  %-9s %s",
		nameWidth, "VM", gaugeWidth+2, "HEALTH", "", "FIREWALL", "ACTIVITY"))
	lines := []string{header}

	if len(m.vms) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  No VMs subscribed"))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for i, vm := range m.vms {
		lines = append(lines, m.renderRow(vm, i == m.Selected))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderRow(vm bridge.VM, selected bool) string {
	var b strings.Builder
	if selected {
		b.WriteString(lipgloss.NewStyle().Foreground(theme.ColorBright).Bold(true).Render("> "))
	} else {
		b.WriteString("  ")
	}

	name := vm.ID
	if len(name) > nameWidth {
		name = name[:nameWidth-1] + "…"
	}
	b.WriteString(fmt.Sprintf("%-*s ", nameWidth, name))

	if vm.HasHealth {
		pos := vm.Health
		if g, ok := m.gauges[vm.ID]; ok {
			pos = g.pos
		}
		b.WriteString(renderGauge(pos, gaugeWidth))
		b.WriteString(lipgloss.NewStyle().Foreground(theme.HealthColor(vm.Health)).Render(fmt.Sprintf(" %5.1f", vm.Health)))
		b.WriteString(trend(vm))
	} else {
		b.WriteString(theme.StyleDimmed.Render(fmt.Sprintf("[%s]   --.- ", strings.Repeat("·", gaugeWidth))))
	}

	fw := vm.Firewall
	if fw == "" {
		fw = "-"
	}
	b.WriteString(fmt.Sprintf("  %-9s ", fw))
	b.WriteString(activity(vm))
	return b.String()
}

// renderGauge draws a bar for a 0-100 score.
func renderGauge(score float64, width int) string {
	pct := math.Max(0, math.Min(100, score)) / 100
	filled := int(math.Round(pct * float64(width)))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return "[" + lipgloss.NewStyle().Foreground(theme.HealthColor(score)).Render(bar) + "]"
}

func trend(vm bridge.VM) string {
	switch {
	case vm.Health > vm.PreviousHealth:
		return lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("▲")
	case vm.Health < vm.PreviousHealth:
		return lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("▼")
	default:
		return " "
	}
}

func activity(vm bridge.VM) string {
	var parts []string
	if vm.Checking != "" {
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.ColorAccent).Render("checking "+vm.Checking))
	}
	if n := len(vm.Remediations); n > 0 {
		s := fmt.Sprintf("%d pending", n)
		if a := vm.PendingApproval(); a > 0 {
			s += fmt.Sprintf(" (%d need approval)", a)
		}
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(s))
	}
	if len(parts) == 0 {
		return theme.StyleDimmed.Render("idle")
	}
	return strings.Join(parts, "  ")
}
