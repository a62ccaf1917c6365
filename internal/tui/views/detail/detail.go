// Package detail renders the selected VM as a markdown report.
package detail

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/infinibay/rtsync/internal/tui/bridge"
	"github.com/infinibay/rtsync/internal/tui/theme"
)

var stylePanel = lipgloss.NewStyle().
	BorderStyle(lipgloss.RoundedBorder()).
	BorderForeground(theme.ColorBorder).
	Padding(0, 1)

// Model holds the detail panel state.
type Model struct {
	// Style is a glamour standard style name.
	Style string
	Width int
	VM    *bridge.VM
	// Refreshed is when request-data was last sent for VM.
	Refreshed time.Time

	cache *rendererCache
}

// rendererCache is shared by copies of a Model so the renderer survives
// bubbletea's value-typed updates.
type rendererCache struct {
	r     *glamour.TermRenderer
	style string
	wrap  int
}

func New() Model {
	return Model{Style: styles.DarkStyle, cache: &rendererCache{}}
}

// SetVM replaces the VM shown. A nil VM clears the panel.
func (m *Model) SetVM(vm *bridge.VM) {
	m.VM = vm
}

// View renders the panel, or "" when no VM is set.
func (m Model) View() string {
	if m.VM == nil {
		return ""
	}
	width := m.Width
	if width < 30 {
		width = 30
	}

	out, err := m.render(Markdown(*m.VM, m.Refreshed), width-4)
	if err != nil {
		out = Markdown(*m.VM, m.Refreshed)
	}
	return stylePanel.Width(width - 2).Render(strings.TrimRight(out, "\n"))
}

func (m Model) render(md string, wrap int) (string, error) {
	c := m.cache
	if c == nil {
		c = &rendererCache{}
	}
	if c.r == nil || c.wrap != wrap || c.style != m.Style {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(m.Style),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			return "", err
		}
		c.r, c.style, c.wrap = r, m.Style, wrap
	}
	return c.r.Render(md)
}

// Markdown describes vm as a markdown document.
func Markdown(vm bridge.VM, refreshed time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", vm.ID)

	if vm.HasHealth {
		fmt.Fprintf(&b, "**Health** %.1f (was %.1f)\n\n", vm.Health, vm.PreviousHealth)
	} else {
		b.WriteString("**Health** unknown\n\n")
	}
	if vm.Firewall != "" {
		fmt.Fprintf(&b, "**Firewall** %s\n\n", vm.Firewall)
	}
	if vm.Checking != "" {
		fmt.Fprintf(&b, "**Running check** %s\n\n", vm.Checking)
	} else if vm.LastCheck != "" {
		fmt.Fprintf(&b, "**Last check** %s\n\n", vm.LastCheck)
	}

	if len(vm.Services) > 0 {
		b.WriteString("## Services\n\n| Service | State |\n|---|---|\n")
		for _, svc := range sortedKeys(vm.Services) {
			state := "disabled"
			if vm.Services[svc] {
				state = "enabled"
			}
			fmt.Fprintf(&b, "| %s | %s |\n", svc, state)
		}
		b.WriteString("\n")
	}

	if len(vm.Remediations) > 0 {
		b.WriteString("## Pending remediations\n\n")
		ids := make([]string, 0, len(vm.Remediations))
		for id := range vm.Remediations {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			r := vm.Remediations[id]
			title := r.Title
			if title == "" {
				title = r.ID
			}
			line := "- **" + title + "**"
			if r.RequiresApproval {
				line += " _awaiting approval_"
			}
			if r.Description != "" {
				line += ": " + r.Description
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if len(vm.Issues) > 0 {
		b.WriteString("## Recent issues\n\n")
		for i := len(vm.Issues) - 1; i >= 0; i-- {
			is := vm.Issues[i]
			fmt.Fprintf(&b, "- `%s` %s\n", is.Severity, is.Check)
		}
		b.WriteString("\n")
	}

	if vm.LastResult != nil {
		outcome := "succeeded"
		if !vm.LastResult.Success {
			outcome = "failed"
		}
		fmt.Fprintf(&b, "> Last remediation %s %s", vm.LastResult.RemediationID, outcome)
		if vm.LastResult.Message != "" {
			b.WriteString(": " + vm.LastResult.Message)
		}
		b.WriteString("\n\n")
	}
	if vm.LastRollback != nil {
		fmt.Fprintf(&b, "> Rolled back %s: %s\n\n", vm.LastRollback.RemediationID, vm.LastRollback.Reason)
	}

	if !refreshed.IsZero() {
		fmt.Fprintf(&b, "_state requested %s_\n", refreshed.Format("15:04:05"))
	}
	return b.String()
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
