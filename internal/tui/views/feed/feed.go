// Package feed provides the notification log. Consecutive repeats of the
// same notification collapse into one line, and scrolling back pins the
// window so new arrivals do not push it around.
package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/infinibay/rtsync/internal/tui/theme"
)

const maxEntries = 200

// Entry is one feed line.
type Entry struct {
	Time    time.Time
	Level   string
	VMID    string
	Title   string
	Message string
	// Repeat counts identical notifications folded into this entry.
	Repeat int
}

func (e Entry) sameAs(o Entry) bool {
	return e.Level == o.Level && e.VMID == o.VMID && e.Title == o.Title && e.Message == o.Message
}

func (e Entry) text() string {
	var b strings.Builder
	if e.VMID != "" {
		b.WriteString("[" + e.VMID + "] ")
	}
	b.WriteString(e.Title)
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Repeat > 1 {
		fmt.Fprintf(&b, " ×%d", e.Repeat)
	}
	return b.String()
}

// Model holds feed state. anchor is the index of the last visible entry
// while scrolled back, or -1 while following the newest.
type Model struct {
	Entries []Entry
	anchor  int
}

func New() Model {
	return Model{anchor: -1}
}

// Following reports whether the view tracks the newest entry.
func (m Model) Following() bool { return m.anchor < 0 }

// Add records e, folding it into the newest entry when identical.
func (m *Model) Add(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if n := len(m.Entries); n > 0 && m.Entries[n-1].sameAs(e) {
		last := &m.Entries[n-1]
		last.Repeat++
		last.Time = e.Time
		return
	}
	e.Repeat = 1
	m.Entries = append(m.Entries, e)

	if over := len(m.Entries) - maxEntries; over > 0 {
		m.Entries = m.Entries[over:]
		if !m.Following() {
			m.anchor = max(0, m.anchor-over)
		}
	}
}

// Scroll moves the window by n entries; positive is older. Scrolling past
// the newest entry resumes following.
func (m *Model) Scroll(n int) {
	if len(m.Entries) == 0 {
		return
	}
	newest := len(m.Entries) - 1
	at := m.anchor
	if m.Following() {
		at = newest
	}
	at = min(max(at-n, 0), newest)
	if at == newest {
		at = -1
	}
	m.anchor = at
}

// View renders the window of entries that fits in height lines.
func (m Model) View(width, height int) string {
	title := theme.StyleHeader.Render(" NOTIFICATIONS ")
	if len(m.Entries) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, theme.StyleDimmed.Render("  Nothing yet."))
	}

	end := len(m.Entries)
	if !m.Following() {
		end = m.anchor + 1
	}
	start := max(0, end-max(1, height-3))
	textWidth := max(20, width-4) - 20

	lines := make([]string, 0, end-start+2)
	lines = append(lines, title)
	for _, e := range m.Entries[start:end] {
		lines = append(lines, renderEntry(e, textWidth))
	}
	if newer := len(m.Entries) - end; newer > 0 {
		lines = append(lines, theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d newer", newer)))
	}
	return strings.Join(lines, "\n")
}

func renderEntry(e Entry, textWidth int) string {
	stamp := theme.StyleDimmed.Render(e.Time.Format("15:04:05"))
	level := lipgloss.NewStyle().Foreground(theme.LevelColor(e.Level)).Width(8).Render(e.Level)

	text := e.text()
	if textWidth > 3 && len(text) > textWidth {
		text = text[:textWidth-3] + "..."
	}
	return stamp + " " + level + " " + text
}
