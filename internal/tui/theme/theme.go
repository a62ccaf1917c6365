// Package theme provides the Lip Gloss palette and shared styles for the
// console. It imports nothing from the rest of the module so every view
// can depend on it.
package theme

import "github.com/charmbracelet/lipgloss"

// Health score bands.
var (
	ColorHealthGood = lipgloss.Color("#22c55e") // >=80
	ColorHealthFair = lipgloss.Color("#d97706") // 50-80
	ColorHealthPoor = lipgloss.Color("#dc2626") // <50
)

// Notification level colors.
var (
	ColorInfo    = lipgloss.Color("#2563eb")
	ColorSuccess = lipgloss.Color("#16a34a")
	ColorWarn    = lipgloss.Color("#d97706")
	ColorError   = lipgloss.Color("#dc2626")
)

// Severity colors.
var (
	ColorCritical = lipgloss.Color("#b91c1c")
	ColorHigh     = lipgloss.Color("#dc2626")
	ColorMedium   = lipgloss.Color("#d97706")
	ColorLow      = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder   = lipgloss.Color("#4b5563")
	ColorDimmed   = lipgloss.Color("#6b7280")
	ColorBright   = lipgloss.Color("#f9fafb")
	ColorAccent   = lipgloss.Color("#7c3aed")
	ColorHealthy  = lipgloss.Color("#22c55e")
	ColorWarning  = lipgloss.Color("#d97706")
	ColorDanger   = lipgloss.Color("#dc2626")
	ColorDefault  = lipgloss.Color("#9ca3af")
	ColorSelected = lipgloss.Color("#1f2937")
)

// HealthColor returns the band color for a 0-100 score.
func HealthColor(score float64) lipgloss.Color {
	switch {
	case score >= 80:
		return ColorHealthGood
	case score >= 50:
		return ColorHealthFair
	default:
		return ColorHealthPoor
	}
}

// LevelColor returns the color for a notification level.
func LevelColor(level string) lipgloss.Color {
	switch level {
	case "info":
		return ColorInfo
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarn
	case "error":
		return ColorError
	default:
		return ColorDefault
	}
}

// SeverityColor returns the color for an issue severity.
func SeverityColor(severity string) lipgloss.Color {
	switch severity {
	case "critical":
		return ColorCritical
	case "high":
		return ColorHigh
	case "medium":
		return ColorMedium
	default:
		return ColorLow
	}
}

// StateColor returns the color for a connection state.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "connected":
		return ColorHealthy
	case "connecting":
		return ColorWarning
	case "error":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// StateGlyph returns the glyph shown next to a connection state.
func StateGlyph(state string) string {
	switch state {
	case "connected":
		return "●"
	case "connecting":
		return "◌"
	case "error":
		return "✗"
	default:
		return "○"
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)
)
