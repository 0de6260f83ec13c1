package presentation

import "github.com/charmbracelet/lipgloss"

var (
	// Semantic color names - Text hierarchy
	TextPrimaryColor   = lipgloss.AdaptiveColor{Light: "#1F1F1F", Dark: "#CCCCCC"}
	TextSecondaryColor = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#BBBBBB"} // Run IDs, secondary info
	TextMutedColor     = lipgloss.AdaptiveColor{Light: "#888888", Dark: "#696969"} // Hints, footers

	// Semantic color names - Status
	StatusSuccessColor = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	StatusWarningColor = lipgloss.AdaptiveColor{Light: "#C99A06", Dark: "#FECA57"}
	StatusErrorColor   = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}

	BorderDefaultColor = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#696969"}

	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(TextPrimaryColor)
	LabelStyle   = lipgloss.NewStyle().Foreground(TextSecondaryColor)
	MutedStyle   = lipgloss.NewStyle().Foreground(TextMutedColor)
	SuccessStyle = lipgloss.NewStyle().Foreground(StatusSuccessColor)
	WarningStyle = lipgloss.NewStyle().Foreground(StatusWarningColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(StatusErrorColor)
	HeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(TextSecondaryColor).Padding(0, 1)
	CellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// statusStyle colors a run status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return SuccessStyle
	case "failed":
		return ErrorStyle
	default:
		return WarningStyle
	}
}

// statusIcon is the leading glyph for a run line.
func statusIcon(status string) string {
	switch status {
	case "completed":
		return SuccessStyle.Render("✓")
	case "failed":
		return ErrorStyle.Render("✗")
	default:
		return WarningStyle.Render("…")
	}
}
