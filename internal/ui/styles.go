package ui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent  = lipgloss.Color("#874BFD")
	colorOK      = lipgloss.Color("#00FF99")
	colorDanger  = lipgloss.Color("#FF0055")
	colorWarning = lipgloss.Color("#F59E0B")
	colorText    = lipgloss.Color("#E2E8F0")
	colorSub     = lipgloss.Color("#64748B")

	subtle    = lipgloss.NewStyle().Foreground(colorSub)
	highlight = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	okStyle   = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	danger    = lipgloss.NewStyle().Foreground(colorDanger).Bold(true)
	warning   = lipgloss.NewStyle().Foreground(colorWarning)

	titleStyle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true).
			Padding(0, 1)

	hudStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1).
			Foreground(colorText)

	selectedStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(lipgloss.Color("#331832")).
			Bold(true)

	normalStyle = lipgloss.NewStyle().Foreground(colorSub)

	detailBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(colorOK).
			Padding(1, 2).
			MarginTop(1)

	riskBadges = map[string]lipgloss.Style{
		"low":      lipgloss.NewStyle().Foreground(colorOK).SetString("[LOW]"),
		"medium":   lipgloss.NewStyle().Foreground(colorText).SetString("[MEDIUM]"),
		"high":     lipgloss.NewStyle().Foreground(colorWarning).SetString("[HIGH]"),
		"critical": lipgloss.NewStyle().Foreground(colorDanger).SetString("[CRITICAL]"),
	}
)
