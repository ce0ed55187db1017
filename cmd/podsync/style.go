package main

import "github.com/charmbracelet/lipgloss"

var (
	labelStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ade80"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#facc15"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f87171"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
)

// field renders one aligned "label  value" status line.
func field(label, value string) string {
	return labelStyle.Width(14).Render(label) + value
}
