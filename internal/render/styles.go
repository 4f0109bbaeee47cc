// Package render formats run state for the terminal.
package render

import "charm.land/lipgloss/v2"

const (
	colorPrimary   = "#7C3AED"
	colorSuccess   = "#10B981"
	colorAccent    = "#60A5FA"
	colorWarning   = "#F59E0B"
	colorError     = "#EF4444"
	colorMuted     = "#6B7280"
	colorTextDim   = "#9CA3AF"
	colorTextLight = "#E5E7EB"
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorPrimary)).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorSuccess))
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarning))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorError)).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorTextDim))
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorTextLight))

	barDoneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorSuccess))
	barTodoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorTextDim)).Width(12)
)

// phaseStyle colours a run phase label.
func phaseStyle(phase string) lipgloss.Style {
	switch phase {
	case "running":
		return accentStyle.Bold(true)
	case "completed", "all-completed":
		return successStyle.Bold(true)
	case "stopped", "stopped-by-user", "interrupted":
		return warnStyle.Bold(true)
	case "fatal-error", "stopped-by-fatal-error":
		return errorStyle
	default:
		return mutedStyle
	}
}
