package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Brand palette
var (
	colorPrimary     = lipgloss.Color("#101F38")
	colorSuccess     = lipgloss.Color("#8BC34A")
	colorDestructive = lipgloss.Color("#e53935")
	colorWarning     = lipgloss.Color("#FFC107")
	colorInfo        = lipgloss.Color("#2196F3")
	colorMuted       = lipgloss.Color("#6B7280")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	errorStyle   = lipgloss.NewStyle().Foreground(colorDestructive).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	labelStyle   = lipgloss.NewStyle().Bold(true).Width(18)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Background(colorSuccess).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// field renders one "label value" line.
func field(label, value string) string {
	return labelStyle.Render(label) + " " + value
}

// renderTable draws rows under headers with the brand header style.
func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

// stateStyle colors a final cycle state.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "succeeded", "applied":
		return successStyle
	case "rejected":
		return warningStyle
	case "failed":
		return errorStyle
	default:
		return mutedStyle
	}
}
