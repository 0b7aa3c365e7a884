package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	keyword   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Render
	paragraph = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2).Render

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// styled reports whether stdout is a terminal that gets colors.
func styled() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// render applies style only when stdout is a terminal.
func render(style lipgloss.Style, s string) string {
	if !styled() {
		return s
	}
	return style.Render(s)
}
