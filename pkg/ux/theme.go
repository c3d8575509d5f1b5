// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux styles terminal output for the discovery CLI.
//
// Styles are bound to the writer they render for, so output to a pipe or
// buffer stays plain text while a color terminal gets the palette.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette: ocean teals plus the usual semantic colors.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess  Icon = "✓"
	IconWarning  Icon = "⚠"
	IconError    Icon = "✗"
	IconPending  Icon = "○"
	IconSurprise Icon = "*"
)

// Theme holds styles rendered for one writer.
type Theme struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
}

// NewTheme builds styles for w. The color profile is detected from w; a
// writer that is not a terminal gets no escape sequences.
func NewTheme(w io.Writer) *Theme {
	r := lipgloss.NewRenderer(w)
	return &Theme{
		Title:     r.NewStyle().Bold(true).Foreground(ColorTealBright),
		Subtitle:  r.NewStyle().Foreground(ColorTealPrimary),
		Bold:      r.NewStyle().Bold(true),
		Muted:     r.NewStyle().Foreground(ColorSlate),
		Success:   r.NewStyle().Foreground(ColorSuccess),
		Warning:   r.NewStyle().Foreground(ColorWarning),
		Error:     r.NewStyle().Foreground(ColorError),
		Highlight: r.NewStyle().Foreground(ColorTealBright).Bold(true),
		Box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealDeep).
			Padding(0, 1),
	}
}

// Icon renders a glyph in its semantic color.
func (t *Theme) Icon(i Icon) string {
	switch i {
	case IconSuccess:
		return t.Success.Render(string(i))
	case IconWarning, IconSurprise:
		return t.Warning.Render(string(i))
	case IconError:
		return t.Error.Render(string(i))
	case IconPending:
		return t.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// ProgressBar renders current/total as a bar width cells wide followed by
// a percentage. A non-positive total renders an empty bar.
func (t *Theme) ProgressBar(current, total, width int) string {
	pct := 0.0
	if total > 0 {
		pct = min(max(float64(current)/float64(total), 0), 1)
	}
	filled := int(pct * float64(width))
	bar := t.Success.Render(strings.Repeat("█", filled)) +
		t.Muted.Render(strings.Repeat("░", max(width-filled, 0)))
	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}
