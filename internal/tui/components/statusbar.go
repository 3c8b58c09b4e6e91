package components

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/vacount/internal/tui/theme"
)

// Status is what the bottom bar reports about the data on screen.
type Status struct {
	Addr        string
	Age         string // "3m ago", empty before the first load
	Refreshing  bool
	AutoRefresh bool
	Stale       bool
	Err         string
}

// RenderStatusBar renders the bottom status bar.
func RenderStatusBar(width int, st Status) string {
	t := theme.Active

	bar := lipgloss.NewStyle().Background(t.Surface)
	muted := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)
	accent := lipgloss.NewStyle().Foreground(t.Accent).Background(t.Surface)
	warn := lipgloss.NewStyle().Foreground(t.Warn).Background(t.Surface)
	bad := lipgloss.NewStyle().Foreground(t.Bad).Background(t.Surface)

	left := muted.Render(" [?]help  [r]efresh  [q]uit")
	if st.Err != "" {
		left += bad.Render("  " + fitWidth(st.Err, max(width/2, 10)))
	}

	right := ""
	if st.Addr != "" {
		right += muted.Render(st.Addr + "  ")
	}
	switch {
	case st.Refreshing:
		right += accent.Render("refreshing… ")
	case st.Age != "":
		age := "data " + st.Age
		if st.Stale {
			right += warn.Render(age + " (stale) ")
		} else {
			right += muted.Render(age + " ")
		}
	}
	if st.AutoRefresh {
		right += accent.Render("● ")
	}

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		return bar.Width(width).Render(left)
	}
	return left + bar.Render(repeat(" ", gap)) + right
}
