package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/tui/components"
	"github.com/theirongolddev/vacount/internal/tui/theme"
)

// monthsState tracks the months tab scroll position. offset counts from the
// newest month.
type monthsState struct {
	offset int
}

func (a App) renderMonthsTab(cw, h int) string {
	t := theme.Active
	headerStyle := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface).Bold(true)
	rowStyle := lipgloss.NewStyle().Foreground(t.TextPrimary).Background(t.Surface)
	selStyle := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.SurfaceHover).Bold(true)
	newStyle := lipgloss.NewStyle().Foreground(t.Fresh).Background(t.Surface)
	muted := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)

	inner := components.CardInnerWidth(cw)
	const col = 11
	splitW := max(inner-8-col*5-6, 8)

	var body strings.Builder
	body.WriteString(headerStyle.Render(fmt.Sprintf("%-8s%*s%*s%*s%*s%*s  %s",
		"Month", col, "Clients", col, "Entity", col, "Non-entity", col, "New", col, "Running", "split")))
	body.WriteString("\n")

	if len(a.series) == 0 {
		body.WriteString(muted.Render("No monthly data in this report."))
		return components.ContentCard("Months", body.String(), cw)
	}

	// Newest first; offset selects a row.
	visible := max(h-5, 1)
	sel := a.months.offset
	start := scrollOffset(sel, 0, visible)
	end := min(start+visible, len(a.series))
	for i := start; i < end; i++ {
		p := a.series[len(a.series)-1-i]
		line := fmt.Sprintf("%-8s%*s%*s%*s",
			p.Label,
			col, cli.FormatNumber(p.Total.Clients),
			col, cli.FormatNumber(p.Total.EntityClients),
			col, cli.FormatNumber(p.Total.NonEntityClients))
		fresh := fmt.Sprintf("%*s%*s  ", col, cli.FormatNumber(p.New.Clients), col, cli.FormatNumber(p.Cumulative))
		if i == sel {
			body.WriteString(selStyle.Render(line + fresh))
		} else {
			body.WriteString(rowStyle.Render(line) + newStyle.Render(fresh))
		}
		body.WriteString(components.SplitBar(p.Total.EntityClients, p.Total.NonEntityClients, splitW))
		if i < end-1 {
			body.WriteString("\n")
		}
	}

	return components.ContentCard(fmt.Sprintf("Months (%d)", len(a.series)), body.String(), cw)
}
