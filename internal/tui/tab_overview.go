package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/tui/components"
	"github.com/theirongolddev/vacount/internal/tui/theme"
)

const overviewTopN = 8

func (a App) renderOverviewTab(cw int) string {
	t := theme.Active
	s := a.summary
	var b strings.Builder

	if banner := a.errorBanner(cw); banner != "" {
		b.WriteString(banner)
		b.WriteString("\n")
	}

	// Row 1: metric cards
	split := ""
	if s.Total.Clients > 0 {
		split = fmt.Sprintf("%.0f%% of total", float64(s.Total.EntityClients)/float64(s.Total.Clients)*100)
	}
	avg, avgDelta := "-", "no new-client data"
	if s.HasAverage {
		avg = cli.FormatNumber(s.AvgNewClients)
		avgDelta = fmt.Sprintf("%s entity / %s non-entity",
			cli.FormatCount(s.AvgNewEntity), cli.FormatCount(s.AvgNewNonEntity))
	}
	cards := []components.Metric{
		{Label: "Total clients", Value: cli.FormatNumber(s.Total.Clients), Delta: fmt.Sprintf("%d months", s.MonthCount), Color: t.AccentBright},
		{Label: "Entity", Value: cli.FormatNumber(s.Total.EntityClients), Delta: split, Color: t.Entity},
		{Label: "Non-entity", Value: cli.FormatNumber(s.Total.NonEntityClients), Color: t.NonEntity},
		{Label: "Avg new / month", Value: avg, Delta: avgDelta, Color: t.Fresh},
	}
	if !a.isCompactLayout() {
		cards = append(cards, components.Metric{
			Label: "Namespaces",
			Value: cli.FormatNumber(int64(s.NamespaceCount)),
			Delta: fmt.Sprintf("%d mounts", s.MountCount),
		})
	}
	b.WriteString(components.MetricCardRow(cards, cw))
	b.WriteString("\n")

	// Row 2: new clients per month + running total
	if len(a.series) > 0 {
		vals := make([]float64, len(a.series))
		running := make([]float64, len(a.series))
		labels := make([]string, len(a.series))
		for i, p := range a.series {
			vals[i] = float64(p.New.Clients)
			running[i] = float64(p.Cumulative)
			labels[i] = p.Label
		}

		if a.isCompactLayout() {
			inner := components.CardInnerWidth(cw)
			b.WriteString(components.ContentCard("New clients by month",
				components.BarChart(vals, labels, t.Fresh, inner, 8), cw))
			b.WriteString("\n")
		} else {
			widths := components.LayoutRow(cw, 2)
			bars := components.ContentCard("New clients by month",
				components.BarChart(vals, labels, t.Fresh, components.CardInnerWidth(widths[0]), 8), widths[0])
			line := components.LineChart(running, components.CardInnerWidth(widths[1]), 7, "")
			if line == "" {
				line = lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface).Render("Needs at least two months.")
			}
			b.WriteString(components.CardRow([]string{
				bars,
				components.ContentCard("Running total of new clients", line, widths[1]),
			}))
			b.WriteString("\n")
		}
	}

	// Row 3: top namespaces + split
	b.WriteString(a.renderTopNamespaces(cw))
	return b.String()
}

func (a App) renderTopNamespaces(cw int) string {
	t := theme.Active
	muted := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)

	inner := components.CardInnerWidth(cw)
	labelW := min(max(inner/4, 12), 32)
	barW := max(inner-labelW-20, 10)

	var body strings.Builder
	top := a.topNS
	if len(top) > overviewTopN {
		top = top[:overviewTopN]
	}
	if len(top) == 0 {
		body.WriteString(muted.Render("No namespaces in this report."))
	}
	for i, row := range top {
		if i > 0 {
			body.WriteString("\n")
		}
		selected := a.focus != "" && row.Label == a.focus
		body.WriteString(components.ShareBar(row.Label, row.Share, cli.FormatNumber(row.Counts.Clients), labelW, barW, selected))
	}

	total := a.summary.Total
	body.WriteString("\n\n")
	body.WriteString(muted.Render(fmt.Sprintf("%-*s ", labelW, "entity / non-entity")))
	body.WriteString(components.SplitBar(total.EntityClients, total.NonEntityClients, barW))

	title := "Top namespaces"
	if a.focus != "" {
		title += " (focus: " + a.focus + ", F to clear)"
	}
	return components.ContentCard(title, body.String(), cw)
}

// errorBanner explains the last fetch failure, or returns "" when the data
// on screen is current.
func (a App) errorBanner(cw int) string {
	if a.result == nil || a.result.Err == nil {
		return ""
	}
	t := theme.Active
	color := t.Bad
	title := "Fetch failed"
	if a.result.Stale {
		color = t.Warn
		title = "Showing cached data"
	}
	if a.result.Kind() == pipeline.ErrKindNoData {
		color = t.TextMuted
		title = "No data"
	}
	msg := lipgloss.NewStyle().Foreground(color).Background(t.Surface).
		Render(pipeline.Hint(a.result.Err))
	return components.ContentCard(title, msg, cw)
}
