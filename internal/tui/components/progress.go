package components

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/theirongolddev/vacount/internal/tui/theme"
)

// ShareBar renders a labelled attribution bar: label, bar, share percent
// and the absolute count. pct is 0-100.
func ShareBar(label string, pct float64, count string, labelW, barW int, selected bool) string {
	t := theme.Active
	bg := t.Surface
	if selected {
		bg = t.SurfaceHover
	}
	pct = min(max(pct, 0), 100)

	bar := progress.New(
		progress.WithSolidFill(string(t.Accent)),
		progress.WithWidth(max(barW, 4)),
		progress.WithoutPercentage(),
	)
	bar.EmptyColor = string(t.TextDim)

	labelStyle := lipgloss.NewStyle().Foreground(t.TextPrimary).Background(bg)
	if selected {
		labelStyle = labelStyle.Bold(true).Foreground(t.AccentBright)
	}
	pctStyle := lipgloss.NewStyle().Foreground(t.TextMuted).Background(bg)
	countStyle := lipgloss.NewStyle().Foreground(t.TextDim).Background(bg)
	space := lipgloss.NewStyle().Background(bg).Render(" ")

	return labelStyle.Render(fitWidth(label, labelW)) +
		space +
		bar.ViewAs(pct/100) +
		space +
		pctStyle.Render(fmt.Sprintf("%5.1f%%", pct)) +
		space +
		countStyle.Render(count)
}

// SplitBar renders the entity / non-entity split of a total as a two-tone
// bar of exactly width cells.
func SplitBar(entity, nonEntity int64, width int) string {
	t := theme.Active
	total := entity + nonEntity
	empty := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)
	if total <= 0 || width <= 0 {
		return empty.Render(repeat("░", max(width, 0)))
	}
	e := int(float64(entity) / float64(total) * float64(width))
	if entity > 0 && e == 0 {
		e = 1
	}
	e = min(e, width)

	entityStyle := lipgloss.NewStyle().Foreground(t.Entity).Background(t.Surface)
	nonEntityStyle := lipgloss.NewStyle().Foreground(t.NonEntity).Background(t.Surface)
	return entityStyle.Render(repeat("█", e)) + nonEntityStyle.Render(repeat("█", width-e))
}

// fitWidth truncates or right-pads s to exactly w cells.
func fitWidth(s string, w int) string {
	if w <= 0 {
		return ""
	}
	s = ansi.Truncate(s, w, "…")
	return s + repeat(" ", w-ansi.StringWidth(s))
}

func repeat(s string, n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, len(s)*n)
	for range n {
		out = append(out, s...)
	}
	return string(out)
}
