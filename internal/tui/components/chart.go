package components

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/guptarohit/asciigraph"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/tui/theme"
)

var blocks = []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline renders a unicode sparkline from values.
func Sparkline(values []float64, color lipgloss.Color) string {
	if len(values) == 0 {
		return ""
	}
	style := lipgloss.NewStyle().Foreground(color).Background(theme.Active.Surface)
	return style.Render(cli.RenderSparkline(values))
}

// BarChart renders one vertical bar per value with a labelled y-axis and
// the labels under the bars. Charts too small to draw fall back to a
// sparkline.
func BarChart(values []float64, labels []string, color lipgloss.Color, width, height int) string {
	if len(values) == 0 {
		return ""
	}
	if width < 15 || height < 3 {
		return Sparkline(values, color)
	}
	t := theme.Active

	peak := 0.0
	for _, v := range values {
		peak = max(peak, v)
	}
	if peak == 0 {
		peak = 1
	}

	top := cli.FormatCount(int64(math.Ceil(peak)))
	axisW := max(len(top), 1) + 1
	plotW := width - axisW - 1

	n := len(values)
	gap := 1
	barW := (plotW - (n - 1)) / n
	if barW < 1 {
		// Too many bars for the width: keep the most recent ones.
		keep := max((plotW+1)/2, 1)
		values = values[n-keep:]
		if len(labels) == n {
			labels = labels[n-keep:]
		}
		n = keep
		barW = 1
	}
	barW = min(barW, 6)

	axis := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)
	bar := lipgloss.NewStyle().Foreground(color).Background(t.Surface)
	blank := lipgloss.NewStyle().Background(t.Surface)

	var b strings.Builder
	for row := height; row >= 1; row-- {
		label := ""
		if row == height {
			label = top
		}
		b.WriteString(axis.Render(fmt.Sprintf("%*s│", axisW, label)))

		rowTop := peak * float64(row) / float64(height)
		rowBottom := peak * float64(row-1) / float64(height)
		for i, v := range values {
			if i > 0 {
				b.WriteString(blank.Render(strings.Repeat(" ", gap)))
			}
			switch {
			case v >= rowTop:
				b.WriteString(bar.Render(strings.Repeat("█", barW)))
			case v > rowBottom:
				idx := int((v - rowBottom) / (rowTop - rowBottom) * 8)
				idx = min(max(idx, 1), 8)
				b.WriteString(bar.Render(strings.Repeat(string(blocks[idx]), barW)))
			default:
				b.WriteString(blank.Render(strings.Repeat(" ", barW)))
			}
		}
		b.WriteString("\n")
	}

	axisLen := n*barW + (n-1)*gap
	b.WriteString(axis.Render(fmt.Sprintf("%*s└%s", axisW, "0", strings.Repeat("─", axisLen))))

	if len(labels) == n {
		line := []rune(strings.Repeat(" ", axisLen))
		lastEnd := -1
		for i, lbl := range labels {
			pos := i * (barW + gap)
			if pos <= lastEnd {
				continue
			}
			lbl = ansi.Truncate(lbl, axisLen-pos, "")
			copy(line[pos:], []rune(lbl))
			lastEnd = pos + len([]rune(lbl))
		}
		b.WriteString("\n")
		b.WriteString(blank.Render(strings.Repeat(" ", axisW+1)))
		b.WriteString(axis.Render(strings.TrimRight(string(line), " ")))
	}
	return b.String()
}

// LineChart plots a series with asciigraph. Fewer than two points render
// nothing.
func LineChart(values []float64, width, height int, caption string) string {
	if len(values) < 2 {
		return ""
	}
	opts := []asciigraph.Option{
		asciigraph.Height(max(height, 2)),
		asciigraph.Precision(0),
		asciigraph.LowerBound(0),
		asciigraph.SeriesColors(asciigraph.Blue),
	}
	if width > 10 {
		// asciigraph's width excludes the axis labels.
		opts = append(opts, asciigraph.Width(width-10))
	}
	if caption != "" {
		opts = append(opts, asciigraph.Caption(caption))
	}
	return asciigraph.Plot(values, opts...)
}
