package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/tui/components"
	"github.com/theirongolddev/vacount/internal/tui/theme"
)

// nsState tracks the namespaces tab state.
type nsState struct {
	cursor int
	offset int

	filtering bool
	input     textinput.Model
	query     string

	// drill is the label of the namespace whose mounts are shown, or "".
	drill       string
	mountCursor int
}

func newNSState() nsState {
	return nsState{input: newFilterInput()}
}

func newFilterInput() textinput.Model {
	ti := textinput.New()
	ti.Placeholder = "filter namespaces..."
	ti.CharLimit = 128
	ti.Width = 40
	return ti
}

// filteredNamespaces returns the ranked namespaces matching the filter.
func (a App) filteredNamespaces() []model.Attribution {
	if a.ns.query == "" {
		return a.topNS
	}
	q := strings.ToLower(a.ns.query)
	var out []model.Attribution
	for _, row := range a.topNS {
		if strings.Contains(strings.ToLower(row.Label), q) {
			out = append(out, row)
		}
	}
	return out
}

func (a App) selectedNamespace() (model.Attribution, bool) {
	rows := a.filteredNamespaces()
	if a.ns.cursor < 0 || a.ns.cursor >= len(rows) {
		return model.Attribution{}, false
	}
	return rows[a.ns.cursor], true
}

// updateNamespacesKey handles list keys. handled is false for keys that fall
// through to the global bindings.
func (a App) updateNamespacesKey(key string) (App, tea.Cmd, bool) {
	switch key {
	case "/":
		a.ns.filtering = true
		a.ns.input = newFilterInput()
		a.ns.input.SetValue(a.ns.query)
		a.ns.input.Focus()
		return a, a.ns.input.Cursor.BlinkCmd(), true
	case "j", "down":
		return a.moveCursor(1), nil, true
	case "k", "up":
		return a.moveCursor(-1), nil, true
	case "g":
		a.ns.cursor, a.ns.mountCursor = 0, 0
		return a, nil, true
	case "G":
		if a.ns.drill != "" {
			a = a.moveCursor(1 << 20)
		} else {
			a.ns.cursor = max(len(a.filteredNamespaces())-1, 0)
		}
		return a, nil, true
	case "enter":
		if a.ns.drill != "" {
			return a, nil, true
		}
		if row, ok := a.selectedNamespace(); ok {
			a.ns.drill = row.Label
			a.ns.mountCursor = 0
		}
		return a, nil, true
	case "f":
		label := a.ns.drill
		if label == "" {
			row, ok := a.selectedNamespace()
			if !ok {
				return a, nil, true
			}
			label = row.Label
		}
		if a.focus == label {
			a.focus = ""
		} else {
			a.focus = label
		}
		a.recompute()
		return a, nil, true
	case "esc":
		switch {
		case a.ns.drill != "":
			a.ns.drill = ""
		case a.ns.query != "":
			a.ns.query = ""
			a.ns.cursor, a.ns.offset = 0, 0
		}
		return a, nil, true
	}
	return a, nil, false
}

func (a App) updateNamespaceFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		a.ns.query = strings.TrimSpace(a.ns.input.Value())
		a.ns.filtering = false
		a.ns.cursor, a.ns.offset = 0, 0
		a.ns.drill = ""
		return a, nil
	case "esc":
		a.ns.filtering = false
		return a, nil
	}
	var cmd tea.Cmd
	a.ns.input, cmd = a.ns.input.Update(msg)
	return a, cmd
}

func (a App) renderNamespacesTab(cw, h int) string {
	if a.ns.drill != "" {
		if ns, ok := pipeline.FindNamespace(a.result.Snapshot, a.ns.drill); ok {
			return a.renderMounts(ns, cw, h)
		}
	}

	t := theme.Active
	muted := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)
	accent := lipgloss.NewStyle().Foreground(t.Accent).Background(t.Surface)
	header := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)

	rows := a.filteredNamespaces()
	inner := components.CardInnerWidth(cw)
	labelW := min(max(inner/3, 14), 48)
	barW := max(inner-labelW-34, 10)

	var body strings.Builder
	switch {
	case a.ns.filtering:
		body.WriteString(accent.Render("/ ") + a.ns.input.View())
	case a.ns.query != "":
		body.WriteString(muted.Render(fmt.Sprintf("filter %q: %d of %d  [Esc] clear", a.ns.query, len(rows), len(a.topNS))))
	default:
		body.WriteString(header.Render(fmt.Sprintf("%-*s  share of %s clients", labelW, "namespace",
			cli.FormatNumber(a.result.Snapshot.Total.Clients))))
	}
	body.WriteString("\n")

	// Card border, title, header line and footer.
	visible := max(h-6, 1)
	offset := scrollOffset(a.ns.cursor, a.ns.offset, visible)
	end := min(offset+visible, len(rows))

	if len(rows) == 0 {
		body.WriteString(muted.Render("No matching namespaces."))
	}
	for i := offset; i < end; i++ {
		row := rows[i]
		label := row.Label
		if row.Label == a.focus {
			label = "● " + label
		}
		count := fmt.Sprintf("%s  %d mounts", cli.FormatNumber(row.Counts.Clients), row.Mounts)
		body.WriteString(components.ShareBar(label, row.Share, count, labelW, barW, i == a.ns.cursor))
		if i < end-1 {
			body.WriteString("\n")
		}
	}
	body.WriteString("\n")
	body.WriteString(muted.Render("[/] filter  [Enter] auth methods  [f] focus  [j/k] move"))

	return components.ContentCard(fmt.Sprintf("Namespaces (%d)", len(a.topNS)), body.String(), cw)
}

func (a App) renderMounts(ns model.Namespace, cw, h int) string {
	t := theme.Active
	muted := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)
	header := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)

	mounts := pipeline.TopMounts(ns, 0)
	inner := components.CardInnerWidth(cw)
	labelW := min(max(inner/3, 14), 48)
	barW := max(inner-labelW-40, 10)

	var body strings.Builder
	body.WriteString(header.Render(fmt.Sprintf("%s clients  %s entity  %s non-entity",
		cli.FormatNumber(ns.Clients), cli.FormatNumber(ns.EntityClients), cli.FormatNumber(ns.NonEntityClients))))
	body.WriteString("\n")

	visible := max(h-6, 1)
	offset := scrollOffset(a.ns.mountCursor, 0, visible)
	end := min(offset+visible, len(mounts))
	if len(mounts) == 0 {
		body.WriteString(muted.Render("No auth methods reported for this namespace."))
	}
	for i := offset; i < end; i++ {
		m := mounts[i]
		count := fmt.Sprintf("%s (%s / %s)", cli.FormatNumber(m.Counts.Clients),
			cli.FormatCount(m.Counts.EntityClients), cli.FormatCount(m.Counts.NonEntityClients))
		body.WriteString(components.ShareBar(m.Label, m.Share, count, labelW, barW, i == a.ns.mountCursor))
		if i < end-1 {
			body.WriteString("\n")
		}
	}
	body.WriteString("\n")
	body.WriteString(muted.Render("[Esc] back  [f] focus  [j/k] move"))

	return components.ContentCard("Auth methods in "+ns.Label, body.String(), cw)
}

// scrollOffset keeps cursor inside a window of visible rows.
func scrollOffset(cursor, offset, visible int) int {
	if cursor < offset {
		return cursor
	}
	if cursor >= offset+visible {
		return cursor - visible + 1
	}
	return offset
}
