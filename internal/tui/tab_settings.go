package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/config"
	"github.com/theirongolddev/vacount/internal/tui/components"
	"github.com/theirongolddev/vacount/internal/tui/theme"
)

const (
	settingsFieldTheme = iota
	settingsFieldMonths
	settingsFieldCacheMinutes
	settingsFieldAutoRefresh
	settingsFieldRefreshInterval
	settingsFieldCount // sentinel
)

// settingsState tracks the settings tab state.
type settingsState struct {
	cursor  int
	editing bool
	input   textinput.Model
	saved   bool
	saveErr error
	invalid string // rejected input, shown until the next edit
}

func newSettingsInput() textinput.Model {
	ti := textinput.New()
	ti.CharLimit = 64
	ti.Width = 40
	return ti
}

func (a App) settingsStartEdit() (tea.Model, tea.Cmd) {
	a.settings.editing = true
	a.settings.saved = false
	a.settings.invalid = ""

	ti := newSettingsInput()
	switch a.settings.cursor {
	case settingsFieldTheme:
		ti.Placeholder = strings.Join(theme.Names(), ", ")
		ti.SetValue(theme.Active.Name)
	case settingsFieldMonths:
		ti.Placeholder = "12 (calendar months, 1-36)"
		ti.SetValue(strconv.Itoa(a.opts.Months))
	case settingsFieldCacheMinutes:
		ti.Placeholder = "15 (minutes a cached report stays fresh)"
		ti.SetValue(strconv.Itoa(a.cfg.General.CacheMinutes))
	case settingsFieldAutoRefresh:
		ti.Placeholder = "true or false"
		ti.SetValue(strconv.FormatBool(a.autoRefresh))
	case settingsFieldRefreshInterval:
		ti.Placeholder = "300 (seconds, minimum 30)"
		ti.SetValue(strconv.Itoa(int(a.refreshInterval.Seconds())))
	}

	ti.Focus()
	a.settings.input = ti
	return a, ti.Cursor.BlinkCmd()
}

func (a App) updateSettingsInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		refetch := a.settingsSave()
		a.settings.editing = false
		a.settings.saved = a.settings.saveErr == nil && a.settings.invalid == ""
		if refetch {
			a.refreshing = true
			return a, tea.Batch(a.fetchCmd(), a.spinner.Tick)
		}
		return a, nil
	case "esc":
		a.settings.editing = false
		return a, nil
	}

	var cmd tea.Cmd
	a.settings.input, cmd = a.settings.input.Update(msg)
	return a, cmd
}

// settingsSave applies the edited field and persists the config. It reports
// whether the change needs a new fetch.
func (a *App) settingsSave() bool {
	val := strings.TrimSpace(a.settings.input.Value())
	refetch := false

	switch a.settings.cursor {
	case settingsFieldTheme:
		if !theme.Valid(val) {
			a.settings.invalid = fmt.Sprintf("unknown theme %q", val)
			return false
		}
		a.cfg.Appearance.Theme = val
		theme.SetActive(val)
	case settingsFieldMonths:
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 || n > 36 {
			a.settings.invalid = "months must be between 1 and 36"
			return false
		}
		refetch = n != a.opts.Months && a.opts.Start.IsZero()
		a.cfg.General.DefaultMonths = n
		a.opts.Months = n
	case settingsFieldCacheMinutes:
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			a.settings.invalid = "cache minutes must be a non-negative number"
			return false
		}
		a.cfg.General.CacheMinutes = n
	case settingsFieldAutoRefresh:
		b, err := strconv.ParseBool(val)
		if err != nil {
			a.settings.invalid = "auto refresh must be true or false"
			return false
		}
		a.cfg.TUI.AutoRefresh = b
		a.autoRefresh = b
	case settingsFieldRefreshInterval:
		n, err := strconv.Atoi(val)
		if err != nil || time.Duration(n)*time.Second < minRefreshInterval {
			a.settings.invalid = fmt.Sprintf("interval must be at least %ds", int(minRefreshInterval.Seconds()))
			return false
		}
		a.cfg.TUI.RefreshIntervalSec = n
		a.refreshInterval = time.Duration(n) * time.Second
	}

	a.settings.saveErr = a.opts.SaveConfig(a.cfg)
	return refetch
}

func (a App) renderSettingsTab(cw int) string {
	t := theme.Active

	labelStyle := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)
	valueStyle := lipgloss.NewStyle().Foreground(t.TextPrimary).Background(t.Surface)
	selectedStyle := lipgloss.NewStyle().Foreground(t.TextPrimary).Background(t.SurfaceHover).Bold(true)
	selectedLabelStyle := lipgloss.NewStyle().Foreground(t.Accent).Background(t.SurfaceHover).Bold(true)
	accentStyle := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.Surface)
	goodStyle := lipgloss.NewStyle().Foreground(t.Good).Background(t.Surface)
	warnStyle := lipgloss.NewStyle().Foreground(t.Warn).Background(t.Surface)
	markerStyle := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.SurfaceHover)

	months := strconv.Itoa(a.opts.Months)
	if !a.opts.Start.IsZero() {
		months += " (window pinned by --start)"
	}
	fields := []struct{ label, value string }{
		{"Theme", theme.Active.Name},
		{"Lookback Months", months},
		{"Cache Minutes", strconv.Itoa(a.cfg.General.CacheMinutes)},
		{"Auto Refresh", strconv.FormatBool(a.autoRefresh)},
		{"Refresh Interval", fmt.Sprintf("%ds", int(a.refreshInterval.Seconds()))},
	}

	innerW := components.CardInnerWidth(cw)
	var form strings.Builder
	for i, f := range fields {
		if a.settings.editing && i == a.settings.cursor {
			form.WriteString(markerStyle.Render("▸ "))
			form.WriteString(accentStyle.Render(fmt.Sprintf("%-18s ", f.label)))
			form.WriteString(a.settings.input.View())
			form.WriteString("\n")
			continue
		}
		if i == a.settings.cursor {
			marker := markerStyle.Render("▸ ")
			label := selectedLabelStyle.Render(fmt.Sprintf("%-18s ", f.label+":"))
			value := selectedStyle.Render(f.value)
			form.WriteString(marker + label + value)
			if pad := innerW - lipgloss.Width(marker) - lipgloss.Width(label) - lipgloss.Width(value); pad > 0 {
				form.WriteString(lipgloss.NewStyle().Background(t.SurfaceHover).Render(strings.Repeat(" ", pad)))
			}
		} else {
			form.WriteString(lipgloss.NewStyle().Background(t.Surface).Render("  "))
			form.WriteString(labelStyle.Render(fmt.Sprintf("%-18s ", f.label+":")))
			form.WriteString(valueStyle.Render(f.value))
		}
		form.WriteString("\n")
	}

	switch {
	case a.settings.invalid != "":
		form.WriteString("\n" + warnStyle.Render(a.settings.invalid))
	case a.settings.saveErr != nil:
		form.WriteString("\n" + warnStyle.Render(fmt.Sprintf("Save failed: %s", a.settings.saveErr)))
	case a.settings.saved:
		form.WriteString("\n" + goodStyle.Render("Saved!"))
	}
	form.WriteString("\n")
	form.WriteString(labelStyle.Render("[j/k] navigate  [Enter] edit  [Esc] cancel"))

	q := a.query()
	ns := q.Namespace
	if ns == "" {
		ns = "(token default)"
	}
	var info strings.Builder
	info.WriteString(labelStyle.Render("Vault address:   ") + valueStyle.Render(cli.OrDash(a.opts.Addr)) + "\n")
	info.WriteString(labelStyle.Render("Namespace:       ") + valueStyle.Render(ns) + "\n")
	info.WriteString(labelStyle.Render("Namespaces:      ") + valueStyle.Render(cli.FormatNumber(int64(len(a.topNS)))) + "\n")
	info.WriteString(labelStyle.Render("Load time:       ") + valueStyle.Render(fmt.Sprintf("%.1fs", a.loadTime.Seconds())) + "\n")
	if a.result != nil && a.result.FromCache {
		info.WriteString(labelStyle.Render("Source:          ") + valueStyle.Render("cache") + "\n")
	}
	info.WriteString(labelStyle.Render("Config file:     ") + valueStyle.Render(config.Path()))

	var b strings.Builder
	b.WriteString(components.ContentCard("Settings", form.String(), cw))
	b.WriteString("\n")
	b.WriteString(components.ContentCard("General", info.String(), cw))
	return b.String()
}
