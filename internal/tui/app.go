// Package tui provides the interactive Bubble Tea dashboard for vacount.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"go.uber.org/zap"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/config"
	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/timeutil"
	"github.com/theirongolddev/vacount/internal/tui/components"
	"github.com/theirongolddev/vacount/internal/tui/theme"
	"github.com/theirongolddev/vacount/internal/vault"
)

// Tab indexes, in components.Tabs order.
const (
	tabOverview = iota
	tabNamespaces
	tabMonths
	tabSettings
)

const (
	minTerminalWidth = 80
	compactWidth     = 120
	maxContentWidth  = 180
	minContentHeight = 5

	fetchTimeout       = 2 * time.Minute
	minRefreshInterval = 30 * time.Second
)

// Options configures the dashboard.
type Options struct {
	Fetcher pipeline.Fetcher
	Cache   pipeline.ReportCache // nil disables caching
	Addr    string

	// Namespace is the namespace queried. Focus narrows the loaded report to
	// one child namespace without refetching.
	Namespace string
	Focus     string

	// Start and End pin the window. When Start is zero the window is the
	// last Months calendar months.
	Start  time.Time
	End    time.Time
	Months int

	Config    config.Config
	NeedSetup bool
	Logger    *zap.Logger

	// SaveConfig persists settings changes. Nil uses config.Save.
	SaveConfig func(config.Config) error
	Now        func() time.Time
}

// reportMsg carries a finished fetch. seq orders overlapping fetches.
type reportMsg struct {
	seq     uint64
	result  *pipeline.LoadResult
	elapsed time.Duration
}

type tickMsg struct{}

// App is the root Bubble Tea model.
type App struct {
	opts Options
	cfg  config.Config
	log  *zap.Logger
	now  func() time.Time

	// Fetch ordering is shared by every copy of the model.
	seq *pipeline.Sequencer

	// Data
	result   *pipeline.LoadResult
	loaded   bool
	loadTime time.Duration

	// Pre-computed for the current focus
	view     *model.Snapshot
	summary  model.Summary
	series   []model.MonthPoint
	topNS    []model.Attribution
	focus    string
	focusErr string

	// Auto-refresh state
	autoRefresh     bool
	refreshInterval time.Duration
	lastRefresh     time.Time
	refreshing      bool

	// UI state
	width     int
	height    int
	activeTab int
	showHelp  bool

	// Per-tab state
	ns       nsState
	months   monthsState
	settings settingsState

	// First-run setup (huh form)
	setupForm *huh.Form
	setupVals setupValues
	needSetup bool

	spinner spinner.Model
}

// NewApp creates a new TUI app model.
func NewApp(opts Options) App {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.SaveConfig == nil {
		opts.SaveConfig = config.Save
	}
	if opts.Months <= 0 {
		opts.Months = opts.Config.General.DefaultMonths
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Active.Accent).Background(theme.Active.Surface)

	refreshInterval := time.Duration(opts.Config.TUI.RefreshIntervalSec) * time.Second
	if refreshInterval < minRefreshInterval {
		refreshInterval = 5 * time.Minute
	}

	return App{
		opts:            opts,
		cfg:             opts.Config,
		log:             log,
		now:             now,
		seq:             &pipeline.Sequencer{},
		focus:           opts.Focus,
		autoRefresh:     opts.Config.TUI.AutoRefresh,
		refreshInterval: refreshInterval,
		needSetup:       opts.NeedSetup,
		spinner:         sp,
		ns:              newNSState(),
	}
}

// Init implements tea.Model.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		tea.EnableMouseCellMotion,
		a.fetchCmd(),
		a.spinner.Tick,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

// query returns the window currently on display.
func (a App) query() vault.Query {
	q := vault.Query{Start: a.opts.Start, End: a.opts.End, Namespace: a.opts.Namespace}
	if q.Start.IsZero() {
		q.Start, q.End = timeutil.LookbackWindow(a.now(), a.opts.Months)
	}
	return q
}

// fetchCmd starts a fetch of the current window. Results of fetches that
// were overtaken by a later one are dropped on arrival.
func (a App) fetchCmd() tea.Cmd {
	seq := a.seq.Next()
	q := a.query()
	f, cache := a.opts.Fetcher, a.opts.Cache
	cacheOpts := pipeline.CacheOptions{
		Addr:   a.opts.Addr,
		MaxAge: time.Duration(a.cfg.General.CacheMinutes) * time.Minute,
		Logger: a.log,
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		start := time.Now()
		var res *pipeline.LoadResult
		if cache != nil {
			res = pipeline.LoadWithCache(ctx, f, cache, q, cacheOpts)
		} else {
			res = pipeline.Load(ctx, f, q)
		}
		return reportMsg{seq: seq, result: res, elapsed: time.Since(start)}
	}
}

func (a *App) recompute() {
	if a.result == nil {
		return
	}
	snap := a.result.Snapshot
	a.focusErr = ""
	if a.focus != "" {
		if narrowed, ok := pipeline.FilterNamespace(snap, a.focus); ok {
			snap = narrowed
		} else {
			a.focusErr = fmt.Sprintf("namespace %q not in report", a.focus)
			a.focus = ""
		}
	}
	a.view = snap
	a.summary = pipeline.Summarize(snap)
	a.series = pipeline.MonthSeries(snap.ByMonth)
	a.topNS = pipeline.TopNamespaces(a.result.Snapshot, 0)

	if n := len(a.filteredNamespaces()); a.ns.cursor >= n {
		a.ns.cursor = max(n-1, 0)
	}
	if a.ns.drill != "" {
		if _, ok := pipeline.FindNamespace(a.result.Snapshot, a.ns.drill); !ok {
			a.ns.drill = ""
		}
	}
	a.months.offset = min(a.months.offset, max(len(a.series)-1, 0))
}

// Update implements tea.Model.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if a.setupForm != nil {
			a.setupForm = a.setupForm.WithWidth(msg.Width).WithHeight(msg.Height)
		}
		return a, nil

	case tea.MouseMsg:
		if !a.loaded || a.showHelp || a.setupForm != nil {
			return a, nil
		}
		switch msg.Button {
		case tea.MouseButtonWheelUp:
			return a.moveCursor(-1), nil
		case tea.MouseButtonWheelDown:
			return a.moveCursor(1), nil
		case tea.MouseButtonLeft:
			if msg.Y == 0 {
				if tab := a.tabAtX(msg.X); tab >= 0 {
					a.activeTab = tab
				}
			}
		}
		return a, nil

	case tea.KeyMsg:
		return a.updateKey(msg)

	case reportMsg:
		if !a.seq.Current(msg.seq) {
			a.log.Debug("dropping overtaken report", zap.Uint64("seq", msg.seq))
			return a, nil
		}
		a.refreshing = false
		a.loaded = true
		a.result = msg.result
		a.loadTime = msg.elapsed
		a.lastRefresh = a.now()
		if msg.result.Err != nil {
			a.log.Warn("report fetch failed",
				zap.String("kind", msg.result.Kind().String()),
				zap.Bool("stale", msg.result.Stale),
				zap.Error(msg.result.Err))
		}
		a.recompute()

		if a.needSetup && a.setupForm == nil {
			a.setupVals = defaultSetupValues(a.cfg, a.opts.Addr)
			a.setupForm = newSetupForm(&a.setupVals)
			if a.width > 0 {
				a.setupForm = a.setupForm.WithWidth(a.width).WithHeight(a.height)
			}
			return a, a.setupForm.Init()
		}
		return a, nil

	case spinner.TickMsg:
		if !a.loaded || a.refreshing {
			var cmd tea.Cmd
			a.spinner, cmd = a.spinner.Update(msg)
			return a, cmd
		}
		return a, nil

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		if a.loaded && a.autoRefresh && !a.refreshing && a.setupForm == nil {
			if a.now().Sub(a.lastRefresh) >= a.refreshInterval {
				a.refreshing = true
				cmds = append(cmds, a.fetchCmd(), a.spinner.Tick)
			}
		}
		return a, tea.Batch(cmds...)
	}

	// Forward unhandled messages to the setup form (cursor blinks, etc.)
	if a.setupForm != nil {
		return a.updateSetupForm(msg)
	}
	if a.ns.filtering {
		var cmd tea.Cmd
		a.ns.input, cmd = a.ns.input.Update(msg)
		return a, cmd
	}
	if a.settings.editing {
		var cmd tea.Cmd
		a.settings.input, cmd = a.settings.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a App) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "ctrl+c" {
		return a, tea.Quit
	}
	if !a.loaded {
		if key == "q" {
			return a, tea.Quit
		}
		return a, nil
	}

	// First-run setup wizard intercepts all keys
	if a.setupForm != nil {
		return a.updateSetupForm(msg)
	}
	if a.activeTab == tabSettings && a.settings.editing {
		return a.updateSettingsInput(msg)
	}
	if a.activeTab == tabNamespaces && a.ns.filtering {
		return a.updateNamespaceFilter(msg)
	}

	if key == "?" {
		a.showHelp = !a.showHelp
		return a, nil
	}
	if a.showHelp {
		a.showHelp = false
		return a, nil
	}

	switch a.activeTab {
	case tabNamespaces:
		if next, cmd, handled := a.updateNamespacesKey(key); handled {
			return next, cmd
		}
	case tabMonths:
		switch key {
		case "j", "down":
			return a.moveCursor(1), nil
		case "k", "up":
			return a.moveCursor(-1), nil
		}
	case tabSettings:
		switch key {
		case "j", "down":
			a.settings.cursor = min(a.settings.cursor+1, settingsFieldCount-1)
			return a, nil
		case "k", "up":
			a.settings.cursor = max(a.settings.cursor-1, 0)
			return a, nil
		case "enter":
			return a.settingsStartEdit()
		}
	}

	switch key {
	case "q":
		return a, tea.Quit
	case "r":
		if a.refreshing {
			return a, nil
		}
		a.refreshing = true
		return a, tea.Batch(a.fetchCmd(), a.spinner.Tick)
	case "R":
		a.autoRefresh = !a.autoRefresh
		a.cfg.TUI.AutoRefresh = a.autoRefresh
		if err := a.opts.SaveConfig(a.cfg); err != nil {
			a.log.Warn("saving config", zap.Error(err))
		}
		return a, nil
	case "F":
		if a.focus != "" {
			a.focus = ""
			a.recompute()
		}
		return a, nil
	case "left":
		a.activeTab = (a.activeTab - 1 + len(components.Tabs)) % len(components.Tabs)
		return a, nil
	case "right", "tab":
		a.activeTab = (a.activeTab + 1) % len(components.Tabs)
		return a, nil
	}
	if len(msg.Runes) == 1 {
		if idx := components.TabIdxByKey(msg.Runes[0]); idx >= 0 {
			a.activeTab = idx
		}
	}
	return a, nil
}

// moveCursor moves the list cursor of the active tab by delta.
func (a App) moveCursor(delta int) App {
	switch a.activeTab {
	case tabNamespaces:
		n := len(a.filteredNamespaces())
		if a.ns.drill != "" {
			if ns, ok := pipeline.FindNamespace(a.result.Snapshot, a.ns.drill); ok {
				n = len(ns.Mounts)
			}
			a.ns.mountCursor = clamp(a.ns.mountCursor+delta, 0, n-1)
			return a
		}
		a.ns.cursor = clamp(a.ns.cursor+delta, 0, n-1)
	case tabMonths:
		a.months.offset = clamp(a.months.offset+delta, 0, len(a.series)-1)
	}
	return a
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return min(max(v, lo), hi)
}

func (a App) updateSetupForm(msg tea.Msg) (tea.Model, tea.Cmd) {
	form, cmd := a.setupForm.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		a.setupForm = f
	}

	switch a.setupForm.State {
	case huh.StateCompleted:
		refetch := a.applySetup()
		a.needSetup = false
		a.setupForm = nil
		if refetch {
			a.refreshing = true
			return a, a.fetchCmd()
		}
		return a, nil
	case huh.StateAborted:
		a.needSetup = false
		a.setupForm = nil
		return a, nil
	}
	return a, cmd
}

func (a App) contentWidth() int {
	return min(a.width, maxContentWidth)
}

func (a App) isCompactLayout() bool {
	return a.contentWidth() < compactWidth
}

// View implements tea.Model.
func (a App) View() string {
	if a.width == 0 {
		return ""
	}
	if a.width < minTerminalWidth {
		return a.viewTooNarrow()
	}
	if !a.loaded {
		return a.viewLoading()
	}
	if a.setupForm != nil {
		return a.setupForm.View()
	}
	if a.showHelp {
		return a.viewHelp()
	}
	return a.viewMain()
}

func (a App) viewTooNarrow() string {
	h := max(a.height, 5)
	msg := fmt.Sprintf(
		"\n  Terminal too narrow (%d cols)\n\n  vacount needs at least %d columns.\n",
		a.width,
		minTerminalWidth,
	)
	return padHeight(truncateHeight(msg, h), h)
}

func (a App) viewLoading() string {
	t := theme.Active

	cardStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.BorderAccent).
		Background(t.Surface).
		Padding(2, 4)
	logoStyle := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.Surface).Bold(true)
	subtitleStyle := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)
	spinnerStyle := lipgloss.NewStyle().Foreground(t.Accent).Background(t.Surface)

	q := a.query()
	target := a.opts.Addr
	if q.Namespace != "" {
		target += " (" + q.Namespace + ")"
	}

	var b strings.Builder
	b.WriteString(logoStyle.Render("◈ vacount"))
	b.WriteString(subtitleStyle.Render(" · Vault Client Counts"))
	b.WriteString("\n\n")
	b.WriteString(spinnerStyle.Render(a.spinner.View()))
	b.WriteString(subtitleStyle.Render(" Fetching " + timeutil.FormatRange(q.Start, q.End)))
	if target != "" {
		b.WriteString("\n")
		b.WriteString(subtitleStyle.Render("  from " + ansi.Truncate(target, max(a.width-20, 20), "…")))
	}

	return lipgloss.Place(a.width, a.height, lipgloss.Center, lipgloss.Center, cardStyle.Render(b.String()),
		lipgloss.WithWhitespaceBackground(t.Background))
}

func (a App) viewHelp() string {
	t := theme.Active

	cardStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.BorderAccent).
		Background(t.Surface).
		Padding(1, 3)
	titleStyle := lipgloss.NewStyle().Foreground(t.AccentBright).Background(t.Surface).Bold(true)
	sectionStyle := lipgloss.NewStyle().Foreground(t.Accent).Background(t.Surface).Bold(true)
	keyStyle := lipgloss.NewStyle().Foreground(t.Entity).Background(t.Surface).Bold(true)
	descStyle := lipgloss.NewStyle().Foreground(t.TextMuted).Background(t.Surface)
	dimStyle := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)

	section := func(b *strings.Builder, title string, binds []struct{ key, desc string }) {
		b.WriteString(sectionStyle.Render(title))
		b.WriteString("\n")
		for _, bind := range binds {
			fmt.Fprintf(b, "  %s  %s\n",
				keyStyle.Render(fmt.Sprintf("%-10s", bind.key)),
				descStyle.Render(bind.desc))
		}
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("◈ Keyboard Shortcuts"))
	b.WriteString("\n\n")
	section(&b, "Navigation", []struct{ key, desc string }{
		{"o n m x", "Jump to tab"},
		{"← →", "Previous / Next tab"},
		{"j k", "Navigate lists"},
	})
	b.WriteString("\n")
	section(&b, "Namespaces", []struct{ key, desc string }{
		{"/", "Filter namespaces"},
		{"Enter", "Show auth methods"},
		{"f", "Focus dashboard on namespace"},
		{"F", "Clear focus"},
		{"Esc", "Back / Clear filter"},
	})
	b.WriteString("\n")
	section(&b, "Actions", []struct{ key, desc string }{
		{"r", "Refresh data"},
		{"R", "Toggle auto-refresh"},
		{"?", "Toggle help"},
		{"q", "Quit"},
	})
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Press any key to close"))

	return lipgloss.Place(a.width, a.height, lipgloss.Center, lipgloss.Center, cardStyle.Render(b.String()),
		lipgloss.WithWhitespaceBackground(t.Background))
}

func (a App) viewMain() string {
	t := theme.Active
	w := a.width
	cw := a.contentWidth()
	h := a.height

	// Header: tab bar + window pill
	pillStyle := lipgloss.NewStyle().Foreground(t.TextDim).Background(t.Surface)
	pillAccent := lipgloss.NewStyle().Foreground(t.Accent).Background(t.Surface).Bold(true)

	q := a.query()
	pill := pillStyle.Render(" ") + pillAccent.Render(timeutil.FormatRange(q.Start, q.End))
	if q.Namespace != "" {
		pill += pillStyle.Render(" │ ns ") + pillAccent.Render(q.Namespace)
	}
	if a.focus != "" {
		pill += pillStyle.Render(" │ focus ") + pillAccent.Render(a.focus)
	}
	pill += pillStyle.Render(" ")
	header := components.RenderTabBar(a.activeTab, w) + "\n" +
		lipgloss.NewStyle().Background(t.Surface).Width(w).Render(ansi.Truncate(pill, w, "…"))

	statusBar := components.RenderStatusBar(w, a.status())

	contentH := max(h-lipgloss.Height(header)-lipgloss.Height(statusBar), minContentHeight)

	var content string
	switch a.activeTab {
	case tabOverview:
		content = a.renderOverviewTab(cw)
	case tabNamespaces:
		content = a.renderNamespacesTab(cw, contentH)
	case tabMonths:
		content = a.renderMonthsTab(cw, contentH)
	case tabSettings:
		content = a.renderSettingsTab(cw)
	}

	content = padHeight(truncateHeight(content, contentH), contentH)
	content = fillLinesWithBackground(content, cw, t.Background)
	content = lipgloss.Place(w, contentH, lipgloss.Center, lipgloss.Top, content,
		lipgloss.WithWhitespaceBackground(t.Background))

	output := lipgloss.JoinVertical(lipgloss.Left, header, content, statusBar)
	return lipgloss.Place(w, h, lipgloss.Left, lipgloss.Top, output,
		lipgloss.WithWhitespaceBackground(t.Background))
}

func (a App) status() components.Status {
	st := components.Status{
		Addr:        a.opts.Addr,
		Refreshing:  a.refreshing,
		AutoRefresh: a.autoRefresh,
	}
	if a.result != nil {
		at := a.result.FetchedAt
		if at.IsZero() {
			at = a.lastRefresh
		}
		st.Age = cli.FormatAge(at, a.now())
		st.Stale = a.result.Stale
		if a.result.Err != nil && a.result.Stale {
			st.Err = pipeline.Hint(a.result.Err)
		}
	}
	if a.focusErr != "" {
		st.Err = a.focusErr
	}
	return st
}

// ─── Helpers ────────────────────────────────────────────────────

func truncateHeight(s string, limit int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= limit {
		return s
	}
	return strings.Join(lines[:limit], "\n")
}

func padHeight(s string, h int) string {
	lines := strings.Split(s, "\n")
	if len(lines) >= h {
		return s
	}
	return s + strings.Repeat("\n", h-len(lines))
}

// fillLinesWithBackground pads each line to width w with background color.
func fillLinesWithBackground(s string, w int, bg lipgloss.Color) string {
	lines := strings.Split(s, "\n")
	var result strings.Builder
	for i, line := range lines {
		result.WriteString(lipgloss.PlaceHorizontal(w, lipgloss.Left, line,
			lipgloss.WithWhitespaceBackground(bg)))
		if i < len(lines)-1 {
			result.WriteString("\n")
		}
	}
	return result.String()
}

// ─── Mouse Support ──────────────────────────────────────────────

// tabAtX returns the tab index at the given X coordinate, or -1 if none.
// Hitboxes are derived from the same width rules used by RenderTabBar.
func (a App) tabAtX(x int) int {
	pos := 0
	for i, tab := range components.Tabs {
		tabW := components.TabVisualWidth(tab, i == a.activeTab)
		if x >= pos && x < pos+tabW {
			return i
		}
		pos += tabW
		if i < len(components.Tabs)-1 {
			pos++ // separator
		}
	}
	return -1
}
