package tui

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/theirongolddev/vacount/internal/config"
	"github.com/theirongolddev/vacount/internal/vault"
)

func counts(c, e, n int64) vault.RawCounts {
	return vault.RawCounts{"clients": c, "entity_clients": e, "non_entity_clients": n}
}

// stepFetcher reports calls*100 root clients so successive fetches differ.
type stepFetcher struct {
	calls atomic.Int64
	err   error
}

func (f *stepFetcher) FetchActivity(_ context.Context, q vault.Query) (*vault.ActivityResponse, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	root := n * 100
	return &vault.ActivityResponse{
		StartTime: "2024-01-01T00:00:00Z",
		EndTime:   "2024-02-29T23:59:59Z",
		Total:     counts(root+30, root, 30),
		ByNamespace: vault.List[vault.RawNamespace]{
			{NamespaceID: "root", Counts: counts(root, root, 0), Mounts: vault.List[vault.RawMount]{
				{MountPath: "auth/userpass/", Counts: counts(root, root, 0)},
			}},
			{NamespaceID: "aBc1", NamespacePath: "team-a/", Counts: counts(30, 0, 30), Mounts: vault.List[vault.RawMount]{
				{MountPath: "auth/approle/", Counts: counts(20, 0, 20)},
				{MountPath: "auth/jwt/", Counts: counts(10, 0, 10)},
			}},
		},
		Months: vault.List[vault.RawMonth]{
			{Timestamp: "2024-01-01T00:00:00Z", Counts: counts(root, root, 0),
				NewClients: &vault.RawNewClients{Counts: counts(10, 10, 0)}},
			{Timestamp: "2024-02-01T00:00:00Z", Counts: counts(30, 0, 30),
				NewClients: &vault.RawNewClients{Counts: counts(5, 0, 5)}},
		},
	}, nil
}

func newTestApp(f *stepFetcher) (App, *[]config.Config) {
	var saved []config.Config
	cfg := config.DefaultConfig()
	a := NewApp(Options{
		Fetcher: f,
		Addr:    "https://vault.test:8200",
		Months:  3,
		Config:  cfg,
		SaveConfig: func(c config.Config) error {
			saved = append(saved, c)
			return nil
		},
		Now: func() time.Time { return time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC) },
	})
	return a, &saved
}

func update(t *testing.T, a App, msg tea.Msg) (App, tea.Cmd) {
	t.Helper()
	m, cmd := a.Update(msg)
	next, ok := m.(App)
	if !ok {
		t.Fatalf("Update returned %T", m)
	}
	return next, cmd
}

func loaded(t *testing.T, f *stepFetcher) (App, *[]config.Config) {
	t.Helper()
	a, saved := newTestApp(f)
	a, _ = update(t, a, tea.WindowSizeMsg{Width: 140, Height: 45})
	a, _ = update(t, a, a.fetchCmd()())
	if !a.loaded {
		t.Fatal("app not loaded after report")
	}
	return a, saved
}

func keyRune(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestOvertakenReportDropped(t *testing.T) {
	f := &stepFetcher{}
	a, _ := newTestApp(f)

	first := a.fetchCmd()
	second := a.fetchCmd()
	firstMsg := first()   // 100 root clients
	secondMsg := second() // 200 root clients

	a, _ = update(t, a, secondMsg)
	if got := a.summary.Total.EntityClients; got != 200 {
		t.Fatalf("entity clients = %d, want 200", got)
	}

	a, _ = update(t, a, firstMsg)
	if got := a.summary.Total.EntityClients; got != 200 {
		t.Errorf("overtaken report applied: entity clients = %d, want 200", got)
	}
}

func TestReportErrorShowsHint(t *testing.T) {
	f := &stepFetcher{err: vault.ErrPermissionDenied}
	a, _ := loaded(t, f)

	if a.result.Err == nil {
		t.Fatal("expected error result")
	}
	if a.summary.Total.Clients != 0 {
		t.Errorf("error result should show the empty state, got %d clients", a.summary.Total.Clients)
	}
	out := ansi.Strip(a.View())
	if !strings.Contains(out, "Permission denied") {
		t.Errorf("view missing permission hint:\n%s", out)
	}
}

func TestTabKeys(t *testing.T) {
	a, _ := loaded(t, &stepFetcher{})

	tests := []struct {
		key  tea.KeyMsg
		want int
	}{
		{keyRune('n'), tabNamespaces},
		{keyRune('m'), tabMonths},
		{keyRune('x'), tabSettings},
		{keyRune('o'), tabOverview},
		{tea.KeyMsg{Type: tea.KeyLeft}, tabSettings},
		{tea.KeyMsg{Type: tea.KeyRight}, tabOverview},
	}
	for _, tt := range tests {
		a, _ = update(t, a, tt.key)
		if a.activeTab != tt.want {
			t.Errorf("after %q activeTab = %d, want %d", tt.key.String(), a.activeTab, tt.want)
		}
	}
}

func TestNamespaceFilterDrillAndFocus(t *testing.T) {
	a, _ := loaded(t, &stepFetcher{})
	a, _ = update(t, a, keyRune('n'))

	a, _ = update(t, a, keyRune('/'))
	if !a.ns.filtering {
		t.Fatal("/ should start filtering")
	}
	for _, r := range "team" {
		a, _ = update(t, a, keyRune(r))
	}
	a, _ = update(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	if a.ns.filtering || a.ns.query != "team" {
		t.Fatalf("filter not applied: filtering=%v query=%q", a.ns.filtering, a.ns.query)
	}
	rows := a.filteredNamespaces()
	if len(rows) != 1 || rows[0].Label != "team-a/" {
		t.Fatalf("filtered rows = %+v", rows)
	}

	a, _ = update(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	if a.ns.drill != "team-a/" {
		t.Fatalf("drill = %q", a.ns.drill)
	}
	if out := ansi.Strip(a.View()); !strings.Contains(out, "auth/approle/") {
		t.Errorf("mount view missing approle:\n%s", out)
	}

	a, _ = update(t, a, keyRune('f'))
	if a.focus != "team-a/" {
		t.Fatalf("focus = %q", a.focus)
	}
	if a.summary.Total.Clients != 30 || a.summary.NamespaceCount != 1 {
		t.Errorf("focused summary = %+v", a.summary)
	}

	a, _ = update(t, a, tea.KeyMsg{Type: tea.KeyEsc})
	if a.ns.drill != "" {
		t.Error("esc should leave the drill-down")
	}
	a, _ = update(t, a, tea.KeyMsg{Type: tea.KeyEsc})
	if a.ns.query != "" {
		t.Error("second esc should clear the filter")
	}

	a, _ = update(t, a, keyRune('F'))
	if a.focus != "" || a.summary.Total.Clients != 130 {
		t.Errorf("F should clear focus: focus=%q clients=%d", a.focus, a.summary.Total.Clients)
	}
}

func TestSettingsMonthsRefetches(t *testing.T) {
	f := &stepFetcher{}
	a, saved := loaded(t, f)
	a, _ = update(t, a, keyRune('x'))
	a, _ = update(t, a, keyRune('j')) // Lookback Months
	a, _ = update(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	if !a.settings.editing {
		t.Fatal("enter should start editing")
	}
	a.settings.input.SetValue("6")
	a, cmd := update(t, a, tea.KeyMsg{Type: tea.KeyEnter})

	if a.opts.Months != 6 {
		t.Errorf("months = %d, want 6", a.opts.Months)
	}
	if !a.refreshing || cmd == nil {
		t.Error("changing months should start a fetch")
	}
	if len(*saved) != 1 || (*saved)[0].General.DefaultMonths != 6 {
		t.Errorf("saved configs = %+v", *saved)
	}
	start := a.query().Start
	if want := time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("window start = %v, want %v", start, want)
	}
}

func TestSettingsRejectsBadInput(t *testing.T) {
	a, saved := loaded(t, &stepFetcher{})
	a, _ = update(t, a, keyRune('x'))
	a, _ = update(t, a, tea.KeyMsg{Type: tea.KeyEnter}) // Theme
	a.settings.input.SetValue("no-such-theme")
	a, _ = update(t, a, tea.KeyMsg{Type: tea.KeyEnter})

	if a.settings.invalid == "" {
		t.Error("invalid theme accepted")
	}
	if len(*saved) != 0 {
		t.Error("invalid input should not be saved")
	}
}

func TestViewRendersEachTab(t *testing.T) {
	a, _ := loaded(t, &stepFetcher{})
	wants := map[int]string{
		tabOverview:   "Total clients",
		tabNamespaces: "team-a/",
		tabMonths:     "1/24",
		tabSettings:   "Lookback Months",
	}
	for tab, want := range wants {
		a.activeTab = tab
		out := a.View()
		if !strings.Contains(ansi.Strip(out), want) {
			t.Errorf("tab %d missing %q", tab, want)
		}
		if lines := strings.Count(out, "\n") + 1; lines != 45 {
			t.Errorf("tab %d rendered %d lines, want 45", tab, lines)
		}
	}
}

func TestTabAtXMatchesTabWidths(t *testing.T) {
	names := []string{"Overview", "Namespaces", "Months", "Settings"}
	for active := range names {
		a := App{activeTab: active}
		pos := 0
		for i, name := range names {
			w := len(name) + 2
			if i != active && i == tabSettings {
				w += 3 // inactive Settings adds "[x]"
			}
			if got := a.tabAtX(pos + w/2); got != i {
				t.Fatalf("active=%d x=%d -> tab=%d, want %d", active, pos+w/2, got, i)
			}
			pos += w + 1
		}
	}
}
