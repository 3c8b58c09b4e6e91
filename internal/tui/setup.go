package tui

import (
	"errors"
	"net/url"
	"strings"

	"github.com/charmbracelet/huh"
	"go.uber.org/zap"

	"github.com/theirongolddev/vacount/internal/config"
	"github.com/theirongolddev/vacount/internal/tui/theme"
)

// setupValues holds the first-run form bindings.
type setupValues struct {
	addr      string
	namespace string
	months    int
	theme     string
}

var monthOptions = []huh.Option[int]{
	huh.NewOption("3 months", 3),
	huh.NewOption("6 months", 6),
	huh.NewOption("12 months (billing year)", 12),
	huh.NewOption("24 months", 24),
}

func defaultSetupValues(cfg config.Config, addr string) setupValues {
	v := setupValues{
		addr:      addr,
		namespace: cfg.Vault.Namespace,
		months:    cfg.General.DefaultMonths,
		theme:     cfg.Appearance.Theme,
	}
	if v.addr == "" {
		v.addr = cfg.Vault.Addr
	}
	if v.months <= 0 {
		v.months = 12
	}
	if !theme.Valid(v.theme) {
		v.theme = theme.FlexokiDark.Name
	}
	return v
}

// ValidateAddr accepts an absolute http(s) URL.
func ValidateAddr(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("address is required")
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("expected a URL like https://vault.example.com:8200")
	}
	return nil
}

// newSetupForm builds the first-run setup form bound to vals.
func newSetupForm(vals *setupValues) *huh.Form {
	themeOpts := make([]huh.Option[string], 0, len(theme.All))
	for _, t := range theme.All {
		themeOpts = append(themeOpts, huh.NewOption(t.Name, t.Name))
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Vault address").
				Description("Used when VAULT_ADDR is not set.").
				Placeholder("https://vault.example.com:8200").
				Value(&vals.addr).
				Validate(ValidateAddr),
			huh.NewInput().
				Title("Namespace").
				Description("Leave empty to report on the token's namespace.").
				Placeholder("admin/").
				Value(&vals.namespace),
		).Title("Welcome to vacount!"),
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("Default time range").
				Options(monthOptions...).
				Value(&vals.months),
			huh.NewSelect[string]().
				Title("Color theme").
				Options(themeOpts...).
				Value(&vals.theme),
		),
	).WithTheme(huh.ThemeCharm()).WithShowHelp(true)
}

// applySetup saves the setup form values. It reports whether the window
// changed and needs a new fetch. Address and namespace take effect on the
// next start.
func (a *App) applySetup() bool {
	v := a.setupVals
	a.cfg.Vault.Addr = strings.TrimSpace(v.addr)
	a.cfg.Vault.Namespace = strings.TrimSpace(v.namespace)
	a.cfg.Appearance.Theme = v.theme
	theme.SetActive(v.theme)

	refetch := false
	if v.months > 0 {
		a.cfg.General.DefaultMonths = v.months
		refetch = v.months != a.opts.Months && a.opts.Start.IsZero()
		a.opts.Months = v.months
	}

	if err := a.opts.SaveConfig(a.cfg); err != nil {
		a.log.Warn("saving setup config", zap.Error(err))
		a.settings.saveErr = err
	}
	return refetch
}
