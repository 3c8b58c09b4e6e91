package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/theirongolddev/vacount/internal/config"
	"github.com/theirongolddev/vacount/internal/logging"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/tui"
	"github.com/theirongolddev/vacount/internal/tui/theme"
	"github.com/theirongolddev/vacount/internal/vault"
)

var flagTUIFocus string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch interactive TUI dashboard",
	RunE:  runTUI,
}

func init() {
	tuiCmd.Flags().StringVar(&flagTUIFocus, "focus", "", "Start focused on one child namespace")
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(_ *cobra.Command, _ []string) error {
	theme.SetActive(appCfg.Appearance.Theme)

	// Force TrueColor profile so all background styling produces ANSI codes
	// Without this, lipgloss may default to Ascii profile (no colors)
	lipgloss.SetColorProfile(termenv.TrueColor)

	// stderr belongs to the alt screen; only log to a file, and only when asked.
	log := logging.Nop()
	if flagVerbose {
		log = logging.New(logging.Options{Verbose: true, File: filepath.Join(pipeline.CacheDir(), "vacount-tui.log")})
		defer func() { _ = log.Sync() }()
	}

	client, v, err := newVaultClient(vault.Options{Logger: log})
	if err != nil {
		return err
	}
	if v.Token == "" {
		return errors.New("no Vault token: set VAULT_TOKEN or run `vacount login`")
	}

	opts := tui.Options{
		Fetcher:   client,
		Addr:      v.Addr,
		Namespace: v.Namespace,
		Focus:     flagTUIFocus,
		Months:    flagMonths,
		Config:    appCfg,
		NeedSetup: !config.Exists(),
		Logger:    log,
	}
	start, end, err := resolveWindow(time.Now())
	if err != nil {
		return err
	}
	if flagStart != "" {
		opts.Start, opts.End = start, end
	}

	if !flagNoCache {
		cache, err := openCache()
		if err != nil {
			log.Warn("cache unavailable", zap.Error(err))
		} else {
			defer func() { _ = cache.Close() }()
			opts.Cache = cache
		}
	}

	p := tea.NewProgram(tui.NewApp(opts), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
