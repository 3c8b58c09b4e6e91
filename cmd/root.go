// Package cmd implements the vacount CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/theirongolddev/vacount/internal/config"
	"github.com/theirongolddev/vacount/internal/controlgroup"
	"github.com/theirongolddev/vacount/internal/logging"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/store"
	"github.com/theirongolddev/vacount/internal/timeutil"
	"github.com/theirongolddev/vacount/internal/vault"
)

var (
	flagStart     string
	flagEnd       string
	flagMonths    int
	flagNamespace string
	flagAddr      string
	flagNoCache   bool
	flagQuiet     bool
	flagFormat    string
	flagVerbose   bool
)

// Set by preRun.
var appCfg config.Config

var logger = logging.Nop()

var rootCmd = &cobra.Command{
	Use:   "vacount",
	Short: "Vault client count reporting",
	Long:  "Report Vault client counts: totals, per-namespace and per-auth-method attribution, and monthly new clients.",
	RunE:  runSummary,
}

// preRun loads .env and the config file and builds the logger before any
// command runs.
func preRun(_ *cobra.Command, _ []string) error {
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "  Warning: %v (using defaults)\n", err)
	}
	appCfg = cfg
	logger = logging.New(logging.Options{Verbose: flagVerbose})

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	return nil
}

// Execute is the main entry point called from main.go.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = preRun

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagStart, "start", "", "Window start (YYYY-MM, YYYY-MM-DD or RFC3339)")
	pf.StringVar(&flagEnd, "end", "", "Window end (YYYY-MM, YYYY-MM-DD or RFC3339)")
	pf.IntVarP(&flagMonths, "months", "n", 0, "Lookback in calendar months when --start is not set (default from config)")
	pf.StringVarP(&flagNamespace, "namespace", "N", "", "Namespace to report on (default VAULT_NAMESPACE or config)")
	pf.StringVar(&flagAddr, "addr", "", "Vault address (default VAULT_ADDR or config)")
	pf.BoolVar(&flagNoCache, "no-cache", false, "Skip the report cache and always fetch")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
	pf.StringVarP(&flagFormat, "format", "o", "table", "Output format: table, json, yaml or csv")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")
}

// resolveWindow returns the report window from --start/--end or the
// lookback month count.
func resolveWindow(now time.Time) (time.Time, time.Time, error) {
	if flagStart == "" {
		if flagEnd != "" {
			return time.Time{}, time.Time{}, errors.New("--end requires --start")
		}
		months := flagMonths
		if months <= 0 {
			months = appCfg.General.DefaultMonths
		}
		start, end := timeutil.LookbackWindow(now, months)
		return start, end, nil
	}

	start, err := timeutil.ParseBound(flagStart, false)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
	}
	end := timeutil.MonthEnd(now)
	if flagEnd != "" {
		if end, err = timeutil.ParseBound(flagEnd, true); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("--end is before --start")
	}
	return start, end, nil
}

// vaultSettings returns the effective connection settings with flags
// applied.
func vaultSettings() config.VaultConfig {
	v := config.ResolveVault(appCfg)
	if flagAddr != "" {
		v.Addr = flagAddr
	}
	if flagNamespace != "" {
		v.Namespace = flagNamespace
	}
	return v
}

// newVaultClient builds a client from the effective settings. A token is
// not required so that login can use the same client.
func newVaultClient(opts vault.Options) (*vault.Client, config.VaultConfig, error) {
	v := vaultSettings()
	if v.Addr == "" {
		return nil, v, errors.New("no Vault address: set VAULT_ADDR, pass --addr or run `vacount setup`")
	}
	sess, err := vault.NewSession(v.Addr, v.Token, v.Namespace)
	if err != nil {
		return nil, v, err
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return vault.NewClient(sess, opts), v, nil
}

func openCache() (*store.Cache, error) {
	return store.Open(pipeline.CachePath())
}

// loadReport is the shared data loading path used by the report commands.
// The cache is used unless --no-cache is set or it cannot be opened.
func loadReport(ctx context.Context) (*pipeline.LoadResult, error) {
	client, v, err := newVaultClient(vault.Options{})
	if err != nil {
		return nil, err
	}
	if v.Token == "" {
		return nil, errors.New("no Vault token: set VAULT_TOKEN or run `vacount login`")
	}
	start, end, err := resolveWindow(time.Now())
	if err != nil {
		return nil, err
	}
	q := vault.Query{Start: start, End: end, Namespace: v.Namespace}

	if !flagQuiet {
		fmt.Fprintf(os.Stderr, "  Fetching client counts for %s...\n", timeutil.FormatRange(start, end))
	}

	var res *pipeline.LoadResult
	if !flagNoCache {
		cache, cerr := openCache()
		if cerr != nil {
			logger.Warn("cache unavailable, fetching directly", zap.Error(cerr))
		} else {
			defer func() { _ = cache.Close() }()
			res = pipeline.LoadWithCache(ctx, client, cache, q, pipeline.CacheOptions{
				Addr:   v.Addr,
				MaxAge: time.Duration(appCfg.General.CacheMinutes) * time.Minute,
				Logger: logger,
			})
			trackControlGroup(cache, client, res.Err)
		}
	}
	if res == nil {
		res = pipeline.Load(ctx, client, q)
	}

	if !flagQuiet {
		switch {
		case res.Stale:
			fmt.Fprintf(os.Stderr, "  Fetch failed (%s); showing cached report from %s\n",
				pipeline.Hint(res.Err), res.FetchedAt.Local().Format("2006-01-02 15:04"))
		case res.FromCache:
			fmt.Fprintf(os.Stderr, "  Loaded from cache (fetched %s)\n", res.FetchedAt.Local().Format("2006-01-02 15:04"))
		}
	}
	return res, nil
}

// trackControlGroup remembers a request held behind a control group so it
// can be unwrapped later with `vacount controlgroup unwrap`.
func trackControlGroup(cache *store.Cache, client *vault.Client, err error) {
	if err == nil {
		return
	}
	g, held, terr := controlgroup.NewTracker(cache, client, logger).TrackError(err)
	if !held {
		return
	}
	if terr != nil {
		logger.Warn("could not track control group request", zap.Error(terr))
		return
	}
	fmt.Fprintf(os.Stderr, "  Request held by a control group (accessor %s)\n", g.Accessor)
}

// reportError turns a failed load into a command error. A window with no
// data and a stale cache hit are both shown rather than failed.
func reportError(res *pipeline.LoadResult) error {
	switch res.Kind() {
	case pipeline.ErrKindNone, pipeline.ErrKindNoData:
		return nil
	}
	if res.Stale {
		return nil
	}
	return fmt.Errorf("%s: %w", pipeline.Hint(res.Err), res.Err)
}
