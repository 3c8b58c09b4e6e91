package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/config"
	"github.com/theirongolddev/vacount/internal/daemon"
	"github.com/theirongolddev/vacount/internal/logging"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/vault"
)

type daemonRuntimeState struct {
	PID        int       `json:"pid"`
	Addr       string    `json:"addr"`
	StartedAt  time.Time `json:"started_at"`
	VaultAddr  string    `json:"vault_addr"`
	Namespaces []string  `json:"namespaces"`
}

var (
	flagDaemonListen       string
	flagDaemonInterval     time.Duration
	flagDaemonNamespaces   []string
	flagDaemonDetach       bool
	flagDaemonPIDFile      string
	flagDaemonLogFile      string
	flagDaemonEventsBuffer int
	flagDaemonChild        bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Poll client counts in the background and serve them over HTTP/SSE",
	Long: `Poll client counts for one or more namespaces and serve the latest
snapshots at /v1/status, /v1/report?namespace=, /v1/events and the
/v1/stream event stream. Namespace changes in the config file are picked up
without a restart.`,
	RunE: runDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon process and API status",
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

func init() {
	defaultPID := filepath.Join(pipeline.CacheDir(), "vacountd.pid")

	pf := daemonCmd.PersistentFlags()
	pf.StringVar(&flagDaemonListen, "listen", "", "HTTP listen address (default from config, 127.0.0.1:8788)")
	pf.StringVar(&flagDaemonPIDFile, "pid-file", defaultPID, "PID file path")

	daemonCmd.Flags().DurationVar(&flagDaemonInterval, "interval", 0, "Polling interval, at least 30s (default from config)")
	daemonCmd.Flags().StringSliceVar(&flagDaemonNamespaces, "namespaces", nil, "Namespaces to poll (default from config)")
	daemonCmd.Flags().StringVar(&flagDaemonLogFile, "log-file", "", "Rotated log file (default in the cache dir when detached)")
	daemonCmd.Flags().IntVar(&flagDaemonEventsBuffer, "events-buffer", 200, "Max in-memory events retained")
	daemonCmd.Flags().BoolVar(&flagDaemonDetach, "detach", false, "Run daemon as a background process")
	daemonCmd.Flags().BoolVar(&flagDaemonChild, "child", false, "Internal: mark detached child process")
	_ = daemonCmd.Flags().MarkHidden("child")

	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}

func daemonListenAddr() string {
	return firstNonEmpty(flagDaemonListen, appCfg.Daemon.Addr, "127.0.0.1:8788")
}

func daemonLogFile() string {
	if flagDaemonLogFile != "" {
		return flagDaemonLogFile
	}
	if appCfg.Daemon.LogFile != "" {
		return appCfg.Daemon.LogFile
	}
	return filepath.Join(pipeline.CacheDir(), "vacountd.log")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	if flagDaemonDetach && flagDaemonChild {
		return errors.New("invalid daemon launch mode")
	}

	if flagDaemonDetach {
		return startDaemonDetached()
	}

	return runDaemonForeground(cmd.Context())
}

func startDaemonDetached() error {
	if err := pidFile(flagDaemonPIDFile).claim(); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := filterDetachArg(os.Args[1:])
	args = append(args, "--child")

	if err := os.MkdirAll(filepath.Dir(flagDaemonPIDFile), 0o750); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}
	logFile := daemonLogFile()
	if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
		return fmt.Errorf("create daemon log directory: %w", err)
	}

	// The child rotates logFile itself; stray output such as panics goes
	// to a sibling file.
	//nolint:gosec // daemon log path is configured by the local user
	outf, err := os.OpenFile(logFile+".out", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon output file: %w", err)
	}
	defer func() { _ = outf.Close() }()

	child := exec.Command(exe, args...) //nolint:gosec // exe/args come from current process invocation
	child.Stdout = outf
	child.Stderr = outf
	child.Stdin = nil
	child.Env = os.Environ()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start detached daemon: %w", err)
	}

	fmt.Printf("  Started daemon (pid %d)\n", child.Process.Pid)
	fmt.Printf("  PID file: %s\n", flagDaemonPIDFile)
	fmt.Printf("  API: http://%s/v1/status\n", daemonListenAddr())
	fmt.Printf("  Log: %s\n", logFile)
	return nil
}

func runDaemonForeground(ctx context.Context) error {
	pf := pidFile(flagDaemonPIDFile)
	if err := pf.claim(); err != nil {
		return err
	}

	log := logger
	if flagDaemonChild || flagDaemonLogFile != "" {
		log = logging.New(logging.Options{Verbose: flagVerbose, File: daemonLogFile()})
		defer func() { _ = log.Sync() }()
	}

	dc := appCfg.Daemon
	client, v, err := newVaultClient(vault.Options{
		RequestsPerSecond: dc.RequestsPerSecond,
		BreakerFailures:   dc.BreakerFailures,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	if v.Token == "" {
		return errors.New("no Vault token: set VAULT_TOKEN or run `vacount login`")
	}

	if err := os.MkdirAll(filepath.Dir(flagDaemonPIDFile), 0o750); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}

	namespaces := flagDaemonNamespaces
	if len(namespaces) == 0 {
		namespaces = dc.Namespaces
	}
	if len(namespaces) == 0 {
		namespaces = []string{v.Namespace}
	}
	interval := flagDaemonInterval
	if interval == 0 {
		interval = time.Duration(dc.IntervalSec) * time.Second
	}
	months := flagMonths
	if months <= 0 {
		months = appCfg.General.DefaultMonths
	}
	listen := daemonListenAddr()

	if err := pf.write(daemonRuntimeState{
		PID:        os.Getpid(),
		Addr:       listen,
		StartedAt:  time.Now(),
		VaultAddr:  v.Addr,
		Namespaces: namespaces,
	}); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer pf.remove()

	var cache pipeline.ReportCache
	if !flagNoCache {
		c, err := openCache()
		if err != nil {
			log.Warn("cache unavailable, polling without it", zap.Error(err))
		} else {
			defer func() { _ = c.Close() }()
			cache = c
		}
	}

	svc := daemon.New(daemon.Config{
		VaultAddr:    v.Addr,
		Namespaces:   namespaces,
		Months:       months,
		Interval:     interval,
		Addr:         listen,
		EventsBuffer: flagDaemonEventsBuffer,
		CacheMaxAge:  time.Duration(appCfg.General.CacheMinutes) * time.Minute,
	}, client, cache, log)

	// Namespace edits apply live unless pinned by --namespaces.
	if len(flagDaemonNamespaces) == 0 && config.Exists() {
		w, err := config.Watch(config.Path(), log, func(c config.Config) {
			ns := c.Daemon.Namespaces
			if len(ns) == 0 {
				ns = []string{v.Namespace}
			}
			svc.SetNamespaces(ns)
		})
		if err != nil {
			log.Warn("config watch unavailable", zap.Error(err))
		} else {
			defer func() { _ = w.Close() }()
		}
	}

	if !flagDaemonChild {
		fmt.Printf("  vacount daemon listening on http://%s\n", listen)
		fmt.Printf("  Polling %s every %s (%d months)\n", v.Addr, time.Duration(svc.Status().PollIntervalSec)*time.Second, months)
		fmt.Printf("  Stop with: vacount daemon stop --pid-file %s\n", flagDaemonPIDFile)
	}
	log.Info("daemon started",
		zap.String("listen", listen),
		zap.String("vault_addr", v.Addr),
		zap.Strings("namespaces", namespaces),
	)

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("daemon stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	pf := pidFile(flagDaemonPIDFile)
	pid, err := pf.pid()
	if err != nil {
		fmt.Printf("  Daemon: not running (pid file not found)\n")
		return nil
	}
	if !processAlive(pid) {
		fmt.Printf("  Daemon: stale pid file (pid %d not alive)\n", pid)
		return nil
	}

	addr := daemonListenAddr()
	if st, err := pf.state(); err == nil && st.Addr != "" {
		addr = st.Addr
	}

	fmt.Printf("  Daemon PID: %d\n", pid)
	fmt.Printf("  Address: http://%s\n", addr)

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("  API status: unreachable (%v)\n", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("  API status: HTTP %d\n", resp.StatusCode)
		return nil
	}

	var st daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Printf("  API status: malformed response (%v)\n", err)
		return nil
	}

	fmt.Printf("  Vault: %s\n", st.VaultAddr)
	if st.LastPollAt.IsZero() {
		fmt.Printf("  Last poll: pending\n")
	} else {
		fmt.Printf("  Last poll: %s\n", st.LastPollAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("  Poll count: %d (%d dropped)\n", st.PollCount, st.DroppedPolls)
	fmt.Printf("  Subscribers: %d\n", st.SubscriberCount)
	fmt.Println()

	namespaces := slices.Sorted(slices.Values(st.Namespaces))
	rows := make([][]string, 0, len(namespaces))
	for _, ns := range namespaces {
		label := cli.OrDash(ns)
		snap, ok := st.Snapshots[ns]
		if !ok {
			rows = append(rows, []string{label, "-", "-", "-", cli.OrDash(st.Errors[ns])})
			continue
		}
		note := st.Errors[ns]
		if note == "" && snap.FromCache {
			note = "cached"
		}
		rows = append(rows, []string{
			label,
			cli.FormatNumber(snap.Clients),
			cli.FormatNumber(snap.EntityClients),
			cli.FormatNumber(snap.NonEntityClients),
			cli.OrDash(note),
		})
	}
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   fmt.Sprintf("Last %d months", st.Months),
		Headers: []string{"Namespace", "Clients", "Entity", "Non-entity", "Note"},
		Rows:    rows,
	}))
	return nil
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	pf := pidFile(flagDaemonPIDFile)
	pid, err := pf.pid()
	if err != nil {
		return errors.New("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon process: %w", err)
	}
	if !waitExit(pid, 8*time.Second) {
		return fmt.Errorf("daemon (pid %d) did not exit in time", pid)
	}
	pf.remove()
	fmt.Printf("  Stopped daemon (pid %d)\n", pid)
	return nil
}

// waitExit polls until pid is gone or timeout passes.
func waitExit(pid int, timeout time.Duration) bool {
	tick := time.NewTicker(150 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(timeout)
	for {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-tick.C:
		case <-deadline:
			return !processAlive(pid)
		}
	}
}

// filterDetachArg drops --detach so the re-executed child runs in the
// foreground.
func filterDetachArg(args []string) []string {
	return slices.DeleteFunc(slices.Clone(args), func(a string) bool {
		return a == "--detach" || strings.HasPrefix(a, "--detach=")
	})
}

// pidFile is the daemon's PID file. The runtime state is kept next to it
// with a .json suffix.
type pidFile string

func (p pidFile) statePath() string { return string(p) + ".json" }

// claim fails if a live daemon owns the file. A stale or corrupt file is
// cleared.
func (p pidFile) claim() error {
	pid, err := p.pid()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err == nil && processAlive(pid):
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	p.remove()
	return nil
}

// write records st.PID and st.
func (p pidFile) write(st daemonRuntimeState) error {
	if err := os.WriteFile(string(p), []byte(strconv.Itoa(st.PID)+"\n"), 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.statePath(), append(data, '\n'), 0o600)
}

func (p pidFile) pid() (int, error) {
	//nolint:gosec // daemon pid path is configured by the local user
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s", p)
	}
	return pid, nil
}

func (p pidFile) state() (daemonRuntimeState, error) {
	var st daemonRuntimeState
	//nolint:gosec // daemon state path is configured by the local user
	data, err := os.ReadFile(p.statePath())
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

func (p pidFile) remove() {
	_ = os.Remove(string(p))
	_ = os.Remove(p.statePath())
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
