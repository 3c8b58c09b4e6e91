package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/vacount/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg := appCfg

	fmt.Printf("  Config file: %s\n", config.Path())
	if config.Exists() {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	v := vaultSettings()
	fmt.Println("  [Vault]")
	fmt.Printf("    Address:    %s\n", orNotSet(v.Addr))
	fmt.Printf("    Namespace:  %s\n", orNotSet(v.Namespace))
	if v.Token != "" {
		fmt.Printf("    Token:      %s (%s)\n", maskToken(v.Token), config.TokenSource(cfg))
	} else {
		fmt.Println("    Token:      not configured")
	}
	fmt.Printf("    Auth mount: %s\n", orNotSet(cfg.Vault.AuthMount))
	fmt.Printf("    Role:       %s\n", orNotSet(cfg.Vault.Role))
	fmt.Println()

	fmt.Println("  [General]")
	fmt.Printf("    Default months: %d\n", cfg.General.DefaultMonths)
	fmt.Printf("    Cache minutes:  %d\n", cfg.General.CacheMinutes)
	fmt.Printf("    Top N:          %d\n", cfg.General.TopN)
	fmt.Println()

	fmt.Println("  [Appearance]")
	fmt.Printf("    Theme: %s\n", cfg.Appearance.Theme)
	fmt.Println()

	fmt.Println("  [TUI]")
	fmt.Printf("    Auto refresh:     %v\n", cfg.TUI.AutoRefresh)
	fmt.Printf("    Refresh interval: %ds\n", cfg.TUI.RefreshIntervalSec)
	fmt.Println()

	fmt.Println("  [Daemon]")
	ns := "(token namespace)"
	if len(cfg.Daemon.Namespaces) > 0 {
		ns = strings.Join(cfg.Daemon.Namespaces, ", ")
	}
	fmt.Printf("    Namespaces:   %s\n", ns)
	fmt.Printf("    Interval:     %ds\n", cfg.Daemon.IntervalSec)
	fmt.Printf("    Listen:       %s\n", cfg.Daemon.Addr)
	fmt.Printf("    Requests/sec: %g\n", cfg.Daemon.RequestsPerSecond)
	fmt.Println()

	fmt.Println("  Run `vacount setup` to reconfigure.")
	return nil
}

func orNotSet(s string) string {
	if s == "" {
		return "not set"
	}
	return s
}

// maskToken shows the token type prefix and the last four characters.
func maskToken(tok string) string {
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	prefix := ""
	if i := strings.IndexByte(tok, '.'); i > 0 && i <= 4 {
		prefix = tok[:i+1]
	}
	return prefix + "****" + tok[len(tok)-4:]
}
