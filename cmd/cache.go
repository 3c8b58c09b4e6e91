package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/vault"
)

var flagCacheOlderThan time.Duration

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the local report cache",
	RunE:  runCacheInfo,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached reports older than --older-than",
	Args:  cobra.NoArgs,
	RunE:  runCachePrune,
}

var cacheDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete the cached report for the current window and namespace",
	Args:  cobra.NoArgs,
	RunE:  runCacheDrop,
}

func init() {
	cachePruneCmd.Flags().DurationVar(&flagCacheOlderThan, "older-than", 30*24*time.Hour, "Age cutoff; 0 deletes every report")
	cacheCmd.AddCommand(cachePruneCmd, cacheDropCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheInfo(_ *cobra.Command, _ []string) error {
	cache, err := openCache()
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() { _ = cache.Close() }()

	n, err := cache.ReportCount()
	if err != nil {
		return err
	}
	groups, err := cache.ListControlGroups()
	if err != nil {
		return err
	}
	fmt.Printf("  Cache file:      %s\n", pipeline.CachePath())
	fmt.Printf("  Cached reports:  %d\n", n)
	fmt.Printf("  Control groups:  %d\n", len(groups))
	fmt.Printf("  Fresh for:       %d minutes\n", appCfg.General.CacheMinutes)
	return nil
}

func runCachePrune(_ *cobra.Command, _ []string) error {
	cache, err := openCache()
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() { _ = cache.Close() }()

	cutoff := time.Now().Add(-flagCacheOlderThan)
	if flagCacheOlderThan <= 0 {
		cutoff = time.Now().Add(time.Minute)
	}
	n, err := cache.PruneReports(cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("  Pruned %d cached reports\n", n)
	return nil
}

func runCacheDrop(_ *cobra.Command, _ []string) error {
	v := vaultSettings()
	if v.Addr == "" {
		return fmt.Errorf("no Vault address: set VAULT_ADDR or pass --addr")
	}
	start, end, err := resolveWindow(time.Now())
	if err != nil {
		return err
	}

	cache, err := openCache()
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() { _ = cache.Close() }()

	key := vault.Query{Start: start, End: end, Namespace: v.Namespace}.Key(v.Addr)
	if err := cache.DeleteReport(key); err != nil {
		return err
	}
	fmt.Printf("  Dropped cached report %s\n", key)
	return nil
}
