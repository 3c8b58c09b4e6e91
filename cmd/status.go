package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/vault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show client counting configuration, token and current month",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client, v, err := newVaultClient(vault.Options{})
	if err != nil {
		return err
	}
	if v.Token == "" {
		fmt.Println()
		fmt.Println("  No Vault token configured.")
		fmt.Println()
		fmt.Println("  Log in or export a token:")
		fmt.Println("    vacount login                               (OIDC in the browser)")
		fmt.Println("    VAULT_TOKEN=hvs.... vacount status           (one-shot)")
		fmt.Println()
		return nil
	}

	if !flagQuiet {
		fmt.Fprintf(os.Stderr, "  Querying %s...\n", v.Addr)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var (
		counters *vault.CountersConfig
		token    *vault.TokenInfo
		history  *vault.VersionHistory
		monthly  *vault.ActivityResponse

		countersErr, tokenErr, historyErr, monthlyErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { counters, countersErr = client.FetchCountersConfig(gctx); return nil })
	g.Go(func() error { token, tokenErr = client.LookupSelf(gctx); return nil })
	g.Go(func() error { history, historyErr = client.FetchVersionHistory(gctx); return nil })
	g.Go(func() error { monthly, monthlyErr = client.FetchMonthly(gctx, v.Namespace); return nil })
	_ = g.Wait()

	if errors.Is(tokenErr, vault.ErrUnauthorized) {
		return errors.New(pipeline.Hint(tokenErr))
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("VAULT CLIENT COUNTING"))
	fmt.Println()

	rows := [][]string{
		{"Address", v.Addr},
		{"Namespace", cli.OrDash(v.Namespace)},
	}
	switch {
	case tokenErr != nil:
		rows = append(rows, []string{"Token", "lookup failed: " + statusHint(tokenErr)})
	default:
		rows = append(rows,
			[]string{"Token", cli.OrDash(token.DisplayName)},
			[]string{"Policies", strings.Join(token.Policies, ", ")},
			[]string{"Token TTL", tokenTTL(token.TTL)},
		)
	}
	rows = append(rows, []string{"---"})

	if countersErr != nil {
		rows = append(rows, []string{"Tracking", "unknown: " + statusHint(countersErr)})
	} else {
		tracking := "disabled"
		if counters.TrackingEnabled() {
			tracking = "enabled"
		}
		rows = append(rows,
			[]string{"Tracking", fmt.Sprintf("%s (%s)", tracking, counters.Enabled)},
			[]string{"Retention", fmt.Sprintf("%d months", counters.RetentionMonths)},
			[]string{"Default report", fmt.Sprintf("%d months", counters.DefaultReportMonths)},
			[]string{"Queries available", fmt.Sprintf("%v", counters.QueriesAvailable)},
		)
	}
	rows = append(rows, []string{"---"})

	if monthlyErr != nil {
		rows = append(rows, []string{"This month", statusHint(monthlyErr)})
	} else {
		snap := pipeline.ReshapeSnapshot(monthly)
		rows = append(rows,
			[]string{"This month", cli.FormatNumber(snap.Total.Clients)},
			[]string{"  entity", cli.FormatNumber(snap.Total.EntityClients)},
			[]string{"  non-entity", cli.FormatNumber(snap.Total.NonEntityClients)},
		)
	}

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Setting", "Value"},
		Rows:    rows,
	}))

	if historyErr != nil {
		logger.Debug("version history unavailable")
	} else {
		start, end, err := resolveWindow(time.Now())
		if err == nil {
			for _, w := range pipeline.UpgradeWarnings(history.Versions(), start, end) {
				fmt.Println(cli.RenderWarning(fmt.Sprintf("Upgraded to %s on %s: %s", w.Version, w.InstalledAt, w.Reason)))
			}
		}
	}

	if counters != nil && !counters.TrackingEnabled() {
		fmt.Println(cli.RenderWarning("Client counting is disabled; reports will be empty."))
	}
	fmt.Println()
	return nil
}

func statusHint(err error) string {
	if pipeline.Classify(err) == pipeline.ErrKindOther {
		return err.Error()
	}
	return pipeline.Hint(err)
}

func tokenTTL(sec int) string {
	if sec <= 0 {
		return "never expires"
	}
	return (time.Duration(sec) * time.Second).String()
}
