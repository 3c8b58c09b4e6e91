package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/controlgroup"
	"github.com/theirongolddev/vacount/internal/export"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/store"
	"github.com/theirongolddev/vacount/internal/vault"
)

var controlGroupCmd = &cobra.Command{
	Use:     "controlgroup",
	Aliases: []string{"cg"},
	Short:   "Manage requests held by a control group",
}

var cgListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked control group requests",
	Args:  cobra.NoArgs,
	RunE:  runControlGroupList,
}

var cgStatusCmd = &cobra.Command{
	Use:   "status <accessor>",
	Short: "Check whether a held request has been approved",
	Args:  cobra.ExactArgs(1),
	RunE:  runControlGroupStatus,
}

var cgUnwrapCmd = &cobra.Command{
	Use:   "unwrap <accessor>",
	Short: "Retrieve an approved request and print its report",
	Args:  cobra.ExactArgs(1),
	RunE:  runControlGroupUnwrap,
}

var cgForgetCmd = &cobra.Command{
	Use:   "forget <accessor>",
	Short: "Stop tracking a held request",
	Args:  cobra.ExactArgs(1),
	RunE:  runControlGroupForget,
}

func init() {
	controlGroupCmd.AddCommand(cgListCmd, cgStatusCmd, cgUnwrapCmd, cgForgetCmd)
	rootCmd.AddCommand(controlGroupCmd)
}

// withTracker opens the cache and a vault client and hands a tracker to fn.
func withTracker(fn func(t *controlgroup.Tracker) error) error {
	cache, err := openCache()
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() { _ = cache.Close() }()

	var v controlgroup.Vault = offlineVault{}
	if client, _, err := newVaultClient(vault.Options{}); err == nil {
		v = client
	}
	return fn(controlgroup.NewTracker(cache, v, logger))
}

// offlineVault stands in when no address is configured so that list and
// forget still work.
type offlineVault struct{}

var errNoVault = errors.New("no Vault address: set VAULT_ADDR or pass --addr")

func (offlineVault) ControlGroupRequest(_ context.Context, _ string) (*vault.ControlGroupStatus, error) {
	return nil, errNoVault
}

func (offlineVault) Unwrap(_ context.Context, _ string) (*vault.UnwrapResult, error) {
	return nil, errNoVault
}

func runControlGroupList(_ *cobra.Command, _ []string) error {
	return withTracker(func(t *controlgroup.Tracker) error {
		gs, err := t.List()
		if err != nil {
			return err
		}
		if len(gs) == 0 {
			fmt.Println("\n  No tracked control group requests.")
			return nil
		}
		now := time.Now()
		rows := make([][]string, 0, len(gs))
		for _, g := range gs {
			rows = append(rows, []string{g.Accessor, cli.OrDash(g.CreationPath), cli.FormatAge(g.TrackedAt, now), expiry(g, now)})
		}
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Control Groups",
			Headers: []string{"Accessor", "Path", "Tracked", "Expires"},
			Rows:    rows,
		}))
		return nil
	})
}

func expiry(g store.ControlGroup, now time.Time) string {
	exp := g.ExpiresAt()
	switch {
	case exp.IsZero():
		return "-"
	case now.After(exp):
		return "expired"
	default:
		return "in " + exp.Sub(now).Round(time.Minute).String()
	}
}

func runControlGroupStatus(cmd *cobra.Command, args []string) error {
	return withTracker(func(t *controlgroup.Tracker) error {
		st, err := t.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		state := "pending approval"
		if st.Approved {
			state = "approved"
		}
		approvers := make([]string, 0, len(st.Authorizations))
		for _, a := range st.Authorizations {
			approvers = append(approvers, firstNonEmpty(a.Name, a.ID))
		}
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Control Group " + args[0],
			Headers: []string{"Field", "Value"},
			Rows: [][]string{
				{"State", state},
				{"Path", cli.OrDash(st.RequestPath)},
				{"Requested by", cli.OrDash(firstNonEmpty(st.RequestEntity.Name, st.RequestEntity.ID))},
				{"Approved by", cli.OrDash(strings.Join(approvers, ", "))},
			},
		}))
		if st.Approved {
			fmt.Printf("  Run `vacount controlgroup unwrap %s` to retrieve it.\n", args[0])
		}
		return nil
	})
}

func runControlGroupUnwrap(cmd *cobra.Command, args []string) error {
	return withTracker(func(t *controlgroup.Tracker) error {
		res, err := t.Unwrap(cmd.Context(), args[0])
		switch {
		case errors.Is(err, controlgroup.ErrNotApproved):
			return fmt.Errorf("request %s is still waiting for approval", args[0])
		case errors.Is(err, controlgroup.ErrExpired):
			return fmt.Errorf("request %s expired; rerun the report to request access again", args[0])
		case err != nil:
			return err
		}
		if !flagQuiet {
			fmt.Fprintln(os.Stderr, "  Unwrapped held response")
		}
		// A held activity query is reshaped like a direct fetch.
		var raw vault.ActivityResponse
		if len(res.Data) > 0 && json.Unmarshal(res.Data, &raw) == nil && (len(raw.Total) > 0 || len(raw.ByNamespace) > 0) {
			return export.WriteJSON(os.Stdout, pipeline.ReshapeSnapshot(&raw))
		}
		return export.WriteJSON(os.Stdout, res)
	})
}

func runControlGroupForget(_ *cobra.Command, args []string) error {
	return withTracker(func(t *controlgroup.Tracker) error {
		if err := t.Forget(args[0]); err != nil {
			return err
		}
		fmt.Printf("  Forgot %s\n", args[0])
		return nil
	})
}
