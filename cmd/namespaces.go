package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/vacount/internal/cli"
	"github.com/theirongolddev/vacount/internal/export"
	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/timeutil"
)

var namespacesTop int

var namespacesCmd = &cobra.Command{
	Use:     "namespaces",
	Aliases: []string{"ns"},
	Short:   "Clients attributed to each namespace",
	RunE:    runNamespaces,
}

var mountsCmd = &cobra.Command{
	Use:   "mounts <namespace>",
	Short: "Clients attributed to each auth mount of a namespace",
	Args:  cobra.ExactArgs(1),
	RunE:  runMounts,
}

func init() {
	namespacesCmd.Flags().IntVar(&namespacesTop, "top", 0, "Show only the N largest namespaces (default from config)")
	mountsCmd.Flags().IntVar(&namespacesTop, "top", 0, "Show only the N largest mounts (default from config)")
	rootCmd.AddCommand(namespacesCmd, mountsCmd)
}

type attributionRow struct {
	Label  string       `json:"label" yaml:"label"`
	Counts model.Counts `json:"counts" yaml:"counts"`
	Share  float64      `json:"share" yaml:"share"`
	Mounts int          `json:"mounts,omitempty" yaml:"mounts,omitempty"`
}

func attributionRows(attrs []model.Attribution) []attributionRow {
	out := make([]attributionRow, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, attributionRow{Label: a.Label, Counts: a.Counts, Share: a.Share, Mounts: a.Mounts})
	}
	return out
}

func topN() int {
	if namespacesTop > 0 {
		return namespacesTop
	}
	if appCfg.General.TopN > 0 {
		return appCfg.General.TopN
	}
	return 10
}

func runNamespaces(cmd *cobra.Command, _ []string) error {
	format, err := export.ParseFormat(flagFormat)
	if err != nil {
		return err
	}
	res, err := loadReport(cmd.Context())
	if err != nil {
		return err
	}
	if err := reportError(res); err != nil {
		return err
	}

	snap := res.Snapshot
	top := pipeline.TopNamespaces(snap, topN())

	switch format {
	case export.FormatCSV:
		return export.WriteCSV(os.Stdout, snap, export.CSVOptions{})
	case export.FormatJSON, export.FormatYAML:
		return writeStructured(format, attributionRows(top))
	}

	if len(top) == 0 {
		fmt.Println("\n  No namespace attribution for this window.")
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("TOP NAMESPACES  %s", timeutil.FormatRange(snap.StartTime, snap.EndTime))))
	fmt.Println()
	fmt.Print(cli.RenderTable(attributionTable("Namespace", top, true)))

	fmt.Println()
	labelW := 0
	for _, a := range top {
		labelW = max(labelW, len(a.Label))
	}
	labelW = min(labelW, 32)
	for _, a := range top {
		fmt.Println(cli.RenderShareBar(a.Label, a.Share, labelW, 30))
	}
	if len(snap.ByNamespace) > len(top) {
		fmt.Printf("\n  %s\n", cli.RenderMuted(fmt.Sprintf("%d more namespaces not shown (--top)", len(snap.ByNamespace)-len(top))))
	}
	return nil
}

func runMounts(cmd *cobra.Command, args []string) error {
	format, err := export.ParseFormat(flagFormat)
	if err != nil {
		return err
	}
	res, err := loadReport(cmd.Context())
	if err != nil {
		return err
	}
	if err := reportError(res); err != nil {
		return err
	}

	snap := res.Snapshot
	ns, ok := pipeline.FindNamespace(snap, args[0])
	if !ok {
		return fmt.Errorf("namespace %q not found in report", args[0])
	}
	top := pipeline.TopMounts(ns, topN())

	switch format {
	case export.FormatCSV:
		return export.WriteCSV(os.Stdout, snap, export.CSVOptions{Namespace: ns.Label})
	case export.FormatJSON, export.FormatYAML:
		return writeStructured(format, attributionRows(top))
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("MOUNTS  %s  %s", ns.Label, timeutil.FormatRange(snap.StartTime, snap.EndTime))))
	fmt.Println()
	if len(top) == 0 {
		fmt.Println("  No mount attribution for this namespace.")
		return nil
	}
	fmt.Print(cli.RenderTable(attributionTable("Mount", top, false)))
	return nil
}

func attributionTable(first string, attrs []model.Attribution, withMounts bool) cli.Table {
	headers := []string{first, "Clients", "Entity", "Non-entity", "Share"}
	if withMounts {
		headers = append(headers, "Mounts")
	}
	rows := make([][]string, 0, len(attrs))
	for _, a := range attrs {
		r := []string{
			a.Label,
			cli.FormatNumber(a.Counts.Clients),
			cli.FormatNumber(a.Counts.EntityClients),
			cli.FormatNumber(a.Counts.NonEntityClients),
			cli.FormatPercent(a.Share),
		}
		if withMounts {
			r = append(r, cli.FormatNumber(int64(a.Mounts)))
		}
		rows = append(rows, r)
	}
	return cli.Table{Headers: headers, Rows: rows}
}
