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

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Client count totals for the report window",
	RunE:  runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)
}

type summaryView struct {
	Start         string       `json:"start" yaml:"start"`
	End           string       `json:"end" yaml:"end"`
	Total         model.Counts `json:"total" yaml:"total"`
	Namespaces    int          `json:"namespaces" yaml:"namespaces"`
	Mounts        int          `json:"mounts" yaml:"mounts"`
	Months        int          `json:"months" yaml:"months"`
	AvgNewClients *int64       `json:"avgNewClients" yaml:"avgNewClients"`
	TopNamespace  string       `json:"topNamespace,omitempty" yaml:"topNamespace,omitempty"`
	TopShare      float64      `json:"topNamespaceShare,omitempty" yaml:"topNamespaceShare,omitempty"`
	FromCache     bool         `json:"fromCache" yaml:"fromCache"`
}

func runSummary(cmd *cobra.Command, _ []string) error {
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
	sum := pipeline.Summarize(snap)

	switch format {
	case export.FormatCSV:
		return export.WriteCSV(os.Stdout, snap, export.CSVOptions{})
	case export.FormatJSON, export.FormatYAML:
		v := summaryView{
			Start:        timeutil.FormatAPITimestamp(snap.StartTime),
			End:          timeutil.FormatAPITimestamp(snap.EndTime),
			Total:        sum.Total,
			Namespaces:   sum.NamespaceCount,
			Mounts:       sum.MountCount,
			Months:       sum.MonthCount,
			TopNamespace: sum.TopNamespace,
			TopShare:     sum.TopNamespaceShare,
			FromCache:    res.FromCache,
		}
		if sum.HasAverage {
			v.AvgNewClients = &sum.AvgNewClients
		}
		return writeStructured(format, v)
	}

	if snap.IsEmpty() {
		fmt.Println()
		fmt.Println("  No client activity recorded for " + timeutil.FormatRange(snap.StartTime, snap.EndTime) + ".")
		fmt.Println("  Check that client counting is enabled: vacount status")
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("VAULT CLIENTS  " + timeutil.FormatRange(snap.StartTime, snap.EndTime)))
	fmt.Println()

	avg := "-"
	if sum.HasAverage {
		avg = cli.FormatNumber(sum.AvgNewClients)
	}
	rows := [][]string{
		{"Total clients", cli.FormatNumber(sum.Total.Clients)},
		{"Entity clients", cli.FormatNumber(sum.Total.EntityClients)},
		{"Non-entity clients", cli.FormatNumber(sum.Total.NonEntityClients)},
		{"---"},
		{"Namespaces", cli.FormatNumber(int64(sum.NamespaceCount))},
		{"Auth mounts", cli.FormatNumber(int64(sum.MountCount))},
		{"Months", cli.FormatNumber(int64(sum.MonthCount))},
		{"Avg new / month", avg},
	}
	if sum.TopNamespace != "" {
		rows = append(rows,
			[]string{"---"},
			[]string{"Top namespace", fmt.Sprintf("%s (%s)", sum.TopNamespace, cli.FormatPercent(sum.TopNamespaceShare))},
		)
	}

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Metric", "Value"},
		Rows:    rows,
	}))
	fmt.Println()
	fmt.Println("  " + cli.RenderSplitBar(sum.Total.EntityClients, sum.Total.NonEntityClients, 40))

	if sum.HasAverage {
		fmt.Printf("\n  %s\n", cli.RenderMuted(fmt.Sprintf("avg new entity %s / non-entity %s",
			cli.FormatNumber(sum.AvgNewEntity), cli.FormatNumber(sum.AvgNewNonEntity))))
	}
	return nil
}

// writeStructured encodes v to stdout as JSON or YAML.
func writeStructured(format export.Format, v any) error {
	if format == export.FormatYAML {
		return export.WriteYAML(os.Stdout, v)
	}
	return export.WriteJSON(os.Stdout, v)
}
