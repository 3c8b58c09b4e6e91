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

var monthsCmd = &cobra.Command{
	Use:   "months",
	Short: "Monthly client totals and new clients",
	RunE:  runMonths,
}

func init() {
	rootCmd.AddCommand(monthsCmd)
}

func runMonths(cmd *cobra.Command, _ []string) error {
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
	switch format {
	case export.FormatCSV:
		return export.WriteCSV(os.Stdout, snap, export.CSVOptions{})
	case export.FormatJSON, export.FormatYAML:
		return writeStructured(format, snap.ByMonth)
	}

	points := pipeline.MonthSeries(snap.ByMonth)
	if len(points) == 0 {
		fmt.Println("\n  No monthly data for this window.")
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("MONTHLY CLIENTS  " + timeutil.FormatRange(snap.StartTime, snap.EndTime)))
	fmt.Println()

	rows := make([][]string, 0, len(points))
	for i, p := range points {
		newCol := "-"
		if snap.ByMonth[i].HasNewClients {
			newCol = cli.FormatNumber(p.New.Clients)
		}
		rows = append(rows, []string{
			p.Label,
			cli.FormatNumber(p.Total.Clients),
			cli.FormatNumber(p.Total.EntityClients),
			cli.FormatNumber(p.Total.NonEntityClients),
			newCol,
			cli.FormatNumber(p.Cumulative),
		})
	}
	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Month", "Clients", "Entity", "Non-entity", "New", "Running new"},
		Rows:    rows,
	}))

	if chart := cli.RenderLineChart(cumulative(points), 50, 8, "running new clients"); chart != "" {
		fmt.Println()
		fmt.Println(chart)
	}
	if avg, ok := pipeline.AverageNewClients(snap.ByMonth); ok {
		fmt.Printf("\n  %s\n", cli.RenderMuted("avg new clients / month: "+cli.FormatNumber(avg.Clients)))
	}
	return nil
}

func cumulative(points []model.MonthPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = float64(p.Cumulative)
	}
	return out
}
