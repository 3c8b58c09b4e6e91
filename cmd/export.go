package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/vacount/internal/export"
	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/pipeline"
)

var (
	exportFile    string
	exportByMount string
	exportDir     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the attribution report as CSV, JSON or YAML",
	Long: `Export the attribution report. CSV (the default) lists each namespace
followed by its auth mounts; --by-mount lists only the mounts of one
namespace. New-client columns are included when the window is a single month.
JSON and YAML write the full reshaped report.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFile, "file", "f", "", "Output file, \"-\" for stdout (default: generated name in --dir)")
	exportCmd.Flags().StringVar(&exportByMount, "by-mount", "", "Export the mounts of this namespace")
	exportCmd.Flags().StringVar(&exportDir, "dir", ".", "Directory for the generated file name")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, _ []string) error {
	format, err := export.ParseFormat(flagFormat)
	if err != nil {
		return err
	}
	if format == export.FormatTable {
		format = export.FormatCSV
	}

	res, err := loadReport(cmd.Context())
	if err != nil {
		return err
	}
	if err := reportError(res); err != nil {
		return err
	}
	snap := res.Snapshot

	path, label, err := exportTarget(snap, format)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating export file: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	switch format {
	case export.FormatJSON:
		err = export.WriteJSON(w, snap)
	case export.FormatYAML:
		err = export.WriteYAML(w, snap)
	default:
		err = export.WriteCSV(w, snap, export.CSVOptions{Namespace: label})
	}
	if err != nil {
		return err
	}

	if path != "-" && !flagQuiet {
		fmt.Fprintf(os.Stderr, "  Wrote %s\n", path)
	}
	return nil
}

// exportTarget resolves the output path and the --by-mount namespace label.
// An unknown namespace fails here so no file is created for it.
func exportTarget(snap *model.Snapshot, format export.Format) (string, string, error) {
	label := ""
	if exportByMount != "" {
		ns, ok := pipeline.FindNamespace(snap, exportByMount)
		if !ok {
			return "", "", fmt.Errorf("namespace %q not found in report", exportByMount)
		}
		label = ns.Label
	}
	if exportFile != "" {
		return exportFile, label, nil
	}
	name := export.FileName(snap.StartTime, snap.EndTime, label)
	if format != export.FormatCSV {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + "." + string(format)
	}
	return filepath.Join(exportDir, name), label, nil
}
