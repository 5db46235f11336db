// cmd_report.go implements the 'usagetrace report' command.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/usagetrace/internal/usage/report"
	"github.com/kolkov/usagetrace/internal/usage/store"
)

var (
	reportStore  string
	reportFormat string
	reportReset  bool
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "List the first uses recorded in the usage store",
		Long: `Report prints every function recorded as used, one per line, in the
simple or json event format. --reset forgets all recorded usage, so the
next build instruments every function again.`,
		Args: cobra.NoArgs,
		RunE: runReport,
	}
	f := cmd.Flags()
	f.StringVar(&reportStore, "store", "", "usage store (default: store.path from the configuration)")
	f.StringVar(&reportFormat, "format", "", "simple or json (default: format from the configuration)")
	f.BoolVar(&reportReset, "reset", false, "delete all recorded usage")
	return cmd
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	path := reportStore
	if path == "" {
		path = cfg.Store.Path
	}
	if path == "" {
		return fmt.Errorf("no usage store: set --store or store.path")
	}
	format := reportFormat
	if format == "" {
		format = string(cfg.Format)
	}
	formatter, err := report.NewFormatter(format)
	if err != nil {
		return err
	}

	s, err := store.Open(store.Config{Path: path, ReadOnly: !reportReset})
	if err != nil {
		return err
	}
	defer s.Close()

	if reportReset {
		if err := s.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "usagetrace: cleared %s\n", path)
		return nil
	}

	records, err := s.All()
	if err != nil {
		return err
	}
	var line []byte
	out := cmd.OutOrStdout()
	for _, rec := range records {
		e := report.Event{Time: rec.First, Unit: rec.Unit, Signature: rec.Signature, RunID: rec.Run}
		line = append(formatter.AppendEvent(line[:0], e), '\n')
		if _, err := out.Write(line); err != nil {
			return err
		}
	}
	return nil
}
