package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/chris-regnier/warden/internal/output"
	"github.com/chris-regnier/warden/internal/store"
)

var flagReportFormat string

func init() {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Browse archived scan reports",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived reports, newest first",
		RunE:  runReportList,
	}

	showCmd := &cobra.Command{
		Use:   "show [report-id]",
		Short: "Render an archived report (default: most recent)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runReportShow,
	}
	showCmd.Flags().StringVarP(&flagReportFormat, "format", "f", "", "Output format: "+strings.Join(output.Formats(), ", "))

	reportCmd.AddCommand(listCmd, showCmd)
	rootCmd.AddCommand(reportCmd)
}

func archive() (*store.FileStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Reports.Dir == "" {
		return nil, fmt.Errorf("report archiving is disabled (reports.dir is empty)")
	}
	return store.NewFileStore(cfg.Reports.Dir), nil
}

func runReportList(cmd *cobra.Command, args []string) error {
	fs, err := archive()
	if err != nil {
		return err
	}
	ids, err := fs.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing reports: %w", err)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runReportShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	fs, err := archive()
	if err != nil {
		return err
	}

	var id string
	if len(args) == 1 {
		id = args[0]
	} else {
		if id, _, err = fs.Latest(ctx); err != nil {
			return err
		}
	}

	report, err := fs.ReadReport(ctx, id)
	if err != nil {
		return err
	}
	log, err := fs.ReadSARIF(ctx, id)
	if err != nil {
		return err
	}

	formatter, err := output.NewFormatter(output.ResolveFormat(flagReportFormat, isatty.IsTerminal(os.Stdout.Fd())))
	if err != nil {
		return err
	}
	data, err := formatter.Format(&output.ScanOutput{Report: report, SARIFLog: log})
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
