package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/chris-regnier/warden/internal/quarantine"
	"github.com/chris-regnier/warden/internal/review"
)

var (
	flagQuarantineState  []string
	flagQuarantineJSON   bool
	flagQuarantineReason string
)

func init() {
	qCmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and act on quarantine records",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantine records",
		RunE:  runQuarantineList,
	}
	listCmd.Flags().StringSliceVar(&flagQuarantineState, "state", nil, "Only show records in these states (flagged, quarantined, restored, removed)")
	listCmd.Flags().BoolVar(&flagQuarantineJSON, "json", false, "Print records as JSON")

	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Work through quarantine records interactively",
		RunE:  runQuarantineReview,
	}

	qCmd.AddCommand(listCmd, reviewCmd,
		quarantineActionCmd("approve", "Quarantine a flagged application", (*quarantine.Service).RequestQuarantine),
		quarantineActionCmd("restore", "Re-enable a quarantined application and report a false positive", (*quarantine.Service).RequestRestore),
		quarantineActionCmd("remove", "Uninstall a quarantined application", (*quarantine.Service).RequestRemove),
	)
	qCmd.PersistentFlags().StringVar(&flagQuarantineReason, "reason", "", "Reason recorded with the transition")

	rootCmd.AddCommand(qCmd)
}

type quarantineRequest func(*quarantine.Service, context.Context, string, string) (quarantine.Record, error)

func quarantineActionCmd(use, short string, request quarantineRequest) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <candidate-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			reason := flagQuarantineReason
			if reason == "" {
				reason = use + " requested from the command line"
			}
			rec, err := request(s.engine.Quarantine(), ctx, args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", rec.CandidateID, rec.State)
			return nil
		},
	}
}

func runQuarantineList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	states := make([]quarantine.State, 0, len(flagQuarantineState))
	for _, st := range flagQuarantineState {
		states = append(states, quarantine.State(strings.ToLower(st)))
	}
	records, err := s.engine.Quarantine().Store().List(ctx, states...)
	if err != nil {
		return fmt.Errorf("listing quarantine: %w", err)
	}

	if flagQuarantineJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []quarantine.Record{}
		}
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Println("No quarantine records.")
		return nil
	}
	fmt.Println(recordTable(records))
	return nil
}

func runQuarantineReview(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	records, err := s.engine.Quarantine().Store().List(ctx)
	if err != nil {
		return fmt.Errorf("listing quarantine: %w", err)
	}
	model := review.NewReviewModel(records, s.engine.Quarantine())
	_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func recordTable(records []quarantine.Record) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CANDIDATE", "STATE", "SEVERITY", "SCORE", "UPDATED")
	for _, r := range records {
		t.Row(
			r.CandidateID,
			string(r.State),
			string(r.Verdict.Severity),
			fmt.Sprintf("%.0f", r.Verdict.Score),
			r.UpdatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	return t.String()
}
