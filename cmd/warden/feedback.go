package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chris-regnier/warden/internal/scorer"
)

var flagFeedbackCommit bool

func init() {
	feedbackCmd := &cobra.Command{
		Use:   "feedback <candidate-id> <false_positive|false_negative|confirmed>",
		Short: "Report the outcome of a past verdict to tune scoring thresholds",
		Long: `Record feedback about a past verdict. Feedback is applied to the scoring
profile between runs; use --commit to apply pending feedback immediately.`,
		Args: cobra.ExactArgs(2),
		RunE: runFeedback,
	}
	feedbackCmd.Flags().BoolVar(&flagFeedbackCommit, "commit", false, "Apply pending feedback to the scoring profile now")

	rootCmd.AddCommand(feedbackCmd)
}

func runFeedback(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	fb := scorer.Feedback{CandidateID: args[0], Kind: scorer.FeedbackKind(args[1])}
	if err := s.engine.Feedback(fb); err != nil {
		return err
	}
	fmt.Printf("recorded %s for %s\n", fb.Kind, fb.CandidateID)

	if flagFeedbackCommit {
		p, err := s.engine.CommitProfile()
		if err != nil {
			return err
		}
		fmt.Printf("scoring profile v%d, threshold offset %+.2f\n", p.Version, p.Offset)
	}
	return nil
}
