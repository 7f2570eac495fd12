package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/histpath/histpath/internal/observability"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume tracking the active analysis",
	Long: `Resume polling the analysis persisted as active.

The job is not resubmitted; polling continues against the original
analysis id exactly as if the session had never been interrupted. If the
job finished while no one was watching, the first poll observes the
terminal state and the result is fetched immediately.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

var (
	resumeEvents bool
	resumeQuiet  bool
)

func init() {
	rootCmd.AddCommand(resumeCmd)

	resumeCmd.Flags().BoolVar(&resumeEvents, "events", false, "Emit JSONL records on stdout")
	resumeCmd.Flags().BoolVarP(&resumeQuiet, "quiet", "q", false, "Suppress progress output")
}

func runResume(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	active, err := openActiveStore(cfg)
	if err != nil {
		return err
	}

	rec, err := active.Get()
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Println("No active analysis to resume.")
		return nil
	}

	observability.CLILogger.Info("resuming analysis",
		zap.String("analysis_id", rec.AnalysisID),
		zap.String("engine", string(rec.Engine)),
		zap.Time("submitted_at", rec.SubmittedAt))

	if !resumeEvents {
		fmt.Printf("Resuming analysis %s (%s, submitted %s)\n",
			shortID(rec.AnalysisID), rec.Filename, formatOptionalTime(&rec.SubmittedAt))
	}

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	client := newAPIClient(cfg)
	tr := newTracker(cfg, client, active, hist)
	job, err := trackJob(ctx, tr, rec.AnalysisID, string(rec.Engine), trackOptions{
		events: resumeEvents,
		quiet:  resumeQuiet,
	})
	if err != nil {
		return err
	}
	if !resumeEvents {
		printJobSummary(job)
	}
	return nil
}
