package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/histpath/histpath/internal/observability"
	"github.com/histpath/histpath/pkg/analysis"
	"github.com/histpath/histpath/pkg/jobstore"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>",
	Short: "Submit an image for OCR analysis and track it to completion",
	Long: `Submit a historical document image for asynchronous OCR analysis.

The job is persisted locally as the active analysis before polling starts,
so an interrupted session can always be picked up with 'histpath resume'.
Only one analysis can be active at a time; a new submission while one is
active is rejected unless --force is given.

Example:
  histpath analyze rubbing.png
  histpath analyze scroll.jpg --engine azure --text-only
  histpath analyze scan.png --detach
  histpath analyze scan.png --events > events.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

var (
	analyzeEngine   string
	analyzeTextOnly bool
	analyzeNoVis    bool
	analyzeDetach   bool
	analyzeForce    bool
	analyzeEvents   bool
	analyzeQuiet    bool
)

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVarP(&analyzeEngine, "engine", "e", "", "OCR engine: paddle or azure (default from config)")
	analyzeCmd.Flags().BoolVar(&analyzeTextOnly, "text-only", false, "Skip visualization rendering, extract text only")
	analyzeCmd.Flags().BoolVar(&analyzeNoVis, "no-visualization", false, "Do not request the debug overlay")
	analyzeCmd.Flags().BoolVar(&analyzeDetach, "detach", false, "Submit and exit without polling")
	analyzeCmd.Flags().BoolVar(&analyzeForce, "force", false, "Replace an existing active analysis")
	analyzeCmd.Flags().BoolVar(&analyzeEvents, "events", false, "Emit JSONL records on stdout")
	analyzeCmd.Flags().BoolVarP(&analyzeQuiet, "quiet", "q", false, "Suppress progress output")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	imagePath := args[0]

	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	engine := cfg.Engine
	if analyzeEngine != "" {
		engine = analyzeEngine
	}
	parsedEngine, err := analysis.ParseEngine(engine)
	if err != nil {
		return err
	}

	active, err := openActiveStore(cfg)
	if err != nil {
		return err
	}

	// One active analysis at a time. --force abandons the old slot without
	// cancelling the server-side job; it keeps running unobserved.
	if existing, err := active.Get(); err != nil {
		return err
	} else if existing != nil && !analyzeForce {
		return fmt.Errorf("%w: %s (submitted %s); run 'histpath resume' to continue it or pass --force to replace it",
			jobstore.ErrJobActive, shortID(existing.AnalysisID), existing.SubmittedAt.UTC().Format(time.RFC3339))
	}

	file, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer func() { _ = file.Close() }()

	client := newAPIClient(cfg)
	resp, err := client.Submit(ctx, analysis.SubmitRequest{
		Filename:        filepath.Base(imagePath),
		Body:            file,
		Engine:          parsedEngine,
		ExtractTextOnly: analyzeTextOnly,
		Visualization:   !analyzeNoVis && !analyzeTextOnly,
	})
	if err != nil {
		return err
	}

	// Persist before the first poll. A crash between submission and here
	// loses the id; after here, resume always finds it.
	rec := &jobstore.Active{
		AnalysisID:  resp.AnalysisID,
		Engine:      parsedEngine,
		Filename:    filepath.Base(imagePath),
		SubmittedAt: time.Now().UTC(),
	}
	if err := active.Set(rec); err != nil {
		return fmt.Errorf("analysis %s submitted but could not be persisted: %w", resp.AnalysisID, err)
	}

	observability.CLILogger.Info("analysis submitted",
		zap.String("analysis_id", resp.AnalysisID),
		zap.String("engine", string(parsedEngine)),
		zap.String("file", imagePath))

	if !analyzeEvents {
		fmt.Printf("Submitted %s as analysis %s (estimated %s)\n",
			filepath.Base(imagePath), shortID(resp.AnalysisID), resp.EstimatedTime)
	}

	if analyzeDetach {
		if !analyzeEvents {
			fmt.Println("Detached. Run 'histpath resume' to track it.")
		}
		return nil
	}

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	tr := newTracker(cfg, client, active, hist)
	job, err := trackJob(ctx, tr, resp.AnalysisID, string(parsedEngine), trackOptions{
		events: analyzeEvents,
		quiet:  analyzeQuiet,
	})
	if err != nil {
		return err
	}
	if !analyzeEvents {
		printJobSummary(job)
	}
	return nil
}
