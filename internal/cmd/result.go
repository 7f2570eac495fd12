package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/histpath/histpath/internal/observability"
	"github.com/histpath/histpath/pkg/analysis"
	"github.com/histpath/histpath/pkg/history"
)

var resultCmd = &cobra.Command{
	Use:   "result <analysis_id>",
	Short: "Show the result of a completed analysis",
	Long: `Show the extracted text and metadata of a completed analysis.

The id may be a unique prefix of an id recorded in local history. Results
already in history are served locally; anything else is fetched from the
service and recorded.

Example:
  histpath result 3f2a9c
  histpath result 3f2a9c --save-visualization overlay.png`,
	Args: cobra.ExactArgs(1),
	RunE: runResult,
}

var (
	resultSaveVis  string
	resultJSONFlag bool
)

func init() {
	rootCmd.AddCommand(resultCmd)

	resultCmd.Flags().StringVar(&resultSaveVis, "save-visualization", "", "Download the debug overlay to this path")
	resultCmd.Flags().BoolVar(&resultJSONFlag, "json", false, "Output as JSON")
}

func runResult(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	client := newAPIClient(cfg)

	job, err := loadResult(ctx, hist, client, args[0])
	if err != nil {
		return err
	}

	if resultSaveVis != "" {
		if err := saveVisualization(ctx, client, job, resultSaveVis); err != nil {
			return err
		}
	}

	if resultJSONFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	printJobSummary(job)
	return nil
}

// loadResult serves a result from local history when possible, falling back
// to the service. Service results are recorded for next time.
func loadResult(ctx context.Context, hist *history.Store, client *analysis.Client, input string) (*analysis.Job, error) {
	if id, err := hist.ResolveID(ctx, input); err == nil {
		return hist.Get(ctx, id)
	} else if errors.Is(err, history.ErrAmbiguousID) {
		return nil, err
	}

	res, err := client.Result(ctx, input)
	if err != nil {
		return nil, err
	}
	job := analysis.JobFromResult(res, time.Now().UTC())
	if err := hist.Insert(ctx, job); err != nil {
		observability.CLILogger.Warn("failed to record fetched result",
			zap.String("analysis_id", job.AnalysisID),
			zap.Error(err))
	}
	return job, nil
}

func saveVisualization(ctx context.Context, client *analysis.Client, job *analysis.Job, dest string) error {
	body, _, err := client.Visualization(ctx, job.AnalysisID)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return fmt.Errorf("save visualization: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("Visualization saved to %s\n", dest)
	return nil
}
