package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/histpath/histpath/internal/observability"
	"github.com/histpath/histpath/pkg/analysis"
	"github.com/histpath/histpath/pkg/batch"
	"github.com/histpath/histpath/pkg/jobstore"
	"github.com/histpath/histpath/pkg/tracker"
)

var batchCmd = &cobra.Command{
	Use:   "batch [globs...]",
	Short: "Analyze a set of images sequentially",
	Long: `Analyze multiple images, one tracked job at a time.

Files come either from a YAML manifest (--job) or from glob arguments.
Each file is submitted, tracked to a terminal state, and recorded before
the next submission starts, so the one-active-job invariant holds for the
whole batch.

Example:
  histpath batch --job batch.yaml
  histpath batch 'scans/**/*.png'
  histpath batch --job batch.yaml --dry-run`,
	RunE: runBatch,
}

var (
	batchJobPath string
	batchEngine  string
	batchDryRun  bool
	batchQuiet   bool
	batchKeepOn  bool
)

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringVarP(&batchJobPath, "job", "j", "", "Path to batch manifest")
	batchCmd.Flags().StringVarP(&batchEngine, "engine", "e", "", "Override the OCR engine for every file")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "Show the file selection without submitting")
	batchCmd.Flags().BoolVarP(&batchQuiet, "quiet", "q", false, "Suppress per-poll progress output")
	batchCmd.Flags().BoolVar(&batchKeepOn, "keep-going", false, "Continue with remaining files after a failure")
}

type batchPlan struct {
	files    []string
	engine   analysis.Engine
	textOnly bool
	visual   bool
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := currentConfig()
	if err != nil {
		return err
	}

	plan, err := buildBatchPlan(cfg.Engine, args)
	if err != nil {
		return err
	}
	if len(plan.files) == 0 {
		return fmt.Errorf("no files matched")
	}

	if batchDryRun {
		fmt.Printf("Engine: %s\n", plan.engine)
		fmt.Printf("Files (%d):\n", len(plan.files))
		for _, f := range plan.files {
			fmt.Printf("  %s\n", f)
		}
		fmt.Println("Remove --dry-run to submit.")
		return nil
	}

	active, err := openActiveStore(cfg)
	if err != nil {
		return err
	}
	if existing, err := active.Get(); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("%w: %s; finish it with 'histpath resume' before starting a batch",
			jobstore.ErrJobActive, shortID(existing.AnalysisID))
	}

	hist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	client := newAPIClient(cfg)
	tr := newTracker(cfg, client, active, hist)

	failed := 0
	for i, path := range plan.files {
		fmt.Printf("[%d/%d] %s\n", i+1, len(plan.files), path)
		if err := batchOne(ctx, client, tr, active, plan, path); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, tracker.ErrCancelled) {
				return err
			}
			failed++
			observability.CLILogger.Error("batch file failed",
				zap.String("file", path),
				zap.Error(err))
			fmt.Printf("  failed: %v\n", err)
			if !batchKeepOn {
				return fmt.Errorf("batch aborted after %s: %w", path, err)
			}
			continue
		}
	}

	fmt.Printf("Batch done: %d succeeded, %d failed\n", len(plan.files)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(plan.files))
	}
	return nil
}

func buildBatchPlan(defaultEngine string, args []string) (*batchPlan, error) {
	plan := &batchPlan{visual: true}

	if batchJobPath != "" {
		m, err := batch.Load(batchJobPath)
		if err != nil {
			return nil, err
		}
		files, err := m.Expand(filepath.Dir(batchJobPath))
		if err != nil {
			return nil, err
		}
		plan.files = files
		plan.engine = m.EngineOrDefault()
		plan.textOnly = m.ExtractTextOnly
		plan.visual = m.VisualizationEnabled()
	} else {
		if len(args) == 0 {
			return nil, fmt.Errorf("pass file globs or --job <manifest>")
		}
		files, err := batch.ExpandGlobs(args)
		if err != nil {
			return nil, err
		}
		plan.files = files
		plan.engine, err = analysis.ParseEngine(defaultEngine)
		if err != nil {
			return nil, err
		}
	}

	if batchEngine != "" {
		engine, err := analysis.ParseEngine(batchEngine)
		if err != nil {
			return nil, err
		}
		plan.engine = engine
	}
	return plan, nil
}

func batchOne(ctx context.Context, client *analysis.Client, tr *tracker.Tracker, active *jobstore.FileStore, plan *batchPlan, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	resp, err := client.Submit(ctx, analysis.SubmitRequest{
		Filename:        filepath.Base(path),
		Body:            file,
		Engine:          plan.engine,
		ExtractTextOnly: plan.textOnly,
		Visualization:   plan.visual && !plan.textOnly,
	})
	if err != nil {
		return err
	}

	if err := active.Set(&jobstore.Active{
		AnalysisID:  resp.AnalysisID,
		Engine:      plan.engine,
		Filename:    filepath.Base(path),
		SubmittedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("analysis %s submitted but could not be persisted: %w", resp.AnalysisID, err)
	}

	job, err := trackJob(ctx, tr, resp.AnalysisID, string(plan.engine), trackOptions{quiet: batchQuiet})
	if err != nil {
		return err
	}
	fmt.Printf("  completed %s: %d words\n", shortID(job.AnalysisID), job.WordCount)
	return nil
}
