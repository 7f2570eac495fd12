package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/histpath/histpath/internal/config"
	"github.com/histpath/histpath/internal/observability"
	"github.com/histpath/histpath/pkg/analysis"
	"github.com/histpath/histpath/pkg/history"
	"github.com/histpath/histpath/pkg/jobstore"
	"github.com/histpath/histpath/pkg/output"
	"github.com/histpath/histpath/pkg/tracker"
)

func currentConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

func newAPIClient(cfg *config.Config) *analysis.Client {
	return analysis.NewClient(cfg.API.BaseURL, analysis.WithTimeout(cfg.API.Timeout))
}

func openActiveStore(cfg *config.Config) (*jobstore.FileStore, error) {
	dir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	return jobstore.NewFileStore(dir), nil
}

func openHistory(ctx context.Context, cfg *config.Config) (*history.Store, error) {
	path, err := cfg.HistoryPath()
	if err != nil {
		return nil, fmt.Errorf("resolve history path: %w", err)
	}
	return history.Open(ctx, path)
}

func newTracker(cfg *config.Config, client *analysis.Client, active tracker.ActiveStore, hist tracker.HistoryStore) *tracker.Tracker {
	return tracker.New(client, active, hist, tracker.Config{
		Interval:  cfg.Poll.Interval,
		MaxWait:   cfg.Poll.MaxWait,
		RateLimit: cfg.Poll.RateLimit,
		Logger:    observability.CLILogger,
	})
}

// trackOptions control how a tracked job is rendered.
type trackOptions struct {
	// events switches stdout to JSONL records instead of human progress.
	events bool

	// quiet suppresses per-poll progress output.
	quiet bool
}

// trackJob polls analysisID to completion, rendering progress as it goes.
// The returned job is non-nil only for a fetched completed result.
func trackJob(ctx context.Context, tr *tracker.Tracker, analysisID, engine string, opts trackOptions) (*analysis.Job, error) {
	var writer output.Writer
	if opts.events {
		writer = output.NewJSONLWriter(os.Stdout, analysisID, engine)
		defer func() { _ = writer.Close() }()
	}

	started := time.Now()
	onProgress := func(p tracker.Progress) {
		if opts.quiet {
			return
		}
		if writer != nil {
			if err := writer.WriteProgress(ctx, &output.ProgressRecord{
				Status:      string(p.Status),
				Progress:    p.Percent,
				CurrentStep: p.Step,
			}); err != nil {
				observability.CLILogger.Debug("failed to write progress record", zap.Error(err))
			}
			return
		}
		step := p.Step
		if step == "" {
			step = string(p.Status)
		}
		fmt.Printf("[%3d%%] %s\n", p.Percent, step)
	}

	t := tr.Track(ctx, analysisID, onProgress)
	job, err := t.Wait()

	if writer != nil {
		emitTrackRecords(ctx, writer, t, job, err, time.Since(started))
	}
	return job, err
}

// emitTrackRecords writes the terminal JSONL records for a finished loop.
func emitTrackRecords(ctx context.Context, w output.Writer, t *tracker.Tracking, job *analysis.Job, trackErr error, elapsed time.Duration) {
	// Cancellation tears down the output context too; records still need to
	// go out, so terminal records use a detached context.
	ctx = context.WithoutCancel(ctx)

	status := string(analysis.StatusCompleted)
	if trackErr != nil {
		status = string(analysis.StatusFailed)
		rec := &output.ErrorRecord{Code: errorCode(trackErr), Message: trackErr.Error()}
		if err := w.WriteError(ctx, rec); err != nil {
			observability.CLILogger.Debug("failed to write error record", zap.Error(err))
		}
	}

	if job != nil {
		if err := w.WriteResult(ctx, &output.ResultRecord{
			Filename:         job.Filename,
			WordCount:        job.WordCount,
			ConfidenceScore:  job.ConfidenceScore,
			ProcessingTime:   job.ProcessingTime,
			VisualizationURL: job.VisualizationURL,
			TextChars:        len(job.ExtractedText),
		}); err != nil {
			observability.CLILogger.Debug("failed to write result record", zap.Error(err))
		}
	}

	if err := w.WriteSummary(ctx, &output.SummaryRecord{
		Status:   status,
		Polls:    t.Polls(),
		Duration: elapsed,
	}); err != nil {
		observability.CLILogger.Debug("failed to write summary record", zap.Error(err))
	}
}

func errorCode(err error) string {
	var jobFailed *tracker.JobFailedError
	var timeout *tracker.TimeoutError
	var fetch *tracker.ResultFetchError
	switch {
	case errors.Is(err, tracker.ErrCancelled):
		return output.ErrCodeCancelled
	case errors.As(err, &jobFailed):
		return output.ErrCodeJobFailed
	case errors.As(err, &timeout):
		return output.ErrCodeTimeout
	case errors.As(err, &fetch):
		return output.ErrCodeResultFetch
	default:
		return output.ErrCodeSubmission
	}
}

// printJobSummary renders a completed job for human consumption.
func printJobSummary(job *analysis.Job) {
	fmt.Println()
	fmt.Printf("Analysis %s completed\n", shortID(job.AnalysisID))
	if job.Filename != "" {
		fmt.Printf("  File:       %s\n", job.Filename)
	}
	fmt.Printf("  Engine:     %s\n", job.Engine)
	fmt.Printf("  Words:      %d\n", job.WordCount)
	if job.ConfidenceScore > 0 {
		fmt.Printf("  Confidence: %.1f%%\n", job.ConfidenceScore*100)
	}
	if job.ProcessingTime > 0 {
		fmt.Printf("  Duration:   %.1fs\n", job.ProcessingTime)
	}
	if job.VisualizationURL != "" {
		fmt.Printf("  Overlay:    %s\n", job.VisualizationURL)
	}
	fmt.Println()
	fmt.Println(job.ExtractedText)
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
