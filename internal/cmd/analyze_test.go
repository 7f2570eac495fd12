package cmd

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histpath/histpath/internal/config"
	"github.com/histpath/histpath/internal/devserver"
	"github.com/histpath/histpath/pkg/analysis"
	"github.com/histpath/histpath/pkg/history"
	"github.com/histpath/histpath/pkg/jobstore"
)

// setupAnalyzeEnv starts a simulated service and loads a config pointing at
// it, with a throwaway data dir and a fast poll interval.
func setupAnalyzeEnv(t *testing.T, stepDelay time.Duration) (string, *analysis.Client) {
	t.Helper()

	srv := devserver.New(devserver.Options{StepDelay: stepDelay, SampleText: "탁본 판독문"})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	dataDir := t.TempDir()
	_, err := config.Load(context.Background(), map[string]any{
		"api":      map[string]any{"base_url": ts.URL},
		"data_dir": dataDir,
		"poll":     map[string]any{"interval": "5ms"},
	})
	require.NoError(t, err)

	return dataDir, analysis.NewClient(ts.URL)
}

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0644))
	return path
}

func resetAnalyzeFlags() {
	analyzeEngine = ""
	analyzeTextOnly = false
	analyzeNoVis = false
	analyzeDetach = false
	analyzeForce = false
	analyzeEvents = false
	analyzeQuiet = false
}

func newTestCommand(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func TestAnalyzePersistsActiveBeforePolling(t *testing.T) {
	// An hour per pipeline step: the job cannot progress, so any id found in
	// the slot was written at submission time, not by the poll loop.
	dataDir, client := setupAnalyzeEnv(t, time.Hour)
	defer resetAnalyzeFlags()
	analyzeDetach = true
	analyzeQuiet = true

	require.NoError(t, runAnalyze(newTestCommand(t), []string{writeTestImage(t)}))

	rec, err := jobstore.NewFileStore(dataDir).Get()
	require.NoError(t, err)
	require.NotNil(t, rec, "active slot must be populated right after submission")
	assert.NotEmpty(t, rec.AnalysisID)
	assert.Equal(t, analysis.EnginePaddle, rec.Engine)
	assert.Equal(t, "scan.png", rec.Filename)

	// The persisted id is the one the service issued: it resolves there.
	st, err := client.Status(context.Background(), rec.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, analysis.StatusSubmitted, st.Status)
}

func TestAnalyzeTracksToCompletionAndClearsSlot(t *testing.T) {
	dataDir, _ := setupAnalyzeEnv(t, time.Millisecond)
	defer resetAnalyzeFlags()
	analyzeQuiet = true

	require.NoError(t, runAnalyze(newTestCommand(t), []string{writeTestImage(t)}))

	rec, err := jobstore.NewFileStore(dataDir).Get()
	require.NoError(t, err)
	assert.Nil(t, rec, "terminal state must clear the active slot")

	ctx := context.Background()
	hist, err := history.Open(ctx, filepath.Join(dataDir, "history.db"))
	require.NoError(t, err)
	defer func() { _ = hist.Close() }()

	jobs, err := hist.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, analysis.StatusCompleted, jobs[0].Status)
	assert.Equal(t, "탁본 판독문", jobs[0].ExtractedText)
}

func TestAnalyzeRejectsWhenJobActive(t *testing.T) {
	dataDir, _ := setupAnalyzeEnv(t, time.Hour)
	defer resetAnalyzeFlags()
	analyzeQuiet = true

	store := jobstore.NewFileStore(dataDir)
	require.NoError(t, store.Set(&jobstore.Active{
		AnalysisID:  "busy123",
		SubmittedAt: time.Now().UTC(),
	}))

	img := writeTestImage(t)
	err := runAnalyze(newTestCommand(t), []string{img})
	require.ErrorIs(t, err, jobstore.ErrJobActive)

	// --force supersedes the stale slot with the fresh submission.
	analyzeForce = true
	analyzeDetach = true
	require.NoError(t, runAnalyze(newTestCommand(t), []string{img}))

	rec, err := store.Get()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEqual(t, "busy123", rec.AnalysisID)
}
