package devserver

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histpath/histpath/pkg/analysis"
)

func newTestServer(t *testing.T, opts Options) (*Server, *analysis.Client) {
	t.Helper()
	srv := New(opts)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, analysis.NewClient(ts.URL)
}

func submit(t *testing.T, client *analysis.Client, filename string) *analysis.SubmitResponse {
	t.Helper()
	resp, err := client.Submit(context.Background(), analysis.SubmitRequest{
		Filename:      filename,
		Body:          strings.NewReader("png-bytes"),
		Engine:        analysis.EnginePaddle,
		Visualization: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AnalysisID)
	return resp
}

func pollUntilTerminal(t *testing.T, client *analysis.Client, id string) *analysis.StatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := client.Status(context.Background(), id)
		require.NoError(t, err)
		if st.Status.Terminal() {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
	return nil
}

func TestSubmitPollFetch(t *testing.T) {
	_, client := newTestServer(t, Options{
		StepDelay:  time.Millisecond,
		SampleText: "광개토대왕비문 탁본",
	})

	resp := submit(t, client, "scan.png")
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "1-2분", resp.EstimatedTime.Label)

	st := pollUntilTerminal(t, client, resp.AnalysisID)
	assert.Equal(t, analysis.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.ProgressPercentage)

	res, err := client.Result(context.Background(), resp.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, "scan.png", res.Filename)
	assert.Equal(t, "광개토대왕비문 탁본", res.ExtractedText)
	assert.Equal(t, 2, res.WordCount)
	assert.NotEmpty(t, res.VisualizationURL)
	assert.False(t, res.Timestamp.IsZero())
}

func TestSubmitRejectsNonImage(t *testing.T) {
	_, client := newTestServer(t, Options{StepDelay: time.Millisecond})

	_, err := client.Submit(context.Background(), analysis.SubmitRequest{
		Filename: "notes.txt",
		Body:     strings.NewReader("text"),
	})
	require.Error(t, err)

	var apiErr *analysis.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "이미지 파일만 지원됩니다.", apiErr.Detail)
}

func TestFailureInjection(t *testing.T) {
	_, client := newTestServer(t, Options{StepDelay: time.Millisecond})

	resp := submit(t, client, "fail-case.png")
	st := pollUntilTerminal(t, client, resp.AnalysisID)
	assert.Equal(t, analysis.StatusFailed, st.Status)
	assert.NotEmpty(t, st.ErrorMessage)

	_, err := client.Result(context.Background(), resp.AnalysisID)
	require.Error(t, err)
}

func TestResultBeforeCompletionRejected(t *testing.T) {
	_, client := newTestServer(t, Options{StepDelay: time.Hour})

	resp := submit(t, client, "scan.png")
	_, err := client.Result(context.Background(), resp.AnalysisID)
	require.Error(t, err)

	var apiErr *analysis.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestStatusUnknownID(t *testing.T) {
	_, client := newTestServer(t, Options{StepDelay: time.Millisecond})

	_, err := client.Status(context.Background(), "no-such-id")
	assert.True(t, analysis.IsNotFound(err))
}

func TestVisualizationStream(t *testing.T) {
	_, client := newTestServer(t, Options{StepDelay: time.Millisecond})

	resp := submit(t, client, "scan.png")
	pollUntilTerminal(t, client, resp.AnalysisID)

	body, contentType, err := client.Visualization(context.Background(), resp.AnalysisID)
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	assert.Equal(t, "image/png", contentType)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, pngStub, data)
}

func TestListFilterMatchesInProgressJobs(t *testing.T) {
	srv, client := newTestServer(t, Options{StepDelay: time.Minute})

	base := time.Now()
	srv.now = func() time.Time { return base }
	resp := submit(t, client, "scan.png")

	// Three steps in: mid-pipeline, reported as "processing" on the wire.
	srv.now = func() time.Time { return base.Add(3 * time.Minute) }

	st, err := client.Status(context.Background(), resp.AnalysisID)
	require.NoError(t, err)
	require.Equal(t, analysis.StatusInProgress, st.Status)

	results, err := client.List(context.Background(), analysis.ListOptions{
		Limit:  10,
		Status: analysis.StatusInProgress,
	})
	require.NoError(t, err)
	require.Len(t, results, 1, "in-progress filter must match the running job")
	assert.Equal(t, resp.AnalysisID, results[0].AnalysisID)

	results, err = client.List(context.Background(), analysis.ListOptions{
		Limit:  10,
		Status: analysis.StatusSubmitted,
	})
	require.NoError(t, err)
	assert.Empty(t, results, "queued filter must not match a processing job")
}

func TestList(t *testing.T) {
	_, client := newTestServer(t, Options{StepDelay: time.Millisecond, SampleText: "text"})

	first := submit(t, client, "a.png")
	second := submit(t, client, "b.png")
	pollUntilTerminal(t, client, first.AnalysisID)
	pollUntilTerminal(t, client, second.AnalysisID)

	results, err := client.List(context.Background(), analysis.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)

	results, err = client.List(context.Background(), analysis.ListOptions{
		Limit:  10,
		Status: analysis.StatusCompleted,
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
