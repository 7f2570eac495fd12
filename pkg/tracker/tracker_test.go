package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/histpath/histpath/pkg/analysis"
)

type fakeClient struct {
	statusFn func(ctx context.Context, id string) (*analysis.StatusResponse, error)
	resultFn func(ctx context.Context, id string) (*analysis.ResultResponse, error)
}

func (f *fakeClient) Status(ctx context.Context, id string) (*analysis.StatusResponse, error) {
	return f.statusFn(ctx, id)
}

func (f *fakeClient) Result(ctx context.Context, id string) (*analysis.ResultResponse, error) {
	if f.resultFn == nil {
		return nil, errors.New("unexpected result call")
	}
	return f.resultFn(ctx, id)
}

type fakeActive struct {
	mu     sync.Mutex
	clears int
}

func (f *fakeActive) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeActive) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

type fakeHistory struct {
	mu   sync.Mutex
	jobs []*analysis.Job
}

func (f *fakeHistory) Insert(_ context.Context, job *analysis.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// fakeClock never sleeps; Now advances by step per call so deadline checks
// can be driven deterministically.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func newTestTracker(c Client, active *fakeActive, hist *fakeHistory, clock Clock) *Tracker {
	return New(c, active, hist, Config{
		Interval: time.Millisecond,
		Clock:    clock,
	})
}

func TestTrack_CompletesAndRecordsHistory(t *testing.T) {
	statuses := []analysis.StatusResponse{
		{Status: analysis.StatusInProgress, ProgressPercentage: 40, CurrentStep: "한문 텍스트 검출 중"},
		{Status: analysis.StatusCompleted, ProgressPercentage: 100, CurrentStep: "완료"},
	}
	var call int
	client := &fakeClient{
		statusFn: func(_ context.Context, id string) (*analysis.StatusResponse, error) {
			st := statuses[call]
			if call < len(statuses)-1 {
				call++
			}
			st.AnalysisID = id
			return &st, nil
		},
		resultFn: func(_ context.Context, id string) (*analysis.ResultResponse, error) {
			return &analysis.ResultResponse{
				AnalysisID:    id,
				Filename:      "page.png",
				Engine:        "paddle",
				Status:        analysis.StatusCompleted,
				ExtractedText: "訓民正音",
				WordCount:     4,
			}, nil
		},
	}
	active := &fakeActive{}
	hist := &fakeHistory{}

	var progress []Progress
	tr := newTestTracker(client, active, hist, &fakeClock{})
	tracking := tr.Track(context.Background(), "abc123", func(p Progress) {
		progress = append(progress, p)
	})

	job, err := tracking.Wait()
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if job == nil || job.ExtractedText != "訓民正音" {
		t.Fatalf("unexpected final snapshot: %+v", job)
	}
	if active.clearCount() != 1 {
		t.Fatalf("active slot must be cleared exactly once, got %d", active.clearCount())
	}
	if hist.count() != 1 {
		t.Fatalf("expected one history entry, got %d", hist.count())
	}
	if len(progress) < 2 {
		t.Fatalf("expected progress updates, got %d", len(progress))
	}
	if progress[0].Percent != 40 || progress[0].Step != "한문 텍스트 검출 중" {
		t.Fatalf("first update not applied in receipt order: %+v", progress[0])
	}
}

func TestTrack_FailedClearsActiveWithoutHistory(t *testing.T) {
	client := &fakeClient{
		statusFn: func(_ context.Context, id string) (*analysis.StatusResponse, error) {
			return &analysis.StatusResponse{
				AnalysisID:   id,
				Status:       analysis.StatusFailed,
				ErrorMessage: "engine crashed",
			}, nil
		},
	}
	active := &fakeActive{}
	hist := &fakeHistory{}

	tr := newTestTracker(client, active, hist, &fakeClock{})
	job, err := tr.Track(context.Background(), "abc123", nil).Wait()

	if job != nil {
		t.Fatalf("failed job must not produce a snapshot, got %+v", job)
	}
	var failed *JobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected JobFailedError, got %v", err)
	}
	if failed.Message != "engine crashed" {
		t.Fatalf("error message not surfaced: %q", failed.Message)
	}
	if active.clearCount() != 1 {
		t.Fatalf("active slot must be cleared on failure, got %d clears", active.clearCount())
	}
	if hist.count() != 0 {
		t.Fatalf("no history entry may be written for a failed job, got %d", hist.count())
	}
}

func TestTrack_CancelDiscardsLateResponse(t *testing.T) {
	inStatus := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{
		statusFn: func(_ context.Context, id string) (*analysis.StatusResponse, error) {
			close(inStatus)
			<-release
			// Response arrives after cancellation and must be discarded.
			return &analysis.StatusResponse{AnalysisID: id, Status: analysis.StatusCompleted}, nil
		},
	}
	active := &fakeActive{}
	hist := &fakeHistory{}

	tr := newTestTracker(client, active, hist, &fakeClock{})
	tracking := tr.Track(context.Background(), "abc123", nil)

	<-inStatus
	tracking.Cancel()
	close(release)

	job, err := tracking.Wait()
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if job != nil {
		t.Fatalf("cancelled tracking must not yield a snapshot, got %+v", job)
	}
	if active.clearCount() != 0 {
		t.Fatalf("no store writes may happen after cancel, got %d clears", active.clearCount())
	}
	if hist.count() != 0 {
		t.Fatalf("no history writes may happen after cancel, got %d", hist.count())
	}
}

func TestTrack_TransientErrorsKeepPolling(t *testing.T) {
	var call int
	client := &fakeClient{
		statusFn: func(_ context.Context, id string) (*analysis.StatusResponse, error) {
			call++
			if call == 1 {
				return nil, errors.New("connection reset")
			}
			return &analysis.StatusResponse{AnalysisID: id, Status: analysis.StatusCompleted}, nil
		},
		resultFn: func(_ context.Context, id string) (*analysis.ResultResponse, error) {
			return &analysis.ResultResponse{AnalysisID: id, ExtractedText: "text"}, nil
		},
	}
	active := &fakeActive{}
	hist := &fakeHistory{}

	tr := newTestTracker(client, active, hist, &fakeClock{})
	job, err := tr.Track(context.Background(), "abc123", nil).Wait()
	if err != nil {
		t.Fatalf("a single failed poll must not be fatal: %v", err)
	}
	if job == nil {
		t.Fatal("expected completion after transient error")
	}
	if call != 2 {
		t.Fatalf("expected retry on next tick, got %d calls", call)
	}
}

func TestTrack_MaxWaitFailsLocally(t *testing.T) {
	client := &fakeClient{
		statusFn: func(_ context.Context, id string) (*analysis.StatusResponse, error) {
			return &analysis.StatusResponse{AnalysisID: id, Status: analysis.StatusInProgress}, nil
		},
	}
	active := &fakeActive{}
	hist := &fakeHistory{}

	tr := New(client, active, hist, Config{
		Interval: time.Millisecond,
		MaxWait:  time.Minute,
		Clock:    &fakeClock{step: 10 * time.Second},
	})
	job, err := tr.Track(context.Background(), "abc123", nil).Wait()

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if job != nil {
		t.Fatalf("timed-out job must not produce a snapshot, got %+v", job)
	}
	if active.clearCount() != 1 {
		t.Fatalf("timeout must clear the active slot, got %d clears", active.clearCount())
	}
	if hist.count() != 0 {
		t.Fatalf("timeout must not write history, got %d", hist.count())
	}
}

func TestTrack_EmptyResultTextGetsPlaceholder(t *testing.T) {
	client := &fakeClient{
		statusFn: func(_ context.Context, id string) (*analysis.StatusResponse, error) {
			return &analysis.StatusResponse{AnalysisID: id, Status: analysis.StatusCompleted}, nil
		},
		resultFn: func(_ context.Context, id string) (*analysis.ResultResponse, error) {
			return &analysis.ResultResponse{AnalysisID: id, ExtractedText: ""}, nil
		},
	}
	hist := &fakeHistory{}

	tr := newTestTracker(client, &fakeActive{}, hist, &fakeClock{})
	job, err := tr.Track(context.Background(), "abc123", nil).Wait()
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if job.ExtractedText != analysis.EmptyTextPlaceholder {
		t.Fatalf("expected placeholder for empty text, got %q", job.ExtractedText)
	}
	if hist.jobs[0].ExtractedText == "" {
		t.Fatal("stored text must never be empty")
	}
}

func TestTrack_ResultFetchFailureKeepsCompletedStatus(t *testing.T) {
	client := &fakeClient{
		statusFn: func(_ context.Context, id string) (*analysis.StatusResponse, error) {
			return &analysis.StatusResponse{AnalysisID: id, Status: analysis.StatusCompleted}, nil
		},
		resultFn: func(_ context.Context, id string) (*analysis.ResultResponse, error) {
			return nil, errors.New("gateway timeout")
		},
	}
	active := &fakeActive{}
	hist := &fakeHistory{}

	tr := newTestTracker(client, active, hist, &fakeClock{})
	job, err := tr.Track(context.Background(), "abc123", nil).Wait()

	var fetchErr *ResultFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected ResultFetchError, got %v", err)
	}
	if job != nil {
		t.Fatalf("failed fetch yields no snapshot, got %+v", job)
	}
	// The active slot is cleared regardless: the job is terminal upstream.
	if active.clearCount() != 1 {
		t.Fatalf("active slot must be cleared, got %d clears", active.clearCount())
	}
	if hist.count() != 0 {
		t.Fatalf("no history entry without an artifact, got %d", hist.count())
	}
}

func TestTrack_ContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	polled := make(chan struct{}, 1)
	client := &fakeClient{
		statusFn: func(_ context.Context, id string) (*analysis.StatusResponse, error) {
			select {
			case polled <- struct{}{}:
			default:
			}
			return &analysis.StatusResponse{AnalysisID: id, Status: analysis.StatusInProgress}, nil
		},
	}

	tr := newTestTracker(client, &fakeActive{}, &fakeHistory{}, &fakeClock{})
	tracking := tr.Track(ctx, "abc123", nil)

	<-polled
	cancel()

	if _, err := tracking.Wait(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled on context teardown, got %v", err)
	}
}
