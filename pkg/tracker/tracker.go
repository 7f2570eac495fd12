// Package tracker drives the poll loop for submitted analysis jobs: it
// repeatedly checks job status until a terminal state, clears the persisted
// active slot, fetches the completed artifact, and records it in history.
//
// A Tracking handle can be resumed for a job id read from persistence; the
// loop behaves as if it had been polling uninterrupted.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/histpath/histpath/pkg/analysis"
)

// DefaultInterval is the pause between status checks. The reference client
// polls every 3-5 seconds.
const DefaultInterval = 4 * time.Second

// DefaultMaxWait bounds the total polling time for one job. Jobs still
// pending after this are failed locally with a timeout reason. Zero disables
// the bound.
const DefaultMaxWait = 10 * time.Minute

// Client is the subset of the analysis service the tracker needs.
type Client interface {
	Status(ctx context.Context, analysisID string) (*analysis.StatusResponse, error)
	Result(ctx context.Context, analysisID string) (*analysis.ResultResponse, error)
}

// ActiveStore clears the persisted active-job slot on terminal states.
type ActiveStore interface {
	Clear() error
}

// HistoryStore records completed snapshots.
type HistoryStore interface {
	Insert(ctx context.Context, job *analysis.Job) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config tunes the poll loop.
type Config struct {
	// Interval between status checks. Defaults to DefaultInterval.
	Interval time.Duration

	// MaxWait is the wall-clock bound on the whole loop. Zero disables it.
	MaxWait time.Duration

	// RateLimit caps status requests per second across resumes. Zero
	// disables the limiter; the interval alone paces the loop.
	RateLimit float64

	// Clock is injectable for tests. Defaults to the system clock.
	Clock Clock

	Logger *zap.Logger
}

// Progress is one observed poll update, applied last-write-wins.
type Progress struct {
	Status  analysis.Status
	Percent int
	Step    string
}

// ErrCancelled is reported when tracking was stopped by Cancel or context
// teardown before a terminal state was observed.
var ErrCancelled = errors.New("tracking cancelled")

// JobFailedError is the service-reported terminal failure.
type JobFailedError struct {
	AnalysisID string
	Message    string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("analysis %s failed", e.AnalysisID)
	}
	return fmt.Sprintf("analysis %s failed: %s", e.AnalysisID, e.Message)
}

// TimeoutError is the locally imposed polling bound firing.
type TimeoutError struct {
	AnalysisID string
	Waited     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("analysis %s: polling timed out after %s", e.AnalysisID, e.Waited)
}

// ResultFetchError means the job completed server-side but the artifact
// could not be retrieved locally. The job's completed status stands.
type ResultFetchError struct {
	AnalysisID string
	Err        error
}

func (e *ResultFetchError) Error() string {
	return fmt.Sprintf("analysis %s completed but result fetch failed: %v", e.AnalysisID, e.Err)
}

func (e *ResultFetchError) Unwrap() error { return e.Err }

// Tracker runs poll loops against one analysis service.
type Tracker struct {
	client  Client
	active  ActiveStore
	history HistoryStore
	cfg     Config
	log     *zap.Logger
}

// New wires a tracker. history may be nil when callers only want terminal
// notification without local persistence.
func New(client Client, active ActiveStore, history HistoryStore, cfg Config) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{client: client, active: active, history: history, cfg: cfg, log: log}
}

// Tracking is the handle for one in-flight poll loop. Cancel is safe to call
// at any point, including mid-request: a response that resolves after
// cancellation is discarded without touching any store.
type Tracking struct {
	analysisID string
	cancel     context.CancelFunc
	done       chan struct{}

	mu    sync.Mutex
	job   *analysis.Job
	err   error
	polls int
}

// AnalysisID returns the tracked job id.
func (t *Tracking) AnalysisID() string { return t.analysisID }

// Cancel stops the loop. Idempotent.
func (t *Tracking) Cancel() { t.cancel() }

// Done is closed when the loop has fully stopped.
func (t *Tracking) Done() <-chan struct{} { return t.done }

// Wait blocks until the loop stops and returns the final snapshot.
// The snapshot is non-nil only when a completed result was fetched.
func (t *Tracking) Wait() (*analysis.Job, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job, t.err
}

// Polls reports how many status responses were processed.
func (t *Tracking) Polls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.polls
}

func (t *Tracking) finish(job *analysis.Job, err error) {
	t.mu.Lock()
	t.job = job
	t.err = err
	t.mu.Unlock()
}

// Track starts polling analysisID. Whether the id came from a fresh
// submission or from persistence makes no difference: polling starts
// immediately, with no resubmission. onProgress, when non-nil, receives
// every observed update in receipt order.
func (tr *Tracker) Track(ctx context.Context, analysisID string, onProgress func(Progress)) *Tracking {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracking{
		analysisID: analysisID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go tr.run(ctx, t, onProgress)
	return t
}

func (tr *Tracker) run(ctx context.Context, t *Tracking, onProgress func(Progress)) {
	defer close(t.done)
	defer t.cancel()

	var limiter *rate.Limiter
	if tr.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(tr.cfg.RateLimit), 1)
	}

	var deadline time.Time
	if tr.cfg.MaxWait > 0 {
		deadline = tr.cfg.Clock.Now().Add(tr.cfg.MaxWait)
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				t.finish(nil, ErrCancelled)
				return
			}
		}

		st, err := tr.client.Status(ctx, t.analysisID)

		// Cancellation guard: a response (or error) that resolves after
		// Cancel must not reach any store.
		if ctx.Err() != nil {
			t.finish(nil, ErrCancelled)
			return
		}

		if err != nil {
			// Transient by definition; the next tick is the retry.
			tr.log.Warn("status check failed, will retry",
				zap.String("analysis_id", t.analysisID),
				zap.Error(err))
		} else {
			t.mu.Lock()
			t.polls++
			t.mu.Unlock()

			if onProgress != nil {
				onProgress(Progress{
					Status:  st.Status,
					Percent: st.ProgressPercentage,
					Step:    st.CurrentStep,
				})
			}

			switch st.Status {
			case analysis.StatusCompleted:
				tr.clearActive(t.analysisID)
				job, ferr := tr.fetchResult(ctx, t.analysisID)
				if ctx.Err() != nil {
					t.finish(nil, ErrCancelled)
					return
				}
				t.finish(job, ferr)
				return
			case analysis.StatusFailed:
				tr.clearActive(t.analysisID)
				t.finish(nil, &JobFailedError{AnalysisID: t.analysisID, Message: st.ErrorMessage})
				return
			}
		}

		if !deadline.IsZero() && tr.cfg.Clock.Now().After(deadline) {
			tr.log.Warn("polling deadline exceeded, failing job locally",
				zap.String("analysis_id", t.analysisID),
				zap.Duration("max_wait", tr.cfg.MaxWait))
			tr.clearActive(t.analysisID)
			t.finish(nil, &TimeoutError{AnalysisID: t.analysisID, Waited: tr.cfg.MaxWait})
			return
		}

		select {
		case <-ctx.Done():
			t.finish(nil, ErrCancelled)
			return
		case <-tr.cfg.Clock.After(tr.cfg.Interval):
		}
	}
}

func (tr *Tracker) clearActive(analysisID string) {
	if tr.active == nil {
		return
	}
	if err := tr.active.Clear(); err != nil {
		tr.log.Warn("failed to clear active job slot",
			zap.String("analysis_id", analysisID),
			zap.Error(err))
	}
}

// fetchResult retrieves and persists the completed artifact. A fetch failure
// is reported as a ResultFetchError and does not revert the job's status:
// the heavy computation already succeeded server-side.
func (tr *Tracker) fetchResult(ctx context.Context, analysisID string) (*analysis.Job, error) {
	res, err := tr.client.Result(ctx, analysisID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &ResultFetchError{AnalysisID: analysisID, Err: err}
	}

	job := analysis.JobFromResult(res, tr.cfg.Clock.Now())

	if tr.history != nil {
		if err := tr.history.Insert(ctx, job); err != nil {
			// Local persistence failure only; the artifact is still returned.
			tr.log.Warn("failed to record history entry",
				zap.String("analysis_id", analysisID),
				zap.Error(err))
		}
	}
	return job, nil
}
