package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/histpath/histpath/pkg/analysis"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(id string, completed time.Time) *analysis.Job {
	c := completed.UTC()
	return &analysis.Job{
		AnalysisID:    id,
		Filename:      "page.png",
		Engine:        analysis.EnginePaddle,
		Status:        analysis.StatusCompleted,
		ExtractedText: "訓民正音",
		WordCount:     4,
		CreatedAt:     c.Add(-time.Minute),
		CompletedAt:   &c,
	}
}

func TestStore_InsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	completed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := s.Insert(ctx, snapshot("abc123", completed)); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	got, err := s.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ExtractedText != "訓民正音" {
		t.Fatalf("extracted_text mismatch: got=%q", got.ExtractedText)
	}
	if got.Status != analysis.StatusCompleted {
		t.Fatalf("status mismatch: got=%q", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Fatalf("completed_at mismatch: got=%v", got.CompletedAt)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_EntriesAreWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	completed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := s.Insert(ctx, snapshot("abc123", completed)); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	second := snapshot("abc123", completed.Add(time.Hour))
	second.ExtractedText = "overwritten"
	if err := s.Insert(ctx, second); err != nil {
		t.Fatalf("second Insert() error: %v", err)
	}

	got, err := s.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ExtractedText != "訓民正音" {
		t.Fatalf("history entry mutated: got=%q", got.ExtractedText)
	}
}

func TestStore_RecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		if err := s.Insert(ctx, snapshot(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Insert(%s) error: %v", id, err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected entry count: %d", len(got))
	}
	if got[0].AnalysisID != "job-c" || got[1].AnalysisID != "job-b" {
		t.Fatalf("expected newest first, got %q then %q", got[0].AnalysisID, got[1].AnalysisID)
	}
}

func TestStore_ResolveID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"aaa111", "aab222", "zzz999"} {
		if err := s.Insert(ctx, snapshot(id, base)); err != nil {
			t.Fatalf("Insert(%s) error: %v", id, err)
		}
	}

	got, err := s.ResolveID(ctx, "zzz")
	if err != nil {
		t.Fatalf("ResolveID() error: %v", err)
	}
	if got != "zzz999" {
		t.Fatalf("resolved wrong id: %q", got)
	}

	if _, err := s.ResolveID(ctx, "aa"); !errors.Is(err, ErrAmbiguousID) {
		t.Fatalf("expected ErrAmbiguousID, got %v", err)
	}
	if _, err := s.ResolveID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := time.Now().Add(-30 * 24 * time.Hour)
	if err := s.Insert(ctx, snapshot("old-job", old)); err != nil {
		t.Fatalf("Insert(old) error: %v", err)
	}
	if err := s.Insert(ctx, snapshot("new-job", time.Now())); err != nil {
		t.Fatalf("Insert(new) error: %v", err)
	}

	n, err := s.Prune(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}
	if _, err := s.Get(ctx, "old-job"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old entry pruned, got %v", err)
	}
	if _, err := s.Get(ctx, "new-job"); err != nil {
		t.Fatalf("recent entry must survive prune: %v", err)
	}
}
