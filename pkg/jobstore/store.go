// Package jobstore persists the single active analysis job across process
// restarts so an in-flight job can be resumed without resubmission.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/histpath/histpath/pkg/analysis"
)

// Active is the persisted record for the one outstanding job. At most one
// exists at any time; it is cleared when the job reaches a terminal state.
type Active struct {
	AnalysisID  string          `json:"analysis_id"`
	Engine      analysis.Engine `json:"engine,omitempty"`
	Filename    string          `json:"filename,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// ErrJobActive is returned by Set when an active job is already persisted
// and the caller did not ask to supersede it.
var ErrJobActive = errors.New("an analysis job is already active")

// FileStore keeps the active slot in a single JSON file under the data dir.
//
// Writes go through a temp file + rename so a crash mid-write never leaves a
// half-written slot. Concurrent processes are not coordinated; the last
// writer wins, which is the accepted single-user behavior.
type FileStore struct {
	path string
}

// NewFileStore creates a store rooted at dir. The file is dir/active.json.
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(strings.TrimSpace(dir), "active.json")}
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

// Get loads the active record. Returns (nil, nil) when no job is active.
// A corrupt slot is discarded locally and treated as absent; it is never
// propagated as an error to the caller.
func (s *FileStore) Get() (*Active, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read active job: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		_ = os.Remove(s.path)
		return nil, nil
	}

	var rec Active
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil || strings.TrimSpace(rec.AnalysisID) == "" {
		// Unparseable slot: drop it rather than wedging every startup.
		_ = os.Remove(s.path)
		return nil, nil
	}
	return &rec, nil
}

// Set persists rec as the active job, overwriting any previous slot.
func (s *FileStore) Set(rec *Active) error {
	if rec == nil {
		return fmt.Errorf("active record is nil")
	}
	if strings.TrimSpace(rec.AnalysisID) == "" {
		return fmt.Errorf("analysis_id is required")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal active record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "active.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp active record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp active record: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename active record: %w", err)
	}
	return nil
}

// Clear removes the active slot. Clearing an absent slot is not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear active job: %w", err)
	}
	return nil
}
