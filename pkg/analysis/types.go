// Package analysis defines the domain model for HistPath OCR analysis jobs
// and the HTTP client for the external analysis service.
package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Engine selects the OCR backend for a job. Fixed at submission time.
type Engine string

const (
	EnginePaddle Engine = "paddle"
	EngineAzure  Engine = "azure"
)

// ParseEngine validates an engine name from user input.
func ParseEngine(s string) (Engine, error) {
	switch Engine(strings.ToLower(strings.TrimSpace(s))) {
	case EnginePaddle:
		return EnginePaddle, nil
	case EngineAzure:
		return EngineAzure, nil
	default:
		return "", fmt.Errorf("unsupported engine %q (expected paddle or azure)", s)
	}
}

// Status is the lifecycle state of an analysis job.
//
// NOTE: These values are persisted in the local history database and are part
// of the stable on-disk contract.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus normalizes a wire status value. The service reports "queued"
// and "processing" for the pre-terminal states; older deployments already
// use "in_progress". Unknown values pass through unchanged so callers can
// surface them verbatim.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "submitted":
		return StatusSubmitted
	case "processing", "in_progress":
		return StatusInProgress
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	default:
		return Status(s)
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WireStatus is the inverse of ParseStatus: it returns the vocabulary the
// service stores and compares against. Query filters must use this form;
// the service matches "queued"/"processing", never the normalized names.
func (s Status) WireStatus() string {
	switch s {
	case StatusSubmitted:
		return "queued"
	case StatusInProgress:
		return "processing"
	default:
		return string(s)
	}
}

// EmptyTextPlaceholder is stored in place of an empty extraction result so
// history entries and display output are never blank.
const EmptyTextPlaceholder = "(추출된 텍스트가 없습니다)"

// Job is one analysis request/response cycle tracked by an opaque id.
// Completed snapshots are written once to the history store and never
// mutated afterwards.
type Job struct {
	AnalysisID       string    `json:"analysis_id"`
	Filename         string    `json:"filename,omitempty"`
	Engine           Engine    `json:"engine,omitempty"`
	Status           Status    `json:"status"`
	ExtractedText    string    `json:"extracted_text,omitempty"`
	VisualizationURL string    `json:"visualization_url,omitempty"`
	WordCount        int       `json:"word_count,omitempty"`
	ConfidenceScore  float64   `json:"confidence_score,omitempty"`
	ProcessingTime   float64   `json:"processing_time,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobFromResult builds a completed-job snapshot from a result response.
// An empty extracted text is replaced with EmptyTextPlaceholder.
func JobFromResult(res *ResultResponse, now time.Time) *Job {
	text := strings.TrimSpace(res.ExtractedText)
	if text == "" {
		text = EmptyTextPlaceholder
	}

	created := res.Timestamp
	if created.IsZero() {
		created = now
	}
	completed := now.UTC()

	return &Job{
		AnalysisID:       res.AnalysisID,
		Filename:         res.Filename,
		Engine:           Engine(res.Engine),
		Status:           StatusCompleted,
		ExtractedText:    text,
		VisualizationURL: res.VisualizationURL,
		WordCount:        res.WordCount,
		ConfidenceScore:  res.ConfidenceScore,
		ProcessingTime:   res.ProcessingTime,
		CreatedAt:        created.UTC(),
		CompletedAt:      &completed,
	}
}

// EstimatedTime is the advisory duration hint returned on submission.
// The service sends either a number of seconds or a human label such as
// "1-2분"; both decode without error.
type EstimatedTime struct {
	Seconds int
	Label   string
}

func (e *EstimatedTime) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			e.Seconds = n
			return nil
		}
		e.Label = s
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	e.Seconds = int(n)
	return nil
}

func (e EstimatedTime) MarshalJSON() ([]byte, error) {
	if e.Label != "" {
		return json.Marshal(e.Label)
	}
	return json.Marshal(e.Seconds)
}

// String renders the hint for display. Returns "-" when the service sent
// nothing usable.
func (e EstimatedTime) String() string {
	if e.Label != "" {
		return e.Label
	}
	if e.Seconds > 0 {
		return (time.Duration(e.Seconds) * time.Second).String()
	}
	return "-"
}
