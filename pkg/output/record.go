// Package output provides JSONL event output for analysis tracking.
//
// Output is structured as typed record envelopes containing progress
// updates, results, errors, and a final summary. Each line is a
// self-contained JSON object that can be parsed independently, which keeps
// the stream friendly to scripts and agents watching a long analysis.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: histpath.<type>.v<version>
const (
	// TypeProgress identifies poll progress records.
	TypeProgress = "histpath.progress.v1"

	// TypeResult identifies completed-artifact records.
	TypeResult = "histpath.result.v1"

	// TypeError identifies error records.
	TypeError = "histpath.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "histpath.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "histpath.progress.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// AnalysisID is the correlation id for the tracked job.
	AnalysisID string `json:"analysis_id"`

	// Engine identifies the OCR backend ("paddle", "azure").
	Engine string `json:"engine,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ProgressRecord is the data payload for one poll observation.
type ProgressRecord struct {
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"current_step,omitempty"`
}

// ResultRecord is the data payload for a fetched artifact. The extracted
// text itself is not embedded; TextChars carries its length so consumers
// can sanity-check without bloating the event stream.
type ResultRecord struct {
	Filename         string  `json:"filename,omitempty"`
	WordCount        int     `json:"word_count"`
	ConfidenceScore  float64 `json:"confidence_score,omitempty"`
	ProcessingTime   float64 `json:"processing_time,omitempty"`
	VisualizationURL string  `json:"visualization_url,omitempty"`
	TextChars        int     `json:"text_chars"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for ErrorRecord.Code.
const (
	ErrCodeSubmission  = "SUBMISSION_FAILED"
	ErrCodeJobFailed   = "JOB_FAILED"
	ErrCodeResultFetch = "RESULT_FETCH_FAILED"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeCancelled   = "CANCELLED"
)

// SummaryRecord is the final record of a tracking session.
type SummaryRecord struct {
	Status   string        `json:"status"`
	Polls    int           `json:"polls"`
	Duration time.Duration `json:"duration_ns"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps failures inside the writer with the failing operation.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("output write failed (%s): %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
