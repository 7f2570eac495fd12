package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Client talks to the analysis service over HTTP.
//
// Endpoints (relative to the base URL):
//
//	POST /api/ocr/analyze-async
//	GET  /api/ocr/status/{analysis_id}
//	GET  /api/ocr/result/{analysis_id}
//	GET  /api/ocr/visualization/{analysis_id}
//	GET  /api/ocr/analysis/list
type Client struct {
	baseURL string
	httpc   *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithTimeout sets a per-request timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpc.Timeout = d }
}

// NewClient creates a client for the analysis service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SubmitRequest packages one file for asynchronous analysis.
type SubmitRequest struct {
	Filename string
	Body     io.Reader

	// ContentType of the file part. Derived from the filename extension
	// when empty; the service rejects non-image uploads.
	ContentType string

	Engine          Engine
	ExtractTextOnly bool
	Visualization   bool
}

// SubmitResponse is the job-creation acknowledgement.
type SubmitResponse struct {
	AnalysisID    string        `json:"analysis_id"`
	Status        string        `json:"status"`
	Message       string        `json:"message"`
	EstimatedTime EstimatedTime `json:"estimated_time"`
}

// StatusResponse is one poll observation.
type StatusResponse struct {
	AnalysisID         string
	Status             Status
	ProgressPercentage int
	CurrentStep        string
	ErrorMessage       string
}

// ResultResponse is the final artifact of a completed job.
type ResultResponse struct {
	AnalysisID       string
	Filename         string
	Engine           string
	Status           Status
	ExtractedText    string
	WordCount        int
	ConfidenceScore  float64
	ProcessingTime   float64
	VisualizationURL string
	Timestamp        time.Time
}

// ListOptions filters the server-side analysis listing.
type ListOptions struct {
	Limit  int
	Offset int
	Engine Engine
	Status Status
}

// APIError is a non-2xx response from the analysis service. Detail carries
// the parsed JSON "detail" field when the body is JSON, else the raw text.
type APIError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("analysis service: %s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("analysis service: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Submit posts a file for background analysis and returns the fresh
// analysis id. No retry is attempted; resubmission is the caller's call.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.Body == nil {
		return nil, fmt.Errorf("submit: file body is required")
	}
	engine := req.Engine
	if engine == "" {
		engine = EnginePaddle
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeSubmitForm(mw, req, engine)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ocr/analyze-async", pr)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse("submit", resp)
	}

	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("submit: parse response: %w", err)
	}
	if strings.TrimSpace(out.AnalysisID) == "" {
		return nil, fmt.Errorf("submit: service returned no analysis_id")
	}
	return &out, nil
}

func writeSubmitForm(mw *multipart.Writer, req SubmitRequest, engine Engine) error {
	ct := strings.TrimSpace(req.ContentType)
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(req.Filename))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, path.Base(req.Filename)))
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return err
	}

	if err := mw.WriteField("engine", string(engine)); err != nil {
		return err
	}
	if err := mw.WriteField("extract_text_only", strconv.FormatBool(req.ExtractTextOnly)); err != nil {
		return err
	}
	return mw.WriteField("visualization", strconv.FormatBool(req.Visualization))
}

type wireStatus struct {
	AnalysisID         string `json:"analysis_id"`
	Status             string `json:"status"`
	ProgressPercentage int    `json:"progress_percentage"`
	CurrentStep        string `json:"current_step"`
	ErrorMessage       string `json:"error_message"`
}

// Status performs one status check for the given analysis id.
func (c *Client) Status(ctx context.Context, analysisID string) (*StatusResponse, error) {
	var wire wireStatus
	if err := c.getJSON(ctx, "status", "/api/ocr/status/"+url.PathEscape(analysisID), nil, &wire); err != nil {
		return nil, err
	}
	if wire.AnalysisID == "" {
		wire.AnalysisID = analysisID
	}
	return &StatusResponse{
		AnalysisID:         wire.AnalysisID,
		Status:             ParseStatus(wire.Status),
		ProgressPercentage: wire.ProgressPercentage,
		CurrentStep:        wire.CurrentStep,
		ErrorMessage:       wire.ErrorMessage,
	}, nil
}

type wireResult struct {
	AnalysisID       string  `json:"analysis_id"`
	Filename         string  `json:"filename"`
	Engine           string  `json:"engine"`
	Status           string  `json:"status"`
	ExtractedText    string  `json:"extracted_text"`
	WordCount        int     `json:"word_count"`
	ConfidenceScore  float64 `json:"confidence_score"`
	ProcessingTime   float64 `json:"processing_time"`
	VisualizationURL string  `json:"visualization_url"`
	Timestamp        string  `json:"timestamp"`
}

// Result retrieves the final artifact of a completed job.
func (c *Client) Result(ctx context.Context, analysisID string) (*ResultResponse, error) {
	var wire wireResult
	if err := c.getJSON(ctx, "result", "/api/ocr/result/"+url.PathEscape(analysisID), nil, &wire); err != nil {
		return nil, err
	}
	return wire.toResult(analysisID), nil
}

func (w *wireResult) toResult(fallbackID string) *ResultResponse {
	if w.AnalysisID == "" {
		w.AnalysisID = fallbackID
	}
	return &ResultResponse{
		AnalysisID:       w.AnalysisID,
		Filename:         w.Filename,
		Engine:           w.Engine,
		Status:           ParseStatus(w.Status),
		ExtractedText:    w.ExtractedText,
		WordCount:        w.WordCount,
		ConfidenceScore:  w.ConfidenceScore,
		ProcessingTime:   w.ProcessingTime,
		VisualizationURL: w.VisualizationURL,
		Timestamp:        parseServiceTime(w.Timestamp),
	}
}

// List queries the server-side analysis history.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]ResultResponse, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Engine != "" {
		q.Set("engine", string(opts.Engine))
	}
	if opts.Status != "" {
		q.Set("status", opts.Status.WireStatus())
	}

	var wires []wireResult
	if err := c.getJSON(ctx, "list", "/api/ocr/analysis/list", q, &wires); err != nil {
		return nil, err
	}
	out := make([]ResultResponse, 0, len(wires))
	for i := range wires {
		out = append(out, *wires[i].toResult(""))
	}
	return out, nil
}

// Visualization streams the rendered debug overlay for a completed job.
// The caller must close the returned reader.
func (c *Client) Visualization(ctx context.Context, analysisID string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ocr/visualization/"+url.PathEscape(analysisID), nil)
	if err != nil {
		return nil, "", fmt.Errorf("visualization: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("visualization: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, "", errorFromResponse("visualization", resp)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// ResolveVisualizationURL turns a service-relative visualization reference
// into an absolute URL.
func (c *Client) ResolveVisualizationURL(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.Contains(ref, "://") {
		return ref
	}
	return c.baseURL + "/" + strings.TrimLeft(ref, "/")
}

func (c *Client) getJSON(ctx context.Context, op, p string, q url.Values, out any) error {
	u := c.baseURL + p
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: parse response: %w", op, err)
	}
	return nil
}

const maxErrorBodyBytes = 4 << 10

// errorFromResponse builds an APIError from a non-2xx response. JSON bodies
// are parsed for the service's "detail" field; anything else is surfaced as
// trimmed plain text.
func errorFromResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	detail := strings.TrimSpace(string(body))

	ct := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil && strings.Contains(mediaType, "json") {
		var parsed struct {
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Detail != "" {
			detail = parsed.Detail
		}
	}

	return &APIError{Op: op, StatusCode: resp.StatusCode, Detail: detail}
}

func parseServiceTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
