// Package devserver is an in-process stand-in for the OCR analysis service.
//
// It speaks the same wire protocol as the real backend and simulates the
// staged progress of an analysis, which makes it useful for demos and for
// exercising the full submit/poll/fetch path without OCR infrastructure.
package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/histpath/histpath/pkg/analysis"
)

// step is one stage of the simulated pipeline.
type step struct {
	Percent int
	Label   string
}

var commonHead = []step{
	{5, "분석 초기화 중"},
	{15, "이미지 전처리 중"},
}

var paddleSteps = []step{
	{25, "PaddleOCR 모델 로딩 중"},
	{40, "한문 텍스트 검출 중"},
	{60, "텍스트 인식 및 분류 중"},
	{75, "텍스트 정렬 및 후처리 중"},
}

var azureSteps = []step{
	{30, "Azure Vision API 호출 중"},
	{60, "응답 수신 및 파싱 중"},
}

var commonTail = []step{
	{80, "OCR 분석 실행 중"},
	{90, "결과 저장 중"},
	{100, "완료"},
}

func pipeline(engine analysis.Engine) []step {
	var steps []step
	steps = append(steps, commonHead...)
	if engine == analysis.EngineAzure {
		steps = append(steps, azureSteps...)
	} else {
		steps = append(steps, paddleSteps...)
	}
	return append(steps, commonTail...)
}

// Options tune the simulation.
type Options struct {
	// StepDelay is the simulated time spent in each pipeline step.
	// Defaults to 200ms.
	StepDelay time.Duration

	// SampleText is returned as the extracted text of completed jobs.
	// Empty is allowed; the real service returns empty text for blank pages.
	SampleText string
}

type job struct {
	id          string
	filename    string
	engine      analysis.Engine
	textOnly    bool
	visual      bool
	submittedAt time.Time
	failMessage string
}

// Server simulates the analysis service.
type Server struct {
	opts Options
	now  func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a simulation server.
func New(opts Options) *Server {
	if opts.StepDelay <= 0 {
		opts.StepDelay = 200 * time.Millisecond
	}
	return &Server{
		opts: opts,
		now:  time.Now,
		jobs: make(map[string]*job),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/ocr", func(r chi.Router) {
		r.Post("/analyze-async", s.handleSubmit)
		r.Get("/status/{analysisID}", s.handleStatus)
		r.Get("/result/{analysisID}", s.handleResult)
		r.Get("/visualization/{analysisID}", s.handleVisualization)
		r.Get("/analysis/list", s.handleList)
	})

	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(50 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "잘못된 요청입니다.")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "파일이 필요합니다.")
		return
	}
	defer func() { _ = file.Close() }()

	if ct := header.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		writeDetail(w, http.StatusBadRequest, "이미지 파일만 지원됩니다.")
		return
	}

	engine := analysis.EnginePaddle
	if raw := r.FormValue("engine"); raw != "" {
		engine, err = analysis.ParseEngine(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, fmt.Sprintf("지원하지 않는 엔진입니다: %s", raw))
			return
		}
	}

	j := &job{
		id:          uuid.NewString(),
		filename:    header.Filename,
		engine:      engine,
		textOnly:    r.FormValue("extract_text_only") == "true",
		visual:      r.FormValue("visualization") != "false",
		submittedAt: s.now(),
	}

	// Deterministic failure hook for tests and demos.
	if strings.Contains(strings.ToLower(header.Filename), "fail") {
		j.failMessage = "OCR 엔진 처리 중 오류가 발생했습니다."
	}

	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id":    j.id,
		"status":         "queued",
		"message":        "분석이 시작되었습니다. 상태를 확인해주세요.",
		"estimated_time": "1-2분",
	})
}

// progress derives the job's simulated state from elapsed wall time.
func (s *Server) progress(j *job) (status string, percent int, stepLabel string) {
	steps := pipeline(j.engine)
	elapsed := s.now().Sub(j.submittedAt)
	idx := int(elapsed / s.opts.StepDelay)

	if idx <= 0 {
		return "queued", 0, ""
	}
	if idx > len(steps) {
		idx = len(steps)
	}
	cur := steps[idx-1]

	if j.failMessage != "" && cur.Percent >= 40 {
		return "failed", cur.Percent, cur.Label
	}
	if cur.Percent >= 100 {
		return "completed", 100, cur.Label
	}
	return "processing", cur.Percent, cur.Label
}

func (s *Server) lookup(id string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j := s.lookup(chi.URLParam(r, "analysisID"))
	if j == nil {
		writeDetail(w, http.StatusNotFound, "분석 작업을 찾을 수 없습니다.")
		return
	}

	status, percent, label := s.progress(j)
	resp := map[string]any{
		"analysis_id":         j.id,
		"status":              status,
		"progress_percentage": percent,
		"current_step":        label,
	}
	if status == "failed" {
		resp["error_message"] = j.failMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	j := s.lookup(chi.URLParam(r, "analysisID"))
	if j == nil {
		writeDetail(w, http.StatusNotFound, "분석 작업을 찾을 수 없습니다.")
		return
	}

	status, _, _ := s.progress(j)
	if status != "completed" {
		writeDetail(w, http.StatusBadRequest, "분석이 아직 완료되지 않았습니다.")
		return
	}

	writeJSON(w, http.StatusOK, s.resultBody(j))
}

func (s *Server) resultBody(j *job) map[string]any {
	steps := pipeline(j.engine)
	completedAt := j.submittedAt.Add(time.Duration(len(steps)) * s.opts.StepDelay)

	text := s.opts.SampleText
	body := map[string]any{
		"analysis_id":      j.id,
		"filename":         j.filename,
		"engine":           string(j.engine),
		"status":           "completed",
		"extracted_text":   text,
		"word_count":       len(strings.Fields(text)),
		"confidence_score": 0.93,
		"processing_time":  completedAt.Sub(j.submittedAt).Seconds(),
		"timestamp":        completedAt.UTC().Format(time.RFC3339),
	}
	if j.visual && !j.textOnly {
		body["visualization_url"] = "/api/ocr/visualization/" + j.id
	}
	return body
}

func (s *Server) handleVisualization(w http.ResponseWriter, r *http.Request) {
	j := s.lookup(chi.URLParam(r, "analysisID"))
	if j == nil {
		writeDetail(w, http.StatusNotFound, "분석 작업을 찾을 수 없습니다.")
		return
	}
	if status, _, _ := s.progress(j); status != "completed" {
		writeDetail(w, http.StatusBadRequest, "분석이 아직 완료되지 않았습니다.")
		return
	}
	if !j.visual || j.textOnly {
		writeDetail(w, http.StatusNotFound, "시각화 결과가 없습니다.")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pngStub)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	engineFilter := r.URL.Query().Get("engine")
	statusFilter := r.URL.Query().Get("status")

	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].submittedAt.After(jobs[k].submittedAt)
	})

	out := make([]map[string]any, 0, limit)
	skipped := 0
	for _, j := range jobs {
		status, _, _ := s.progress(j)
		if engineFilter != "" && engineFilter != string(j.engine) {
			continue
		}
		if statusFilter != "" && statusFilter != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) >= limit {
			break
		}

		if status == "completed" {
			out = append(out, s.resultBody(j))
			continue
		}
		entry := map[string]any{
			"analysis_id": j.id,
			"filename":    j.filename,
			"engine":      string(j.engine),
			"status":      status,
		}
		if status == "failed" {
			entry["error_message"] = j.failMessage
		}
		out = append(out, entry)
	}

	writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeDetail mirrors the FastAPI error body shape.
func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// pngStub is a minimal 1x1 PNG used as the visualization payload.
var pngStub = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}
