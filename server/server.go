//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package server exposes the analysis engine over a REST API: staged
// file management, analysis rounds and quota introspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/chatexcel/datalab/analysis"
	"github.com/chatexcel/datalab/log"
	"github.com/chatexcel/datalab/quota"
	"github.com/chatexcel/datalab/resolver"
	"github.com/chatexcel/datalab/sandbox"
	"github.com/chatexcel/datalab/schema"
	"github.com/chatexcel/datalab/staging"
)

const (
	apiPrefix = "/api/v1"

	// uploadMemoryLimit bounds the in-memory part of multipart parsing;
	// the staging store enforces the real batch bounds.
	uploadMemoryLimit = 32 << 20

	defaultPoolSize = 8
)

// Option defines configuration options for Server.
type Option func(*Server)

// WithQuota wires the quota checker used by the /quota endpoint and,
// through the orchestrator, by analysis rounds.
func WithQuota(checker quota.Checker) Option {
	return func(s *Server) {
		s.quota = checker
	}
}

// WithJWTSecret enables signed-in identities via bearer tokens.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		s.jwtSecret = secret
	}
}

// WithPoolSize sets the number of workers inferring upload schemas.
func WithPoolSize(n int) Option {
	return func(s *Server) {
		s.poolSize = n
	}
}

// Server is the REST surface over the analysis orchestrator.
type Server struct {
	router    *mux.Router
	orch      *analysis.Orchestrator
	quota     quota.Checker
	jwtSecret string
	poolSize  int
	pool      *ants.Pool
	validate  *validator.Validate
	metrics   *metrics
}

// New creates a Server around the orchestrator.
func New(orch *analysis.Orchestrator, opts ...Option) (*Server, error) {
	s := &Server{
		router:   mux.NewRouter(),
		orch:     orch,
		poolSize: defaultPoolSize,
		validate: validator.New(),
		metrics:  newMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := ants.NewPool(s.poolSize)
	if err != nil {
		return nil, fmt.Errorf("create upload pool: %w", err)
	}
	s.pool = pool

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Close releases the upload pool.
func (s *Server) Close() {
	s.pool.Release()
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix(apiPrefix).Subrouter()

	api.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	api.HandleFunc("/files", s.handleUploadFiles).Methods(http.MethodPost)
	api.HandleFunc("/files/{name}", s.handleDeleteFile).Methods(http.MethodDelete)

	api.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost)
	api.HandleFunc("/result", s.handleGetResult).Methods(http.MethodGet)
	api.HandleFunc("/result", s.handleClearResult).Methods(http.MethodDelete)

	api.HandleFunc("/quota", s.handleQuota).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// OPTIONS handlers to allow CORS pre-flight.
	preflight := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	api.HandleFunc("/files", preflight).Methods(http.MethodOptions)
	api.HandleFunc("/files/{name}", preflight).Methods(http.MethodOptions)
	api.HandleFunc("/analyze", preflight).Methods(http.MethodOptions)
	api.HandleFunc("/result", preflight).Methods(http.MethodOptions)
}

// ---- Handlers -----------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{"files": s.orch.Files()})
}

// handleUploadFiles admits a multipart batch. Schemas of the batch are
// inferred concurrently on the worker pool; admission stays
// all-or-nothing.
func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parse multipart form: %v", err))
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.writeError(w, http.StatusBadRequest, "no files in upload")
		return
	}

	type slot struct {
		file staging.File
		err  error
	}
	slots := make([]slot, len(headers))
	var wg sync.WaitGroup
	for i, hdr := range headers {
		wg.Add(1)
		i, hdr := i, hdr
		if err := s.pool.Submit(func() {
			defer wg.Done()
			slots[i].file, slots[i].err = buildStagedFile(hdr.Filename, hdr)
		}); err != nil {
			wg.Done()
			slots[i].err = err
		}
	}
	wg.Wait()

	batch := make([]staging.File, 0, len(slots))
	for _, sl := range slots {
		if sl.err != nil {
			s.writeError(w, statusFor(sl.err), sl.err.Error())
			return
		}
		batch = append(batch, sl.file)
	}

	if err := s.orch.AddFiles(r.Context(), batch); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.metrics.uploads.Add(float64(len(batch)))
	log.Infof("staged %d file(s)", len(batch))
	s.writeJSON(w, map[string]any{"files": s.orch.Files()})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.orch.RemoveFile(r.Context(), name); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, map[string]any{"files": s.orch.Files()})
}

type analyzeRequest struct {
	Instruction string `json:"instruction" validate:"required,min=1,max=4000"`
	Mode        string `json:"mode" validate:"required,oneof=basic pro"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	id := s.identity(r)
	start := time.Now()
	result, err := s.orch.Analyze(r.Context(), req.Instruction, resolver.Mode(req.Mode), id)
	if err != nil {
		s.metrics.analyses.WithLabelValues("failed").Inc()
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.metrics.analyses.WithLabelValues(string(result.Status)).Inc()
	s.metrics.analysisDuration.Observe(time.Since(start).Seconds())
	s.writeJSON(w, result)
}

func (s *Server) handleGetResult(w http.ResponseWriter, _ *http.Request) {
	result := s.orch.Result()
	if result == nil {
		s.writeError(w, http.StatusNotFound, "no analysis result")
		return
	}
	s.writeJSON(w, result)
}

func (s *Server) handleClearResult(w http.ResponseWriter, _ *http.Request) {
	s.orch.ClearResult()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		s.writeError(w, http.StatusNotFound, "quota not configured")
		return
	}
	mode := resolver.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = resolver.ModeBasic
	}
	if !mode.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", mode))
		return
	}
	d, err := s.quota.Check(r.Context(), s.identity(r), mode)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, d)
}

// ---- Helpers ------------------------------------------------------------

type fileOpener interface {
	Open() (multipart.File, error)
}

// buildStagedFile reads one uploaded part and infers its schema.
func buildStagedFile(name string, hdr fileOpener) (staging.File, error) {
	f, err := hdr.Open()
	if err != nil {
		return staging.File{}, fmt.Errorf("open upload %s: %w", name, err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return staging.File{}, fmt.Errorf("read upload %s: %w", name, err)
	}

	kind, err := schema.KindFromFilename(name)
	if err != nil {
		return staging.File{}, err
	}
	cols, err := schema.InferKind(raw, kind)
	if err != nil {
		return staging.File{}, fmt.Errorf("infer schema of %s: %w", name, err)
	}
	return staging.NewFile(name, raw, http.DetectContentType(raw), cols, kind), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the resolver service's error envelope.
func (s *Server) writeError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail":      detail,
		"status_code": code,
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var statusErr *resolver.StatusError
	switch {
	case errors.As(err, &statusErr):
		return statusErr.Code
	case errors.Is(err, quota.ErrDenied):
		return http.StatusTooManyRequests
	case errors.Is(err, analysis.ErrNoFilesStaged),
		errors.Is(err, resolver.ErrInvalidRequest),
		errors.Is(err, schema.ErrMalformedInput),
		errors.Is(err, schema.ErrEmptyColumnName),
		errors.Is(err, schema.ErrUnsupportedExtension):
		return http.StatusBadRequest
	case errors.Is(err, staging.ErrTooManyFiles),
		errors.Is(err, staging.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, staging.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, resolver.ErrServiceUnavailable),
		errors.Is(err, sandbox.ErrInitFailed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
