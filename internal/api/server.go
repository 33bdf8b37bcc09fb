// Package api serves the scan engine's command surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chris-regnier/warden/internal/engine"
	"github.com/chris-regnier/warden/internal/input"
	"github.com/chris-regnier/warden/internal/metrics"
	"github.com/chris-regnier/warden/internal/quarantine"
	"github.com/chris-regnier/warden/internal/scan"
	"github.com/chris-regnier/warden/internal/scorer"
	"github.com/chris-regnier/warden/internal/store"
)

// maxInventoryBytes bounds a POST /api/scan body.
const maxInventoryBytes = 32 << 20

// Server routes API requests to an Engine.
type Server struct {
	engine *engine.Engine
	token  string
	logger *slog.Logger
	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on /api routes.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the router.
func NewServer(e *engine.Engine, opts ...Option) *Server {
	s := &Server{engine: e, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/scan", s.handleScan)
		r.Get("/quarantine", s.handleListQuarantine)
		r.Get("/quarantine/{id}", s.handleGetQuarantine)
		r.Post("/quarantine/{id}/{action}", s.handleQuarantineAction)
		r.Post("/feedback", s.handleFeedback)
		r.Get("/profile", s.handleProfile)
		r.Post("/profile/commit", s.handleCommitProfile)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{id}", s.handleGetReport)
		r.Get("/reports/{id}/sarif", s.handleGetSARIF)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		key := ""
		if strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		if key != s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, quarantine.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, quarantine.ErrTransitionRejected):
		return http.StatusConflict
	case errors.Is(err, scan.ErrMisconfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"profile_version": s.engine.Profile().Version,
	})
}

// scanSummary is the final line of a streamed scan.
type scanSummary struct {
	Report    scan.Report `json:"report"`
	ArchiveID string      `json:"archive_id,omitempty"`
}

// handleScan reads an inventory and streams one NDJSON line per terminal
// event, followed by a summary line.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	h := input.NewHandler().WithLogger(s.logger)
	cands, err := h.Read(http.MaxBytesReader(w, r.Body, maxInventoryBytes), input.FormatJSON)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	concurrency := 0
	if v := r.URL.Query().Get("concurrency"); v != "" {
		if concurrency, err = strconv.Atoi(v); err != nil || concurrency < 0 {
			writeError(w, http.StatusBadRequest, "concurrency must be a non-negative integer")
			return
		}
	}

	events, err := s.engine.Run(r.Context(), cands, concurrency)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	var all []scan.Event
	for ev := range events {
		all = append(all, ev)
		_ = enc.Encode(ev)
		if flusher != nil {
			flusher.Flush()
		}
	}

	res, err := s.engine.Finish(context.WithoutCancel(r.Context()), all, cands)
	if err != nil {
		s.logger.Error("failed to finish scan", "err", err)
		return
	}
	_ = enc.Encode(scanSummary{Report: res.Report, ArchiveID: res.ArchiveID})
}

func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	var states []quarantine.State
	for _, st := range r.URL.Query()["state"] {
		for _, part := range strings.Split(st, ",") {
			if part = strings.TrimSpace(part); part != "" {
				states = append(states, quarantine.State(part))
			}
		}
	}
	records, err := s.engine.Quarantine().Store().List(r.Context(), states...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []quarantine.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Quarantine().Store().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type actionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleQuarantineAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	svc := s.engine.Quarantine()
	id := chi.URLParam(r, "id")
	var (
		rec quarantine.Record
		err error
	)
	switch chi.URLParam(r, "action") {
	case "approve":
		rec, err = svc.RequestQuarantine(r.Context(), id, req.Reason)
	case "restore":
		rec, err = svc.RequestRestore(r.Context(), id, req.Reason)
	case "remove":
		rec, err = svc.RequestRemove(r.Context(), id, req.Reason)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb scorer.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.Feedback(fb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Profile())
}

func (s *Server) handleCommitProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.CommitProfile()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleMetrics returns aggregate stats as JSON, or the event export when
// ?format=csv or ?format=text is given.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var contentType string
	switch format := r.URL.Query().Get("format"); format {
	case "":
		writeJSON(w, http.StatusOK, s.engine.Metrics().GetStats())
		return
	case metrics.ExportCSV:
		contentType = "text/csv"
	case metrics.ExportText:
		contentType = "text/plain; charset=utf-8"
	default:
		writeError(w, http.StatusBadRequest, "format must be csv or text")
		return
	}
	w.Header().Set("Content-Type", contentType)
	if err := metrics.NewExporter(s.engine.Metrics()).Write(w, r.URL.Query().Get("format")); err != nil {
		s.logger.Error("writing metrics", "err", err)
	}
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports := s.engine.Reports()
	if reports == nil {
		writeJSON(w, http.StatusOK, map[string]any{"reports": []string{}, "count": 0})
		return
	}
	ids, err := reports.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": ids, "count": len(ids)})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	reports := s.engine.Reports()
	if reports == nil {
		writeError(w, http.StatusNotFound, store.ErrNotFound.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if !validReportID(id) {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	rep, err := reports.ReadReport(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleGetSARIF(w http.ResponseWriter, r *http.Request) {
	reports := s.engine.Reports()
	if reports == nil {
		writeError(w, http.StatusNotFound, store.ErrNotFound.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if !validReportID(id) {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	doc, err := reports.ReadSARIF(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func validReportID(id string) bool {
	return id != "" && !strings.Contains(id, "..") && !strings.ContainsAny(id, `/\`)
}
