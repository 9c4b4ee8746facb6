// Package api exposes the HTTP interface for the scan service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/metrics"
	"github.com/sitegrade/sitegrade/internal/queue"
	"github.com/sitegrade/sitegrade/internal/scan"
)

// Server wires HTTP handlers to the queue and scan store.
type Server struct {
	router chi.Router
	scans  scan.ScanStore
	queue  *queue.Queue
	idGen  scan.IDGenerator
	clock  scan.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	scans scan.ScanStore,
	q *queue.Queue,
	idGen scan.IDGenerator,
	clock scan.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scans:  scans,
		queue:  q,
		idGen:  idGen,
		clock:  clock,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.createScan)
			r.Route("/{scan_id}", func(r chi.Router) {
				r.Get("/", s.getScan)
				r.Get("/report", s.getReport)
				r.Get("/progress", s.getProgress)
				r.Post("/cancel", s.cancelScan)
			})
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Post("/pause", s.pauseQueue)
			r.Post("/resume", s.resumeQueue)
			r.Post("/clear", s.clearQueue)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a probe read verifies it
	// responds without requiring any fixture rows.
	if _, err := s.scans.GetScan(r.Context(), "readiness-probe"); err != nil && !errors.Is(err, scan.ErrScanNotFound) {
		s.writeError(w, http.StatusServiceUnavailable, "scan store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createScanRequest struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateScanURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scanID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate scan id")
		return
	}
	sc := scan.Scan{
		ID:        scanID,
		URL:       req.URL,
		Status:    scan.ScanStatusPending,
		CreatedAt: s.clock.Now(),
	}
	if err := s.scans.CreateScan(r.Context(), sc); err != nil {
		s.writeError(w, http.StatusInternalServerError, "create scan")
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), scanID, req.Priority)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			s.writeError(w, http.StatusServiceUnavailable, "queue is shutting down")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "enqueue scan")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"scan_id": scanID,
		"job_id":  jobID,
	})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	sc, err := s.scans.GetScan(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, scan.ErrScanNotFound) {
			s.writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "load scan")
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	report, err := s.scans.GetReport(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, scan.ErrScanNotFound) {
			s.writeError(w, http.StatusNotFound, "report not available")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "load report")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	job, ok := s.queue.JobForScan(scanID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no job for scan")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	err := s.queue.Cancel(r.Context(), scanID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{
			"scan_id": scanID,
			"status":  string(scan.ScanStatusCancelled),
		})
	case errors.Is(err, queue.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "no job for scan")
	case errors.Is(err, queue.ErrJobTerminal):
		s.writeError(w, http.StatusConflict, "scan already finished")
	default:
		s.writeError(w, http.StatusInternalServerError, "cancel scan")
	}
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queue.QueueStats())
}

func (s *Server) pauseQueue(w http.ResponseWriter, _ *http.Request) {
	s.queue.Pause()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeQueue(w http.ResponseWriter, _ *http.Request) {
	s.queue.Resume()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	state := queue.State(r.URL.Query().Get("state"))
	switch state {
	case queue.StateWaiting, queue.StateDelayed, queue.StateCompleted, queue.StateFailed, queue.StateCancelled:
	default:
		s.writeError(w, http.StatusBadRequest, "state must be one of waiting, delayed, completed, failed, cancelled")
		return
	}
	removed := s.queue.Clear(state)
	s.writeJSON(w, http.StatusOK, map[string]any{"state": state, "removed": removed})
}

func validateScanURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}
	u, err := neturl.Parse(raw)
	if err != nil {
		return errors.New("url is not valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
