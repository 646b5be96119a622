// Package server exposes the scraping orchestrator over HTTP to the
// presentation layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
	"github.com/dhiodhaha/socialstats/pkg/scraper"
)

// Orchestrator is the subset of the scraping orchestrator the HTTP layer
// needs
type Orchestrator interface {
	Trigger(ctx context.Context, categoryID *string) (string, error)
	Cancel(ctx context.Context, jobID string) error
	RetryFailedOnly(ctx context.Context) (string, int, error)
	GetJob(ctx context.Context, jobID string) (*models.ScrapingJob, error)
}

// Server routes scrape control requests to the orchestrator
type Server struct {
	orchestrator Orchestrator
	logger       *logrus.Logger
}

// New creates a Server around the orchestrator
func New(orchestrator Orchestrator, logger *logrus.Logger) *Server {
	return &Server{orchestrator: orchestrator, logger: logger}
}

// Handler returns the routed HTTP handler with request logging applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /scrape", s.handleTrigger)
	mux.HandleFunc("POST /scrape/retry-failed", s.handleRetryFailed)
	mux.HandleFunc("POST /scrape/stop/{jobID}", s.handleStop)
	mux.HandleFunc("GET /scrape/jobs/{jobID}", s.handleGetJob)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.logRequests(mux)
}

type triggerRequest struct {
	CategoryID *string `json:"categoryId"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	jobID, err := s.orchestrator.Trigger(r.Context(), req.CategoryID)
	if err != nil {
		switch {
		case errors.Is(err, scraper.ErrNoAccountsInScope):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, scraper.ErrNothingToDo):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.WithError(err).Error("Failed to trigger scraping run")
			s.writeError(w, http.StatusInternalServerError, "failed to start scraping run")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobId":   jobID,
	})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	jobID, failedCount, err := s.orchestrator.RetryFailedOnly(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, scraper.ErrNoFailedAccountsToRetry):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, scraper.ErrJobAlreadyRunning):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.WithError(err).Error("Failed to trigger failure retry")
			s.writeError(w, http.StatusInternalServerError, "failed to retry failed accounts")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"jobId":       jobID,
		"failedCount": failedCount,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	if jobID == "" {
		s.writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	if err := s.orchestrator.Cancel(r.Context(), jobID); err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to cancel job")
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")

	job, err := s.orchestrator.GetJob(r.Context(), jobID)
	if err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to load job")
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job":     job,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(start).String(),
		}).Debug("Request handled")
	})
}
