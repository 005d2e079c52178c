// Package api exposes the admin HTTP surface: enqueue collection jobs,
// inspect job progress, read valuations, and moderate comps.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pricing-pipeline/internal/config"
	"pricing-pipeline/internal/models"
	"pricing-pipeline/internal/store"
	"pricing-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the admin API.
type Server struct {
	cfg    config.Config
	store  *store.Store
	logger *slog.Logger
}

func New(cfg config.Config, st *store.Store, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, store: st, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleJobEvents)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/intakes/{id}/valuation", s.handleGetValuation)
	r.Get("/sources", s.handleListSources)
	r.Post("/comps/{id}/filter", s.handleFilterComp)
	return r
}

type enqueueRequest struct {
	IntakeID         string         `json:"intake_id"`
	SourceIDs        []string       `json:"source_ids"`
	JobType          string         `json:"job_type"`
	QueryParams      map[string]any `json:"query_params"`
	BaseDelaySeconds int            `json:"base_delay_seconds"`
	StaggerSeconds   int            `json:"stagger_seconds"`
}

type enqueueResponse struct {
	Created   int    `json:"created"`
	Requested int    `json:"requested"`
	IntakeID  string `json:"intake_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.IntakeID == "" {
		http.Error(w, "intake_id is required", http.StatusBadRequest)
		return
	}
	if len(req.SourceIDs) == 0 {
		http.Error(w, "source_ids is required", http.StatusBadRequest)
		return
	}
	if req.JobType != "" && req.JobType != models.JobTypePricing && req.JobType != models.JobTypeGrading {
		http.Error(w, "unknown job_type", http.StatusBadRequest)
		return
	}

	baseDelay := s.cfg.EnqueueDelay
	if req.BaseDelaySeconds > 0 {
		baseDelay = time.Duration(req.BaseDelaySeconds) * time.Second
	}
	stagger := s.cfg.EnqueueStagger
	if req.StaggerSeconds > 0 {
		stagger = time.Duration(req.StaggerSeconds) * time.Second
	}

	created, err := s.store.EnqueueJobs(r.Context(), store.EnqueueParams{
		IntakeID:    req.IntakeID,
		SourceIDs:   req.SourceIDs,
		JobType:     req.JobType,
		QueryParams: req.QueryParams,
		BaseDelay:   baseDelay,
		Stagger:     stagger,
	})
	if err != nil {
		s.logger.Error("enqueue failed", "intake_id", req.IntakeID, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.Add(float64(created))

	writeJSON(w, http.StatusAccepted, enqueueResponse{
		Created:   created,
		Requested: len(req.SourceIDs),
		IntakeID:  req.IntakeID,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.store.ListJobEvents(r.Context(), id, 200)
	if err != nil {
		http.Error(w, "failed to list job events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelJob(r.Context(), id, "cancel requested via API")
	if err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if !cancelled {
		http.Error(w, "job is not cancellable", http.StatusConflict)
		return
	}
	_ = s.store.LogJobEvent(r.Context(), id, "warning", "cancelled via API", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetValuation(w http.ResponseWriter, r *http.Request) {
	intakeID := chi.URLParam(r, "id")
	v, found, err := s.store.GetValuation(r.Context(), intakeID)
	if err != nil {
		http.Error(w, "failed to read valuation", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "no valuation for intake", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		http.Error(w, "failed to list sources", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

type filterRequest struct {
	Filtered bool `json:"filtered"`
}

// handleFilterComp marks a comp as excluded from (or restored to) valuation.
// The next pricing job for the intake recomputes bands without it.
func (s *Server) handleFilterComp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req := filterRequest{Filtered: true}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	updated, err := s.store.SetCompFiltered(r.Context(), id, req.Filtered)
	if err != nil {
		http.Error(w, "failed to update comp", http.StatusInternalServerError)
		return
	}
	if !updated {
		http.Error(w, "comp not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "filtered": req.Filtered})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
