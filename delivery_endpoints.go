package main

import (
	"errors"
	"net/http"
	"strconv"

	"ghlbridge/internal/handlers"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
)

// DeliveryStatus reports the status callback queue.
func (s *server) DeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.deliveries.Stats()
		handlers.Respond(w, r, http.StatusOK, map[string]any{
			"status":           "running",
			"pending":          stats.Pending,
			"delivered":        stats.Delivered,
			"failed":           stats.Failed,
			"max_retries":      stats.MaxRetries,
			"retry_backoff_ms": s.cfg.StatusRetryBackoff.Milliseconds(),
		})
	}
}

// DeliveryEvents lists recent status jobs, optionally for one location.
func (s *server) DeliveryEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant_id")
		limitStr := r.URL.Query().Get("limit")

		limit := 50 // default limit
		if limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		jobs := s.deliveries.Jobs(tenantID, limit)
		handlers.Respond(w, r, http.StatusOK, map[string]any{
			"total_pending": s.deliveries.PendingCount(),
			"shown_count":   len(jobs),
			"events":        jobs,
		})
	}
}

// DeliveryEvent returns one status job.
func (s *server) DeliveryEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := s.deliveries.Job(mux.Vars(r)["jobId"])
		if !ok {
			handlers.Respond(w, r, http.StatusNotFound, errors.New("event not found"))
			return
		}
		handlers.Respond(w, r, http.StatusOK, job)
	}
}

// RetryEvent re-runs one pending or failed job.
func (s *server) RetryEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["jobId"]
		if err := s.deliveries.Retry(r.Context(), id); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("jobID", id).Msg("Retry rejected")
			handlers.Respond(w, r, http.StatusNotFound, err)
			return
		}
		handlers.Respond(w, r, http.StatusAccepted, map[string]any{"job_id": id})
	}
}

// RetryAll forces an attempt of every idle pending job.
func (s *server) RetryAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := s.deliveries.RetryNow()
		hlog.FromRequest(r).Info().Int("jobs", n).Msg("Forced status retry")
		handlers.Respond(w, r, http.StatusAccepted, map[string]any{"retried": n})
	}
}
