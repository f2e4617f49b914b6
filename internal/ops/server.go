package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tenant-outbox-engine/internal/models"
	"tenant-outbox-engine/internal/store"
	"tenant-outbox-engine/internal/telemetry"
)

// Server exposes the operator surface: outbox inspection, dead-letter listing,
// and manual replay. Nothing here runs automatically; replay is a deliberate
// human action.
type Server struct {
	store *store.Store
	queue enqueuer
}

type enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

func New(st *store.Store, queue enqueuer) *Server {
	return &Server{store: st, queue: queue}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/outbox/stats", s.handleOutboxStats)
	r.Get("/outbox/failed", s.handleFailedEvents)
	r.Get("/outbox/events/{id}", s.handleGetEvent)
	r.Get("/deadletters", s.handleListDeadLetters)
	r.Post("/deadletters/{jobID}/replay", s.handleReplay)
	return r
}

func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleFailedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListTerminalFailed(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListDeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleReplay re-enqueues a dead-lettered job with a fresh attempt budget.
// The entry itself stays in the store as an audit trail.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	entry, err := s.store.GetDeadLetter(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "dead letter not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	job := models.Job{
		ID:          entry.JobID,
		Class:       entry.JobClass,
		TenantID:    entry.TenantID,
		Payload:     entry.Payload,
		Attempts:    0,
		MaxAttempts: 3,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		http.Error(w, "replay enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replayed", "job_id": jobID})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
