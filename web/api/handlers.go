package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/runstore"
)

// RunResponse is the API shape of a run
type RunResponse struct {
	ID           string            `json:"id"`
	IssueKey     string            `json:"issue_key"`
	Status       string            `json:"status"`
	Priority     string            `json:"priority"`
	RepoKey      string            `json:"repo_key,omitempty"`
	LockedBy     string            `json:"locked_by,omitempty"`
	LockedAt     *string           `json:"locked_at,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	Metrics      domain.RunMetrics `json:"metrics"`
}

// EventResponse is the API shape of an audit event
type EventResponse struct {
	ID        int               `json:"id"`
	Timestamp string            `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EnqueueRequest is the force-enqueue payload
type EnqueueRequest struct {
	IssueKey string `json:"issue_key"`
	Priority string `json:"priority"`
	RepoKey  string `json:"repo_key"`
	Retry    bool   `json:"retry"`
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:           r.ID,
		IssueKey:     r.IssueKey,
		Status:       string(r.Status),
		Priority:     string(r.Priority),
		RepoKey:      r.RepoKey,
		LockedBy:     r.LockedBy,
		AttemptCount: r.AttemptCount,
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    r.UpdatedAt.Format(time.RFC3339),
		Metrics:      r.Metrics,
	}
	if r.LockedAt != nil {
		t := r.LockedAt.Format(time.RFC3339)
		resp.LockedAt = &t
	}
	return resp
}

func eventToResponse(e *domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		Timestamp: e.Timestamp.Format(time.RFC3339),
		Level:     e.Level,
		Message:   e.Message,
		Metadata:  e.Metadata,
	}
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		stats, err := s.store.Stats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, stats)
	}
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		opts := runstore.ListOptions{
			Status:   domain.RunStatus(r.URL.Query().Get("status")),
			IssueKey: r.URL.Query().Get("issue"),
			RepoKey:  r.URL.Query().Get("repo"),
			Limit:    100,
		}
		runs, err := s.store.ListRuns(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]RunResponse, len(runs))
		for i, run := range runs {
			resp[i] = runToResponse(run)
		}
		writeJSON(w, resp)
	}
}

// runHandler serves /api/runs/{id}, /api/runs/{id}/events and the
// websocket stream at /api/runs/{id}/stream.
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		id, sub, _ := strings.Cut(path, "/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing run id")
			return
		}

		switch sub {
		case "":
			run, err := s.store.GetRun(id)
			if err != nil {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			writeJSON(w, runToResponse(run))

		case "events":
			events, err := s.store.ListEvents(id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]EventResponse, len(events))
			for i, e := range events {
				resp[i] = eventToResponse(e)
			}
			writeJSON(w, resp)

		case "stream":
			s.streamEvents(w, r, id)

		default:
			writeError(w, http.StatusNotFound, "unknown resource")
		}
	}
}

func (s *Server) enqueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		if req.IssueKey == "" {
			writeError(w, http.StatusBadRequest, "issue_key is required")
			return
		}
		priority := domain.Priority(req.Priority)
		if req.Priority == "" {
			priority = domain.PriorityNormal
		}

		id, err := s.store.Enqueue(req.IssueKey, priority, req.RepoKey, req.Retry)
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateRun) {
				// Duplicate delivery for a non-terminal run is a no-op.
				writeJSON(w, map[string]string{"id": id, "duplicate": "true"})
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	}
}

func (s *Server) resetStaleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		n, err := s.store.ResetStale(s.staleTimeout)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.metrics != nil {
			s.metrics.StaleReclaimed.Add(float64(n))
		}
		writeJSON(w, map[string]int{"reset": n})
	}
}
