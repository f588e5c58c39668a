package api

import (
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cantonio/checklist-orchestrator/internal/domain"
	"github.com/cantonio/checklist-orchestrator/internal/runstore"
)

// RunResponse is the API shape of a tracked run
type RunResponse struct {
	ID          string  `json:"id"`
	ItemID      string  `json:"item_id"`
	Target      string  `json:"target"`
	Priority    string  `json:"priority,omitempty"`
	Status      string  `json:"status"`
	Stage       string  `json:"stage"`
	Attempt     int     `json:"attempt"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
	StartedAt   *string `json:"started_at,omitempty"`
	StartedAgo  string  `json:"started_ago,omitempty"`
	Duration    string  `json:"duration,omitempty"`
	Output      string  `json:"output"`
	RunDir      string  `json:"run_dir,omitempty"`
	Stuck       bool    `json:"stuck,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// SessionResponse is the API shape of a stored session
type SessionResponse struct {
	ID        string `json:"id"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	Finished  string `json:"finished_at,omitempty"`
	Processed int    `json:"processed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// SessionDetailResponse is a stored session with its runs
type SessionDetailResponse struct {
	Session SessionResponse `json:"session"`
	Runs    []RunResponse   `json:"runs"`
}

func viewToResponse(v domain.View) RunResponse {
	resp := RunResponse{
		ID:          v.ID,
		ItemID:      v.ItemID,
		Target:      v.Item.Target,
		Priority:    v.Item.Priority,
		Status:      string(v.Status),
		Stage:       string(v.Stage),
		Attempt:     v.Attempt,
		MaxAttempts: v.MaxAttempts,
		Duration:    (time.Duration(v.DurationMs) * time.Millisecond).Round(time.Second).String(),
		Output:      humanize.Bytes(uint64(v.OutputLen)),
		RunDir:      v.RunDir,
		Error:       v.Error,
	}
	if v.StartedAt != nil {
		ts := v.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &ts
		resp.StartedAgo = humanize.Time(*v.StartedAt)
	}
	return resp
}

func recordToResponse(r *runstore.RunRecord) RunResponse {
	resp := RunResponse{
		ID:       r.ID,
		ItemID:   r.ItemID,
		Target:   r.Target,
		Priority: r.Priority,
		Status:   string(r.Status),
		Stage:    string(r.Stage),
		Attempt:  r.Attempt,
		Output:   humanize.Bytes(uint64(r.OutputBytes)),
		RunDir:   r.RunDir,
		Error:    r.Error,
	}
	if r.StartedAt != nil {
		ts := r.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &ts
		resp.StartedAgo = humanize.Time(*r.StartedAt)
		end := time.Now()
		if r.CompletedAt != nil {
			end = *r.CompletedAt
		}
		resp.Duration = end.Sub(*r.StartedAt).Round(time.Second).String()
	}
	return resp
}

func sessionToResponse(rec *runstore.SessionRecord) SessionResponse {
	resp := SessionResponse{
		ID:        rec.ID,
		Mode:      rec.Mode,
		Status:    rec.Status,
		StartedAt: rec.StartedAt.Format(time.RFC3339),
		Processed: rec.Processed,
		Completed: rec.Completed,
		Failed:    rec.Failed,
	}
	if rec.FinishedAt != nil {
		resp.Finished = rec.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.statusFn != nil {
			writeJSON(w, s.statusFn())
			return
		}

		writeJSON(w, map[string]interface{}{
			"session": s.runs.SessionID(),
			"status":  s.runs.Status(),
			"summary": s.runs.Summary(),
		})
	}
}

func (s *Server) summaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, s.runs.Summary())
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs := s.runs.AllRuns()
		resp := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			resp = append(resp, viewToResponse(run.Snapshot()))
		}

		// Stable order for the UI: item first, newest attempt first
		sort.Slice(resp, func(i, j int) bool {
			if resp[i].ItemID != resp[j].ItemID {
				return resp[i].ItemID < resp[j].ItemID
			}
			return resp[i].Attempt > resp[j].Attempt
		})

		writeJSON(w, resp)
	}
}

func (s *Server) activeRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		active := s.runs.ActiveRuns()
		resp := make([]RunResponse, 0, len(active))
		for _, run := range active {
			r := viewToResponse(run.Snapshot())
			r.Stuck = s.watch.IsStuck(run)
			resp = append(resp, r)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) itemRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// Path: /api/items/{itemID}/runs
		path := strings.TrimPrefix(r.URL.Path, "/api/items/")
		itemID := strings.TrimSuffix(path, "/runs")
		if itemID == "" || strings.Contains(itemID, "/") {
			writeError(w, http.StatusBadRequest, "item ID required")
			return
		}

		if s.store == nil {
			// In-memory fallback: the current session's newest attempt only
			run := s.runs.LatestRunForItem(itemID)
			if run == nil {
				writeJSON(w, []RunResponse{})
				return
			}
			writeJSON(w, []RunResponse{viewToResponse(run.Snapshot())})
			return
		}

		records, err := s.store.ListRunsForItem(itemID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]RunResponse, 0, len(records))
		for _, rec := range records {
			resp = append(resp, recordToResponse(rec))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.store == nil {
			writeJSON(w, []SessionResponse{})
			return
		}

		records, err := s.store.ListSessions(20)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]SessionResponse, 0, len(records))
		for _, rec := range records {
			resp = append(resp, sessionToResponse(rec))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "session ID required")
			return
		}

		if s.store == nil {
			writeError(w, http.StatusServiceUnavailable, "session store not available")
			return
		}

		session, err := s.store.GetSession(id)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && session == nil) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		records, err := s.store.ListRunsForSession(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		detail := SessionDetailResponse{Session: sessionToResponse(session)}
		for _, rec := range records {
			detail.Runs = append(detail.Runs, recordToResponse(rec))
		}
		writeJSON(w, detail)
	}
}
