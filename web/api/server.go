// Package api serves the processing state over HTTP: JSON endpoints for
// summaries and run history, an SSE stream and a websocket feed for live
// session events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cantonio/checklist-orchestrator/internal/observer"
	"github.com/cantonio/checklist-orchestrator/internal/runmanager"
	"github.com/cantonio/checklist-orchestrator/internal/runstore"
)

// SessionStore is the slice of the run store the API reads from
type SessionStore interface {
	ListSessions(limit int) ([]*runstore.SessionRecord, error)
	GetSession(id string) (*runstore.SessionRecord, error)
	ListRunsForSession(sessionID string) ([]*runstore.RunRecord, error)
	ListRunsForItem(itemID string) ([]*runstore.RunRecord, error)
}

// StatusFunc supplies the processor-level status document
type StatusFunc func() map[string]interface{}

// Server is the HTTP status server
type Server struct {
	runs     *runmanager.Manager
	store    SessionStore
	statusFn StatusFunc
	mux      *http.ServeMux
	hub      *EventHub
	feed     *wsFeed
	watch    *observer.Observer
	httpSrv  *http.Server
	unsub    func()
}

// stuckAfter is how long a run may stay active before /api/runs/active
// flags it.
const stuckAfter = 10 * time.Minute

// NewServer creates the API server. store and statusFn may be nil; the
// corresponding endpoints then degrade to manager-only data.
func NewServer(runs *runmanager.Manager, store SessionStore, statusFn StatusFunc, addr string) *Server {
	s := &Server{
		runs:     runs,
		store:    store,
		statusFn: statusFn,
		mux:      http.NewServeMux(),
		hub:      NewEventHub(),
		feed:     newWSFeed(),
		watch:    observer.New(stuckAfter),
	}
	s.setupRoutes()

	// Every manager event fans out to both live surfaces
	s.unsub = runs.Subscribe(func(event string, data map[string]interface{}) {
		e := Event{Type: event, Data: data}
		s.hub.Broadcast(e)
		s.feed.broadcast(e)
	})

	s.httpSrv = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/summary", s.summaryHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/active", s.activeRunsHandler())
	s.mux.HandleFunc("/api/items/", s.itemRunsHandler())
	s.mux.HandleFunc("/api/sessions", s.listSessionsHandler())
	s.mux.HandleFunc("/api/sessions/", s.getSessionHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/ws", s.wsHandler())
}

// Handler exposes the routed mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until it fails or is shut down
func (s *Server) Start() error {
	go s.hub.Run()
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server and detaches from the run manager
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	s.feed.closeAll()
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
