// Package runmanager is the single source of truth for processing state:
// the run table for the session, lifecycle tracking, event emission, and
// persistence through the run store.
package runmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cantonio/checklist-orchestrator/internal/domain"
	"github.com/cantonio/checklist-orchestrator/internal/runstore"
)

// Listener receives manager-level events
type Listener func(event string, data map[string]interface{})

// Session states
const (
	SessionIdle      = "idle"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Manager tracks every agent run of one processing session. Each attempt is
// a new AgentRun; run objects are never reused across attempts.
type Manager struct {
	sessionID string
	mode      string
	writer    *runstore.AsyncWriter

	mu          sync.Mutex
	status      string
	startedAt   *time.Time
	completedAt *time.Time
	runs        map[string]*domain.AgentRun // by run id
	latestByItem map[string]*domain.AgentRun
	listeners   map[int]Listener
	nextSub     int
	processed   int
	completed   int
	failed      int
}

// New creates a manager for a fresh session. writer may be nil to disable
// persistence.
func New(mode string, writer *runstore.AsyncWriter) *Manager {
	return &Manager{
		sessionID:    "session-" + uuid.NewString(),
		mode:         mode,
		writer:       writer,
		status:       SessionIdle,
		runs:         make(map[string]*domain.AgentRun),
		latestByItem: make(map[string]*domain.AgentRun),
		listeners:    make(map[int]Listener),
	}
}

// SessionID returns the session identifier
func (m *Manager) SessionID() string {
	return m.sessionID
}

// CreateRun creates and tracks a new run for the given attempt. The run's
// events are forwarded to manager subscribers and persisted.
func (m *Manager) CreateRun(item domain.ChecklistItem, runDir string, maxAttempts, attempt int) *domain.AgentRun {
	run := domain.NewRun(item, runDir, maxAttempts)
	run.Attempt = attempt

	m.mu.Lock()
	m.runs[run.ID] = run
	m.latestByItem[item.ID] = run
	m.mu.Unlock()

	run.Subscribe(func(ev domain.RunEvent) {
		m.emit("run:update", map[string]interface{}{
			"run_id":   ev.RunID,
			"item_id":  ev.ItemID,
			"change":   ev.Event,
			"previous": ev.Previous,
			"current":  ev.Current,
		})
		m.persistRun(run)
	})

	m.emit("run:created", map[string]interface{}{
		"run_id":  run.ID,
		"item_id": item.ID,
		"attempt": attempt,
	})
	m.persistRun(run)

	return run
}

// SupersedeRun marks a timed-out run as replaced by an upcoming retry:
// the transient RETRYING marker first, then the terminal FAILED record so
// summaries never count the stale attempt as in flight.
func (m *Manager) SupersedeRun(run *domain.AgentRun) {
	run.SetStatus(domain.StatusRetrying, "")
	run.SetStatus(domain.StatusFailed, "superseded by retry")
}

// Run returns a run by its id
func (m *Manager) Run(runID string) *domain.AgentRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

// LatestRunForItem returns the most recent attempt's run for an item
func (m *Manager) LatestRunForItem(itemID string) *domain.AgentRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestByItem[itemID]
}

// ActiveRuns returns all in-flight runs
func (m *Manager) ActiveRuns() []*domain.AgentRun {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.AgentRun
	for _, run := range m.runs {
		if run.IsActive() {
			out = append(out, run)
		}
	}
	return out
}

// AllRuns returns every tracked run, including superseded attempts
func (m *Manager) AllRuns() []*domain.AgentRun {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.AgentRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run)
	}
	return out
}

// Start begins the session
func (m *Manager) Start() {
	m.mu.Lock()
	m.status = SessionRunning
	now := time.Now()
	m.startedAt = &now
	m.mu.Unlock()

	m.emit("session:start", map[string]interface{}{"session_id": m.sessionID})
	m.persistSession()
	fmt.Printf("Session started: %s\n", m.sessionID)
}

// SetCounters updates the session-wide processed/completed/failed counters
func (m *Manager) SetCounters(result domain.ProcessingResult) {
	m.mu.Lock()
	m.processed = result.Processed
	m.completed = result.Completed
	m.failed = result.Failed
	m.mu.Unlock()
	m.persistSession()
}

// Complete marks the session as finished
func (m *Manager) Complete() {
	m.mu.Lock()
	m.status = SessionCompleted
	now := time.Now()
	m.completedAt = &now
	m.mu.Unlock()

	m.emit("session:complete", map[string]interface{}{
		"session_id": m.sessionID,
		"summary":    m.Summary(),
	})
	m.persistSession()
	fmt.Printf("Session completed: %s\n", m.sessionID)
}

// Fail marks the session as failed
func (m *Manager) Fail(err error) {
	m.mu.Lock()
	m.status = SessionFailed
	now := time.Now()
	m.completedAt = &now
	m.mu.Unlock()

	m.emit("session:fail", map[string]interface{}{
		"session_id": m.sessionID,
		"error":      err.Error(),
	})
	m.persistSession()
	fmt.Printf("Session failed: %s - %v\n", m.sessionID, err)
}

// Status returns the session state
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Summary aggregates counts over the latest attempt per item only, so a
// retried item is counted once, by its newest run.
func (m *Manager) Summary() domain.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := domain.SessionSummary{
		SessionID: m.sessionID,
		Status:    m.status,
		Total:     len(m.latestByItem),
	}

	for _, run := range m.latestByItem {
		view := run.Snapshot()
		switch {
		case view.Status == domain.StatusPending:
			summary.Pending++
		case view.Status.IsActive():
			summary.Active++
		case view.Status == domain.StatusCompleted:
			summary.Completed++
		case view.Status == domain.StatusFailed:
			summary.Failed++
		case view.Status == domain.StatusTimeout:
			summary.Timeout++
		}
	}

	return summary
}

// Subscribe registers a manager event listener and returns an unsubscribe
// handle. Listener panics are isolated.
func (m *Manager) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(event string, data map[string]interface{}) {
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() { recover() }()
			l(event, data)
		}()
	}
}

func (m *Manager) persistRun(run *domain.AgentRun) {
	if m.writer == nil {
		return
	}
	view := run.Snapshot()
	m.writer.SaveRun(&runstore.RunRecord{
		ID:          view.ID,
		SessionID:   m.sessionID,
		ItemID:      view.ItemID,
		Target:      view.Item.Target,
		Priority:    view.Item.Priority,
		Attempt:     view.Attempt,
		Status:      view.Status,
		Stage:       view.Stage,
		RunDir:      view.RunDir,
		LogPath:     view.LogPath,
		PID:         view.PID,
		OutputBytes: int64(view.OutputLen),
		StartedAt:   view.StartedAt,
		CompletedAt: view.CompletedAt,
		Error:       view.Error,
	})
}

func (m *Manager) persistSession() {
	if m.writer == nil {
		return
	}

	m.mu.Lock()
	rec := &runstore.SessionRecord{
		ID:         m.sessionID,
		Mode:       m.mode,
		Status:     m.status,
		FinishedAt: m.completedAt,
		Processed:  m.processed,
		Completed:  m.completed,
		Failed:     m.failed,
	}
	if m.startedAt != nil {
		rec.StartedAt = *m.startedAt
	}
	m.mu.Unlock()

	m.writer.SaveSession(rec)
}

// StatusDisplay renders a human-readable snapshot of the session
func (m *Manager) StatusDisplay() string {
	summary := m.Summary()
	active := m.ActiveRuns()

	out := fmt.Sprintf("Session: %s\nStatus: %s\nProgress: %d/%d completed, %d failed\n",
		m.sessionID, summary.Status, summary.Completed, summary.Total, summary.Failed)

	if len(active) > 0 {
		out += "\nActive Agents:\n"
		for _, run := range active {
			view := run.Snapshot()
			out += fmt.Sprintf("  - %s: %s (%ds) [attempt %d/%d]\n",
				view.ItemID, view.Stage, view.DurationMs/1000, view.Attempt, view.MaxAttempts)
		}
	}

	return out
}
