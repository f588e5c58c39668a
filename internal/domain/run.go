package domain

import (
	"fmt"
	"sync"
	"time"
)

// RunEvent is delivered to subscribers on every field mutation of an AgentRun
type RunEvent struct {
	Event    string      `json:"event"`
	ItemID   string      `json:"item_id"`
	RunID    string      `json:"run_id"`
	Previous interface{} `json:"previous_value,omitempty"`
	Current  interface{} `json:"new_value,omitempty"`
}

// RunListener receives run events. Panics are swallowed so a broken
// observer cannot break the run.
type RunListener func(RunEvent)

// AgentRun tracks one execution attempt of one checklist item. A new
// AgentRun is created per attempt; run objects are never reused.
type AgentRun struct {
	ID     string
	ItemID string
	Item   ChecklistItem
	RunDir string

	Status      AgentStatus
	Stage       RunStage
	Attempt     int
	MaxAttempts int

	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastActivity time.Time

	OutputLen int
	Error     string
	PID       int
	LogPath   string

	listeners map[int]RunListener
	nextSub   int
	mu        sync.Mutex
}

// NewRun creates a pending run for an item
func NewRun(item ChecklistItem, runDir string, maxAttempts int) *AgentRun {
	return &AgentRun{
		ID:           fmt.Sprintf("%s-%d", item.ID, time.Now().UnixMilli()),
		ItemID:       item.ID,
		Item:         item,
		RunDir:       runDir,
		Status:       StatusPending,
		Stage:        StageInit,
		Attempt:      1,
		MaxAttempts:  maxAttempts,
		LastActivity: time.Now(),
		listeners:    make(map[int]RunListener),
	}
}

// Subscribe registers a listener and returns an unsubscribe handle
func (r *AgentRun) Subscribe(l RunListener) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// SetStatus updates the status, recording started/completed timestamps
func (r *AgentRun) SetStatus(status AgentStatus, errMsg string) {
	r.mu.Lock()
	prev := r.Status
	r.Status = status
	r.Error = errMsg
	r.LastActivity = time.Now()

	if status == StatusRunning && r.StartedAt == nil {
		now := time.Now()
		r.StartedAt = &now
	}
	if status.IsTerminal() {
		now := time.Now()
		r.CompletedAt = &now
	}
	r.mu.Unlock()

	r.notify(RunEvent{Event: "status", Previous: string(prev), Current: string(status)})
}

// SetStage updates the execution stage
func (r *AgentRun) SetStage(stage RunStage) {
	r.mu.Lock()
	prev := r.Stage
	r.Stage = stage
	r.LastActivity = time.Now()
	r.mu.Unlock()

	r.notify(RunEvent{Event: "stage", Previous: string(prev), Current: string(stage)})
}

// AppendOutput records that len(chunk) bytes of worker output were seen
func (r *AgentRun) AppendOutput(chunk []byte) {
	r.mu.Lock()
	prev := r.OutputLen
	r.OutputLen += len(chunk)
	cur := r.OutputLen
	r.LastActivity = time.Now()
	r.mu.Unlock()

	r.notify(RunEvent{Event: "output", Previous: prev, Current: cur})
}

// IncrementAttempt bumps the attempt counter
func (r *AgentRun) IncrementAttempt() {
	r.mu.Lock()
	prev := r.Attempt
	r.Attempt++
	cur := r.Attempt
	r.mu.Unlock()

	r.notify(RunEvent{Event: "retry", Previous: prev, Current: cur})
}

// SetProcess records the spawned process id and log path
func (r *AgentRun) SetProcess(pid int, logPath string) {
	r.mu.Lock()
	r.PID = pid
	r.LogPath = logPath
	r.mu.Unlock()
}

// Duration returns how long the run has been (or was) active
func (r *AgentRun) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.StartedAt == nil {
		return 0
	}
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// IsTerminal reports whether the run reached a final status
func (r *AgentRun) IsTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status.IsTerminal()
}

// IsActive reports whether the run is in flight
func (r *AgentRun) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status.IsActive()
}

// View is an immutable snapshot of a run for serialization
type View struct {
	ID          string        `json:"id"`
	ItemID      string        `json:"item_id"`
	Item        ChecklistItem `json:"item"`
	RunDir      string        `json:"run_dir,omitempty"`
	Status      AgentStatus   `json:"status"`
	Stage       RunStage      `json:"stage"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	DurationMs  int64         `json:"duration_ms"`
	OutputLen   int           `json:"output_length"`
	Error       string        `json:"error,omitempty"`
	PID         int           `json:"pid,omitempty"`
	LogPath     string        `json:"log_path,omitempty"`
}

// Snapshot returns a consistent copy of the run's fields
func (r *AgentRun) Snapshot() View {
	dur := r.Duration()

	r.mu.Lock()
	defer r.mu.Unlock()
	return View{
		ID:          r.ID,
		ItemID:      r.ItemID,
		Item:        r.Item,
		RunDir:      r.RunDir,
		Status:      r.Status,
		Stage:       r.Stage,
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMs:  dur.Milliseconds(),
		OutputLen:   r.OutputLen,
		Error:       r.Error,
		PID:         r.PID,
		LogPath:     r.LogPath,
	}
}

func (r *AgentRun) notify(ev RunEvent) {
	r.mu.Lock()
	ev.ItemID = r.ItemID
	ev.RunID = r.ID
	ls := make([]RunListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() { recover() }()
			l(ev)
		}()
	}
}
