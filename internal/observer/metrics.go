package observer

import (
	"sync"
	"time"

	"github.com/cantonio/checklist-orchestrator/internal/domain"
)

// Observer aggregates metrics over finished runs and flags stuck ones
type Observer struct {
	stuckThreshold time.Duration

	mu       sync.RWMutex
	finished []finishedRun
}

type finishedRun struct {
	ItemID      string
	Status      domain.AgentStatus
	Duration    time.Duration
	OutputBytes int
	FinishedAt  time.Time
}

// Metrics holds aggregated run metrics
type Metrics struct {
	TotalCompleted   int
	TotalFailed      int
	TotalTimeout     int
	TotalOutputBytes int
	AvgDuration      time.Duration
}

// New creates an observer. Runs active longer than stuckThreshold are
// reported as stuck.
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{stuckThreshold: stuckThreshold}
}

// IsStuck reports whether a run has been active past the threshold
func (o *Observer) IsStuck(run *domain.AgentRun) bool {
	if run == nil || !run.IsActive() {
		return false
	}
	return run.Duration() > o.stuckThreshold
}

// RecordRun records a terminal run for metric aggregation
func (o *Observer) RecordRun(view domain.View) {
	if !view.Status.IsTerminal() {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, finishedRun{
		ItemID:      view.ItemID,
		Status:      view.Status,
		Duration:    time.Duration(view.DurationMs) * time.Millisecond,
		OutputBytes: view.OutputLen,
		FinishedAt:  time.Now(),
	})
}

// GetMetrics returns aggregated metrics over all recorded runs
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var m Metrics
	var total time.Duration
	counted := 0

	for _, r := range o.finished {
		switch r.Status {
		case domain.StatusCompleted:
			m.TotalCompleted++
		case domain.StatusTimeout:
			m.TotalTimeout++
		default:
			m.TotalFailed++
		}
		m.TotalOutputBytes += r.OutputBytes
		total += r.Duration
		counted++
	}

	if counted > 0 {
		m.AvgDuration = total / time.Duration(counted)
	}
	return m
}

// RecentItems returns ids of items that finished within the window
func (o *Observer) RecentItems(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var out []string
	for _, r := range o.finished {
		if r.FinishedAt.After(cutoff) {
			out = append(out, r.ItemID)
		}
	}
	return out
}
