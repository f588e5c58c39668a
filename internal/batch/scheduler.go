package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler fires processing windows on their cron schedule. A window never
// overlaps itself; distinct windows may run concurrently.
type Scheduler struct {
	windows  map[string]WindowConfig
	parser   cron.Parser
	lastRun  map[string]time.Time
	running  map[string]bool
	mu       sync.RWMutex
	stopChan chan struct{}
}

// NewScheduler creates a scheduler over the given windows
func NewScheduler(windows []WindowConfig) (*Scheduler, error) {
	s := &Scheduler{
		windows:  make(map[string]WindowConfig),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}

	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		s.windows[w.Name] = w
	}

	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled time for a window
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(w.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(time.Now())
}

// ShouldRun reports whether a window is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[name]
	if !ok {
		return false
	}
	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(w.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}

	return time.Now().After(sched.Next(lastRun))
}

// MarkRunning marks a window as in progress
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a window as done and records the run time
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// Window returns the config for a named window
func (s *Scheduler) Window(name string) (WindowConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[name]
	return w, ok
}

// ListWindows returns all window names
func (s *Scheduler) ListWindows() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.windows))
	for name := range s.windows {
		names = append(names, name)
	}
	return names
}

// Start polls the schedule once a minute and launches due windows
func (s *Scheduler) Start(runFunc func(WindowConfig) error) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			for name := range s.windows {
				if s.ShouldRun(name) {
					w, _ := s.Window(name)
					s.MarkRunning(name)
					go func(w WindowConfig) {
						if err := runFunc(w); err != nil {
							fmt.Printf("Window %s failed: %v\n", w.Name, err)
						}
						s.MarkComplete(w.Name)
					}(w)
				}
			}
		}
	}
}

// Stop ends the scheduler loop
func (s *Scheduler) Stop() {
	close(s.stopChan)
}
