package executor

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Early warning thresholds
const (
	noOutputWarningThreshold = 120 * time.Second
	researchWarningThreshold = 180 * time.Second
)

// OutputMonitor watches the worker's output stream for hang symptoms.
// Warnings are advisory only; they never abort the run.
type OutputMonitor struct {
	itemID  string
	logFile *os.File

	mu              sync.Mutex
	lastOutput      time.Time
	totalBytes      int64
	warningsEmitted map[string]bool
	phaseStart      map[string]time.Time
	warnings        []string
}

// NewOutputMonitor creates a monitor that appends received output to logFile
func NewOutputMonitor(itemID string, logFile *os.File) *OutputMonitor {
	return &OutputMonitor{
		itemID:          itemID,
		logFile:         logFile,
		lastOutput:      time.Now(),
		warningsEmitted: make(map[string]bool),
		phaseStart:      make(map[string]time.Time),
	}
}

// OnOutput records a received chunk: appends it to the log in real time and
// notes approximate phase starts from lightweight keyword matches.
func (m *OutputMonitor) OnOutput(data []byte) {
	if len(data) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastOutput = time.Now()
	m.totalBytes += int64(len(data))

	if m.logFile != nil {
		if _, err := m.logFile.Write(data); err != nil {
			fmt.Printf("Warning: failed to write to log: %v\n", err)
		}
	}

	// Keyword phase hints, recorded once each. Advisory only; the
	// checkpoint's phase comes from artifact detection.
	text := strings.ToLower(string(data))
	now := time.Now()
	switch {
	case strings.Contains(text, "research"):
		if _, ok := m.phaseStart["research"]; !ok {
			m.phaseStart["research"] = now
		}
	case strings.Contains(text, "test"):
		if _, ok := m.phaseStart["tests"]; !ok {
			m.phaseStart["tests"] = now
		}
	case strings.Contains(text, "execut"):
		if _, ok := m.phaseStart["execution"]; !ok {
			m.phaseStart["execution"] = now
		}
	}
}

// CheckWarnings evaluates hang conditions, emitting each warning bucket once
func (m *OutputMonitor) CheckWarnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var warnings []string
	now := time.Now()

	silence := now.Sub(m.lastOutput)
	if silence > noOutputWarningThreshold {
		key := fmt.Sprintf("no_output_%d", int(silence.Minutes()))
		if !m.warningsEmitted[key] {
			m.warningsEmitted[key] = true
			msg := fmt.Sprintf("No output for %ds - possible hang", int(silence.Seconds()))
			warnings = append(warnings, msg)
			fmt.Printf("Warning: [%s] %s\n", m.itemID, msg)
		}
	}

	if start, ok := m.phaseStart["research"]; ok {
		duration := now.Sub(start)
		if duration > researchWarningThreshold {
			key := "research_slow"
			if !m.warningsEmitted[key] {
				m.warningsEmitted[key] = true
				msg := fmt.Sprintf("Research phase taking %ds", int(duration.Seconds()))
				warnings = append(warnings, msg)
				fmt.Printf("Warning: [%s] %s\n", m.itemID, msg)
			}
		}
	}

	m.warnings = append(m.warnings, warnings...)
	return warnings
}

// TotalBytes returns the number of output bytes observed so far
func (m *OutputMonitor) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// Warnings returns all warnings emitted so far
func (m *OutputMonitor) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.warnings...)
}
