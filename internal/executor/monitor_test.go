package executor

import (
	"strings"
	"testing"
	"time"
)

func TestMonitor_TracksBytesAndPhases(t *testing.T) {
	m := NewOutputMonitor("T1-001", nil)

	m.OnOutput([]byte("beginning research into the target\n"))
	m.OnOutput([]byte("more research notes\n"))
	m.OnOutput([]byte("now writing a test for it\n"))
	m.OnOutput([]byte("executing the suite\n"))

	if m.TotalBytes() == 0 {
		t.Error("total bytes not tracked")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, phase := range []string{"research", "tests", "execution"} {
		if _, ok := m.phaseStart[phase]; !ok {
			t.Errorf("phase %q not detected", phase)
		}
	}
}

func TestMonitor_SilenceWarningOneShot(t *testing.T) {
	m := NewOutputMonitor("T1-002", nil)

	// Simulate two and a half minutes of silence
	m.mu.Lock()
	m.lastOutput = time.Now().Add(-150 * time.Second)
	m.mu.Unlock()

	warnings := m.CheckWarnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], "No output for") {
		t.Fatalf("warnings = %v", warnings)
	}

	// Same bucket: no repeat
	if again := m.CheckWarnings(); len(again) != 0 {
		t.Errorf("repeated warning for same bucket: %v", again)
	}

	// Deeper silence lands in a new minute bucket and warns once more
	m.mu.Lock()
	m.lastOutput = time.Now().Add(-200 * time.Second)
	m.mu.Unlock()
	if next := m.CheckWarnings(); len(next) != 1 {
		t.Errorf("new bucket should warn once, got %v", next)
	}
}

func TestMonitor_ResearchPhaseWarningOneShot(t *testing.T) {
	m := NewOutputMonitor("T1-003", nil)
	m.OnOutput([]byte("research underway\n")) // resets lastOutput too

	m.mu.Lock()
	m.phaseStart["research"] = time.Now().Add(-200 * time.Second)
	m.mu.Unlock()

	warnings := m.CheckWarnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], "Research phase taking") {
		t.Fatalf("warnings = %v", warnings)
	}
	if again := m.CheckWarnings(); len(again) != 0 {
		t.Errorf("research warning should be one-shot, got %v", again)
	}
}

func TestMonitor_NoWarningsWhileHealthy(t *testing.T) {
	m := NewOutputMonitor("T1-004", nil)
	m.OnOutput([]byte("steady output\n"))
	if warnings := m.CheckWarnings(); len(warnings) != 0 {
		t.Errorf("healthy stream warned: %v", warnings)
	}
}
