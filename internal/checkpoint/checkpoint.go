// Package checkpoint persists how far a checklist item progressed so a
// later attempt can skip completed work. Progress is phase-based and
// detected from artifacts on disk, not from an authoritative log.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Phase is a coarse-grained stage of progress within an item's work
type Phase string

const (
	PhaseInit      Phase = "init"
	PhaseResearch  Phase = "research"
	PhaseTests     Phase = "tests"
	PhaseExecution Phase = "execution"
	PhaseReport    Phase = "report"
	PhaseComplete  Phase = "complete"
)

var phaseOrder = []Phase{PhaseInit, PhaseResearch, PhaseTests, PhaseExecution, PhaseReport, PhaseComplete}

// Next returns the phase after p, or "" if p is complete or unknown
func Next(p Phase) Phase {
	for i, ph := range phaseOrder {
		if ph == p && i < len(phaseOrder)-1 {
			return phaseOrder[i+1]
		}
	}
	return ""
}

// CheckpointFile is the fixed per-run-dir checkpoint filename
const CheckpointFile = ".checkpoint.json"

// finalReportMinSize is the size below which a report file is considered trivial
const finalReportMinSize = 100

var testPatterns = []string{"*_test.py", "test_*.py", "*_test.js", "*.test.js", "*_test.rs", "*_test.go"}

// DetectPhase infers the current phase from artifacts in a run directory.
// Detection is idempotent and side-effect free; if the worker deletes a
// later-phase artifact the detected phase can regress. Accepted limitation.
func DetectPhase(runDir string) Phase {
	if _, err := os.Stat(runDir); err != nil {
		return PhaseInit
	}

	if info, err := os.Stat(filepath.Join(runDir, "FINAL_REPORT.md")); err == nil && info.Size() >= finalReportMinSize {
		return PhaseComplete
	}

	if matches, _ := filepath.Glob(filepath.Join(runDir, "results", "*.json")); len(matches) > 0 {
		return PhaseReport
	}

	for _, pattern := range testPatterns {
		if matches, _ := filepath.Glob(filepath.Join(runDir, "tests", pattern)); len(matches) > 0 {
			return PhaseExecution
		}
	}

	if matches, _ := filepath.Glob(filepath.Join(runDir, "research", "*.md")); len(matches) > 0 {
		return PhaseTests
	}

	return PhaseInit
}

// PhaseCompleted reports whether a phase's expected artifacts exist
func PhaseCompleted(runDir string, phase Phase) bool {
	switch phase {
	case PhaseResearch:
		matches, _ := filepath.Glob(filepath.Join(runDir, "research", "*.md"))
		return len(matches) > 0
	case PhaseTests:
		for _, pattern := range testPatterns {
			if matches, _ := filepath.Glob(filepath.Join(runDir, "tests", pattern)); len(matches) > 0 {
				return true
			}
		}
		return false
	case PhaseExecution:
		matches, _ := filepath.Glob(filepath.Join(runDir, "results", "*.json"))
		return len(matches) > 0
	case PhaseReport:
		info, err := os.Stat(filepath.Join(runDir, "FINAL_REPORT.md"))
		return err == nil && info.Size() >= finalReportMinSize
	}
	return false
}

// Checkpoint is the persisted state of one item run directory
type Checkpoint struct {
	ItemID    string              `json:"item_id"`
	Phase     Phase               `json:"phase"`
	Attempt   int                 `json:"attempt"`
	StartedAt time.Time           `json:"started_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	ElapsedMs int64               `json:"elapsed_ms"`
	Artifacts map[string][]string `json:"artifacts"`
	Errors    []string            `json:"errors"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
}

// New creates a fresh checkpoint for an item
func New(itemID string, phase Phase) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		ItemID:    itemID,
		Phase:     phase,
		Attempt:   1,
		StartedAt: now,
		UpdatedAt: now,
		Artifacts: make(map[string][]string),
	}
}

// AdvancePhase moves the checkpoint to the next phase. Returns false at COMPLETE.
func (c *Checkpoint) AdvancePhase() bool {
	next := Next(c.Phase)
	if next == "" {
		return false
	}
	c.Phase = next
	c.UpdatedAt = time.Now().UTC()
	return true
}

// AddArtifact records an artifact path under a phase bucket, deduplicated
func (c *Checkpoint) AddArtifact(phase, path string) {
	if c.Artifacts == nil {
		c.Artifacts = make(map[string][]string)
	}
	for _, existing := range c.Artifacts[phase] {
		if existing == path {
			return
		}
	}
	c.Artifacts[phase] = append(c.Artifacts[phase], path)
	c.UpdatedAt = time.Now().UTC()
}

// AddError appends a timestamped error entry
func (c *Checkpoint) AddError(msg string) {
	c.Errors = append(c.Errors, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), msg))
	c.UpdatedAt = time.Now().UTC()
}

// Manager loads and persists checkpoints for item run directories.
// Load/save failures are logged and degrade to "no checkpoint";
// resumability is best-effort and never blocks forward progress.
type Manager struct {
	runsDir string
}

// NewManager creates a checkpoint manager rooted at runsDir
func NewManager(runsDir string) *Manager {
	return &Manager{runsDir: runsDir}
}

// Path returns the checkpoint file path for a run directory
func (m *Manager) Path(runDir string) string {
	return filepath.Join(runDir, CheckpointFile)
}

// Load reads the persisted checkpoint or synthesizes one from artifacts.
// A corrupt checkpoint file falls back to fresh detection.
func (m *Manager) Load(runDir, itemID string) *Checkpoint {
	data, err := os.ReadFile(m.Path(runDir))
	if err == nil {
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err == nil && cp.Phase != "" {
			return &cp
		}
		fmt.Printf("Warning: corrupt checkpoint for %s, re-detecting phase\n", itemID)
	}

	cp := New(itemID, DetectPhase(runDir))
	if cp.Phase != PhaseInit {
		m.scanArtifacts(runDir, cp)
	}
	return cp
}

// Save writes the checkpoint, creating the run directory if needed
func (m *Manager) Save(runDir string, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.Path(runDir), data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint file. Called only after verified completion.
func (m *Manager) Delete(runDir string) {
	os.Remove(m.Path(runDir))
}

// CanResume reports whether the item has resumable progress
func (m *Manager) CanResume(runDir, itemID string) bool {
	cp := m.Load(runDir, itemID)
	return cp.Phase != PhaseInit && cp.Phase != PhaseComplete
}

// scanArtifacts backfills artifact buckets by re-scanning the run directory
func (m *Manager) scanArtifacts(runDir string, cp *Checkpoint) {
	record := func(bucket string, matches []string) {
		for _, match := range matches {
			if rel, err := filepath.Rel(runDir, match); err == nil {
				cp.AddArtifact(bucket, rel)
			}
		}
	}

	matches, _ := filepath.Glob(filepath.Join(runDir, "research", "*.md"))
	record("research", matches)

	for _, pattern := range testPatterns {
		matches, _ := filepath.Glob(filepath.Join(runDir, "tests", pattern))
		record("tests", matches)
	}

	matches, _ = filepath.Glob(filepath.Join(runDir, "results", "*.json"))
	record("execution", matches)
}

// ResumeInstructions renders phase-specific instructions for a resumed
// worker: which earlier phases to skip and which artifacts already exist.
// Empty for INIT and COMPLETE.
func (m *Manager) ResumeInstructions(cp *Checkpoint) string {
	joined := func(bucket string) string {
		if arts := cp.Artifacts[bucket]; len(arts) > 0 {
			out := arts[0]
			for _, a := range arts[1:] {
				out += ", " + a
			}
			return out
		}
		return "None found"
	}

	switch cp.Phase {
	case PhaseTests:
		return fmt.Sprintf(`RESUMING FROM CHECKPOINT: Research phase complete.
Existing research artifacts: %s

SKIP research phase. Proceed directly to:
1. Read existing research from research/ directory
2. Create test implementations in tests/
3. Execute tests and save results to results/
4. Generate FINAL_REPORT.md
`, joined("research"))

	case PhaseExecution:
		return fmt.Sprintf(`RESUMING FROM CHECKPOINT: Tests created.
Existing test files: %s

SKIP research and test creation phases. Proceed directly to:
1. Execute existing tests in tests/ directory
2. Save results to results/
3. Generate FINAL_REPORT.md
`, joined("tests"))

	case PhaseReport:
		return fmt.Sprintf(`RESUMING FROM CHECKPOINT: Tests executed.
Existing result files: %s

SKIP all phases except report generation. Proceed directly to:
1. Read results from results/ directory
2. Generate FINAL_REPORT.md with all findings
`, joined("execution"))
	}

	return ""
}
