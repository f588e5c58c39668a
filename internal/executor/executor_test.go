package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cantonio/checklist-orchestrator/internal/checkpoint"
	"github.com/cantonio/checklist-orchestrator/internal/config"
	"github.com/cantonio/checklist-orchestrator/internal/domain"
)

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T, script string, baseTimeoutMs int64) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.General.RepoRoot = t.TempDir()
	cfg.General.StateDir = filepath.Join(cfg.General.RepoRoot, "state")
	cfg.Runtime.Command = script
	cfg.Timeouts.BaseTimeoutMs = baseTimeoutMs
	return cfg
}

func TestRun_SuccessWithMarker(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "starting research on the target"
echo "ITEM_COMPLETE"
`)
	cfg := testConfig(t, script, 30000)
	runDir := filepath.Join(t.TempDir(), "T1-001")
	exec := New(cfg, checkpoint.NewManager(filepath.Dir(runDir)))

	item := domain.ChecklistItem{ID: "T1-001", Target: "/auth/login", Priority: "P1 Medium"}
	run := domain.NewRun(item, runDir, 3)

	outcome := exec.Run(context.Background(), Request{
		ItemID:   "T1-001",
		Prompt:   "do the thing",
		RunDir:   runDir,
		Marker:   "ITEM_COMPLETE",
		Priority: "P1 Medium",
		Attempt:  1,
		Track:    run,
	})

	if outcome.Status != OutcomeOK {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}
	if !outcome.Completed {
		t.Error("marker should be detected")
	}
	if outcome.ExitCode != 0 {
		t.Errorf("exit code = %d", outcome.ExitCode)
	}
	if run.Snapshot().Status != domain.StatusCompleted {
		t.Errorf("run status = %s, want completed", run.Snapshot().Status)
	}

	data, err := os.ReadFile(outcome.LogPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	log := string(data)
	for _, want := range []string{"=== Agent Run: T1-001 ===", "Attempt: 1", "ITEM_COMPLETE", "Exit code: 0"} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q", want)
		}
	}
}

func TestRun_NonZeroExitIsFailure(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "something broke" >&2
exit 3
`)
	cfg := testConfig(t, script, 30000)
	exec := New(cfg, nil)

	outcome := exec.Run(context.Background(), Request{
		ItemID:   "T1-002",
		Prompt:   "do the thing",
		Marker:   "ITEM_COMPLETE",
		Priority: "P2 Low",
		Attempt:  1,
	})

	if outcome.Status != OutcomeFail {
		t.Fatalf("status = %s, want fail", outcome.Status)
	}
	if outcome.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", outcome.ExitCode)
	}
	if !strings.Contains(outcome.Output, "something broke") {
		t.Errorf("output tail = %q", outcome.Output)
	}
	if outcome.LogPath == "" {
		t.Error("failure outcome should carry the log path")
	}
}

func TestRun_EmptyPromptFails(t *testing.T) {
	cfg := testConfig(t, "/bin/true", 30000)
	exec := New(cfg, nil)

	outcome := exec.Run(context.Background(), Request{ItemID: "T1-003", Attempt: 1})
	if outcome.Status != OutcomeFail {
		t.Errorf("status = %s, want fail", outcome.Status)
	}
}

// A worker that never produces output and never exits must be terminated
// no later than deadline + grace, yielding a retry outcome instead of a hang.
func TestRun_TimeoutRegression(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
sleep 600
`)
	cfg := testConfig(t, script, 2000)
	runDir := filepath.Join(t.TempDir(), "T1-004")
	exec := New(cfg, checkpoint.NewManager(filepath.Dir(runDir)))

	start := time.Now()
	outcome := exec.Run(context.Background(), Request{
		ItemID:   "T1-004",
		Prompt:   "hang forever",
		RunDir:   runDir,
		Marker:   "ITEM_COMPLETE",
		Priority: "P1 Medium",
		Attempt:  1,
	})
	elapsed := time.Since(start)

	if outcome.Status != OutcomeRetry {
		t.Fatalf("status = %s, want retry", outcome.Status)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("took %s, must resolve within ~10s", elapsed)
	}
	if outcome.ElapsedMs < 2000 {
		t.Errorf("elapsed = %dms, expected at least the deadline", outcome.ElapsedMs)
	}
	if outcome.TimeoutMs != 2000 {
		t.Errorf("timeout = %dms, want 2000", outcome.TimeoutMs)
	}
}

func TestRun_TimeoutPersistsCheckpoint(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
sleep 600
`)
	cfg := testConfig(t, script, 2000)
	runsDir := t.TempDir()
	runDir := filepath.Join(runsDir, "T1-005")
	mgr := checkpoint.NewManager(runsDir)
	exec := New(cfg, mgr)

	// Progress left behind by an earlier phase
	if err := os.MkdirAll(filepath.Join(runDir, "research"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "research", "notes.md"), []byte("# findings"), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome := exec.Run(context.Background(), Request{
		ItemID:   "T1-005",
		Prompt:   "hang forever",
		RunDir:   runDir,
		Priority: "P1 Medium",
		Attempt:  1,
	})

	if outcome.Status != OutcomeRetry {
		t.Fatalf("status = %s, want retry", outcome.Status)
	}
	if outcome.PhaseReached != checkpoint.PhaseTests {
		t.Errorf("phase reached = %s, want tests", outcome.PhaseReached)
	}
	if !outcome.HasCheckpoint {
		t.Error("outcome should report a usable checkpoint")
	}

	cp := mgr.Load(runDir, "T1-005")
	if cp.Phase != checkpoint.PhaseTests {
		t.Errorf("persisted phase = %s, want tests", cp.Phase)
	}
	if len(cp.Errors) == 0 || !strings.Contains(cp.Errors[0], "Timeout after") {
		t.Errorf("checkpoint errors = %v", cp.Errors)
	}
}

func TestRun_ResumeAppendsInstructions(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "received-prompt.txt")
	t.Setenv("PROMPT_SINK", outFile)
	script := writeScript(t, `cat > "$PROMPT_SINK"
echo "ITEM_COMPLETE"
`)
	cfg := testConfig(t, script, 30000)
	runsDir := t.TempDir()
	runDir := filepath.Join(runsDir, "T1-006")
	exec := New(cfg, checkpoint.NewManager(runsDir))

	if err := os.MkdirAll(filepath.Join(runDir, "research"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "research", "notes.md"), []byte("# findings"), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome := exec.Run(context.Background(), Request{
		ItemID:   "T1-006",
		Prompt:   "base prompt",
		RunDir:   runDir,
		Marker:   "ITEM_COMPLETE",
		Priority: "P1 Medium",
		Attempt:  2,
	})
	if outcome.Status != OutcomeOK {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}

	received, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	prompt := string(received)
	if !strings.HasPrefix(prompt, "base prompt") {
		t.Errorf("prompt = %q", prompt)
	}
	if !strings.Contains(prompt, "RESUMING FROM CHECKPOINT") {
		t.Error("resume instructions not appended on retry")
	}
}

func TestRun_FirstAttemptNeverResumes(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "received-prompt.txt")
	t.Setenv("PROMPT_SINK", outFile)
	script := writeScript(t, `cat > "$PROMPT_SINK"
`)
	cfg := testConfig(t, script, 30000)
	runsDir := t.TempDir()
	runDir := filepath.Join(runsDir, "T1-007")
	exec := New(cfg, checkpoint.NewManager(runsDir))

	if err := os.MkdirAll(filepath.Join(runDir, "research"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "research", "notes.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	exec.Run(context.Background(), Request{
		ItemID:   "T1-007",
		Prompt:   "base prompt",
		RunDir:   runDir,
		Priority: "P1 Medium",
		Attempt:  1,
	})

	received, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(received), "RESUMING") {
		t.Error("first attempt must not carry resume instructions")
	}
}

func TestRun_MarkerDeletesCheckpoint(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "ITEM_COMPLETE"
`)
	cfg := testConfig(t, script, 30000)
	runsDir := t.TempDir()
	runDir := filepath.Join(runsDir, "T1-008")
	mgr := checkpoint.NewManager(runsDir)
	exec := New(cfg, mgr)

	if err := mgr.Save(runDir, checkpoint.New("T1-008", checkpoint.PhaseTests)); err != nil {
		t.Fatal(err)
	}

	outcome := exec.Run(context.Background(), Request{
		ItemID:   "T1-008",
		Prompt:   "finish up",
		RunDir:   runDir,
		Marker:   "ITEM_COMPLETE",
		Priority: "P1 Medium",
		Attempt:  1,
	})
	if outcome.Status != OutcomeOK || !outcome.Completed {
		t.Fatalf("outcome = %+v", outcome)
	}

	if _, err := os.Stat(mgr.Path(runDir)); !os.IsNotExist(err) {
		t.Error("checkpoint should be deleted after marker completion")
	}
}

func TestCancelAll(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
sleep 600
`)
	cfg := testConfig(t, script, 600000)
	exec := New(cfg, nil)

	done := make(chan Outcome, 1)
	go func() {
		done <- exec.Run(context.Background(), Request{
			ItemID:   "T1-009",
			Prompt:   "hang",
			Priority: "P1 Medium",
			Attempt:  1,
		})
	}()

	// Give the process time to spawn before sweeping
	time.Sleep(500 * time.Millisecond)
	exec.CancelAll()

	select {
	case outcome := <-done:
		if outcome.Status == OutcomeRetry {
			t.Errorf("cancelled run should not look like a timeout, got %s", outcome.Status)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after CancelAll")
	}
}

func TestResolveExecutable(t *testing.T) {
	if got := resolveExecutable("/usr/bin/env"); got != "/usr/bin/env" {
		t.Errorf("absolute path rewritten to %q", got)
	}
	if got := resolveExecutable("sh"); !filepath.IsAbs(got) {
		t.Errorf("bare command not resolved through PATH: %q", got)
	}
	if got := resolveExecutable("definitely-not-a-real-binary"); got != "definitely-not-a-real-binary" {
		t.Errorf("unresolvable command should pass through, got %q", got)
	}
}
