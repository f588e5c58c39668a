// Package executor runs one worker-process attempt per call and reconciles
// the outcome with the checkpoint store. It owns deadline enforcement and
// hang detection; retry decisions belong to the caller.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cantonio/checklist-orchestrator/internal/checkpoint"
	"github.com/cantonio/checklist-orchestrator/internal/config"
	"github.com/cantonio/checklist-orchestrator/internal/domain"
)

// outputTailLimit bounds the output excerpt carried by failure outcomes
const outputTailLimit = 2000

// warningCheckInterval is how often the hang detector is polled
const warningCheckInterval = 30 * time.Second

// OutcomeStatus classifies one attempt's result
type OutcomeStatus string

const (
	OutcomeOK    OutcomeStatus = "ok"
	OutcomeFail  OutcomeStatus = "fail"
	OutcomeRetry OutcomeStatus = "retry"
)

// Request describes one attempt for one checklist item
type Request struct {
	ItemID   string
	Prompt   string
	RunDir   string
	Marker   string
	Priority string
	Attempt  int

	// Track, when set, receives lifecycle updates for this attempt
	Track *domain.AgentRun
}

// Outcome is the definite result of one attempt
type Outcome struct {
	Status        OutcomeStatus
	Output        string
	Completed     bool // completion marker found in output
	ExitCode      int
	LogPath       string
	Err           error
	ElapsedMs     int64
	TimeoutMs     int64
	PhaseReached  checkpoint.Phase
	HasCheckpoint bool
	OutputBytes   int64
}

// Retryable reports whether the outcome is a retryable timeout
func (o Outcome) Retryable() bool {
	return o.Status == OutcomeRetry
}

// Executor spawns worker processes and tracks them for cancellation
type Executor struct {
	cfg         *config.Config
	checkpoints *checkpoint.Manager

	mu     sync.Mutex
	active map[string]*os.Process
}

// New creates an executor. checkpoints may be nil to disable resumability.
func New(cfg *config.Config, checkpoints *checkpoint.Manager) *Executor {
	return &Executor{
		cfg:         cfg,
		checkpoints: checkpoints,
		active:      make(map[string]*os.Process),
	}
}

// Run executes exactly one worker attempt and returns a definite outcome.
// The context cancels the attempt early; the deadline comes from the
// timeout policy, not the context.
func (e *Executor) Run(ctx context.Context, req Request) Outcome {
	run := req.Track
	setStage := func(stage domain.RunStage) {
		if run != nil {
			run.SetStage(stage)
		}
	}
	setStatus := func(status domain.AgentStatus, errMsg string) {
		if run != nil {
			run.SetStatus(status, errMsg)
		}
	}

	setStage(domain.StageInit)

	if req.Prompt == "" {
		setStatus(domain.StatusFailed, "empty prompt")
		return Outcome{Status: OutcomeFail, Err: fmt.Errorf("empty prompt for %s", req.ItemID)}
	}

	// Checkpoint-aware resume: on retry attempts with partial progress,
	// append phase-specific instructions to the prompt.
	prompt := req.Prompt
	var cp *checkpoint.Checkpoint
	if e.checkpoints != nil && req.RunDir != "" {
		cp = e.checkpoints.Load(req.RunDir, req.ItemID)
		if req.Attempt > 1 && e.cfg.Retry.UseCheckpointOnRetry &&
			cp.Phase != checkpoint.PhaseInit && cp.Phase != checkpoint.PhaseComplete {
			if instructions := e.checkpoints.ResumeInstructions(cp); instructions != "" {
				fmt.Printf("Resuming %s from checkpoint: phase=%s\n", req.ItemID, cp.Phase)
				prompt = prompt + "\n\n" + instructions
			}
			cp.Attempt = req.Attempt
		}
	}

	timeoutMs := e.cfg.Timeouts.ForAttempt(req.Priority, req.Attempt)
	deadline := time.Duration(timeoutMs) * time.Millisecond

	command := resolveExecutable(e.cfg.RuntimeCommand())
	args := e.cfg.RuntimeArgs()

	logFile, logPath, err := e.openLog(req, cp, timeoutMs)
	if err != nil {
		setStatus(domain.StatusFailed, err.Error())
		return Outcome{Status: OutcomeFail, Err: err, TimeoutMs: timeoutMs}
	}
	defer logFile.Close()

	monitor := NewOutputMonitor(req.ItemID, logFile)

	setStage(domain.StageSpawning)

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	if e.cfg.General.RepoRoot != "" {
		cmd.Dir = e.cfg.General.RepoRoot
	}
	// Own process group, so termination reaches worker children that share
	// the stdio pipes and would otherwise keep the drains blocked.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		setStatus(domain.StatusFailed, err.Error())
		return Outcome{Status: OutcomeFail, Err: err, LogPath: logPath, TimeoutMs: timeoutMs}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		setStatus(domain.StatusFailed, err.Error())
		return Outcome{Status: OutcomeFail, Err: err, LogPath: logPath, TimeoutMs: timeoutMs}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		setStatus(domain.StatusFailed, err.Error())
		return Outcome{Status: OutcomeFail, Err: err, LogPath: logPath, TimeoutMs: timeoutMs}
	}

	if err := cmd.Start(); err != nil {
		setStatus(domain.StatusFailed, err.Error())
		return Outcome{
			Status:    OutcomeFail,
			Err:       fmt.Errorf("starting %s: %w", command, err),
			LogPath:   logPath,
			TimeoutMs: timeoutMs,
		}
	}

	startTime := time.Now()
	e.track(req.ItemID, cmd.Process)
	defer e.untrack(req.ItemID)

	if run != nil {
		run.SetProcess(cmd.Process.Pid, logPath)
	}
	setStatus(domain.StatusRunning, "")
	setStage(domain.StageProcessing)

	// Deliver the prompt, then close stdin so the worker sees EOF
	go func() {
		io.WriteString(stdin, prompt)
		stdin.Close()
	}()

	// Drain both streams with plain blocking reads. The outer deadline is
	// enforced by the select below, racing the joined drains plus process
	// wait as a single unit. Inner reads carry no timeout of their own, so
	// nothing here can absorb the deadline.
	var outBuf lockedBuffer
	var g errgroup.Group
	drain := func(r io.Reader) func() error {
		return func() error {
			buf := make([]byte, 4096)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					chunk := buf[:n]
					monitor.OnOutput(chunk)
					outBuf.Write(chunk)
					if run != nil {
						run.AppendOutput(chunk)
					}
				}
				if err != nil {
					return nil // EOF and pipe-closed are both normal here
				}
			}
		}
	}
	g.Go(drain(stdout))
	g.Go(drain(stderr))

	exited := make(chan error, 1)
	go func() {
		g.Wait()
		exited <- cmd.Wait()
	}()

	// Periodic advisory hang checks, independent of the read path
	stopWarnings := make(chan struct{})
	go func() {
		ticker := time.NewTicker(warningCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				monitor.CheckWarnings()
			case <-stopWarnings:
				return
			}
		}
	}()
	defer close(stopWarnings)

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case waitErr := <-exited:
		return e.finishNormal(req, run, cp, monitor, &outBuf, waitErr, logFile, logPath, startTime, timeoutMs)

	case <-timer.C:
		return e.finishTimeout(req, run, cp, monitor, logFile, logPath, startTime, timeoutMs, cmd.Process, exited)

	case <-ctx.Done():
		terminate(cmd.Process, exited)
		setStatus(domain.StatusCancelled, "cancelled")
		fmt.Fprintf(logFile, "\n%s\nCANCELLED after %ds\n", strings.Repeat("=", 50), int(time.Since(startTime).Seconds()))
		return Outcome{
			Status:      OutcomeFail,
			Err:         ctx.Err(),
			LogPath:     logPath,
			ElapsedMs:   time.Since(startTime).Milliseconds(),
			TimeoutMs:   timeoutMs,
			OutputBytes: monitor.TotalBytes(),
		}
	}
}

// finishNormal handles the both-drains-finished path: checkpoint refresh,
// exit code check, completion marker check.
func (e *Executor) finishNormal(req Request, run *domain.AgentRun, cp *checkpoint.Checkpoint,
	monitor *OutputMonitor, outBuf *lockedBuffer, waitErr error,
	logFile *os.File, logPath string, startTime time.Time, timeoutMs int64) Outcome {

	elapsed := time.Since(startTime)
	output := outBuf.String()

	if run != nil {
		run.SetStage(domain.StageValidating)
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	fmt.Fprintf(logFile, "\n%s\nEnded: %s\nExit code: %d\nTotal output: %d bytes\n",
		strings.Repeat("=", 50), time.Now().Format(time.RFC3339), exitCode, len(output))

	// Refresh the checkpoint with whatever phase the artifacts now show
	detected := checkpoint.Phase("")
	if cp != nil && e.checkpoints != nil {
		detected = checkpoint.DetectPhase(req.RunDir)
		cp.Phase = detected
		if err := e.checkpoints.Save(req.RunDir, cp); err != nil {
			fmt.Printf("Warning: saving checkpoint for %s: %v\n", req.ItemID, err)
		}
	}

	if exitCode != 0 {
		if run != nil {
			run.SetStatus(domain.StatusFailed, fmt.Sprintf("worker exited with code %d", exitCode))
		}
		return Outcome{
			Status:       OutcomeFail,
			Output:       tail(output, outputTailLimit),
			ExitCode:     exitCode,
			LogPath:      logPath,
			Err:          fmt.Errorf("worker exited with code %d", exitCode),
			ElapsedMs:    elapsed.Milliseconds(),
			TimeoutMs:    timeoutMs,
			PhaseReached: detected,
			OutputBytes:  monitor.TotalBytes(),
		}
	}

	hasMarker := req.Marker != "" && strings.Contains(output, req.Marker)

	// The marker is the worker's claim of completion; deliverable validation
	// happens downstream. The checkpoint is still deleted here so a verified
	// completion never resumes stale state.
	if hasMarker && cp != nil && e.checkpoints != nil {
		e.checkpoints.Delete(req.RunDir)
	}

	if run != nil {
		run.SetStage(domain.StageDone)
		run.SetStatus(domain.StatusCompleted, "")
	}

	return Outcome{
		Status:       OutcomeOK,
		Output:       output,
		Completed:    hasMarker,
		ExitCode:     0,
		LogPath:      logPath,
		ElapsedMs:    elapsed.Milliseconds(),
		TimeoutMs:    timeoutMs,
		PhaseReached: detected,
		OutputBytes:  monitor.TotalBytes(),
	}
}

// finishTimeout handles deadline expiry: persist observed progress, kill the
// worker, and hand the caller a retryable outcome.
func (e *Executor) finishTimeout(req Request, run *domain.AgentRun, cp *checkpoint.Checkpoint,
	monitor *OutputMonitor, logFile *os.File, logPath string, startTime time.Time,
	timeoutMs int64, proc *os.Process, exited <-chan error) Outcome {

	elapsed := time.Since(startTime)

	detected := checkpoint.PhaseInit
	hasCheckpoint := false
	if req.RunDir != "" {
		detected = checkpoint.DetectPhase(req.RunDir)
	}
	if cp != nil && e.checkpoints != nil {
		cp.Phase = detected
		cp.ElapsedMs = elapsed.Milliseconds()
		cp.AddError(fmt.Sprintf("Timeout after %ds at phase %s", int(elapsed.Seconds()), detected))
		if err := e.checkpoints.Save(req.RunDir, cp); err != nil {
			fmt.Printf("Warning: saving timeout checkpoint for %s: %v\n", req.ItemID, err)
		} else {
			fmt.Printf("Saved checkpoint for %s: phase=%s\n", req.ItemID, detected)
		}
		hasCheckpoint = detected != checkpoint.PhaseInit
	}

	fmt.Fprintf(logFile, "\n%s\nTIMEOUT after %ds (limit: %ds)\nPhase reached: %s\nOutput bytes: %d\n",
		strings.Repeat("=", 50), int(elapsed.Seconds()), timeoutMs/1000, detected, monitor.TotalBytes())

	terminate(proc, exited)

	if run != nil {
		run.SetStatus(domain.StatusTimeout, fmt.Sprintf("timed out after %dms", timeoutMs))
	}

	return Outcome{
		Status:        OutcomeRetry,
		Err:           fmt.Errorf("worker timed out after %ds (phase: %s)", int(elapsed.Seconds()), detected),
		LogPath:       logPath,
		ElapsedMs:     elapsed.Milliseconds(),
		TimeoutMs:     timeoutMs,
		PhaseReached:  detected,
		HasCheckpoint: hasCheckpoint,
		OutputBytes:   monitor.TotalBytes(),
	}
}

// openLog creates the per-attempt log file and writes its header block
func (e *Executor) openLog(req Request, cp *checkpoint.Checkpoint, timeoutMs int64) (*os.File, string, error) {
	logDir := filepath.Join(e.cfg.General.StateDir, "logs")
	if req.RunDir != "" {
		logDir = filepath.Join(req.RunDir, "results")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating log dir: %w", err)
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("agent-%s-%d.log", req.ItemID, time.Now().UnixMilli()))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("creating log file: %w", err)
	}

	fmt.Fprintf(f, "=== Agent Run: %s ===\n", req.ItemID)
	fmt.Fprintf(f, "Started: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "Runtime: %s\n", e.cfg.Runtime.Name)
	fmt.Fprintf(f, "Model: %s\n", e.cfg.Model())
	fmt.Fprintf(f, "Timeout: %dms (%ds)\n", timeoutMs, timeoutMs/1000)
	fmt.Fprintf(f, "Attempt: %d\n", req.Attempt)
	if cp != nil && cp.Phase != checkpoint.PhaseInit {
		fmt.Fprintf(f, "Resuming from: %s\n", cp.Phase)
	}
	fmt.Fprintf(f, "%s\n\n", strings.Repeat("=", 50))

	return f, logPath, nil
}

// CancelAll sends a best-effort termination signal to every tracked process.
// It does not block on exit; deadline handling in each Run reaps the body.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for itemID := range e.active {
		fmt.Printf("Cancelling %s\n", itemID)
		signalGroup(e.active[itemID], syscall.SIGTERM)
	}
	e.active = make(map[string]*os.Process)
}

func (e *Executor) track(itemID string, proc *os.Process) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[itemID] = proc
}

func (e *Executor) untrack(itemID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, itemID)
}

// tail returns the last n bytes of s
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// lockedBuffer is a mutex-guarded bytes.Buffer shared by both stream drains
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
