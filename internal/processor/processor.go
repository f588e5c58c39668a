// Package processor is the batch scheduler: it iterates the checklist,
// dispatches bounded-concurrency batches to the executor, classifies each
// outcome, and requeues retryable timeouts ahead of fresh work.
package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cantonio/checklist-orchestrator/internal/checklist"
	"github.com/cantonio/checklist-orchestrator/internal/checkpoint"
	"github.com/cantonio/checklist-orchestrator/internal/config"
	"github.com/cantonio/checklist-orchestrator/internal/domain"
	"github.com/cantonio/checklist-orchestrator/internal/executor"
	"github.com/cantonio/checklist-orchestrator/internal/pathlock"
	"github.com/cantonio/checklist-orchestrator/internal/prompts"
	"github.com/cantonio/checklist-orchestrator/internal/runmanager"
	"github.com/cantonio/checklist-orchestrator/internal/runstore"
)

// runSubdirs is the directory structure created inside each item run dir
var runSubdirs = []string{"config", "mocks", "research", "results", "tests", "artifacts"}

// Processor drives checklist items through worker attempts
type Processor struct {
	cfg         *config.Config
	parser      *checklist.Parser
	runs        *runmanager.Manager
	exec        *executor.Executor
	checkpoints *checkpoint.Manager
	loader      *prompts.Loader
	store       *runstore.Store
	writer      *runstore.AsyncWriter

	cancelled atomic.Bool

	attemptMu sync.Mutex
	attempts  map[string]int // item id -> current attempt number

	briefOnce sync.Once
	brief     string
}

// New builds a processor from a resolved configuration
func New(cfg *config.Config) (*Processor, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("creating directories: %w", err)
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	writer := runstore.NewAsyncWriter(store)

	locks := pathlock.NewRegistry()
	checkpoints := checkpoint.NewManager(cfg.General.RunsDir)

	return &Processor{
		cfg:         cfg,
		parser:      checklist.NewParser(cfg.General.ChecklistPath, cfg.General.RepoRoot, locks),
		runs:        runmanager.New(string(cfg.General.Mode), writer),
		exec:        executor.New(cfg, checkpoints),
		checkpoints: checkpoints,
		loader:      prompts.DefaultLoader(cfg.General.RepoRoot),
		store:       store,
		writer:      writer,
		attempts:    make(map[string]int),
	}, nil
}

// Close flushes pending writes and releases the run store
func (p *Processor) Close() {
	p.writer.Stop()
	p.store.Close()
}

// Store exposes the run store for read-only surfaces like the web API
func (p *Processor) Store() *runstore.Store {
	return p.store
}

// Runs exposes the session run table for status surfaces
func (p *Processor) Runs() *runmanager.Manager {
	return p.runs
}

// Subscribe registers a listener for session and run events
func (p *Processor) Subscribe(l runmanager.Listener) func() {
	return p.runs.Subscribe(l)
}

// Cancel requests cooperative shutdown: the loop stops at its next
// iteration boundary and every in-flight worker is signalled.
func (p *Processor) Cancel() {
	p.cancelled.Store(true)
	p.exec.CancelAll()
	fmt.Println("Cancellation requested for all agents")
}

// Process runs the batch loop until the checklist is exhausted, the
// iteration budget runs out, or cancellation is requested.
func (p *Processor) Process(ctx context.Context) (domain.ProcessingResult, error) {
	p.runs.Start()
	brief := p.missionBrief()

	result := domain.ProcessingResult{DryRun: p.cfg.General.DryRun}
	var retryQueue []domain.ChecklistItem

	iteration := 0
	for iteration < p.cfg.General.MaxIterations {
		if p.cancelled.Load() || ctx.Err() != nil {
			fmt.Println("Processing cancelled")
			break
		}
		iteration++

		items, err := p.parser.Parse()
		if err != nil {
			p.runs.Fail(err)
			return result, err
		}
		prefixTiers := checklist.BuildPrefixTierMap(items)
		remaining := checklist.Remaining(items)

		if p.cfg.General.Mode == config.ModeInfinite {
			if p.extendChecklistIfNeeded(ctx, brief) {
				items, err = p.parser.Parse()
				if err != nil {
					p.runs.Fail(err)
					return result, err
				}
				prefixTiers = checklist.BuildPrefixTierMap(items)
				remaining = checklist.Remaining(items)
			}
		}

		if len(remaining) == 0 {
			fmt.Println("All checklist items are complete. Nothing more to process.")
			break
		}

		batch := selectBatch(remaining, retryQueue, p.cfg.General.BatchSize)
		fmt.Printf("Iteration %d/%d: processing batch of %d items\n",
			iteration, p.cfg.General.MaxIterations, len(batch))

		if p.cfg.General.DryRun {
			for _, item := range batch {
				fmt.Printf("[DRY RUN] Would process %s (%s)\n", item.ID, item.Target)
			}
			result.Processed += len(batch)
			continue
		}

		outcomes := make([]itemOutcome, len(batch))
		var wg sync.WaitGroup
		for i, item := range batch {
			wg.Add(1)
			go func(i int, item domain.ChecklistItem) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						outcomes[i] = itemOutcome{
							class: classFailed,
							err:   fmt.Errorf("processing %s panicked: %v", item.ID, r),
						}
					}
				}()
				outcomes[i] = p.processItem(ctx, item, prefixTiers, brief)
			}(i, item)
		}
		wg.Wait()

		// Outcomes are classified in submission order
		var nextRetries []domain.ChecklistItem
		batchCompleted, batchFailed := 0, 0
		for i, out := range outcomes {
			item := batch[i]
			result.Processed++

			switch out.class {
			case classCompleted:
				batchCompleted++
				result.Completed++
			case classRetry:
				if out.run != nil {
					p.runs.SupersedeRun(out.run)
				}
				next := p.bumpAttempt(item.ID)
				nextRetries = append(nextRetries, item)
				fmt.Printf("%s will be retried (attempt %d/%d)\n",
					item.ID, next, p.cfg.Retry.MaxAttempts())
			default:
				batchFailed++
				result.Failed++
				if out.err != nil {
					fmt.Printf("Failed %s: %v\n", item.ID, out.err)
				}
			}
		}
		retryQueue = nextRetries
		p.runs.SetCounters(result)

		fmt.Printf("Batch %d complete: %d completed, %d failed, %d to retry\n",
			iteration, batchCompleted, batchFailed, len(nextRetries))

		if items, err := p.parser.Parse(); err == nil {
			p.GenerateTierReports(ctx, items, brief)
		}

		if len(retryQueue) > 0 && !p.cancelled.Load() && p.cfg.Retry.BaseDelayMs > 0 {
			time.Sleep(time.Duration(p.cfg.Retry.BaseDelayMs) * time.Millisecond)
		}
	}

	if iteration >= p.cfg.General.MaxIterations {
		fmt.Printf("Warning: reached max iterations (%d)\n", p.cfg.General.MaxIterations)
	}

	p.runs.Complete()
	return result, nil
}

type outcomeClass int

const (
	classCompleted outcomeClass = iota
	classFailed
	classRetry
)

type itemOutcome struct {
	class outcomeClass
	run   *domain.AgentRun
	err   error
}

// processItem runs one attempt for one item and classifies the result.
// Retry classification requires both a retryable outcome and remaining
// attempt budget; the scheduler owns the requeue.
func (p *Processor) processItem(ctx context.Context, item domain.ChecklistItem,
	prefixTiers map[string]string, brief string) itemOutcome {

	runDir := p.runDirFor(item, prefixTiers)
	attempt := p.attemptFor(item.ID)
	maxAttempts := p.cfg.Retry.MaxAttempts()

	run := p.runs.CreateRun(item, runDir, maxAttempts, attempt)
	fmt.Printf("Starting %s (attempt %d/%d): %s\n", item.ID, attempt, maxAttempts, item.Target)

	if err := setupRunDirectory(runDir); err != nil {
		run.SetStatus(domain.StatusFailed, err.Error())
		p.markFailed(item.ID)
		return itemOutcome{class: classFailed, run: run, err: err}
	}

	run.SetStage(domain.StagePromptBuild)
	prompt, err := p.loader.BuildItemPrompt(prompts.ItemData{
		ItemID:           item.ID,
		Target:           item.Target,
		Priority:         item.Priority,
		Risk:             item.Risk,
		MissionBrief:     brief,
		ChecklistFile:    p.relToRoot(p.cfg.General.ChecklistPath),
		RunDir:           p.relToRoot(runDir),
		CompletionMarker: p.cfg.General.CompletionMarker,
	})
	if err != nil {
		run.SetStatus(domain.StatusFailed, err.Error())
		p.markFailed(item.ID)
		return itemOutcome{class: classFailed, run: run, err: fmt.Errorf("building prompt for %s: %w", item.ID, err)}
	}

	outcome := p.exec.Run(ctx, executor.Request{
		ItemID:   item.ID,
		Prompt:   prompt,
		RunDir:   runDir,
		Marker:   p.cfg.General.CompletionMarker,
		Priority: item.Priority,
		Attempt:  attempt,
		Track:    run,
	})

	switch {
	case outcome.Retryable():
		if attempt < maxAttempts {
			fmt.Printf("%s timed out after %ds at phase %s (checkpoint: %v)\n",
				item.ID, outcome.ElapsedMs/1000, outcome.PhaseReached, outcome.HasCheckpoint)
			return itemOutcome{class: classRetry, run: run}
		}
		fmt.Printf("%s exhausted all %d attempts\n", item.ID, maxAttempts)
		p.markFailed(item.ID)
		return itemOutcome{class: classFailed, run: run, err: outcome.Err}

	case outcome.Status == executor.OutcomeOK:
		if p.validateCompletion(outcome, runDir) {
			if err := p.parser.UpdateStatus(item.ID, domain.MarkerCompleted+" Completed"); err != nil {
				fmt.Printf("Warning: updating status for %s: %v\n", item.ID, err)
			}
			fmt.Printf("Completed %s in %ds\n", item.ID, outcome.ElapsedMs/1000)
			return itemOutcome{class: classCompleted, run: run}
		}
		run.SetStatus(domain.StatusFailed, "worker exited cleanly without a verified deliverable")
		p.markFailed(item.ID)
		return itemOutcome{class: classFailed, run: run,
			err: fmt.Errorf("%s finished without completion marker and final report", item.ID)}

	default:
		p.markFailed(item.ID)
		return itemOutcome{class: classFailed, run: run, err: outcome.Err}
	}
}

// validateCompletion is the deliverable check: the worker must have claimed
// completion via the marker and left a non-trivial final report behind.
func (p *Processor) validateCompletion(outcome executor.Outcome, runDir string) bool {
	return outcome.Completed && checkpoint.PhaseCompleted(runDir, checkpoint.PhaseReport)
}

func (p *Processor) markFailed(itemID string) {
	if err := p.parser.UpdateStatus(itemID, domain.MarkerFailed+" Failed"); err != nil {
		fmt.Printf("Warning: updating status for %s: %v\n", itemID, err)
	}
}

// selectBatch picks up to batchSize items, retried items strictly ahead of
// never-attempted ones.
func selectBatch(remaining, retries []domain.ChecklistItem, batchSize int) []domain.ChecklistItem {
	retried := make(map[string]bool, len(retries))
	batch := make([]domain.ChecklistItem, 0, batchSize)

	for _, item := range retries {
		if len(batch) == batchSize {
			break
		}
		retried[item.ID] = true
		batch = append(batch, item)
	}
	for _, item := range remaining {
		if len(batch) == batchSize {
			break
		}
		if !retried[item.ID] {
			batch = append(batch, item)
		}
	}
	return batch
}

func (p *Processor) runDirFor(item domain.ChecklistItem, prefixTiers map[string]string) string {
	heading := checklist.ResolveTierHeading(item, prefixTiers)
	return filepath.Join(p.cfg.General.RunsDir, checklist.SanitizeTierName(heading), item.ID)
}

func setupRunDirectory(runDir string) error {
	for _, sub := range runSubdirs {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return fmt.Errorf("creating run directory: %w", err)
		}
	}
	return nil
}

// attemptFor returns the current attempt number for an item, starting at 1
func (p *Processor) attemptFor(itemID string) int {
	p.attemptMu.Lock()
	defer p.attemptMu.Unlock()
	if n, ok := p.attempts[itemID]; ok {
		return n
	}
	p.attempts[itemID] = 1
	return 1
}

// bumpAttempt increments an item's attempt counter, once per requeue
func (p *Processor) bumpAttempt(itemID string) int {
	p.attemptMu.Lock()
	defer p.attemptMu.Unlock()
	if _, ok := p.attempts[itemID]; !ok {
		p.attempts[itemID] = 1
	}
	p.attempts[itemID]++
	return p.attempts[itemID]
}

// missionBrief loads the checklist frontmatter mission once per session
func (p *Processor) missionBrief() string {
	p.briefOnce.Do(func() {
		fm, err := p.parser.LoadFrontmatter()
		if err != nil {
			fmt.Printf("Warning: loading mission brief: %v\n", err)
			return
		}
		if fm != nil {
			p.brief = fm.Mission
		}
	})
	return p.brief
}

func (p *Processor) relToRoot(path string) string {
	if rel, err := filepath.Rel(p.cfg.General.RepoRoot, path); err == nil {
		return rel
	}
	return path
}

// Status summarizes the processor for status surfaces
func (p *Processor) Status() map[string]interface{} {
	active := p.runs.ActiveRuns()
	views := make([]domain.View, 0, len(active))
	for _, run := range active {
		views = append(views, run.Snapshot())
	}

	return map[string]interface{}{
		"session":     p.runs.SessionID(),
		"status":      p.runs.Status(),
		"summary":     p.runs.Summary(),
		"active_runs": views,
		"config": map[string]interface{}{
			"batch_size": p.cfg.General.BatchSize,
			"runtime":    string(p.cfg.Runtime.Name),
			"model":      p.cfg.Model(),
			"mode":       string(p.cfg.General.Mode),
		},
	}
}
