package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cantonio/checklist-orchestrator/internal/checklist"
	"github.com/cantonio/checklist-orchestrator/internal/domain"
	"github.com/cantonio/checklist-orchestrator/internal/prompts"
)

// helperAgentTimeout bounds synthesis and tier report agent calls
const helperAgentTimeout = 180 * time.Second

// synthesisTier is the default tier for generated backlog items
const synthesisTier = "Tier 4: Reliability & Backlog Expansion"

var (
	ansiRegex      = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	jsonFenceRegex = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")
	fenceRegex     = regexp.MustCompile("```\\s*([\\s\\S]*?)\\s*```")
	rawItemsRegex  = regexp.MustCompile(`\{[\s\S]*"items"[\s\S]*\}`)
)

// extendChecklistIfNeeded synthesizes new checklist rows when the backlog
// runs dry in infinite mode. Returns true if rows were appended.
func (p *Processor) extendChecklistIfNeeded(ctx context.Context, brief string) bool {
	items, err := p.parser.Parse()
	if err != nil {
		fmt.Printf("Warning: parsing checklist for synthesis: %v\n", err)
		return false
	}
	remaining := checklist.Remaining(items)
	needed := p.cfg.General.BatchSize - len(remaining)
	if needed <= 0 {
		return false
	}

	fmt.Printf("Infinite mode: synthesizing %d new items\n", needed)

	if p.cfg.General.DryRun {
		fmt.Printf("[DRY RUN] Would synthesize %d items and append to checklist\n", needed)
		return true
	}

	content, err := os.ReadFile(p.cfg.General.ChecklistPath)
	if err != nil {
		fmt.Printf("Warning: reading checklist for synthesis: %v\n", err)
		return false
	}

	prompt, err := p.loader.BuildSynthesisPrompt(brief, prompts.SynthesisData{
		ChecklistContent: string(content),
		NeededCount:      needed,
	})
	if err != nil {
		fmt.Printf("Warning: building synthesis prompt: %v\n", err)
		return false
	}

	// stderr is dropped on purpose: it tends to carry log noise that would
	// break JSON extraction.
	stdout, _, err := p.runHelperAgent(ctx, prompt, "synthesis")
	if err != nil {
		fmt.Printf("Warning: synthesis agent failed: %v\n", err)
		return false
	}

	payload := extractJSONPayload(stdout)
	if payload == nil {
		fmt.Println("Warning: could not extract JSON from synthesis output")
		return false
	}

	generated := coerceGeneratedItems(payload)
	if len(generated) == 0 {
		fmt.Println("Warning: synthesis agent returned no usable checklist rows")
		return false
	}
	if len(generated) > needed {
		generated = generated[:needed]
	}

	if err := p.parser.AppendRows(generated); err != nil {
		fmt.Printf("Warning: appending synthesized rows: %v\n", err)
		return false
	}

	fmt.Printf("Appended %d synthesized items\n", len(generated))
	return true
}

// runHelperAgent runs a short auxiliary agent call (synthesis, tier report)
// with a hard timeout, logging the full exchange under the state dir.
func (p *Processor) runHelperAgent(ctx context.Context, prompt, label string) (string, string, error) {
	logDir := filepath.Join(p.cfg.General.StateDir, label)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating %s log dir: %w", label, err)
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("%s-%d.log", label, time.Now().UnixMilli()))

	runCtx, cancel := context.WithTimeout(ctx, helperAgentTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.cfg.RuntimeCommand(), p.cfg.RuntimeArgs()...)
	cmd.Env = os.Environ()
	cmd.Dir = p.cfg.General.RepoRoot
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	var log bytes.Buffer
	fmt.Fprintf(&log, "=== %s agent ===\n", label)
	fmt.Fprintf(&log, "Runtime: %s\nModel: %s\n", p.cfg.RuntimeCommand(), p.cfg.Model())
	fmt.Fprintf(&log, "Duration: %.2fs\nTimed out: %v\n", time.Since(start).Seconds(), timedOut)
	fmt.Fprintf(&log, "%s\n\n--- STDOUT ---\n%s\n--- STDERR ---\n%s\n", strings.Repeat("=", 60), stdout.String(), stderr.String())
	if runErr != nil {
		fmt.Fprintf(&log, "\nError: %v\n", runErr)
	}
	if err := os.WriteFile(logPath, log.Bytes(), 0o644); err != nil {
		fmt.Printf("Warning: writing %s log: %v\n", label, err)
	}

	if timedOut {
		return "", "", fmt.Errorf("%s agent timed out after %s (log: %s)", label, helperAgentTimeout, logPath)
	}
	if runErr != nil {
		return "", "", fmt.Errorf("%s agent: %w (log: %s)", label, runErr, logPath)
	}
	return stdout.String(), stderr.String(), nil
}

type generatedPayload struct {
	Items []generatedItem `json:"items"`
}

type generatedItem struct {
	ID       string `json:"id"`
	Target   string `json:"target"`
	Priority string `json:"priority"`
	Risk     string `json:"risk"`
	Status   string `json:"status"`
	Tier     string `json:"tier"`
}

// extractJSONPayload digs the items payload out of raw agent output:
// fenced json block, any fenced block, raw object containing "items",
// then the whole output as a last resort.
func extractJSONPayload(text string) *generatedPayload {
	if text == "" {
		return nil
	}
	clean := ansiRegex.ReplaceAllString(text, "")

	var candidates []string
	if m := jsonFenceRegex.FindStringSubmatch(clean); m != nil {
		candidates = append(candidates, m[1])
	}
	if m := fenceRegex.FindStringSubmatch(clean); m != nil {
		candidates = append(candidates, m[1])
	}
	if m := rawItemsRegex.FindString(clean); m != "" {
		candidates = append(candidates, m)
	}
	candidates = append(candidates, strings.TrimSpace(clean))

	for _, candidate := range candidates {
		var payload generatedPayload
		if err := json.Unmarshal([]byte(candidate), &payload); err == nil && payload.Items != nil {
			return &payload
		}
	}
	return nil
}

// coerceGeneratedItems converts the payload to checklist items, filling
// defaults for any field the agent left out.
func coerceGeneratedItems(payload *generatedPayload) []domain.ChecklistItem {
	if payload == nil {
		return nil
	}

	out := make([]domain.ChecklistItem, 0, len(payload.Items))
	for _, raw := range payload.Items {
		item := domain.ChecklistItem{
			ID:       raw.ID,
			Target:   raw.Target,
			Priority: raw.Priority,
			Risk:     raw.Risk,
			Status:   raw.Status,
			Tier:     raw.Tier,
		}
		if item.ID == "" {
			item.ID = "INF-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
		}
		if item.Target == "" {
			item.Target = "Unknown target"
		}
		if item.Priority == "" {
			item.Priority = "Medium"
		}
		if item.Risk == "" {
			item.Risk = "Medium"
		}
		if item.Status == "" {
			item.Status = domain.MarkerPending + " Not Started"
		}
		if item.Tier == "" {
			item.Tier = synthesisTier
		}
		out = append(out, item)
	}
	return out
}
