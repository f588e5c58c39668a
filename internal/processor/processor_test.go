package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cantonio/checklist-orchestrator/internal/config"
	"github.com/cantonio/checklist-orchestrator/internal/domain"
)

const testChecklist = `---
mission: Probe the system under test for reliability gaps
system_name: demo
---

# SUT Checklist

## Tier 1: Core

| ID | Target | Priority | Risk | Status |
|----|--------|----------|------|--------|
| T1-001 | /auth/login | P1 Medium | Medium | ☐ Not Started |
| T1-002 | /auth/logout | P2 Low | Low | ☐ Not Started |
`

// succeedingAgent drains its prompt, drops a final report into every run
// directory, and claims completion.
const succeedingAgent = `cat > /dev/null
for d in runs/*/*/; do
  yes "finding line" | head -40 > "${d}FINAL_REPORT.md"
done
echo "ITEM_COMPLETE"
`

const hangingAgent = `cat > /dev/null
sleep 600
`

func writeAgent(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestProcessor(t *testing.T, agentScript, checklistContent string, mutate func(*config.Config)) *Processor {
	t.Helper()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "SUT-CHECKLIST.md"), []byte(checklistContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.General.RepoRoot = root
	cfg.Runtime.Command = agentScript
	cfg.Retry.BaseDelayMs = 10
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}

	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestProcess_EndToEnd(t *testing.T) {
	script := writeAgent(t, succeedingAgent)
	p := newTestProcessor(t, script, testChecklist, func(cfg *config.Config) {
		cfg.General.BatchSize = 2
		cfg.General.MaxIterations = 3
	})

	result, err := p.Process(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.Completed != 2 || result.Failed != 0 || result.Processed != 2 {
		t.Fatalf("result = %+v", result)
	}

	content, err := os.ReadFile(p.cfg.General.ChecklistPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(content), domain.MarkerCompleted); got != 2 {
		t.Errorf("checklist has %d completed markers, want 2:\n%s", got, content)
	}

	if p.Runs().Status() != "completed" {
		t.Errorf("session status = %s", p.Runs().Status())
	}
	summary := p.Runs().Summary()
	if summary.Completed != 2 {
		t.Errorf("summary = %+v", summary)
	}

	// All items in the tier completed, so a tier report must exist
	reportPath := filepath.Join(p.cfg.General.RunsDir, "tier_1_core", "tier_1_core-FINAL-REPORT.md")
	report, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("tier report not generated: %v", err)
	}
	if !strings.Contains(string(report), "Tier 1: Core") {
		t.Errorf("tier report content:\n%s", report)
	}
}

func TestProcess_TimeoutRetryThenFailure(t *testing.T) {
	singleItem := strings.Replace(testChecklist,
		"| T1-002 | /auth/logout | P2 Low | Low | ☐ Not Started |\n", "", 1)

	script := writeAgent(t, hangingAgent)
	p := newTestProcessor(t, script, singleItem, func(cfg *config.Config) {
		cfg.General.BatchSize = 2
		cfg.General.MaxIterations = 5
		cfg.Timeouts.BaseTimeoutMs = 2000
		cfg.Retry.MaxRetries = 1
	})

	start := time.Now()
	result, err := p.Process(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Two attempts total: the first times out and is requeued, the second
	// exhausts the budget and fails terminally.
	if result.Processed != 2 || result.Failed != 1 || result.Completed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("took %s, retries should resolve quickly at a 2s deadline", elapsed)
	}

	content, _ := os.ReadFile(p.cfg.General.ChecklistPath)
	if !strings.Contains(string(content), domain.MarkerFailed) {
		t.Errorf("checklist not marked failed:\n%s", content)
	}

	runs := p.Runs().AllRuns()
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want one per attempt", len(runs))
	}
	var supersededSeen, timeoutSeen bool
	for _, run := range runs {
		view := run.Snapshot()
		switch view.Attempt {
		case 1:
			supersededSeen = view.Status == domain.StatusFailed && strings.Contains(view.Error, "superseded")
		case 2:
			timeoutSeen = view.Status == domain.StatusTimeout
		}
	}
	if !supersededSeen {
		t.Error("first attempt not marked superseded by retry")
	}
	if !timeoutSeen {
		t.Error("final attempt should end in timeout status")
	}
}

func TestProcess_DryRun(t *testing.T) {
	script := writeAgent(t, succeedingAgent)
	p := newTestProcessor(t, script, testChecklist, func(cfg *config.Config) {
		cfg.General.DryRun = true
		cfg.General.MaxIterations = 2
	})

	result, err := p.Process(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !result.DryRun {
		t.Error("result should be flagged dry-run")
	}
	// Dry-run never updates statuses, so both items count every iteration
	if result.Processed != 4 {
		t.Errorf("processed = %d, want 2 items x 2 iterations", result.Processed)
	}

	content, _ := os.ReadFile(p.cfg.General.ChecklistPath)
	if strings.Contains(string(content), domain.MarkerCompleted) || strings.Contains(string(content), domain.MarkerFailed) {
		t.Errorf("dry run mutated the checklist:\n%s", content)
	}

	entries, _ := os.ReadDir(p.cfg.General.RunsDir)
	if len(entries) != 0 {
		t.Errorf("dry run created run directories: %v", entries)
	}
}

func TestSelectBatch(t *testing.T) {
	items := func(ids ...string) []domain.ChecklistItem {
		out := make([]domain.ChecklistItem, len(ids))
		for i, id := range ids {
			out[i] = domain.ChecklistItem{ID: id}
		}
		return out
	}

	batch := selectBatch(items("A", "B", "C"), items("B"), 2)
	if len(batch) != 2 || batch[0].ID != "B" || batch[1].ID != "A" {
		t.Errorf("batch = %v, want retried item first, no duplicates", batch)
	}

	batch = selectBatch(items("A", "B"), nil, 5)
	if len(batch) != 2 {
		t.Errorf("batch = %v", batch)
	}

	batch = selectBatch(items("A"), items("B", "C"), 2)
	if len(batch) != 2 || batch[0].ID != "B" || batch[1].ID != "C" {
		t.Errorf("batch = %v, retried items fill the budget first", batch)
	}
}

func TestExtractJSONPayload(t *testing.T) {
	fenced := "Here you go:\n```json\n{\"items\": [{\"id\": \"INF-001\"}]}\n```\ndone"
	genericFence := "```\n{\"items\": [{\"id\": \"INF-002\"}]}\n```"
	raw := "Some prose first {\"items\": [{\"id\": \"INF-003\"}]} trailing"
	whole := "  {\"items\": []}  "

	cases := []struct {
		name, text string
		wantID     string
		wantNil    bool
	}{
		{"json fence", fenced, "INF-001", false},
		{"generic fence", genericFence, "INF-002", false},
		{"raw object", raw, "INF-003", false},
		{"whole output", whole, "", false},
		{"ansi noise", "\x1b[32m" + fenced + "\x1b[0m", "INF-001", false},
		{"garbage", "no json here", "", true},
		{"empty", "", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := extractJSONPayload(tc.text)
			if tc.wantNil {
				if payload != nil {
					t.Fatalf("payload = %+v, want nil", payload)
				}
				return
			}
			if payload == nil {
				t.Fatal("payload = nil")
			}
			if tc.wantID != "" && (len(payload.Items) == 0 || payload.Items[0].ID != tc.wantID) {
				t.Errorf("items = %+v", payload.Items)
			}
		})
	}
}

func TestCoerceGeneratedItems(t *testing.T) {
	payload := &generatedPayload{Items: []generatedItem{
		{ID: "INF-100", Target: "/queue/depth", Priority: "P0 Critical", Risk: "High", Status: "☐ Not Started", Tier: "Tier 2: Edge"},
		{}, // everything defaulted
	}}

	items := coerceGeneratedItems(payload)
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}

	if items[0].ID != "INF-100" || items[0].Tier != "Tier 2: Edge" {
		t.Errorf("explicit fields lost: %+v", items[0])
	}

	blank := items[1]
	if !strings.HasPrefix(blank.ID, "INF-") || len(blank.ID) != len("INF-")+6 {
		t.Errorf("generated id = %q", blank.ID)
	}
	if blank.Target != "Unknown target" || blank.Priority != "Medium" || blank.Risk != "Medium" {
		t.Errorf("defaults not applied: %+v", blank)
	}
	if blank.Status != domain.MarkerPending+" Not Started" || blank.Tier != synthesisTier {
		t.Errorf("defaults not applied: %+v", blank)
	}

	if coerceGeneratedItems(nil) != nil {
		t.Error("nil payload should coerce to nil")
	}
}

func TestExtendChecklist_AppendsSynthesizedRows(t *testing.T) {
	completed := strings.ReplaceAll(testChecklist, "☐ Not Started", "✅ Completed")

	script := writeAgent(t, fmt.Sprintf(`cat > /dev/null
cat <<'EOF'
Backlog proposal below.
%s
{"items": [{"id": "INF-001", "target": "/queue/depth", "priority": "P1", "risk": "High"}]}
%s
EOF
`, "```json", "```"))

	p := newTestProcessor(t, script, completed, func(cfg *config.Config) {
		cfg.General.Mode = config.ModeInfinite
		cfg.General.BatchSize = 2
	})

	if !p.extendChecklistIfNeeded(context.Background(), "brief") {
		t.Fatal("expected synthesis to append rows")
	}

	items, err := p.parser.Parse()
	if err != nil {
		t.Fatal(err)
	}
	var found *domain.ChecklistItem
	for i := range items {
		if items[i].ID == "INF-001" {
			found = &items[i]
		}
	}
	if found == nil {
		t.Fatalf("synthesized item not in checklist: %v", items)
	}
	if found.Tier != synthesisTier {
		t.Errorf("tier = %q", found.Tier)
	}
	if !found.IsPending() {
		t.Errorf("status = %q", found.Status)
	}
}

func TestExtendChecklist_SkipsWhenBacklogFull(t *testing.T) {
	script := writeAgent(t, succeedingAgent)
	p := newTestProcessor(t, script, testChecklist, func(cfg *config.Config) {
		cfg.General.Mode = config.ModeInfinite
		cfg.General.BatchSize = 2
	})

	if p.extendChecklistIfNeeded(context.Background(), "") {
		t.Error("synthesis should be skipped while enough items remain")
	}
}

func TestGenerateTierReports_UsesAgentContent(t *testing.T) {
	completed := strings.ReplaceAll(testChecklist, "☐ Not Started", "✅ Completed")
	script := writeAgent(t, `cat > /dev/null
echo "# Tier 1: Core Deep Report"
echo ""
echo "All endpoints held up under the probe suite without regressions."
`)
	p := newTestProcessor(t, script, completed, nil)

	items, err := p.parser.Parse()
	if err != nil {
		t.Fatal(err)
	}

	// Seed per-item reports for the digest
	prefixTiers := map[string]string{"T1": "Tier 1: Core"}
	for _, item := range items {
		runDir := p.runDirFor(item, prefixTiers)
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			t.Fatal(err)
		}
		report := strings.Repeat("finding ", 20)
		if err := os.WriteFile(filepath.Join(runDir, "FINAL_REPORT.md"), []byte(report), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	written := p.GenerateTierReports(context.Background(), items, "brief")
	if len(written) != 1 {
		t.Fatalf("written = %v", written)
	}

	content, err := os.ReadFile(written[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(content), "# Tier 1: Core Deep Report") {
		t.Errorf("agent content not used:\n%s", content)
	}

	// Existing reports are never regenerated
	if again := p.GenerateTierReports(context.Background(), items, "brief"); len(again) != 0 {
		t.Errorf("report regenerated: %v", again)
	}
}

func TestGenerateTierReports_SkipsIncompleteTiers(t *testing.T) {
	script := writeAgent(t, succeedingAgent)
	p := newTestProcessor(t, script, testChecklist, nil)

	items, err := p.parser.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if written := p.GenerateTierReports(context.Background(), items, ""); len(written) != 0 {
		t.Errorf("report generated for incomplete tier: %v", written)
	}
}

func TestCleanAgentOutput(t *testing.T) {
	withHeading := "\x1b[32mTool chatter\x1b[0m\nsome noise\n# Real Report\nBody text"
	if got := cleanAgentOutput(withHeading); !strings.HasPrefix(got, "# Real Report") {
		t.Errorf("cleaned = %q", got)
	}

	noHeading := "| table row |\nUsing Read on file\nplain conclusion line"
	if got := cleanAgentOutput(noHeading); got != "plain conclusion line" {
		t.Errorf("cleaned = %q", got)
	}

	if cleanAgentOutput("") != "" {
		t.Error("empty input should stay empty")
	}
}
