package checklist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cantonio/checklist-orchestrator/internal/domain"
	"github.com/cantonio/checklist-orchestrator/internal/pathlock"
)

const sampleChecklist = `---
mission: Validate the payment gateway
system_name: paygate
focus:
  - latency
  - error handling
---

# SUT Checklist

## Tier 1: Core API

### Authentication

| ID | Target | Priority | Risk | Status |
|----|--------|----------|------|--------|
| T1-001 | /auth/login | P0 Critical | High | ☐ Not Started |
| T1-002 | /auth/refresh | P1 High | Medium | ✅ Complete |

## Tier 2: Integrations

| ID | Target | Priority | Risk | Status |
|----|--------|----------|------|--------|
| T2-001 | webhook delivery | P2 Low | Low | ❌ Failed |
`

func writeChecklist(t *testing.T, content string) *Parser {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "SUT-CHECKLIST.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewParser(path, dir, pathlock.NewRegistry())
}

func TestParse(t *testing.T) {
	p := writeChecklist(t, sampleChecklist)

	items, err := p.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("parsed %d items, want 3", len(items))
	}

	first := items[0]
	if first.ID != "T1-001" || first.Target != "/auth/login" {
		t.Errorf("first item = %+v", first)
	}
	if first.Priority != "P0 Critical" || first.Risk != "High" {
		t.Errorf("first item priority/risk = %q/%q", first.Priority, first.Risk)
	}
	if first.Tier != "Tier 1: Core API" {
		t.Errorf("first item tier = %q", first.Tier)
	}
	if first.Section != "Authentication" {
		t.Errorf("first item section = %q", first.Section)
	}

	if items[2].Tier != "Tier 2: Integrations" {
		t.Errorf("third item tier = %q", items[2].Tier)
	}
	if items[2].Section != "" {
		t.Errorf("third item section = %q, want empty", items[2].Section)
	}
}

func TestParse_MissingFile(t *testing.T) {
	p := NewParser(filepath.Join(t.TempDir(), "nope.md"), t.TempDir(), nil)
	if _, err := p.Parse(); err == nil {
		t.Error("missing checklist should return an error")
	}
}

func TestRemaining(t *testing.T) {
	p := writeChecklist(t, sampleChecklist)
	items, err := p.Parse()
	if err != nil {
		t.Fatal(err)
	}

	remaining := Remaining(items)
	if len(remaining) != 1 {
		t.Fatalf("remaining = %d items, want 1", len(remaining))
	}
	if remaining[0].ID != "T1-001" {
		t.Errorf("remaining item = %s, want T1-001", remaining[0].ID)
	}
}

func TestUpdateStatus(t *testing.T) {
	p := writeChecklist(t, sampleChecklist)

	if err := p.UpdateStatus("T1-001", domain.MarkerCompleted+" Complete"); err != nil {
		t.Fatal(err)
	}

	items, err := p.Parse()
	if err != nil {
		t.Fatal(err)
	}
	for _, item := range items {
		if item.ID == "T1-001" {
			if !item.IsCompleted() {
				t.Errorf("T1-001 status = %q, want completed", item.Status)
			}
		}
		if item.ID == "T1-002" && !item.IsCompleted() {
			t.Error("other rows must not be touched")
		}
	}
}

func TestAppendRows_ExistingTier(t *testing.T) {
	p := writeChecklist(t, sampleChecklist)

	err := p.AppendRows([]domain.ChecklistItem{
		{ID: "T1-003", Target: "/auth/logout", Priority: "P1 Medium", Risk: "Low", Tier: "Tier 1: Core API"},
	})
	if err != nil {
		t.Fatal(err)
	}

	items, err := p.Parse()
	if err != nil {
		t.Fatal(err)
	}
	var found *domain.ChecklistItem
	for i := range items {
		if items[i].ID == "T1-003" {
			found = &items[i]
		}
	}
	if found == nil {
		t.Fatal("appended item not parsed back")
	}
	if found.Tier != "Tier 1: Core API" {
		t.Errorf("appended item tier = %q", found.Tier)
	}
	if !found.IsPending() {
		t.Errorf("appended item status = %q, want pending", found.Status)
	}
}

func TestAppendRows_NewTierSection(t *testing.T) {
	p := writeChecklist(t, sampleChecklist)

	err := p.AppendRows([]domain.ChecklistItem{
		{ID: "T3-001", Target: "load soak", Priority: "P2 Low", Risk: "Low", Tier: "Tier 3: Performance"},
	})
	if err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(p.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "## Tier 3: Performance") {
		t.Error("new tier heading missing")
	}

	items, _ := p.Parse()
	last := items[len(items)-1]
	if last.ID != "T3-001" || last.Tier != "Tier 3: Performance" {
		t.Errorf("last item = %+v", last)
	}
}

func TestAppendRows_TierFromPrefix(t *testing.T) {
	p := writeChecklist(t, sampleChecklist)

	// No Tier set: resolved from the T2 prefix of existing items
	err := p.AppendRows([]domain.ChecklistItem{
		{ID: "T2-002", Target: "retry queue", Priority: "P1 Medium", Risk: "Medium"},
	})
	if err != nil {
		t.Fatal(err)
	}

	items, _ := p.Parse()
	for _, item := range items {
		if item.ID == "T2-002" {
			if item.Tier != "Tier 2: Integrations" {
				t.Errorf("tier = %q, want Tier 2: Integrations", item.Tier)
			}
			return
		}
	}
	t.Fatal("T2-002 not found after append")
}

func TestParseFrontmatter(t *testing.T) {
	p := writeChecklist(t, sampleChecklist)

	fm, err := p.LoadFrontmatter()
	if err != nil {
		t.Fatal(err)
	}
	if fm.Mission != "Validate the payment gateway" {
		t.Errorf("mission = %q", fm.Mission)
	}
	if fm.SystemName != "paygate" {
		t.Errorf("system_name = %q", fm.SystemName)
	}
	if len(fm.Focus) != 2 || fm.Focus[0] != "latency" {
		t.Errorf("focus = %v", fm.Focus)
	}
}

func TestParseFrontmatter_Absent(t *testing.T) {
	fm, body, err := ParseFrontmatter([]byte("# Plain checklist\n"))
	if err != nil {
		t.Fatal(err)
	}
	if fm.Mission != "" {
		t.Errorf("mission = %q, want empty", fm.Mission)
	}
	if !strings.HasPrefix(string(body), "# Plain checklist") {
		t.Errorf("body = %q", body)
	}
}

func TestSanitizeTierName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"## Tier 1: Core API", "tier_1_core_api"},
		{"Tier 2: Integrations", "tier_2_integrations"},
		{"", "uncategorized"},
		{"## !!!", "uncategorized"},
	}
	for _, c := range cases {
		if got := SanitizeTierName(c.in); got != c.want {
			t.Errorf("SanitizeTierName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
