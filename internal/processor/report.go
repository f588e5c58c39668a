package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cantonio/checklist-orchestrator/internal/checklist"
	"github.com/cantonio/checklist-orchestrator/internal/domain"
	"github.com/cantonio/checklist-orchestrator/internal/prompts"
)

// reportMinLength is the shortest agent output accepted as a tier report
const reportMinLength = 50

var markdownHeadingRegex = regexp.MustCompile(`(?m)^# `)

// GenerateTierReports writes an aggregated report for every tier whose items
// are all completed. Existing reports are never regenerated. Returns the
// paths of reports written.
func (p *Processor) GenerateTierReports(ctx context.Context, items []domain.ChecklistItem, brief string) []string {
	prefixTiers := checklist.BuildPrefixTierMap(items)

	tiers := make(map[string][]domain.ChecklistItem)
	for _, item := range items {
		heading := checklist.ResolveTierHeading(item, prefixTiers)
		if heading == "" {
			continue
		}
		name := strings.TrimPrefix(heading, "## ")
		tiers[name] = append(tiers[name], item)
	}

	names := make([]string, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}
	sort.Strings(names)

	var written []string
	for _, name := range names {
		tierItems := tiers[name]
		complete := true
		for _, item := range tierItems {
			if !item.IsCompleted() {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}

		sanitized := checklist.SanitizeTierName(name)
		tierDir := filepath.Join(p.cfg.General.RunsDir, sanitized)
		reportPath := filepath.Join(tierDir, sanitized+"-FINAL-REPORT.md")
		if _, err := os.Stat(reportPath); err == nil {
			continue
		}

		if err := os.MkdirAll(tierDir, 0o755); err != nil {
			fmt.Printf("Warning: creating tier report dir: %v\n", err)
			continue
		}

		digest := p.collectItemReports(tierItems, prefixTiers)
		content := p.generateReportWithAgent(ctx, name, tierItems, brief, digest)
		if content == "" {
			content = fmt.Sprintf("# %s - Tier Report\n\n%s", name, digest)
		}

		if err := os.WriteFile(reportPath, []byte(content), 0o644); err != nil {
			fmt.Printf("Warning: writing tier report for %s: %v\n", name, err)
			continue
		}

		fmt.Printf("Generated tier report: %s (%d items)\n", name, len(tierItems))
		written = append(written, reportPath)
	}

	return written
}

// collectItemReports concatenates each item's final report into one digest
func (p *Processor) collectItemReports(items []domain.ChecklistItem, prefixTiers map[string]string) string {
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "\n\n### Report for %s: %s\n", item.ID, item.Target)
		reportFile := filepath.Join(p.runDirFor(item, prefixTiers), "FINAL_REPORT.md")
		if data, err := os.ReadFile(reportFile); err == nil {
			b.Write(data)
		} else {
			b.WriteString("*No final report found for this item.*")
		}
		b.WriteString("\n\n---")
	}
	return b.String()
}

// generateReportWithAgent asks the agent for a stakeholder-ready tier
// report. Returns "" when the agent fails or its output is too thin, in
// which case the caller falls back to the plain digest.
func (p *Processor) generateReportWithAgent(ctx context.Context, tierName string,
	items []domain.ChecklistItem, brief, digest string) string {

	rows := make([]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, checklist.FormatRow(item))
	}

	prompt, err := p.loader.BuildTierReportPrompt(prompts.TierReportData{
		TierName:      tierName,
		MissionBrief:  brief,
		ChecklistRows: strings.Join(rows, "\n"),
		ReportDigest:  digest,
	})
	if err != nil {
		fmt.Printf("Warning: building tier report prompt: %v\n", err)
		return ""
	}

	fmt.Printf("Generating tier report for %s via %s\n", tierName, p.cfg.RuntimeCommand())
	stdout, stderr, err := p.runHelperAgent(ctx, prompt, "reports")
	if err != nil {
		fmt.Printf("Warning: tier report agent for %s: %v\n", tierName, err)
		return ""
	}

	cleaned := cleanAgentOutput(stdout + stderr)
	if len(cleaned) < reportMinLength {
		fmt.Printf("Warning: agent output too short for %s, using fallback report\n", tierName)
		return ""
	}
	return cleaned
}

// cleanAgentOutput strips ANSI codes and extracts the markdown report: from
// the first top-level heading when present, otherwise by filtering out
// tool-chatter lines.
func cleanAgentOutput(text string) string {
	if text == "" {
		return ""
	}
	clean := ansiRegex.ReplaceAllString(text, "")

	if loc := markdownHeadingRegex.FindStringIndex(clean); loc != nil {
		return strings.TrimSpace(clean[loc[0]:])
	}

	var kept []string
	for _, line := range strings.Split(clean, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") ||
			strings.Contains(line, "Glob") ||
			strings.Contains(line, "Read") ||
			strings.Contains(line, "Tool") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
