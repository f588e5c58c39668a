// Package checklist parses and updates the markdown checklist that drives
// processing. Items live in per-tier tables; status changes rewrite the
// status cell in place, and new items are appended under their tier.
package checklist

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/cantonio/checklist-orchestrator/internal/domain"
	"github.com/cantonio/checklist-orchestrator/internal/pathlock"
)

const (
	tableHeader  = "| ID | Target | Priority | Risk | Status |"
	tableDivider = "|----|--------|----------|------|--------|"
)

var tierSanitizeRegex = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Parser reads and rewrites a checklist markdown file. All writers of the
// same file are serialized through the shared lock registry.
type Parser struct {
	checklistPath string
	repoRoot      string
	locks         *pathlock.Registry
}

// NewParser creates a parser for the given checklist file
func NewParser(checklistPath, repoRoot string, locks *pathlock.Registry) *Parser {
	if locks == nil {
		locks = pathlock.NewRegistry()
	}
	return &Parser{checklistPath: checklistPath, repoRoot: repoRoot, locks: locks}
}

// Path returns the checklist file path
func (p *Parser) Path() string {
	return p.checklistPath
}

// Parse reads the checklist file and returns all table items in file order
func (p *Parser) Parse() ([]domain.ChecklistItem, error) {
	content, err := os.ReadFile(p.checklistPath)
	if err != nil {
		return nil, fmt.Errorf("reading checklist: %w", err)
	}
	return parseContent(string(content)), nil
}

func parseContent(content string) []domain.ChecklistItem {
	var items []domain.ChecklistItem

	currentTier := ""
	currentSection := ""
	inTable := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "## ") {
			currentTier = strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
			currentSection = ""
			inTable = false
			continue
		}
		if strings.HasPrefix(trimmed, "### ") {
			currentSection = strings.TrimPrefix(trimmed, "### ")
			continue
		}

		if strings.Contains(line, "| ID |") && strings.Contains(line, "| Target |") {
			inTable = true
			continue
		}

		if inTable && strings.HasPrefix(trimmed, "|") {
			cols := splitRow(trimmed)
			if len(cols) >= 5 {
				id := cols[0]
				if id == "ID" || strings.HasPrefix(id, "---") {
					continue
				}
				items = append(items, domain.ChecklistItem{
					ID:       id,
					Target:   cols[1],
					Priority: cols[2],
					Risk:     cols[3],
					Status:   cols[4],
					Tier:     currentTier,
					Section:  currentSection,
				})
			}
			continue
		}

		if inTable && trimmed != "" && !strings.Contains(trimmed, "|") {
			inTable = false
		}
	}

	return items
}

func splitRow(row string) []string {
	var cols []string
	for _, c := range strings.Split(row, "|") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}

// Remaining filters to items that still need processing
func Remaining(items []domain.ChecklistItem) []domain.ChecklistItem {
	var out []domain.ChecklistItem
	for _, item := range items {
		if item.IsPending() {
			out = append(out, item)
		}
	}
	return out
}

// UpdateStatus rewrites the status cell of the item's table row in place
func (p *Parser) UpdateStatus(itemID, newStatus string) error {
	lock := p.locks.Get(p.checklistPath)
	lock.Lock()
	defer lock.Unlock()

	content := p.readSafe(p.checklistPath)
	lines := strings.Split(content, "\n")

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "|") || !strings.Contains(line, " "+itemID+" ") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) >= 6 {
			parts[5] = " " + newStatus + " "
			lines[i] = strings.Join(parts, "|")
		}
	}

	return p.writeAtomically(p.checklistPath, strings.Join(lines, "\n"))
}

// AppendRows appends new items under their tier tables, creating missing
// tier sections at the end of the file.
func (p *Parser) AppendRows(items []domain.ChecklistItem) error {
	if len(items) == 0 {
		return nil
	}

	lock := p.locks.Get(p.checklistPath)
	lock.Lock()
	defer lock.Unlock()

	content := p.readSafe(p.checklistPath)

	existing := parseContent(content)
	prefixTiers := BuildPrefixTierMap(existing)

	grouped := groupByTier(items, prefixTiers)

	headings := make([]string, 0, len(grouped))
	for heading := range grouped {
		headings = append(headings, heading)
	}
	sort.Strings(headings)

	for _, heading := range headings {
		if !strings.Contains(content, heading) {
			content = ensureTierSection(content, heading)
		}
	}

	lines := strings.Split(content, "\n")
	meta := buildTierTableMetadata(lines)

	type insertion struct {
		line int
		rows []string
	}
	var insertions []insertion
	for _, heading := range headings {
		m, ok := meta[heading]
		if !ok || m.insertLine < 0 {
			continue
		}
		rows := make([]string, 0, len(grouped[heading]))
		for _, item := range grouped[heading] {
			rows = append(rows, FormatRow(item))
		}
		insertions = append(insertions, insertion{line: m.insertLine, rows: rows})
	}

	// Insert bottom-up so earlier line numbers stay valid
	sort.Slice(insertions, func(i, j int) bool { return insertions[i].line > insertions[j].line })
	for _, ins := range insertions {
		tail := append([]string{}, lines[ins.line:]...)
		lines = append(lines[:ins.line], append(ins.rows, tail...)...)
	}

	return p.writeAtomically(p.checklistPath, strings.Join(lines, "\n"))
}

func (p *Parser) readSafe(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.repoRoot, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// writeAtomically writes via temp file + rename in the target directory
func (p *Parser) writeAtomically(path, content string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.repoRoot, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// FormatRow renders an item as a five-column markdown table row
func FormatRow(item domain.ChecklistItem) string {
	status := item.Status
	if status == "" {
		status = domain.MarkerPending + " Not Started"
	}
	return fmt.Sprintf("| %s | %s | %s | %s | %s |", item.ID, item.Target, item.Priority, item.Risk, status)
}

// BuildPrefixTierMap maps ID prefixes (e.g. "T1" from "T1-003") to tier headings
func BuildPrefixTierMap(items []domain.ChecklistItem) map[string]string {
	out := make(map[string]string)
	for _, item := range items {
		prefix := idPrefix(item.ID)
		if prefix != "" && item.Tier != "" {
			out[prefix] = item.Tier
		}
	}
	return out
}

func idPrefix(id string) string {
	if i := strings.Index(id, "-"); i > 0 {
		return strings.ToUpper(id[:i])
	}
	return strings.ToUpper(id)
}

// ResolveTierHeading returns the "## ..." heading an item belongs under,
// falling back from the item's own tier to its ID prefix.
func ResolveTierHeading(item domain.ChecklistItem, prefixTiers map[string]string) string {
	tier := item.Tier
	if tier == "" {
		if prefix := idPrefix(item.ID); prefix != "" {
			tier = prefixTiers[prefix]
		}
	}
	if tier == "" {
		return ""
	}
	if strings.HasPrefix(tier, "## ") {
		return tier
	}
	return "## " + tier
}

func groupByTier(items []domain.ChecklistItem, prefixTiers map[string]string) map[string][]domain.ChecklistItem {
	groups := make(map[string][]domain.ChecklistItem)
	for _, item := range items {
		heading := ResolveTierHeading(item, prefixTiers)
		if heading == "" {
			continue
		}
		groups[heading] = append(groups[heading], item)
	}
	return groups
}

func ensureTierSection(content, heading string) string {
	if !strings.HasPrefix(heading, "## ") {
		heading = "## " + heading
	}
	trimmed := strings.TrimRight(content, "\n \t")
	sep := ""
	if trimmed != "" {
		sep = "\n\n"
	}
	return trimmed + sep + heading + "\n" + tableHeader + "\n" + tableDivider + "\n"
}

type tableMeta struct {
	headerLine int
	endLine    int
	insertLine int
}

func buildTierTableMetadata(lines []string) map[string]tableMeta {
	meta := make(map[string]tableMeta)
	currentTier := ""
	inTable := false

	for i, line := range lines {
		if strings.HasPrefix(line, "## ") {
			currentTier = strings.TrimSpace(line)
			inTable = false
			meta[currentTier] = tableMeta{headerLine: -1, endLine: -1, insertLine: -1}
			continue
		}
		if currentTier == "" {
			continue
		}

		if strings.Contains(line, "| ID |") && strings.Contains(line, "| Status |") {
			m := meta[currentTier]
			m.headerLine = i
			m.endLine = i
			meta[currentTier] = m
			inTable = true
			continue
		}

		if inTable {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "|") {
				m := meta[currentTier]
				m.endLine = i
				meta[currentTier] = m
			} else if trimmed == "" || strings.HasPrefix(trimmed, "-") {
				inTable = false
			}
		}
	}

	for tier, m := range meta {
		if m.endLine >= 0 {
			m.insertLine = m.endLine + 1
		} else if m.headerLine >= 0 {
			m.insertLine = m.headerLine + 1
		}
		meta[tier] = m
	}

	return meta
}

// SanitizeTierName converts a tier heading to a filesystem-safe name
func SanitizeTierName(heading string) string {
	name := strings.TrimSpace(strings.TrimPrefix(heading, "## "))
	name = tierSanitizeRegex.ReplaceAllString(name, "_")
	name = strings.ToLower(strings.Trim(name, "_"))
	if name == "" {
		return "uncategorized"
	}
	return name
}
