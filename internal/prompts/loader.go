package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for prompt templates.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .checklist-orchestrator/prompts/
// 2. User config: ~/.config/checklist-orchestrator/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".checklist-orchestrator", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "checklist-orchestrator", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(path string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		fullPath := filepath.Join(dir, path)
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}

	return fs.ReadFile(embeddedFS, path)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil // No frontmatter
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "item/task.md").
func (l *Loader) LoadTemplate(path string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[path]; ok {
		meta := l.metaCache[path]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	tmpl, err := template.New(path).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = tmpl
	l.metaCache[path] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(path string, data interface{}) (string, error) {
	tmpl, _, err := l.LoadTemplate(path)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", path, err)
	}

	return buf.String(), nil
}

// ItemData holds template variables for the per-item worker prompt.
type ItemData struct {
	ItemID             string
	Target             string
	Priority           string
	Risk               string
	MissionBrief       string
	ChecklistFile      string
	RunDir             string
	ResumeInstructions string
	CompletionMarker   string
}

// TierReportData holds template variables for the tier report prompt.
type TierReportData struct {
	TierName      string
	MissionBrief  string
	ChecklistRows string
	ReportDigest  string
}

// SynthesisData holds template variables for the backlog synthesis prompt.
type SynthesisData struct {
	ChecklistContent string
	NeededCount      int
}

// BuildItemPrompt loads and executes the per-item worker prompt template.
func (l *Loader) BuildItemPrompt(data ItemData) (string, error) {
	if data.MissionBrief == "" {
		data.MissionBrief = "No brief provided"
	}
	return l.Execute("item/task.md", data)
}

// BuildTierReportPrompt loads and executes the tier report prompt template.
func (l *Loader) BuildTierReportPrompt(data TierReportData) (string, error) {
	return l.Execute("report/tier.md", data)
}

// BuildSynthesisPrompt loads and executes the backlog synthesis prompt template.
// A mission brief, when present, is prepended rather than templated so override
// templates don't have to carry the field.
func (l *Loader) BuildSynthesisPrompt(missionBrief string, data SynthesisData) (string, error) {
	prompt, err := l.Execute("synthesis/backlog.md", data)
	if err != nil {
		return "", err
	}
	if missionBrief != "" {
		prompt = "Mission Brief:\n" + missionBrief + "\n\n" + prompt
	}
	return prompt, nil
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}

// Global default loader (initialized lazily)
var (
	defaultLoader     *Loader
	defaultLoaderOnce sync.Once
)

// GetDefaultLoader returns the global default loader.
func GetDefaultLoader() *Loader {
	defaultLoaderOnce.Do(func() {
		defaultLoader = DefaultLoader("")
	})
	return defaultLoader
}

// SetDefaultLoader allows overriding the default loader (for testing or custom config).
func SetDefaultLoader(loader *Loader) {
	defaultLoader = loader
}
