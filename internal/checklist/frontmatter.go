package checklist

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the optional YAML block at the top of a checklist file
// carrying mission-level metadata for prompt construction.
type Frontmatter struct {
	Mission    string   `yaml:"mission"`
	SystemName string   `yaml:"system_name"`
	Focus      []string `yaml:"focus"`
	Notes      string   `yaml:"notes"`
}

// ParseFrontmatter extracts the YAML frontmatter from checklist content.
// Returns the frontmatter, the remaining content, and any YAML error.
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	fmData := rest[:endIdx]
	remaining := rest[endIdx+4:]

	var fm Frontmatter
	if err := yaml.Unmarshal(fmData, &fm); err != nil {
		return nil, nil, err
	}

	return &fm, bytes.TrimLeft(remaining, "\n"), nil
}

// LoadFrontmatter reads the checklist file's frontmatter, if any
func (p *Parser) LoadFrontmatter() (*Frontmatter, error) {
	data := p.readSafe(p.checklistPath)
	fm, _, err := ParseFrontmatter([]byte(data))
	return fm, err
}
