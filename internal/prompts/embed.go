// Package prompts provides externalized prompt templates with override support.
package prompts

import "embed"

//go:embed item/*.md report/*.md synthesis/*.md
var embeddedFS embed.FS
