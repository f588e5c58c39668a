package config

// Runtime identifies an agent CLI that executes checklist items
type Runtime string

const (
	RuntimeOpenCode   Runtime = "opencode"
	RuntimeClaudeCode Runtime = "claude-code"
)

// RuntimeSpec describes how to invoke one agent runtime
type RuntimeSpec struct {
	Label          string
	DefaultModel   string
	CommandEnv     string
	DefaultCommand string
	BuildArgs      func(model string) []string
}

var runtimes = map[Runtime]RuntimeSpec{
	RuntimeOpenCode: {
		Label:          "OpenCode",
		DefaultModel:   "minimax-coding-plan/MiniMax-M2.1",
		CommandEnv:     "OPENCODE_BIN",
		DefaultCommand: "opencode",
		BuildArgs: func(model string) []string {
			return []string{"run", "--model", model}
		},
	},
	RuntimeClaudeCode: {
		Label:          "Claude Code",
		DefaultModel:   "claude-4.5-sonnet",
		CommandEnv:     "CLAUDE_CODE_BIN",
		DefaultCommand: "claude",
		BuildArgs: func(model string) []string {
			return []string{"code", "--model", model}
		},
	},
}

// Spec returns the runtime's invocation spec and whether the runtime is known
func (r Runtime) Spec() (RuntimeSpec, bool) {
	spec, ok := runtimes[r]
	return spec, ok
}

// Runtimes lists the supported runtime identifiers
func Runtimes() []Runtime {
	return []Runtime{RuntimeOpenCode, RuntimeClaudeCode}
}
