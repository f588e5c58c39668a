package domain

// AgentStatus represents the lifecycle state of an agent run
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusStarting  AgentStatus = "starting"
	StatusRunning   AgentStatus = "running"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
	StatusTimeout   AgentStatus = "timeout"
	StatusRetrying  AgentStatus = "retrying"
	StatusCancelled AgentStatus = "cancelled"
)

// IsTerminal reports whether the status is final for this attempt
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the status denotes in-flight work
func (s AgentStatus) IsActive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusRetrying:
		return true
	}
	return false
}

// RunStage represents the execution stage within one attempt
type RunStage string

const (
	StageInit          RunStage = "initializing"
	StagePromptBuild   RunStage = "building_prompt"
	StageSpawning      RunStage = "spawning_process"
	StageProcessing    RunStage = "processing"
	StageWritingOutput RunStage = "writing_output"
	StageValidating    RunStage = "validating_completion"
	StageCleanup       RunStage = "cleanup"
	StageDone          RunStage = "done"
)

// ProcessingResult aggregates counts for a whole processing session
type ProcessingResult struct {
	Processed int  `json:"processed"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	DryRun    bool `json:"dry_run"`
}

// SessionSummary holds counts over the latest attempt per item
type SessionSummary struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Timeout   int    `json:"timeout"`
}
