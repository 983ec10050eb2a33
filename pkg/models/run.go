package models

import (
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run
type RunStatus string

// Run states. completed and error are terminal.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// IsTerminal reports whether no further transition is allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// CanTransitionTo reports whether a run in state s may move to next
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next.IsTerminal()
	case RunStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// TriggerType identifies what started a run
type TriggerType string

// Trigger sources
const (
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
)

// ErrorMode decides what a node-local technical error does to the run
type ErrorMode string

// Error modes
const (
	ErrorModeFailFast ErrorMode = "fail_fast"
	ErrorModeContinue ErrorMode = "continue"
)

// ParseErrorMode normalizes a user supplied error mode. Anything other
// than "continue" resolves to fail_fast.
func ParseErrorMode(raw string) (ErrorMode, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, "-", "_")
	switch v {
	case "":
		return ErrorModeFailFast, false
	case string(ErrorModeContinue):
		return ErrorModeContinue, true
	default:
		return ErrorModeFailFast, true
	}
}

// Run is one execution instance of a flow
type Run struct {
	ID             string      `json:"id"`
	FlowID         string      `json:"flow_id"`
	WorkspaceID    string      `json:"workspace_id"`
	Status         RunStatus   `json:"status"`
	TriggerType    TriggerType `json:"trigger_type"`
	TriggerPayload interface{} `json:"trigger_payload"`
	Payload        interface{} `json:"payload"`

	// ErrorMode as requested when the run was created; empty means unset
	ErrorMode string `json:"error_mode,omitempty"`

	FinalOutput  interface{} `json:"final_output"`
	ErrorMessage string      `json:"error_message,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// DurationMs returns the run duration once finished
func (r *Run) DurationMs() *int64 {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return nil
	}
	d := r.FinishedAt.Sub(*r.StartedAt).Milliseconds()
	return &d
}

// RunUpdate is a status transition plus the fields written with it
type RunUpdate struct {
	Status       RunStatus
	FinalOutput  interface{}
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Apply copies the update onto the run
func (u RunUpdate) Apply(r *Run) {
	if u.Status != "" {
		r.Status = u.Status
	}
	if u.FinalOutput != nil {
		r.FinalOutput = u.FinalOutput
	}
	if u.ErrorMessage != "" {
		r.ErrorMessage = u.ErrorMessage
	}
	if u.StartedAt != nil {
		r.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		r.FinishedAt = u.FinishedAt
	}
}

// NodeStatus is the outcome recorded for a single node visit
type NodeStatus string

// Node log statuses
const (
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
	NodeStatusSkipped NodeStatus = "skipped"
)

// NodeLog is the append-only record of one node visit
type NodeLog struct {
	ID        string      `json:"id"`
	RunID     string      `json:"run_id"`
	NodeID    string      `json:"node_id"`
	NodeType  string      `json:"node_type,omitempty"`
	Status    NodeStatus  `json:"status"`
	Output    interface{} `json:"output"`
	Sequence  int         `json:"sequence"`
	CreatedAt time.Time   `json:"created_at"`
}
