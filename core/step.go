package core

import "time"

// StepKind classifies a step in a task's trace.
type StepKind string

const (
	StepThought    StepKind = "thought"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	StepError      StepKind = "error"
	StepFinal      StepKind = "final"
)

// Valid reports whether k is one of the known step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case StepThought, StepToolCall, StepToolResult, StepError, StepFinal:
		return true
	}
	return false
}

// CanTerminate reports whether k may be used to close a ledger.
func (k StepKind) CanTerminate() bool { return k == StepFinal || k == StepError }

// Step is one immutable entry of a task ledger. Seq starts at 0 and is
// contiguous per task. Terminal is set on the step that closed the ledger.
type Step struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	Kind      StepKind  `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Terminal  bool      `json:"terminal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ThoughtPayload carries intermediate reasoning text.
type ThoughtPayload struct {
	Text   string `json:"text"`
	Worker string `json:"worker,omitempty"`
}

// AuthorizationNotice tells the user where to grant access before a gated
// tool call can proceed. It never contains credentials.
type AuthorizationNotice struct {
	Provider    string    `json:"provider"`
	RedirectURL string    `json:"redirect_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ToolCallPayload records a tool invocation request.
type ToolCallPayload struct {
	CallID        string               `json:"call_id"`
	Tool          string               `json:"tool"`
	Arguments     map[string]any       `json:"arguments,omitempty"`
	Authorization *AuthorizationNotice `json:"authorization,omitempty"`
	Worker        string               `json:"worker,omitempty"`
}

// ToolResultPayload records a successful tool outcome.
type ToolResultPayload struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	Result     any    `json:"result,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ErrorPayload records an execution error. Code is a stable identifier from
// ErrorCode; Fatal marks the error that ended the task.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	CallID  string `json:"call_id,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// FinalPayload carries the task's answer.
type FinalPayload struct {
	Answer string `json:"answer"`
}

// NewErrorPayload builds an ErrorPayload from err using its taxonomy code.
func NewErrorPayload(err error, fatal bool) ErrorPayload {
	return ErrorPayload{Code: ErrorCode(err), Message: err.Error(), Fatal: fatal}
}
