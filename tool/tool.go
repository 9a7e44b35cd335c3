// Package tool implements the tool calling subsystem that lets workers invoke
// structured capabilities (web search, document parsing, image generation,
// social-media posting) with schema validated arguments, consistent error
// handling and optional OAuth gating.
package tool

import (
	"errors"
	"fmt"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/internal/util"
)

// Tool defines the interface for extending worker capabilities with external functions.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Honor cancellation of the Context they receive
//   - Be safe for concurrent use, since one tool serves many tasks
//
// A tool that ignores cancellation is abandoned by the worker once its turn
// budget or the task's cancellation token fires; its result is discarded.
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// It is provided to models to help them decide when to call the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with already decoded arguments.
	Call(toolCtx *Context, args map[string]any) (any, error)
}

// AuthGated is implemented by tools that need a per-user OAuth grant before
// they may run. AuthProvider names the gateway provider to authorize with.
type AuthGated interface {
	AuthProvider() string
}

// AuthProviderOf returns the provider a tool is gated on, or "" if none.
func AuthProviderOf(t Tool) string {
	if g, ok := t.(AuthGated); ok {
		return g.AuthProvider()
	}
	return ""
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes used by ToolError.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeExecution    = "EXECUTION_ERROR"
	CodeNotFound     = "TOOL_NOT_FOUND"
	CodeInvalidArgs  = "INVALID_ARGUMENTS"
	CodeUnauthorized = "UNAUTHORIZED"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Is makes every ToolError match core.ErrTool.
func (e *ToolError) Is(target error) bool { return target == core.ErrTool }

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// AsToolError returns err as a *ToolError, wrapping foreign errors with
// CodeExecution.
func AsToolError(tool string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Tool: tool, Message: err.Error(), Code: CodeExecution}
}
