package tool

import (
	"fmt"
	"time"

	"github.com/hupe1980/taskrelay/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// Responsibilities:
//   - Holds a lightweight JSON-Schema-like parameter specification (parameters)
//   - Validates model supplied arguments against that schema before execution
//   - Invokes the wrapped function with a *Context giving access to the
//     call's cancellation, logger and credential handle
//   - Normalizes error handling so callers receive *ToolError with consistent codes:
//     VALIDATION_ERROR  -> schema / argument mismatch
//     EXECUTION_ERROR   -> underlying function returned an error (non-ToolError)
//     (custom codes preserved if the function returns *ToolError directly)
//
// A FunctionTool has no internal mutable state after construction and is safe for
// concurrent use by multiple goroutines.
type FunctionTool struct {
	name         string
	description  string
	parameters   map[string]any
	authProvider string
	fn           func(toolCtx *Context, args map[string]any) (any, error)
}

// FunctionToolOptions configures optional FunctionTool behavior.
type FunctionToolOptions struct {
	// AuthProvider gates the tool on a per-user OAuth grant for the named
	// gateway provider.
	AuthProvider string
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	search := tool.NewFunctionTool(
//	  "web_search",
//	  "Search the web and return the top results",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "query": map[string]any{"type": "string"},
//	    },
//	    "required": []string{"query"},
//	  },
//	  func(tc *tool.Context, args map[string]any) (any, error) {
//	    return searchClient.Search(tc, args["query"].(string))
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(toolCtx *Context, args map[string]any) (any, error),
	optFns ...func(o *FunctionToolOptions),
) *FunctionTool {
	opts := FunctionToolOptions{}
	for _, f := range optFns {
		f(&opts)
	}

	return &FunctionTool{
		name:         name,
		description:  description,
		parameters:   parameters,
		authProvider: opts.AuthProvider,
		fn:           fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using reflection.
//
// Example:
//
//	type PostArgs struct {
//	  Text string `json:"text" description:"Post body"`
//	}
//
//	post := tool.NewFunctionToolFromStruct("post_update", "Publish a social media update", PostArgs{}, publish,
//	  func(o *tool.FunctionToolOptions) { o.AuthProvider = "twitter" })
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(toolCtx *Context, args map[string]any) (any, error),
	optFns ...func(o *FunctionToolOptions),
) *FunctionTool {
	schema := util.CreateSchema(structType)
	return NewFunctionTool(name, description, schema, fn, optFns...)
}

// Name returns the unique tool name used in function call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the (minimal) JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// AuthProvider returns the gateway provider the tool is gated on, or "".
func (t *FunctionTool) AuthProvider() string { return t.authProvider }

// Call validates the provided args against the declared schema then invokes the
// underlying function. Validation or execution failures are wrapped (or passed
// through) as *ToolError for uniform downstream handling.
//
// Logging Fields:
//
//	tool: tool name
//	fc_id: function call identifier (correlates model request & tool execution)
//	duration_ms: execution time in milliseconds
func (t *FunctionTool) Call(toolCtx *Context, args map[string]any) (any, error) {
	logger := toolCtx.Logger()
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "fc_id", toolCtx.FunctionCallID())

	if err := util.ValidateParameters(args, t.parameters); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())

		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}

	result, err := t.fn(toolCtx, args)
	if err != nil {
		toolErr := AsToolError(t.name, err)
		if toolErr.Tool == "" {
			toolErr.Tool = t.name
		}

		logger.Error("tool.call.error", "tool", t.name, "code", toolErr.Code, "error", toolErr.Message)

		return nil, toolErr
	}

	logger.Debug("tool.call.done", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
