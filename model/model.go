package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/taskrelay/core"
)

// ToolCall represents a function call request surfaced by a model provider.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction describes the concrete function target of a tool call.
type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition exposes a callable tool to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual tool exposed to the model.
// Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the normalized model input assembled by a worker for one turn.
type Request struct {
	Instructions string           `json:"instructions"`
	Contents     []core.Content   `json:"contents"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", ...
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", ...
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface a reasoning worker needs to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrNoResponse is returned by Collect when a model closes its stream
// without a final response.
var ErrNoResponse = errors.New("model returned no final response")

// Collect drains a Generate call and returns the final (non-partial)
// response. Partial chunks are discarded.
func Collect(ctx context.Context, m Model, req Request) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final Response
		found bool
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, context.Cause(ctx)
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if !r.Partial {
				final, found = r, true
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, err
			}
		}
	}

	if !found {
		return Response{}, ErrNoResponse
	}

	return final, nil
}

// NewToolDefinition builds a function tool definition.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// MockModel is a scripted in-memory Model for tests and examples. Each
// Generate call consumes the next scripted turn; when the script is
// exhausted it answers with a fixed text. Requests are only kept after
// RecordRequests.
type MockModel struct {
	info Info

	mu       sync.Mutex
	script   []mockTurn
	calls    int
	record   bool
	requests []Request
}

type mockTurn struct {
	resp Response
	err  error
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      "mock",
			SupportsTools: true,
		},
	}
}

// AddText scripts a turn answering with text.
func (m *MockModel) AddText(text string) *MockModel {
	return m.add(mockTurn{resp: Response{
		Content:      core.NewTextContent("assistant", text),
		FinishReason: "stop",
	}})
}

// AddToolCalls scripts a turn requesting tool calls, optionally preceded by
// a thought.
func (m *MockModel) AddToolCalls(thought string, calls ...core.FunctionCall) *MockModel {
	content := core.Content{Role: "assistant"}
	if thought != "" {
		content.Parts = append(content.Parts, core.TextPart{Text: thought})
	}
	for _, c := range calls {
		content.Parts = append(content.Parts, core.FunctionCallPart{FunctionCall: c})
	}

	return m.add(mockTurn{resp: Response{Content: content, FinishReason: "tool_calls"}})
}

// AddError scripts a failing turn.
func (m *MockModel) AddError(err error) *MockModel {
	return m.add(mockTurn{err: err})
}

func (m *MockModel) add(t mockTurn) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.script = append(m.script, t)

	return m
}

// RecordRequests makes the model keep every request it receives.
func (m *MockModel) RecordRequests() *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record = true

	return m
}

// Requests returns the requests received since RecordRequests.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Request(nil), m.requests...)
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 1)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.calls++
	if m.record {
		m.requests = append(m.requests, req)
	}
	turn := mockTurn{resp: Response{
		Content:      core.NewTextContent("assistant", fmt.Sprintf("mock response %d", m.calls)),
		FinishReason: "stop",
	}}
	if len(m.script) > 0 {
		turn = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if err := ctx.Err(); err != nil {
			errCh <- err
			return
		}

		if turn.err != nil {
			errCh <- turn.err
			return
		}

		respCh <- turn.resp
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
