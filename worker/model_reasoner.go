package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/internal/util"
	"github.com/hupe1980/taskrelay/model"
	"github.com/hupe1980/taskrelay/tool"
)

// ModelReasonerOptions configures a ModelReasoner.
type ModelReasonerOptions struct {
	// Instructions are rendered with text/template before each turn. The
	// template sees task_id, user_id, capability and turn plus Vars.
	Instructions string

	// Vars are extra template variables.
	Vars map[string]any

	// Tools are advertised to the model.
	Tools *tool.Registry
}

// ModelReasoner drives a model.Model as a Reasoner. A response with tool
// calls becomes a tool-calling decision (its text a thought); a response
// without tool calls is the final answer.
type ModelReasoner struct {
	model model.Model
	opts  ModelReasonerOptions
	defs  []model.ToolDefinition
}

var _ Reasoner = (*ModelReasoner)(nil)

// NewModelReasoner wraps m.
func NewModelReasoner(m model.Model, optFns ...func(o *ModelReasonerOptions)) *ModelReasoner {
	opts := ModelReasonerOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	var defs []model.ToolDefinition
	for _, t := range opts.Tools.Tools() {
		defs = append(defs, model.NewToolDefinition(t.Name(), t.Description(), t.Parameters()))
	}

	return &ModelReasoner{model: m, opts: opts, defs: defs}
}

// Next implements Reasoner.
func (r *ModelReasoner) Next(ctx context.Context, turn Turn) (Decision, error) {
	instructions, err := r.instructions(turn)
	if err != nil {
		return Decision{}, fmt.Errorf("render instructions: %w", err)
	}

	req := model.Request{
		Instructions: instructions,
		Contents:     Transcript(turn.Input, turn.Steps),
	}
	if r.model.Info().SupportsTools {
		req.Tools = r.defs
	}

	resp, err := model.Collect(ctx, r.model, req)
	if err != nil {
		return Decision{}, err
	}

	calls := resp.Content.FunctionCalls()
	text := resp.Content.Text()

	if len(calls) == 0 {
		return Final(text), nil
	}

	return Decision{Thought: text, ToolCalls: calls}, nil
}

func (r *ModelReasoner) instructions(turn Turn) (string, error) {
	vars := map[string]any{
		"task_id":    turn.TaskID,
		"user_id":    turn.UserID,
		"capability": turn.Capability,
		"turn":       turn.Number,
	}
	for k, v := range r.opts.Vars {
		vars[k] = v
	}

	return util.RenderTemplate(r.opts.Instructions, vars)
}

// Transcript rebuilds model contents from the task input and its ledger.
// Thoughts and tool calls form assistant messages; tool results and tool
// errors form tool messages answering them.
func Transcript(input core.Content, steps []core.Step) []core.Content {
	if input.Role == "" {
		input.Role = "user"
	}

	contents := []core.Content{input}

	var assistant, results *core.Content

	flush := func() {
		if assistant != nil {
			contents = append(contents, *assistant)
			assistant = nil
		}
		if results != nil {
			contents = append(contents, *results)
			results = nil
		}
	}

	for _, s := range steps {
		switch p := s.Payload.(type) {
		case core.ThoughtPayload:
			flush()
			assistant = &core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: p.Text}}}
		case core.ToolCallPayload:
			if results != nil {
				flush()
			}
			if assistant == nil {
				assistant = &core.Content{Role: "assistant"}
			}
			assistant.Parts = append(assistant.Parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
				ID:        p.CallID,
				Name:      p.Tool,
				Arguments: encodeArguments(p.Arguments),
			}})
		case core.ToolResultPayload:
			results = appendResponse(results, core.FunctionResponse{ID: p.CallID, Name: p.Tool, Response: p.Result})
		case core.ErrorPayload:
			if p.CallID == "" {
				continue
			}
			results = appendResponse(results, core.FunctionResponse{ID: p.CallID, Name: p.Tool, Error: p.Message})
		}
	}

	flush()

	return contents
}

func appendResponse(c *core.Content, fr core.FunctionResponse) *core.Content {
	if c == nil {
		c = &core.Content{Role: "tool"}
	}
	c.Parts = append(c.Parts, core.FunctionResponsePart{FunctionResponse: fr})
	return c
}

func encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
