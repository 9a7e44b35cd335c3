// Package openai adapts the OpenAI Chat Completions API (including streaming
// and tool calling) to model.Model.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/model"
)

// pendingCall accumulates streamed tool call deltas for one index.
type pendingCall struct{ id, name, args string }

// Options configure the OpenAI model adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string
}

// Model wraps the OpenAI Chat Completions API behind model.Model.
type Model struct {
	client *openai.Client
	opts   Options
}

var _ model.Model = (*Model)(nil)

// NewModel creates a model backed by a fresh client. The API key falls back
// to OPENAI_API_KEY when Options.APIKey is empty.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := openai.NewClient(clientOpts...)

	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates a model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.2,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{client: client, opts: opts}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.params(req, toMessages(req))

		if req.Stream {
			m.stream(ctx, params, out, errCh)
			return
		}

		m.complete(ctx, params, out, errCh)
	}()

	return out, errCh
}

// toMessages converts the transcript into chat messages. Tool results are
// emitted as tool messages in transcript order, which keeps them right after
// the assistant message that requested them.
func toMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	for _, c := range req.Contents {
		switch c.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(c.Text()))
		case "assistant":
			messages = append(messages, assistantMessage(c))
		case "tool":
			for _, p := range c.Parts {
				fr, ok := p.(core.FunctionResponsePart)
				if !ok || fr.FunctionResponse.ID == "" {
					continue
				}
				messages = append(messages, openai.ToolMessage(toolResultText(fr.FunctionResponse), fr.FunctionResponse.ID))
			}
		default:
			if text := userText(c); text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}

	return messages
}

func assistantMessage(c core.Content) openai.ChatCompletionMessageParamUnion {
	calls := c.FunctionCalls()
	if len(calls) == 0 {
		return openai.AssistantMessage(c.Text())
	}

	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(calls))
	for _, fc := range calls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   fc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      fc.Name,
				Arguments: fc.Arguments,
			},
		})
	}

	msg := &openai.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: toolCalls}
	if text := c.Text(); text != "" {
		msg.Content.OfString = openai.String(text)
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: msg}
}

func userText(c core.Content) string {
	var b strings.Builder

	for _, p := range c.Parts {
		switch part := p.(type) {
		case core.TextPart:
			b.WriteString(part.Text)
		case core.FilePart:
			fmt.Fprintf(&b, "\n[attachment %s (%s): %s]", part.Name, part.MimeType, part.URI)
		case core.DataPart:
			if raw, err := json.Marshal(part.Data); err == nil {
				b.WriteString("\n")
				b.Write(raw)
			}
		}
	}

	return b.String()
}

func toolResultText(fr core.FunctionResponse) string {
	if fr.Error != "" {
		return "error: " + fr.Error
	}
	if s, ok := fr.Response.(string); ok {
		return s
	}
	if raw, err := json.Marshal(fr.Response); err == nil {
		return string(raw)
	}
	return fmt.Sprintf("%v", fr.Response)
}

func (m *Model) params(req model.Request, messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}

	if len(req.Tools) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, def := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Function.Name,
				Description: openai.String(def.Function.Description),
				Parameters:  def.Function.Parameters,
			},
		}
	}
	params.Tools = tools

	return params
}

func (m *Model) stream(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	calls := map[int64]*pendingCall{}

	for stream.Next() {
		chunk := stream.Current()
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				out <- model.Response{
					ID:      chunk.ID,
					Partial: true,
					Content: core.NewTextContent("assistant", ch.Delta.Content),
				}
			}

			for _, tc := range ch.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &pendingCall{}
					calls[tc.Index] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args += tc.Function.Arguments
			}

			if ch.FinishReason != "" {
				out <- model.Response{
					ID:           chunk.ID,
					Content:      streamedContent(text.String(), calls),
					FinishReason: ch.FinishReason,
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("openai streaming error: %w", err)
	}
}

func streamedContent(text string, calls map[int64]*pendingCall) core.Content {
	content := core.Content{Role: "assistant"}
	if text != "" {
		content.Parts = append(content.Parts, core.TextPart{Text: text})
	}

	indexes := make([]int64, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		pc := calls[idx]
		content.Parts = append(content.Parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: pc.args,
		}})
	}

	return content
}

func (m *Model) complete(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("openai api error: %w", err)
		return
	}

	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("openai returned no choices")
		return
	}

	choice := resp.Choices[0]

	content := core.Content{Role: "assistant"}
	if choice.Message.Content != "" {
		content.Parts = append(content.Parts, core.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		content.Parts = append(content.Parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}

	out <- model.Response{
		ID:           resp.ID,
		Content:      content,
		FinishReason: choice.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
