package testutil

import (
	"testing"
	"time"

	"github.com/hupe1980/taskrelay/core"
)

// StepReader is the read side of a ledger.
type StepReader interface {
	ReadFrom(afterSeq int64) []core.Step
}

// StepBuilder assembles an ordered step slice for a task. Sequence numbers
// and timestamps are assigned in call order.
//
//	steps := NewStepBuilder("t1").Thought("plan").ToolCall("c1", "search").Final("done").Build()
type StepBuilder struct {
	taskID string
	steps  []core.Step
	clock  time.Time
}

// NewStepBuilder starts a builder for taskID.
func NewStepBuilder(taskID string) *StepBuilder {
	return &StepBuilder{taskID: taskID, clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (b *StepBuilder) add(kind core.StepKind, payload any, terminal bool) *StepBuilder {
	b.steps = append(b.steps, core.Step{
		TaskID:    b.taskID,
		Seq:       int64(len(b.steps)),
		Kind:      kind,
		Payload:   payload,
		Terminal:  terminal,
		Timestamp: b.clock.Add(time.Duration(len(b.steps)) * time.Millisecond),
	})
	return b
}

// Thought appends a thought step.
func (b *StepBuilder) Thought(text string) *StepBuilder {
	return b.add(core.StepThought, core.ThoughtPayload{Text: text}, false)
}

// ToolCall appends a tool_call step.
func (b *StepBuilder) ToolCall(callID, tool string, args map[string]any) *StepBuilder {
	return b.add(core.StepToolCall, core.ToolCallPayload{CallID: callID, Tool: tool, Arguments: args}, false)
}

// ToolResult appends a tool_result step.
func (b *StepBuilder) ToolResult(callID, tool string, result any) *StepBuilder {
	return b.add(core.StepToolResult, core.ToolResultPayload{CallID: callID, Tool: tool, Result: result}, false)
}

// ToolError appends a non-fatal error step for a tool call.
func (b *StepBuilder) ToolError(callID, tool, message string) *StepBuilder {
	return b.add(core.StepError, core.ErrorPayload{Code: core.CodeToolError, Message: message, CallID: callID, Tool: tool}, false)
}

// Final appends the terminal final step.
func (b *StepBuilder) Final(answer string) *StepBuilder {
	return b.add(core.StepFinal, core.FinalPayload{Answer: answer}, true)
}

// Build returns the steps.
func (b *StepBuilder) Build() []core.Step { return append([]core.Step(nil), b.steps...) }

// Kinds returns the kind of each step in order.
func Kinds(steps []core.Step) []core.StepKind {
	kinds := make([]core.StepKind, len(steps))
	for i, s := range steps {
		kinds[i] = s.Kind
	}
	return kinds
}

// Seqs returns the sequence number of each step in order.
func Seqs(steps []core.Step) []int64 {
	seqs := make([]int64, len(steps))
	for i, s := range steps {
		seqs[i] = s.Seq
	}
	return seqs
}

// Last returns the final step; it fails the test when there is none.
func Last(t testing.TB, steps []core.Step) core.Step {
	t.Helper()

	if len(steps) == 0 {
		t.Fatal("no steps")
	}

	return steps[len(steps)-1]
}

// ErrorPayload returns the error payload of s; it fails the test for other kinds.
func ErrorPayload(t testing.TB, s core.Step) core.ErrorPayload {
	t.Helper()

	p, ok := s.Payload.(core.ErrorPayload)
	if !ok {
		t.Fatalf("step %d is %s with payload %T, want error", s.Seq, s.Kind, s.Payload)
	}

	return p
}

// WaitForSteps polls r until it holds at least n steps or timeout elapses.
func WaitForSteps(t testing.TB, r StepReader, n int, timeout time.Duration) []core.Step {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		steps := r.ReadFrom(-1)
		if len(steps) >= n {
			return steps
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d steps, have %d", n, len(steps))
		}
		time.Sleep(2 * time.Millisecond)
	}
}
