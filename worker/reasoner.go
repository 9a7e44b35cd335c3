package worker

import (
	"context"

	"github.com/hupe1980/taskrelay/core"
)

// Turn is the input to one reasoning step. Steps is the task's ledger so far,
// which doubles as the reasoner's transcript.
type Turn struct {
	TaskID     string
	UserID     string
	Capability string
	Number     int
	Input      core.Content
	Steps      []core.Step
}

// Decision is what a reasoner wants to happen next. Tool calls run in order
// before a final answer is recorded. A decision carrying only a thought
// simply consumes a turn.
type Decision struct {
	Thought   string
	ToolCalls []core.FunctionCall
	Answer    string
	Done      bool
}

// Final is a shorthand for a decision that ends the task.
func Final(answer string) Decision { return Decision{Answer: answer, Done: true} }

// Reasoner is the opaque per-turn reasoning callable driving a worker.
type Reasoner interface {
	Next(ctx context.Context, turn Turn) (Decision, error)
}

// ReasonerFunc adapts a plain function to Reasoner.
type ReasonerFunc func(ctx context.Context, turn Turn) (Decision, error)

// Next implements Reasoner.
func (f ReasonerFunc) Next(ctx context.Context, turn Turn) (Decision, error) { return f(ctx, turn) }
