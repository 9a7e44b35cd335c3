package testutil

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/taskrelay/tool"
)

var objectSchema = map[string]any{"type": "object", "properties": map[string]any{}}

// EchoTool returns its arguments unchanged.
func EchoTool(name string, optFns ...func(o *tool.FunctionToolOptions)) *tool.FunctionTool {
	return tool.NewFunctionTool(name, "echo arguments", objectSchema,
		func(_ *tool.Context, args map[string]any) (any, error) { return args, nil },
		optFns...)
}

// FailingTool always fails with message.
func FailingTool(name, message string) *tool.FunctionTool {
	return tool.NewFunctionTool(name, "always fails", objectSchema,
		func(*tool.Context, map[string]any) (any, error) { return nil, errors.New(message) })
}

// PanickingTool panics when called.
func PanickingTool(name string) *tool.FunctionTool {
	return tool.NewFunctionTool(name, "panics", objectSchema,
		func(*tool.Context, map[string]any) (any, error) { panic("tool exploded") })
}

// BlockingTool blocks every call until Release is called or, unless
// IgnoreCancel is set, the call's context is done.
type BlockingTool struct {
	name         string
	ignoreCancel bool

	started  chan struct{}
	release  chan struct{}
	once     sync.Once
	calls    atomic.Int32
	observed atomic.Int32
}

var _ tool.Tool = (*BlockingTool)(nil)

// NewBlockingTool creates a BlockingTool. With ignoreCancel the tool only
// returns on Release, modelling a call that must be abandoned.
func NewBlockingTool(name string, ignoreCancel bool) *BlockingTool {
	return &BlockingTool{
		name:         name,
		ignoreCancel: ignoreCancel,
		started:      make(chan struct{}, 16),
		release:      make(chan struct{}),
	}
}

func (b *BlockingTool) Name() string               { return b.name }
func (b *BlockingTool) Description() string        { return "blocks until released" }
func (b *BlockingTool) Parameters() map[string]any { return objectSchema }

// Call implements tool.Tool.
func (b *BlockingTool) Call(toolCtx *tool.Context, _ map[string]any) (any, error) {
	b.calls.Add(1)
	b.started <- struct{}{}

	if b.ignoreCancel {
		<-b.release
		return "released", nil
	}

	select {
	case <-b.release:
		return "released", nil
	case <-toolCtx.Done():
		b.observed.Add(1)
		return nil, toolCtx.Err()
	}
}

// Started is signalled once per call, when the call begins.
func (b *BlockingTool) Started() <-chan struct{} { return b.started }

// Release unblocks all current and future calls.
func (b *BlockingTool) Release() { b.once.Do(func() { close(b.release) }) }

// Calls returns the number of calls made.
func (b *BlockingTool) Calls() int { return int(b.calls.Load()) }

// ObservedCancel returns how many calls returned because their context ended.
func (b *BlockingTool) ObservedCancel() int { return int(b.observed.Load()) }
