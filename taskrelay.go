// Package taskrelay provides a high-level façade over the dispatcher, the
// step ledgers and the stream server. Most applications interact with this
// package by:
//  1. Registering capabilities (dispatcher.WorkerRegistration or a custom
//     dispatcher.Registration)
//  2. Creating a TaskRelay via New(), optionally sharing a gateway.Gateway
//     with the workers of OAuth-gated capabilities
//  3. Submitting tasks (Submit) and following their steps (Subscribe), or
//     running them to completion synchronously (RunSync)
//
// All defaults are in-memory and safe for local development and testing.
package taskrelay

import (
	"context"
	"time"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/dispatcher"
	"github.com/hupe1980/taskrelay/gateway"
	"github.com/hupe1980/taskrelay/ledger"
	"github.com/hupe1980/taskrelay/logging"
	"github.com/hupe1980/taskrelay/stream"
)

// Options configures the TaskRelay instance.
type Options struct {
	// MaxConcurrent bounds the number of simultaneously running tasks.
	// Submissions beyond it are rejected, not queued.
	MaxConcurrent int64

	// Retention is how long terminal tasks remain queryable before Sweep
	// evicts them.
	Retention time.Duration

	// TaskTimeout optionally limits each task's wall-clock time.
	TaskTimeout time.Duration

	// Ledgers defaults to a fresh in-memory store.
	Ledgers *ledger.Store

	// Gateway is optional; it is exposed to the HTTP layer for OAuth
	// callbacks and swept together with the dispatcher.
	Gateway *gateway.Gateway

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// TaskRelay is the high-level façade aggregating dispatcher, ledgers and
// stream server.
type TaskRelay struct {
	opts       Options
	dispatcher *dispatcher.Dispatcher
	stream     *stream.Server
}

// New creates a TaskRelay serving the given capabilities.
func New(regs []dispatcher.Registration, optFns ...func(o *Options)) (*TaskRelay, error) {
	opts := Options{
		MaxConcurrent: 4,
		Retention:     time.Hour,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Ledgers == nil {
		opts.Ledgers = ledger.NewStore()
	}

	registry, err := dispatcher.NewRegistry(regs...)
	if err != nil {
		return nil, err
	}

	d := dispatcher.New(registry, opts.Ledgers, func(o *dispatcher.Options) {
		o.MaxConcurrent = opts.MaxConcurrent
		o.Retention = opts.Retention
		o.TaskTimeout = opts.TaskTimeout
		o.Logger = opts.Logger
	})

	s := stream.New(opts.Ledgers, func(o *stream.Options) {
		o.Logger = opts.Logger
	})

	return &TaskRelay{opts: opts, dispatcher: d, stream: s}, nil
}

// Dispatcher returns the underlying dispatcher.
func (r *TaskRelay) Dispatcher() *dispatcher.Dispatcher { return r.dispatcher }

// Stream returns the underlying stream server.
func (r *TaskRelay) Stream() *stream.Server { return r.stream }

// Gateway returns the configured gateway or nil.
func (r *TaskRelay) Gateway() *gateway.Gateway { return r.opts.Gateway }

// Submit admits a task without waiting for it.
func (r *TaskRelay) Submit(ctx context.Context, sub dispatcher.Submission) (core.Task, error) {
	return r.dispatcher.Submit(ctx, sub)
}

// Cancel requests cancellation of a running task.
func (r *TaskRelay) Cancel(taskID, reason string) bool { return r.dispatcher.Cancel(taskID, reason) }

// Status returns a task snapshot.
func (r *TaskRelay) Status(taskID string) (core.Task, error) { return r.dispatcher.Status(taskID) }

// Subscribe follows a task's steps after afterSeq.
func (r *TaskRelay) Subscribe(ctx context.Context, taskID string, afterSeq int64) (<-chan core.Step, <-chan error, error) {
	return r.stream.Subscribe(ctx, taskID, afterSeq)
}

// RunSync is a synchronous helper that submits a task, drains its steps and
// returns the terminal task snapshot. When ctx ends first the task keeps
// running and the steps collected so far are returned with ctx's error.
func (r *TaskRelay) RunSync(ctx context.Context, sub dispatcher.Submission) (core.Task, []core.Step, error) {
	task, err := r.dispatcher.Submit(ctx, sub)
	if err != nil {
		return core.Task{}, nil, err
	}

	steps, err := r.stream.Collect(ctx, task.ID, -1)
	if err != nil {
		return task, steps, err
	}

	task, err = r.dispatcher.Wait(ctx, task.ID)

	return task, steps, err
}

// Sweep evicts expired tasks and authorization states.
func (r *TaskRelay) Sweep() (tasks, states int) {
	tasks = r.dispatcher.Sweep()
	if r.opts.Gateway != nil {
		states = r.opts.Gateway.Sweep()
	}

	return tasks, states
}

// Shutdown cancels live tasks and waits for their workers.
func (r *TaskRelay) Shutdown(ctx context.Context) error {
	return r.dispatcher.Shutdown(ctx)
}
