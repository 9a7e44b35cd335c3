package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/gateway"
	"github.com/hupe1980/taskrelay/logging"
	"github.com/hupe1980/taskrelay/tool"
	"github.com/hupe1980/taskrelay/vault"
)

// Defaults applied by New.
const (
	DefaultTurnTimeout = 2 * time.Minute
	DefaultMaxTurns    = 25
)

// errEmptyDecision is returned when a reasoner decides nothing at all.
var errEmptyDecision = errors.New("reasoner returned an empty decision")

// Authorizer is the gateway surface a worker needs for OAuth-gated tools.
type Authorizer interface {
	Authorize(ctx context.Context, userID, provider, taskID string, notify func(gateway.State)) (string, error)
	Credential(ctx context.Context, handle string) (vault.Credential, error)
}

var _ Authorizer = (*gateway.Gateway)(nil)

// Options configures a Worker.
type Options struct {
	// Name identifies the worker in logs.
	Name string

	// Capability is the tag the worker was selected for.
	Capability string

	// UserID owns the task; OAuth grants are requested on the user's behalf.
	UserID string

	// Tools available to the reasoner.
	Tools *tool.Registry

	// Authorizer obtains credential handles for AuthGated tools.
	Authorizer Authorizer

	// TurnTimeout bounds each reasoning call and each tool execution.
	TurnTimeout time.Duration

	// MaxTurns bounds the reasoning loop. Zero means unlimited.
	MaxTurns int

	// FailOnToolError ends the task on the first tool error instead of
	// recording it and letting the reasoner react.
	FailOnToolError bool

	Logger logging.Logger
}

// Worker runs one task's reasoning loop and records every step in the
// task's ledger. A Worker is single-use: it moves from idle to running to
// one terminal state and closes the ledger on the way out.
type Worker struct {
	reasoner Reasoner
	steps    core.StepLog
	opts     Options
	logger   logging.Logger

	mu     sync.Mutex
	status core.WorkerStatus
}

var _ core.Worker = (*Worker)(nil)

// New creates a worker writing to steps.
func New(reasoner Reasoner, steps core.StepLog, optFns ...func(o *Options)) *Worker {
	opts := Options{
		Name:        "worker",
		TurnTimeout: DefaultTurnTimeout,
		MaxTurns:    DefaultMaxTurns,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Worker{
		reasoner: reasoner,
		steps:    steps,
		opts:     opts,
		logger:   logging.With(logging.OrNoOp(opts.Logger), "worker", opts.Name),
		status:   core.WorkerIdle,
	}
}

// Status returns the worker's current state.
func (w *Worker) Status() core.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.status
}

// Run executes the task until it completes, fails or is cancelled and
// returns the terminal state. Cancelling ctx has the same effect as
// cancelling token. Calling Run on a worker that already ran returns its
// state without doing anything.
func (w *Worker) Run(ctx context.Context, taskID string, input core.Content, token *core.CancellationToken) core.WorkerStatus {
	w.mu.Lock()
	if w.status != core.WorkerIdle {
		status := w.status
		w.mu.Unlock()

		return status
	}
	w.status = core.WorkerRunning
	w.mu.Unlock()

	if token == nil {
		token = core.NewCancellationToken()
	}

	stop := context.AfterFunc(ctx, func() {
		token.Cancel(fmt.Sprintf("context done: %v", context.Cause(ctx)))
	})
	defer stop()

	taskCtx, cancel := token.Context(context.WithoutCancel(ctx))
	defer cancel()

	r := &run{
		w:       w,
		ctx:     taskCtx,
		taskID:  taskID,
		input:   input,
		token:   token,
		limiter: core.NewTurnLimiter(w.opts.MaxTurns),
		logger:  logging.With(w.logger, "task_id", taskID),
	}

	r.logger.Info("worker.run.start", "capability", w.opts.Capability)

	status := r.loop()

	w.mu.Lock()
	w.status = status
	w.mu.Unlock()

	r.logger.Info("worker.run.finish", "status", string(status), "turns", r.limiter.Count())

	return status
}

// run holds the per-Run state.
type run struct {
	w       *Worker
	ctx     context.Context
	taskID  string
	input   core.Content
	token   *core.CancellationToken
	limiter *core.TurnLimiter
	logger  logging.Logger
}

// fatal is an error that ends the task, with the tool call it relates to.
type fatal struct {
	err    error
	callID string
	tool   string
}

func (r *run) loop() core.WorkerStatus {
	for {
		if r.token.IsCancelled() {
			return r.cancelled()
		}

		if err := r.limiter.Increment(); err != nil {
			return r.fail(fatal{err: err})
		}

		dec, err := r.decide()
		if err != nil {
			if r.token.IsCancelled() {
				return r.cancelled()
			}
			return r.fail(fatal{err: err})
		}

		if r.token.IsCancelled() {
			return r.cancelled()
		}

		if dec.Thought == "" && len(dec.ToolCalls) == 0 && !dec.Done {
			return r.fail(fatal{err: errEmptyDecision})
		}

		if dec.Thought != "" {
			if !r.append(core.StepThought, core.ThoughtPayload{Text: dec.Thought}) {
				return r.aborted()
			}
		}

		for _, fc := range dec.ToolCalls {
			if r.token.IsCancelled() {
				return r.cancelled()
			}

			if f := r.callTool(fc); f != nil {
				if r.token.IsCancelled() {
					return r.cancelled()
				}
				if f.err == nil {
					return r.aborted()
				}
				return r.fail(*f)
			}
		}

		if dec.Done {
			if r.token.IsCancelled() {
				return r.cancelled()
			}
			return r.complete(dec.Answer)
		}
	}
}

func (r *run) decide() (Decision, error) {
	turn := Turn{
		TaskID:     r.taskID,
		UserID:     r.w.opts.UserID,
		Capability: r.w.opts.Capability,
		Number:     r.limiter.Count(),
		Input:      r.input,
		Steps:      r.w.steps.ReadFrom(-1),
	}

	turnCtx, cancel := r.turnContext()
	defer cancel()

	start := time.Now()

	dec, err := guard(turnCtx, func(ctx context.Context) (Decision, error) {
		return r.w.reasoner.Next(ctx, turn)
	})
	if err != nil && turnCtx.Err() != nil {
		err = context.Cause(turnCtx)
	}

	if err != nil {
		if errors.Is(err, core.ErrTurnTimeout) {
			r.logger.Warn("worker.turn.timeout", "turn", turn.Number, "timeout", r.w.opts.TurnTimeout)
		}
		return Decision{}, fmt.Errorf("reasoning turn %d: %w", turn.Number, err)
	}

	r.logger.Debug("worker.turn.decided",
		"turn", turn.Number,
		"tool_calls", len(dec.ToolCalls),
		"done", dec.Done,
		"remaining", r.limiter.Remaining(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return dec, nil
}

func (r *run) turnContext() (context.Context, context.CancelFunc) {
	if r.w.opts.TurnTimeout <= 0 {
		return context.WithCancel(r.ctx)
	}

	return context.WithTimeoutCause(r.ctx, r.w.opts.TurnTimeout,
		fmt.Errorf("%w after %s", core.ErrTurnTimeout, r.w.opts.TurnTimeout))
}

// callTool records a tool_call step, runs the tool and records its result.
// It returns nil when the loop may continue. A returned fatal with a nil
// err means the ledger rejected an append.
func (r *run) callTool(fc core.FunctionCall) *fatal {
	callID := fc.ID
	if callID == "" {
		callID = core.NewID()
	}

	call := core.ToolCallPayload{CallID: callID, Tool: fc.Name}

	impl, ok := r.w.opts.Tools.Lookup(fc.Name)
	if !ok {
		if !r.append(core.StepToolCall, call) {
			return &fatal{}
		}
		return r.toolError(call, tool.NewToolError(fc.Name, fmt.Sprintf("tool %s not found", fc.Name), tool.CodeNotFound))
	}

	args, err := tool.ParseArguments(fc.Name, fc.Arguments)
	if err != nil {
		if !r.append(core.StepToolCall, call) {
			return &fatal{}
		}
		return r.toolError(call, err)
	}
	call.Arguments = args

	var handle string

	if provider := tool.AuthProviderOf(impl); provider != "" {
		h, announced, err := r.authorize(provider, &call)
		if errors.Is(err, core.ErrLedgerClosed) {
			return &fatal{}
		}
		if !announced && !r.append(core.StepToolCall, call) {
			return &fatal{}
		}
		if err != nil {
			return &fatal{err: fmt.Errorf("authorize %s: %w", provider, err), callID: callID, tool: fc.Name}
		}
		handle = h
	} else if !r.append(core.StepToolCall, call) {
		return &fatal{}
	}

	return r.execute(call, handle)
}

// authorize obtains a credential handle. When the user has to grant access
// first, the tool_call step is appended from the gateway's notification so
// subscribers see the redirect target while the worker waits; announced
// reports whether that happened.
func (r *run) authorize(provider string, call *core.ToolCallPayload) (handle string, announced bool, err error) {
	if r.w.opts.Authorizer == nil {
		return "", false, fmt.Errorf("%q: %w", provider, core.ErrProviderUnknown)
	}

	var appendErr bool

	handle, err = r.w.opts.Authorizer.Authorize(r.ctx, r.w.opts.UserID, provider, r.taskID, func(st gateway.State) {
		call.Authorization = &core.AuthorizationNotice{
			Provider:    st.Provider,
			RedirectURL: st.RedirectURL,
			ExpiresAt:   st.ExpiresAt,
		}
		announced = true
		appendErr = !r.append(core.StepToolCall, *call)

		r.logger.Info("worker.authorization.pending", "provider", provider, "call_id", call.CallID)
	})

	if appendErr {
		return "", true, core.ErrLedgerClosed
	}

	return handle, announced, err
}

func (r *run) execute(call core.ToolCallPayload, handle string) *fatal {
	turnCtx, cancel := r.turnContext()
	defer cancel()

	var creds tool.CredentialSource
	if r.w.opts.Authorizer != nil {
		creds = r.w.opts.Authorizer
	}

	toolCtx := tool.NewContext(turnCtx, r.taskID, r.w.opts.UserID, call.CallID, handle, creds, r.logger)

	start := time.Now()

	result, err := guard(turnCtx, func(context.Context) (any, error) {
		return r.w.opts.Tools.Execute(toolCtx, call.Tool, call.Arguments)
	})
	if err != nil && turnCtx.Err() != nil {
		err = context.Cause(turnCtx)
	}

	dur := time.Since(start)
	logging.LogToolCall(r.logger, call.Tool, call.CallID, dur, err)

	switch {
	case err == nil:
		if !r.append(core.StepToolResult, core.ToolResultPayload{
			CallID:     call.CallID,
			Tool:       call.Tool,
			Result:     result,
			DurationMS: dur.Milliseconds(),
		}) {
			return &fatal{}
		}
		return nil
	case errors.Is(err, core.ErrTurnTimeout), errors.Is(err, core.ErrCancelled), errors.Is(err, errPanic):
		return &fatal{err: fmt.Errorf("tool %s: %w", call.Tool, err), callID: call.CallID, tool: call.Tool}
	default:
		return r.toolError(call, err)
	}
}

// toolError records a recoverable tool failure, or escalates it when the
// worker is configured to fail on tool errors.
func (r *run) toolError(call core.ToolCallPayload, err error) *fatal {
	te := tool.AsToolError(call.Tool, err)

	if r.w.opts.FailOnToolError {
		return &fatal{err: te, callID: call.CallID, tool: call.Tool}
	}

	if !r.append(core.StepError, core.ErrorPayload{
		Code:    core.ErrorCode(te),
		Message: te.Error(),
		CallID:  call.CallID,
		Tool:    call.Tool,
	}) {
		return &fatal{}
	}

	return nil
}

// append records a non-terminal step and reports whether the ledger took it.
func (r *run) append(kind core.StepKind, payload any) bool {
	if _, err := r.w.steps.Append(kind, payload); err != nil {
		r.logger.Warn("worker.step.rejected", "kind", string(kind), "error", err.Error())
		return false
	}
	return true
}

func (r *run) close(kind core.StepKind, payload any) {
	if _, err := r.w.steps.Close(kind, payload); err != nil {
		r.logger.Error("worker.ledger.close_failed", "kind", string(kind), "error", err.Error())
	}
}

func (r *run) complete(answer string) core.WorkerStatus {
	r.close(core.StepFinal, core.FinalPayload{Answer: answer})
	return core.WorkerCompleted
}

func (r *run) fail(f fatal) core.WorkerStatus {
	payload := core.NewErrorPayload(f.err, true)
	payload.CallID = f.callID
	payload.Tool = f.tool

	r.logger.Error("worker.run.failed", "code", payload.Code, "error", f.err.Error())
	r.close(core.StepError, payload)

	return core.WorkerFailed
}

func (r *run) cancelled() core.WorkerStatus {
	err := r.token.Err()

	r.logger.Info("worker.run.cancelled", "reason", r.token.Reason())
	r.close(core.StepError, core.NewErrorPayload(err, true))

	return core.WorkerCancelled
}

// aborted handles a ledger that stopped accepting steps underneath the worker.
func (r *run) aborted() core.WorkerStatus {
	if r.token.IsCancelled() {
		return core.WorkerCancelled
	}
	return core.WorkerFailed
}
