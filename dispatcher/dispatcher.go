package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/ledger"
	"github.com/hupe1980/taskrelay/logging"
)

// Options holds configuration overrides passed to New.
type Options struct {
	// MaxConcurrent bounds the number of simultaneously running tasks.
	MaxConcurrent int64

	// Retention is how long terminal tasks stay queryable before Sweep
	// evicts them.
	Retention time.Duration

	// TaskTimeout is an optional wall-clock limit per task. When it elapses
	// the task's token is cancelled. Zero disables it.
	TaskTimeout time.Duration

	Logger logging.Logger

	// Clock overrides core.Now, mainly for tests.
	Clock func() time.Time
}

// Submission is a request to run a task.
type Submission struct {
	// TaskID is optional; an ID is generated when empty.
	TaskID     string
	UserID     string
	Capability string
	Input      core.Content
}

// Dispatcher admits tasks, runs each on a worker built for its capability
// and retires the task once the worker is done. Public methods are safe for
// concurrent use.
type Dispatcher struct {
	registry *Registry
	ledgers  *ledger.Store
	slots    *semaphore.Weighted
	opts     Options
	logger   logging.Logger
	clock    func() time.Time

	mu    sync.Mutex // admission lock; guards tasks
	tasks map[string]*entry
	wg    sync.WaitGroup
}

type entry struct {
	task  core.Task
	token *core.CancellationToken
	done  chan struct{}
}

// New constructs a Dispatcher over registry, keeping ledgers in store.
func New(registry *Registry, store *ledger.Store, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		MaxConcurrent: 4,
		Retention:     time.Hour,
		Logger:        logging.NoOpLogger{},
		Clock:         core.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}

	return &Dispatcher{
		registry: registry,
		ledgers:  store,
		slots:    semaphore.NewWeighted(opts.MaxConcurrent),
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		clock:    opts.Clock,
		tasks:    make(map[string]*entry),
	}
}

// Submit admits a task and starts its worker without blocking. It fails
// with core.ErrUnknownCapability, core.ErrTaskExists or, when every slot is
// taken, core.ErrCapacityExceeded. Rejected submissions leave no trace.
//
// ctx only contributes values to the task; its cancellation does not affect
// the task once admitted.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (core.Task, error) {
	reg, ok := d.registry.Lookup(sub.Capability)
	if !ok {
		d.logger.Info("dispatcher.task.rejected", "capability", sub.Capability, "reason", core.CodeUnknownCapability)
		return core.Task{}, fmt.Errorf("%q: %w", sub.Capability, core.ErrUnknownCapability)
	}

	if sub.TaskID == "" {
		sub.TaskID = core.NewID()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[sub.TaskID]; exists {
		return core.Task{}, fmt.Errorf("%s: %w", sub.TaskID, core.ErrTaskExists)
	}

	if !d.slots.TryAcquire(1) {
		d.logger.Info("dispatcher.task.rejected", "task_id", sub.TaskID, "reason", core.CodeCapacityExceeded)
		return core.Task{}, core.ErrCapacityExceeded
	}

	steps, err := d.ledgers.Create(sub.TaskID)
	if err != nil {
		d.slots.Release(1)
		if errors.Is(err, core.ErrLedgerExists) {
			return core.Task{}, fmt.Errorf("%s: %w", sub.TaskID, core.ErrTaskExists)
		}
		return core.Task{}, err
	}

	logger := logging.With(d.logger, "task_id", sub.TaskID, "capability", sub.Capability)

	w, err := reg.New(TaskSpec{
		TaskID:     sub.TaskID,
		UserID:     sub.UserID,
		Capability: sub.Capability,
		Steps:      steps,
		Logger:     logger,
	})
	if err != nil {
		d.ledgers.Remove(sub.TaskID)
		d.slots.Release(1)
		return core.Task{}, fmt.Errorf("construct worker for %q: %w", sub.Capability, err)
	}

	e := &entry{
		task: core.Task{
			ID:         sub.TaskID,
			Capability: sub.Capability,
			UserID:     sub.UserID,
			Status:     core.TaskQueued,
			CreatedAt:  d.clock(),
		},
		token: core.NewCancellationToken(),
		done:  make(chan struct{}),
	}
	d.tasks[sub.TaskID] = e

	d.wg.Add(1)
	go d.run(context.WithoutCancel(ctx), e, w, steps, sub.Input, logger)

	logger.Info("dispatcher.task.accepted", "user_id", sub.UserID)

	return e.task, nil
}

func (d *Dispatcher) run(ctx context.Context, e *entry, w core.Worker, steps *ledger.Ledger, input core.Content, logger logging.Logger) {
	defer d.wg.Done()

	if d.opts.TaskTimeout > 0 {
		timer := time.AfterFunc(d.opts.TaskTimeout, func() {
			if e.token.Cancel(fmt.Sprintf("task timeout after %s", d.opts.TaskTimeout)) {
				logger.Warn("dispatcher.task.timeout", "timeout", d.opts.TaskTimeout)
			}
		})
		defer timer.Stop()
	}

	d.transition(e, core.TaskRunning, "")

	status := d.runWorker(ctx, e, w, input, logger)

	taskStatus := d.finalize(e, status, steps)

	d.slots.Release(1)

	d.transition(e, taskStatus, reason(steps))
	close(e.done)

	logger.Info("dispatcher.task.finished", "status", string(taskStatus))
}

func (d *Dispatcher) runWorker(ctx context.Context, e *entry, w core.Worker, input core.Content, logger logging.Logger) (status core.WorkerStatus) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatcher.worker.panic", "recover", r, "stack", string(debug.Stack()))
			status = core.WorkerFailed
		}
	}()

	return w.Run(ctx, e.task.ID, input, e.token)
}

// finalize seals the ledger if the worker left it open and returns the
// task status to publish. A worker that claims success without a final
// step is treated as failed.
func (d *Dispatcher) finalize(e *entry, status core.WorkerStatus, steps *ledger.Ledger) core.TaskStatus {
	taskStatus := status.TaskStatus()

	if steps.Closed() {
		return taskStatus
	}

	var payload core.ErrorPayload

	switch taskStatus {
	case core.TaskCancelled:
		err := e.token.Err()
		if err == nil {
			err = core.ErrCancelled
		}
		payload = core.NewErrorPayload(err, true)
	default:
		taskStatus = core.TaskFailed
		payload = core.ErrorPayload{
			Code:    core.CodeInternal,
			Message: fmt.Sprintf("worker exited with status %s without a terminal step", status),
			Fatal:   true,
		}
	}

	if _, err := steps.Close(core.StepError, payload); err != nil {
		d.logger.Error("dispatcher.ledger.close_failed", "task_id", e.task.ID, "error", err.Error())
	}

	return taskStatus
}

// reason extracts the message of a terminal error step, if any.
func reason(steps *ledger.Ledger) string {
	tail := steps.ReadFrom(int64(steps.Len()) - 2)
	if len(tail) == 0 {
		return ""
	}

	if p, ok := tail[0].Payload.(core.ErrorPayload); ok {
		return p.Message
	}

	return ""
}

func (d *Dispatcher) transition(e *entry, next core.TaskStatus, why string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !e.task.Status.CanTransitionTo(next) {
		return
	}

	now := d.clock()
	e.task.Status = next
	e.task.Reason = why

	switch {
	case next == core.TaskRunning:
		e.task.StartedAt = &now
	case next.IsTerminal():
		e.task.FinishedAt = &now
	}
}

// Cancel requests cooperative cancellation. It reports true iff the task
// exists and is not yet terminal; repeated calls are harmless.
func (d *Dispatcher) Cancel(taskID, reason string) bool {
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	live := ok && !e.task.Status.IsTerminal()
	d.mu.Unlock()

	if !live {
		return false
	}

	if e.token.Cancel(reason) {
		d.logger.Info("dispatcher.task.cancel_requested", "task_id", taskID, "reason", reason)
	}

	return true
}

// Status returns a snapshot of the task.
func (d *Dispatcher) Status(taskID string) (core.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.tasks[taskID]
	if !ok {
		return core.Task{}, fmt.Errorf("%s: %w", taskID, core.ErrTaskNotFound)
	}

	return e.task, nil
}

// Tasks returns snapshots of all retained tasks, oldest first.
func (d *Dispatcher) Tasks() []core.Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]core.Task, 0, len(d.tasks))
	for _, e := range d.tasks {
		out = append(out, e.task)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// Wait blocks until the task is terminal or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, taskID string) (core.Task, error) {
	d.mu.Lock()
	e, ok := d.tasks[taskID]
	d.mu.Unlock()

	if !ok {
		return core.Task{}, fmt.Errorf("%s: %w", taskID, core.ErrTaskNotFound)
	}

	select {
	case <-e.done:
		return d.Status(taskID)
	case <-ctx.Done():
		return core.Task{}, ctx.Err()
	}
}

// Acknowledge evicts a terminal task and its ledger.
func (d *Dispatcher) Acknowledge(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.tasks[taskID]
	if !ok {
		return fmt.Errorf("%s: %w", taskID, core.ErrTaskNotFound)
	}

	if !e.task.Status.IsTerminal() {
		return fmt.Errorf("%s is %s: %w", taskID, e.task.Status, core.ErrTaskNotTerminal)
	}

	d.evictLocked(taskID, "acknowledged")

	return nil
}

// Sweep evicts terminal tasks that finished longer than Retention ago and
// returns how many were removed.
func (d *Dispatcher) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.clock().Add(-d.opts.Retention)
	evicted := 0

	for id, e := range d.tasks {
		if e.task.Status.IsTerminal() && e.task.FinishedAt != nil && e.task.FinishedAt.Before(cutoff) {
			d.evictLocked(id, "retention")
			evicted++
		}
	}

	return evicted
}

func (d *Dispatcher) evictLocked(taskID, why string) {
	delete(d.tasks, taskID)
	d.ledgers.Remove(taskID)
	d.logger.Info("dispatcher.task.evicted", "task_id", taskID, "reason", why)
}

// Running returns the number of admitted, non-terminal tasks.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, e := range d.tasks {
		if !e.task.Status.IsTerminal() {
			n++
		}
	}

	return n
}

// Shutdown cancels every live task and waits for the workers to return or
// ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	for _, e := range d.tasks {
		if !e.task.Status.IsTerminal() {
			e.token.Cancel("dispatcher shutdown")
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
