package core

import "time"

// TaskStatus is the lifecycle state of a task as seen by clients.
type TaskStatus string

const (
	// TaskQueued means the task was admitted but its worker has not started.
	TaskQueued TaskStatus = "queued"
	// TaskRunning means a worker is executing the task.
	TaskRunning TaskStatus = "running"
	// TaskCompleted means the worker produced a final answer.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means execution ended with an unrecoverable error.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled means the task's cancellation token was observed.
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic lifecycle queued -> running -> {completed, failed, cancelled}.
// A queued task may also terminate directly (cancelled before start, or a
// worker that could not be constructed).
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskQueued:
		return next == TaskRunning || next == TaskCancelled || next == TaskFailed
	case TaskRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Task is a snapshot of a submitted unit of work.
type Task struct {
	ID         string     `json:"id"`
	Capability string     `json:"capability"`
	UserID     string     `json:"user_id,omitempty"`
	Status     TaskStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// WorkerStatus is the state machine of a single agent worker.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerCancelled WorkerStatus = "cancelled"
)

// TaskStatus maps a terminal worker state onto the task lifecycle. Non
// terminal worker states map to TaskFailed since a worker must not return
// from Run before reaching a terminal state.
func (s WorkerStatus) TaskStatus() TaskStatus {
	switch s {
	case WorkerCompleted:
		return TaskCompleted
	case WorkerCancelled:
		return TaskCancelled
	default:
		return TaskFailed
	}
}
