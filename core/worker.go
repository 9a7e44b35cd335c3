package core

import "context"

// StepLog is the per-task ledger view handed to a worker. Appends are
// ordered; Close appends the terminal step (final or error) exactly once.
type StepLog interface {
	// Append records a step and returns its sequence number, or
	// ErrLedgerClosed once the ledger has been closed.
	Append(kind StepKind, payload any) (int64, error)

	// Close appends the terminal step and seals the ledger. It reports
	// false if the ledger was already closed.
	Close(kind StepKind, payload any) (bool, error)

	// ReadFrom returns all steps with Seq > afterSeq. Pass -1 for all.
	ReadFrom(afterSeq int64) []Step
}

// Worker executes one task to a terminal state. Run must not return before
// the task's ledger has been closed or the returned status is terminal.
type Worker interface {
	Run(ctx context.Context, taskID string, input Content, token *CancellationToken) WorkerStatus
}
