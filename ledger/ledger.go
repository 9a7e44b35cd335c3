package ledger

import (
	"fmt"
	"sync"

	"github.com/hupe1980/taskrelay/core"
)

// Ledger is the append-only, strictly ordered step log of one task.
//
// Appends are serialized by an exclusive lock, so sequence numbers are
// contiguous from 0 regardless of how many goroutines append. Readers get
// copies and never observe a partially appended step. Every append and the
// final Close wake all goroutines waiting on the channel returned by
// Snapshot or Changed.
type Ledger struct {
	taskID string

	mu     sync.RWMutex
	steps  []core.Step
	closed bool
	notify chan struct{} // closed and replaced on every append; left closed after Close
}

var _ core.StepLog = (*Ledger)(nil)

// New creates an empty ledger for taskID.
func New(taskID string) *Ledger {
	return &Ledger{taskID: taskID, notify: make(chan struct{})}
}

// TaskID returns the owning task identifier.
func (l *Ledger) TaskID() string { return l.taskID }

// Append records a step and returns its sequence number. It fails with
// core.ErrLedgerClosed once the ledger has been closed.
func (l *Ledger) Append(kind core.StepKind, payload any) (int64, error) {
	if !kind.Valid() {
		return -1, fmt.Errorf("ledger %s: invalid step kind %q", l.taskID, kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return -1, fmt.Errorf("ledger %s: %w", l.taskID, core.ErrLedgerClosed)
	}

	return l.appendLocked(kind, payload, false), nil
}

// Close appends the terminal step (kind must be final or error) and seals the
// ledger. Later calls are no-ops and report false.
func (l *Ledger) Close(kind core.StepKind, payload any) (bool, error) {
	if !kind.CanTerminate() {
		return false, fmt.Errorf("ledger %s: step kind %q cannot close a ledger", l.taskID, kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, nil
	}

	l.appendLocked(kind, payload, true)

	return true, nil
}

func (l *Ledger) appendLocked(kind core.StepKind, payload any, terminal bool) int64 {
	seq := int64(len(l.steps))
	l.steps = append(l.steps, core.Step{
		TaskID:    l.taskID,
		Seq:       seq,
		Kind:      kind,
		Payload:   payload,
		Terminal:  terminal,
		Timestamp: core.Now(),
	})

	close(l.notify)
	if terminal {
		l.closed = true
	} else {
		l.notify = make(chan struct{})
	}

	return seq
}

// ReadFrom returns a copy of all steps with Seq > afterSeq in ascending order.
// It never blocks on appenders beyond the read lock.
func (l *Ledger) ReadFrom(afterSeq int64) []core.Step {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.readLocked(afterSeq)
}

func (l *Ledger) readLocked(afterSeq int64) []core.Step {
	start := afterSeq + 1
	if start < 0 {
		start = 0
	}

	if start >= int64(len(l.steps)) {
		return nil
	}

	out := make([]core.Step, int64(len(l.steps))-start)
	copy(out, l.steps[start:])

	return out
}

// Snapshot atomically returns the steps after afterSeq, whether the ledger is
// closed, and a channel that is closed on the next append. Waiting on the
// channel after an empty snapshot cannot miss an append.
func (l *Ledger) Snapshot(afterSeq int64) (steps []core.Step, closed bool, changed <-chan struct{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.readLocked(afterSeq), l.closed, l.notify
}

// Changed returns a channel closed on the next append or close.
func (l *Ledger) Changed() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.notify
}

// Closed reports whether the terminal step has been appended.
func (l *Ledger) Closed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.closed
}

// Len returns the number of appended steps.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.steps)
}
