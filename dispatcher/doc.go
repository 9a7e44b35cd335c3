// Package dispatcher admits tasks, routes each to a worker registered for
// its capability tag and enforces a global concurrency bound.
//
// Admission never queues: a submission that finds every slot taken is
// rejected with core.ErrCapacityExceeded and the caller is expected to retry.
// A slot is released before the task's terminal status becomes visible, so a
// client that observes completion can immediately submit again.
package dispatcher
