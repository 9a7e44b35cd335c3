// Package ledger implements the per-task step log.
//
// A Ledger is the ordering primitive of taskrelay: workers append steps,
// the dispatcher seals it with a terminal step, and the stream server reads
// it from any offset. Appends wake waiting readers through a broadcast
// channel so subscribers never poll.
package ledger
