// Package core provides the foundational domain types and interfaces shared by
// every taskrelay component. It defines:
//
//   - Tasks and their monotonic status lifecycle
//   - Steps (immutable, sequenced trace entries) and their kind specific payloads
//   - The CancellationToken propagated through a task's execution tree
//   - The error taxonomy surfaced to callers and recorded into step payloads
//   - Role based Content used as task input and model conversation
//
// Implementation concerns (ledger storage, dispatch, streaming, authorization)
// live in sibling packages that depend on the small interfaces declared here.
package core
