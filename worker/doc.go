// Package worker runs the tool-augmented reasoning loop of a single task.
//
// Each turn a Reasoner decides what happens next: think, call tools or
// answer. The worker records every step in the task's ledger, enforces the
// per-turn timeout and turn budget, obtains OAuth handles from the gateway
// for gated tools and observes the task's cancellation token between and
// during turns. The worker closes the ledger with the terminal step itself.
//
// ModelReasoner adapts any model.Model into a Reasoner, rebuilding the
// conversation from the ledger on every turn.
package worker
