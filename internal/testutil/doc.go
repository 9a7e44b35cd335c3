// Package testutil contains helpers shared by package tests: step builders
// and matchers, ledger polling and instrumented tools. It depends only on
// core and tool so any package's internal tests can import it.
package testutil
