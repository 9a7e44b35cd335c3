package core

import (
	"context"
	"errors"
)

// Admission errors are returned synchronously by the dispatcher. Execution
// errors are recorded as error steps in the task ledger.
var (
	ErrUnknownCapability    = errors.New("unknown capability")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrTaskExists           = errors.New("task already exists")
	ErrTaskNotFound         = errors.New("task not found")
	ErrTaskNotTerminal      = errors.New("task not terminal")
	ErrLedgerClosed         = errors.New("ledger closed")
	ErrLedgerExists         = errors.New("ledger already exists")
	ErrLedgerNotFound       = errors.New("ledger not found")
	ErrTurnTimeout          = errors.New("turn timeout")
	ErrMaxTurnsExceeded     = errors.New("max turns exceeded")
	ErrCancelled            = errors.New("cancelled")
	ErrProviderUnknown      = errors.New("provider unknown")
	ErrStateNotFound        = errors.New("authorization state not found")
	ErrStateExpired         = errors.New("authorization state expired")
	ErrAuthorizationTimeout = errors.New("authorization timeout")
	ErrTool                 = errors.New("tool error")
)

// Stable error codes written into ErrorPayload.Code.
const (
	CodeUnknownCapability    = "UnknownCapability"
	CodeCapacityExceeded     = "CapacityExceeded"
	CodeLedgerClosed         = "LedgerClosed"
	CodeTurnTimeout          = "TurnTimeout"
	CodeMaxTurnsExceeded     = "MaxTurnsExceeded"
	CodeCancelled            = "Cancelled"
	CodeProviderUnknown      = "ProviderUnknown"
	CodeStateNotFound        = "StateNotFound"
	CodeStateExpired         = "StateExpired"
	CodeAuthorizationTimeout = "AuthorizationTimeout"
	CodeToolError            = "ToolError"
	CodeInternal             = "Internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnknownCapability, CodeUnknownCapability},
	{ErrCapacityExceeded, CodeCapacityExceeded},
	{ErrLedgerClosed, CodeLedgerClosed},
	{ErrTurnTimeout, CodeTurnTimeout},
	{ErrMaxTurnsExceeded, CodeMaxTurnsExceeded},
	{ErrCancelled, CodeCancelled},
	{context.Canceled, CodeCancelled},
	{ErrProviderUnknown, CodeProviderUnknown},
	{ErrStateNotFound, CodeStateNotFound},
	{ErrStateExpired, CodeStateExpired},
	{ErrAuthorizationTimeout, CodeAuthorizationTimeout},
	{ErrTool, CodeToolError},
}

// ErrorCode maps err onto its stable taxonomy code. Unclassified errors map
// to CodeInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	return CodeInternal
}
