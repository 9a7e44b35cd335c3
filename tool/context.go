package tool

import (
	"context"

	"github.com/hupe1980/taskrelay/logging"
	"github.com/hupe1980/taskrelay/vault"
)

// CredentialSource resolves an opaque credential handle into the stored
// credential. The gateway implements it.
type CredentialSource interface {
	Credential(ctx context.Context, handle string) (vault.Credential, error)
}

// Context is the execution scope of one tool call. It embeds the call's
// context.Context, which is cancelled when the task is cancelled or the turn
// budget elapses.
type Context struct {
	context.Context

	taskID string
	userID string
	callID string
	handle string
	creds  CredentialSource
	logger logging.Logger
}

// NewContext builds a tool Context. handle and creds may be empty for
// tools that are not AuthGated.
func NewContext(
	ctx context.Context,
	taskID, userID, callID string,
	handle string,
	creds CredentialSource,
	logger logging.Logger,
) *Context {
	return &Context{
		Context: ctx,
		taskID:  taskID,
		userID:  userID,
		callID:  callID,
		handle:  handle,
		creds:   creds,
		logger:  logging.OrNoOp(logger),
	}
}

// TaskID returns the task the call belongs to.
func (c *Context) TaskID() string { return c.taskID }

// UserID returns the user who submitted the task.
func (c *Context) UserID() string { return c.userID }

// FunctionCallID returns the identifier correlating the model request with this execution.
func (c *Context) FunctionCallID() string { return c.callID }

// Logger returns the call scoped logger.
func (c *Context) Logger() logging.Logger { return c.logger }

// CredentialHandle returns the opaque handle granted for this call, if any.
func (c *Context) CredentialHandle() string { return c.handle }

// Credential resolves the call's handle into the stored credential.
func (c *Context) Credential() (vault.Credential, error) {
	if c.handle == "" || c.creds == nil {
		return vault.Credential{}, NewToolError("", "no credential granted for this call", CodeUnauthorized)
	}
	return c.creds.Credential(c.Context, c.handle)
}
