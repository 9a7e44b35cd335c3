package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a new unique identifier for tasks, tool calls and grants.
func NewID() string { return uuid.NewString() }

// Now returns the current time in UTC. All timestamps recorded by taskrelay
// use UTC.
func Now() time.Time { return time.Now().UTC() }
