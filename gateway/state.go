package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// StateStatus is the lifecycle of an authorization state.
type StateStatus string

const (
	StatePending  StateStatus = "pending"
	StateConsumed StateStatus = "consumed"
	StateExpired  StateStatus = "expired"
)

// State is a short-lived authorization request for exactly one
// (user, provider, task) triple. It is consumed once or expires; tokens are
// never reused.
type State struct {
	Token       string      `json:"token"`
	UserID      string      `json:"user_id"`
	Provider    string      `json:"provider"`
	TaskID      string      `json:"task_id"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Status      StateStatus `json:"status"`
	RedirectURL string      `json:"redirect_url"`
}

type authKey struct {
	userID, provider, taskID string
}

func (k authKey) String() string {
	return k.userID + "\x00" + k.provider + "\x00" + k.taskID
}

type grantKey struct {
	userID, provider string
}

// grant remembers a stored credential for a user and provider.
type grant struct {
	vaultKey string
	expiry   time.Time
}

func (g grant) valid(now time.Time) bool {
	return g.expiry.IsZero() || now.Before(g.expiry)
}

// pendingState tracks a State plus the waiters blocked on its resolution.
// done is closed exactly once, when the state is consumed (handle or err
// set) or expires.
type pendingState struct {
	State
	done   chan struct{}
	handle string
	err    error
}

func (p *pendingState) resolve(handle string, err error) {
	select {
	case <-p.done:
		return
	default:
	}
	p.handle, p.err = handle, err
	close(p.done)
}

// newStateToken returns 32 random bytes, hex encoded.
func newStateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
