package core

import (
	"context"
	"fmt"
	"sync"
)

// CancellationToken is a one-shot cooperative cancellation signal shared by
// every component working on a task. Once cancelled it never resets; the
// first reason wins. It is safe for concurrent use.
type CancellationToken struct {
	mu        sync.Mutex
	cancelled bool
	reason    string
	done      chan struct{}
	nextID    int
	callbacks []cancelCallback
}

type cancelCallback struct {
	id int
	fn func(reason string)
}

// NewCancellationToken returns an uncancelled token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Cancel sets the token. It reports whether this call performed the
// cancellation; later calls are no-ops and keep the original reason.
// Registered callbacks run synchronously, in registration order, after the
// internal lock is released.
func (t *CancellationToken) Cancel(reason string) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}

	t.cancelled = true
	t.reason = reason
	close(t.done)

	cbs := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	for _, cb := range cbs {
		cb.fn(reason)
	}

	return true
}

// IsCancelled reports whether Cancel has been called.
func (t *CancellationToken) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cancelled
}

// Reason returns the reason given to the first Cancel call.
func (t *CancellationToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.reason
}

// Done returns a channel closed on cancellation.
func (t *CancellationToken) Done() <-chan struct{} { return t.done }

// Err returns nil while the token is live and an error wrapping ErrCancelled
// afterwards.
func (t *CancellationToken) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.cancelled {
		return nil
	}

	return cancelledError(t.reason)
}

// OnCancel registers cb to run at most once when the token is cancelled. If
// the token is already cancelled cb runs immediately on the calling
// goroutine. The returned stop function unregisters cb and reports whether
// it did so before cb ran.
func (t *CancellationToken) OnCancel(cb func(reason string)) (stop func() bool) {
	t.mu.Lock()
	if t.cancelled {
		reason := t.reason
		t.mu.Unlock()
		cb(reason)

		return func() bool { return false }
	}

	id := t.nextID
	t.nextID++
	t.callbacks = append(t.callbacks, cancelCallback{id: id, fn: cb})
	t.mu.Unlock()

	return func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()

		for i, c := range t.callbacks {
			if c.id == id {
				t.callbacks = append(t.callbacks[:i], t.callbacks[i+1:]...)
				return true
			}
		}

		return false
	}
}

// Context derives a context from parent that is cancelled when the token is.
// The context's cause wraps ErrCancelled and carries the reason. Callers must
// invoke the returned CancelFunc to release the registration.
func (t *CancellationToken) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	stop := t.OnCancel(func(reason string) {
		cancel(cancelledError(reason))
	})

	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

func cancelledError(reason string) error {
	if reason == "" {
		return ErrCancelled
	}

	return fmt.Errorf("%w: %s", ErrCancelled, reason)
}
