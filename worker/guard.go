package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// errPanic marks an error produced by a recovered panic.
var errPanic = errors.New("panic recovered")

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }

func (p *panicErr) Is(target error) bool { return target == errPanic }

// guard runs fn on its own goroutine and returns when fn finishes or ctx is
// done, whichever comes first. A call that outlives ctx is abandoned; its
// late result is dropped. Panics are converted into errors.
func guard[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: &panicErr{val: r, stack: debug.Stack()}}
			}
		}()

		v, err := fn(ctx)
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		select {
		case r := <-ch:
			return r.val, r.err
		default:
		}

		var zero T
		return zero, context.Cause(ctx)
	}
}
