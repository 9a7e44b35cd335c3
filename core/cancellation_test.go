package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancellationToken_FirstReasonWins(t *testing.T) {
	tok := NewCancellationToken()
	assert.False(t, tok.IsCancelled())
	assert.NoError(t, tok.Err())

	assert.True(t, tok.Cancel("user request"))
	assert.False(t, tok.Cancel("deadline"))

	assert.True(t, tok.IsCancelled())
	assert.Equal(t, "user request", tok.Reason())
	assert.ErrorIs(t, tok.Err(), ErrCancelled)

	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestCancellationToken_OnCancelFiresOnce(t *testing.T) {
	tok := NewCancellationToken()

	var calls atomic.Int32
	var got string
	tok.OnCancel(func(reason string) {
		calls.Add(1)
		got = reason
	})

	tok.Cancel("stop")
	tok.Cancel("again")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "stop", got)
}

func TestCancellationToken_OnCancelAfterCancelFiresImmediately(t *testing.T) {
	tok := NewCancellationToken()
	tok.Cancel("early")

	fired := false
	stop := tok.OnCancel(func(reason string) {
		fired = true
		assert.Equal(t, "early", reason)
	})

	assert.True(t, fired)
	assert.False(t, stop())
}

func TestCancellationToken_StopUnregisters(t *testing.T) {
	tok := NewCancellationToken()

	fired := false
	stop := tok.OnCancel(func(string) { fired = true })
	assert.True(t, stop())

	tok.Cancel("x")
	assert.False(t, fired)
}

func TestCancellationToken_ConcurrentCancel(t *testing.T) {
	tok := NewCancellationToken()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok.Cancel("race") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestCancellationToken_Context(t *testing.T) {
	tok := NewCancellationToken()
	ctx, cancel := tok.Context(context.Background())
	defer cancel()

	tok.Cancel("shutdown")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}

	cause := context.Cause(ctx)
	require.Error(t, cause)
	assert.True(t, errors.Is(cause, ErrCancelled))
	assert.Contains(t, cause.Error(), "shutdown")
}

func TestCancellationToken_ContextReleaseDoesNotCancelToken(t *testing.T) {
	tok := NewCancellationToken()
	ctx, cancel := tok.Context(context.Background())
	cancel()

	assert.Error(t, ctx.Err())
	assert.False(t, tok.IsCancelled())
}
