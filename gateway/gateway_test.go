package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name        string
	exchangeErr error
	expiry      time.Time
	exchanges   atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://auth.example/" + p.name + "?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, payload []byte) (vault.Credential, error) {
	p.exchanges.Add(1)
	if p.exchangeErr != nil {
		return vault.Credential{}, p.exchangeErr
	}
	return vault.Credential{AccessToken: "tok-" + string(payload), TokenType: "bearer", Expiry: p.expiry}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newGateway(t *testing.T, optFns ...func(o *Options)) (*Gateway, *fakeProvider) {
	t.Helper()

	p := &fakeProvider{name: "github"}
	g, err := New([]Provider{p}, optFns...)
	require.NoError(t, err)

	return g, p
}

func TestNew_RejectsDuplicateProviders(t *testing.T) {
	_, err := New([]Provider{&fakeProvider{name: "a"}, &fakeProvider{name: "a"}})
	assert.Error(t, err)
}

func TestRequestAuthorization_UnknownProvider(t *testing.T) {
	g, _ := newGateway(t)

	_, err := g.RequestAuthorization(context.Background(), "u1", "gitlab", "t1")
	assert.ErrorIs(t, err, core.ErrProviderUnknown)

	_, err = g.Authorize(context.Background(), "u1", "gitlab", "t1", nil)
	assert.ErrorIs(t, err, core.ErrProviderUnknown)
}

func TestRequestAuthorization_DeduplicatesPendingTriple(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	s1, err := g.RequestAuthorization(ctx, "u1", "github", "t1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, s1.Status)
	assert.Len(t, s1.Token, 64)
	assert.Contains(t, s1.RedirectURL, s1.Token)
	assert.Equal(t, DefaultStateTTL, s1.ExpiresAt.Sub(s1.IssuedAt))

	s2, err := g.RequestAuthorization(ctx, "u1", "github", "t1")
	require.NoError(t, err)
	assert.Equal(t, s1.Token, s2.Token)

	s3, err := g.RequestAuthorization(ctx, "u1", "github", "t2")
	require.NoError(t, err)
	assert.NotEqual(t, s1.Token, s3.Token)

	assert.Equal(t, 2, g.PendingStates())
}

func TestCompleteAuthorization_SingleUse(t *testing.T) {
	g, p := newGateway(t)
	ctx := context.Background()

	st, err := g.RequestAuthorization(ctx, "u1", "github", "t1")
	require.NoError(t, err)
	assert.False(t, g.HasValidAuthorization("u1", "github"))

	handle, err := g.CompleteAuthorization(ctx, st.Token, []byte("code1"))
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.NotContains(t, handle, "tok-code1")
	assert.True(t, g.HasValidAuthorization("u1", "github"))
	assert.False(t, g.HasValidAuthorization("u2", "github"))

	cred, err := g.Credential(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, "tok-code1", cred.AccessToken)
	assert.Equal(t, "u1", cred.UserID)
	assert.Equal(t, "github", cred.Provider)

	_, err = g.CompleteAuthorization(ctx, st.Token, []byte("code1"))
	assert.ErrorIs(t, err, core.ErrStateNotFound)
	assert.Equal(t, int32(1), p.exchanges.Load())

	_, err = g.CompleteAuthorization(ctx, "not-a-token", nil)
	assert.ErrorIs(t, err, core.ErrStateNotFound)
}

func TestCompleteAuthorization_ExpiredStateThenRetry(t *testing.T) {
	clock := newFakeClock()
	g, _ := newGateway(t, func(o *Options) { o.Clock = clock.Now })
	ctx := context.Background()

	st, err := g.RequestAuthorization(ctx, "u1", "github", "t1")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)

	_, err = g.CompleteAuthorization(ctx, st.Token, []byte("late"))
	assert.ErrorIs(t, err, core.ErrStateExpired)
	_, err = g.CompleteAuthorization(ctx, st.Token, []byte("late"))
	assert.ErrorIs(t, err, core.ErrStateNotFound)

	retry, err := g.RequestAuthorization(ctx, "u1", "github", "t1")
	require.NoError(t, err)
	assert.NotEqual(t, st.Token, retry.Token)

	handle, err := g.CompleteAuthorization(ctx, retry.Token, []byte("fresh"))
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
}

func TestCompleteAuthorization_ExchangeFailureConsumesState(t *testing.T) {
	g, p := newGateway(t)
	p.exchangeErr = errors.New("bad code")
	ctx := context.Background()

	st, err := g.RequestAuthorization(ctx, "u1", "github", "t1")
	require.NoError(t, err)

	_, err = g.CompleteAuthorization(ctx, st.Token, []byte("x"))
	assert.ErrorContains(t, err, "bad code")
	assert.False(t, g.HasValidAuthorization("u1", "github"))

	_, err = g.CompleteAuthorization(ctx, st.Token, []byte("x"))
	assert.ErrorIs(t, err, core.ErrStateNotFound)
}

func TestAuthorize_WaitsForCompletion(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	var notified State
	handle, err := g.Authorize(ctx, "u1", "github", "t1", func(st State) {
		notified = st
		go func() {
			time.Sleep(10 * time.Millisecond)
			_, _ = g.CompleteAuthorization(ctx, st.Token, []byte("cb"))
		}()
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, notified.Status)

	cred, err := g.Credential(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, "tok-cb", cred.AccessToken)
}

func TestAuthorize_ReusesValidGrant(t *testing.T) {
	g, p := newGateway(t)
	ctx := context.Background()

	st, _ := g.RequestAuthorization(ctx, "u1", "github", "t1")
	_, err := g.CompleteAuthorization(ctx, st.Token, []byte("c"))
	require.NoError(t, err)

	handle, err := g.Authorize(ctx, "u1", "github", "t2", func(State) {
		t.Fatal("notify must not run when a valid grant exists")
	})
	require.NoError(t, err)

	cred, err := g.Credential(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, "tok-c", cred.AccessToken)
	assert.Equal(t, int32(1), p.exchanges.Load())
}

func TestAuthorize_Timeout(t *testing.T) {
	g, _ := newGateway(t, func(o *Options) { o.AuthorizationTimeout = 20 * time.Millisecond })

	_, err := g.Authorize(context.Background(), "u1", "github", "t1", nil)
	assert.ErrorIs(t, err, core.ErrAuthorizationTimeout)
	assert.Equal(t, core.CodeAuthorizationTimeout, core.ErrorCode(err))
}

func TestAuthorize_StateExpiresWhileWaiting(t *testing.T) {
	g, _ := newGateway(t, func(o *Options) {
		o.StateTTL = 20 * time.Millisecond
		o.AuthorizationTimeout = time.Second
	})

	_, err := g.Authorize(context.Background(), "u1", "github", "t1", nil)
	assert.ErrorIs(t, err, core.ErrStateExpired)
}

func TestAuthorize_ContextCancelled(t *testing.T) {
	g, _ := newGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := g.Authorize(ctx, "u1", "github", "t1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuthorize_ConcurrentCallersShareOneState(t *testing.T) {
	g, p := newGateway(t)
	ctx := context.Background()

	var notifications atomic.Int32
	release := make(chan struct{})

	notify := func(st State) {
		notifications.Add(1)
		go func() {
			<-release
			_, _ = g.CompleteAuthorization(ctx, st.Token, []byte("shared"))
		}()
	}

	const callers = 4
	handles := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := g.Authorize(ctx, "u1", "github", "t1", notify)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}

	// Give all callers time to join the in-flight request.
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), notifications.Load())
	assert.Equal(t, int32(1), p.exchanges.Load())
	for _, h := range handles {
		cred, err := g.Credential(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, "tok-shared", cred.AccessToken)
	}
}

func TestCredential_RejectsForeignOrExpiredHandles(t *testing.T) {
	clock := newFakeClock()
	g, p := newGateway(t, func(o *Options) { o.Clock = clock.Now })
	p.expiry = clock.Now().Add(30 * time.Minute)
	ctx := context.Background()

	st, _ := g.RequestAuthorization(ctx, "u1", "github", "t1")
	handle, err := g.CompleteAuthorization(ctx, st.Token, []byte("c"))
	require.NoError(t, err)

	other, _ := newGateway(t, func(o *Options) { o.Clock = clock.Now })
	_, err = other.Credential(ctx, handle)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = g.Credential(ctx, handle+"x")
	assert.ErrorIs(t, err, ErrInvalidHandle)

	clock.Advance(time.Hour)
	_, err = g.Credential(ctx, handle)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.False(t, g.HasValidAuthorization("u1", "github"))
}

func TestSweepAndRevoke(t *testing.T) {
	clock := newFakeClock()
	g, _ := newGateway(t, func(o *Options) { o.Clock = clock.Now })
	ctx := context.Background()

	_, _ = g.RequestAuthorization(ctx, "u1", "github", "t1")
	st2, _ := g.RequestAuthorization(ctx, "u1", "github", "t2")
	_, err := g.CompleteAuthorization(ctx, st2.Token, []byte("c"))
	require.NoError(t, err)

	assert.Equal(t, 0, g.Sweep())
	clock.Advance(DefaultStateTTL)
	assert.Equal(t, 1, g.Sweep())
	assert.Equal(t, 0, g.PendingStates())

	clock.Advance(2 * DefaultStateTTL)
	g.Sweep()
	_, err = g.CompleteAuthorization(ctx, st2.Token, nil)
	assert.ErrorIs(t, err, core.ErrStateNotFound)

	require.True(t, g.HasValidAuthorization("u1", "github"))
	require.NoError(t, g.Revoke(ctx, "u1", "github"))
	assert.False(t, g.HasValidAuthorization("u1", "github"))
}

func TestRevoke_InvalidatesSupersededGrants(t *testing.T) {
	store := vault.NewMemoryStore()
	g, _ := newGateway(t, func(o *Options) { o.Vault = store })
	ctx := context.Background()

	st1, _ := g.RequestAuthorization(ctx, "u1", "github", "t1")
	h1, err := g.CompleteAuthorization(ctx, st1.Token, []byte("first"))
	require.NoError(t, err)

	st2, _ := g.RequestAuthorization(ctx, "u1", "github", "t2")
	h2, err := g.CompleteAuthorization(ctx, st2.Token, []byte("second"))
	require.NoError(t, err)

	c1, err := g.handles.parse(h1)
	require.NoError(t, err)
	c2, err := g.handles.parse(h2)
	require.NoError(t, err)

	_, err = g.Credential(ctx, h1)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = store.Get(ctx, c1.Grant)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	cred, err := g.Credential(ctx, h2)
	require.NoError(t, err)
	assert.Equal(t, "tok-second", cred.AccessToken)

	require.NoError(t, g.Revoke(ctx, "u1", "github"))

	for _, h := range []string{h1, h2} {
		_, err = g.Credential(ctx, h)
		assert.ErrorIs(t, err, ErrInvalidHandle)
	}
	_, err = store.Get(ctx, c2.Grant)
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestSweep_DeletesLapsedCredentials(t *testing.T) {
	clock := newFakeClock()
	store := vault.NewMemoryStore()
	g, p := newGateway(t, func(o *Options) {
		o.Clock = clock.Now
		o.Vault = store
	})
	p.expiry = clock.Now().Add(30 * time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "orphan", vault.Credential{
		AccessToken: "stale",
		Expiry:      clock.Now().Add(-time.Minute),
	}))

	st, _ := g.RequestAuthorization(ctx, "u1", "github", "t1")
	handle, err := g.CompleteAuthorization(ctx, st.Token, []byte("c"))
	require.NoError(t, err)
	claims, err := g.handles.parse(handle)
	require.NoError(t, err)

	g.Sweep()
	_, err = store.Get(ctx, "orphan")
	assert.ErrorIs(t, err, vault.ErrNotFound)
	_, err = store.Get(ctx, claims.Grant)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	g.Sweep()

	assert.False(t, g.HasValidAuthorization("u1", "github"))
	_, err = store.Get(ctx, claims.Grant)
	assert.ErrorIs(t, err, vault.ErrNotFound)
}
