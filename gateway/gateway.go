package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/logging"
	"github.com/hupe1980/taskrelay/vault"
)

// Options configures a Gateway.
type Options struct {
	// StateTTL is how long an authorization state stays redeemable.
	StateTTL time.Duration

	// AuthorizationTimeout bounds how long Authorize waits for the user.
	AuthorizationTimeout time.Duration

	// HandleTTL is the handle lifetime for credentials without an expiry.
	HandleTTL time.Duration

	// SigningKey signs credential handles. A random key is generated when empty,
	// which invalidates handles across restarts.
	SigningKey []byte

	// Vault stores credentials. Defaults to an in-memory store.
	Vault vault.Store

	// Logger defaults to NoOp.
	Logger logging.Logger

	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// DefaultStateTTL is the fixed redemption window of an authorization state.
const DefaultStateTTL = 10 * time.Minute

// Gateway issues and validates short-lived authorization state for external
// tools a worker calls mid-run, and hands out opaque credential handles once
// the user has granted access.
//
// Requests for the same (user, provider, task) triple are de-duplicated: a
// second request while one is pending returns the same state, and concurrent
// Authorize callers share one wait.
type Gateway struct {
	providers map[string]Provider
	opts      Options
	vault     vault.Store
	logger    logging.Logger
	clock     func() time.Time
	handles   *handleCodec
	flight    singleflight.Group

	mu           sync.Mutex
	states       map[string]*pendingState
	pendingByKey map[authKey]string
	grants       map[grantKey]grant
}

// New creates a Gateway serving the given providers. The provider table is
// fixed for the Gateway's lifetime; duplicate names are rejected.
func New(providers []Provider, optFns ...func(o *Options)) (*Gateway, error) {
	opts := Options{
		StateTTL:             DefaultStateTTL,
		AuthorizationTimeout: DefaultStateTTL,
		HandleTTL:            time.Hour,
		Logger:               logging.NoOpLogger{},
		Clock:                time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Vault == nil {
		opts.Vault = vault.NewMemoryStore()
	}

	if len(opts.SigningKey) == 0 {
		opts.SigningKey = make([]byte, 32)
		if _, err := rand.Read(opts.SigningKey); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}

	table := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if _, dup := table[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		table[p.Name()] = p
	}

	return &Gateway{
		providers:    table,
		opts:         opts,
		vault:        opts.Vault,
		logger:       logging.OrNoOp(opts.Logger),
		clock:        opts.Clock,
		handles:      &handleCodec{key: opts.SigningKey, clock: opts.Clock},
		states:       make(map[string]*pendingState),
		pendingByKey: make(map[authKey]string),
		grants:       make(map[grantKey]grant),
	}, nil
}

// HasProvider reports whether name is a registered provider.
func (g *Gateway) HasProvider(name string) bool {
	_, ok := g.providers[name]
	return ok
}

// RequestAuthorization creates a pending state for the triple and returns it
// together with the provider redirect target. While a pending, unexpired
// state exists for the same triple it is returned instead of a new one.
func (g *Gateway) RequestAuthorization(_ context.Context, userID, provider, taskID string) (State, error) {
	p, ok := g.providers[provider]
	if !ok {
		return State{}, fmt.Errorf("%q: %w", provider, core.ErrProviderUnknown)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	key := authKey{userID: userID, provider: provider, taskID: taskID}

	if token, ok := g.pendingByKey[key]; ok {
		ps := g.states[token]
		if ps.Status == StatePending && now.Before(ps.ExpiresAt) {
			g.logger.Debug("gateway.state.reused", "provider", provider, "task_id", taskID)
			return ps.State, nil
		}
		g.expireLocked(ps)
	}

	token, err := newStateToken()
	if err != nil {
		return State{}, fmt.Errorf("generate state: %w", err)
	}

	ps := &pendingState{
		State: State{
			Token:       token,
			UserID:      userID,
			Provider:    provider,
			TaskID:      taskID,
			IssuedAt:    now,
			ExpiresAt:   now.Add(g.opts.StateTTL),
			Status:      StatePending,
			RedirectURL: p.AuthCodeURL(token),
		},
		done: make(chan struct{}),
	}

	g.states[token] = ps
	g.pendingByKey[key] = token

	g.logger.Info("gateway.state.issued", "provider", provider, "task_id", taskID, "expires_at", ps.ExpiresAt)

	return ps.State, nil
}

// CompleteAuthorization redeems a state token with the provider's callback
// payload and returns an opaque credential handle. Unknown or already
// consumed tokens yield core.ErrStateNotFound. A token past its expiry
// yields core.ErrStateExpired once and is then forgotten, so later attempts
// see core.ErrStateNotFound.
func (g *Gateway) CompleteAuthorization(ctx context.Context, stateToken string, payload []byte) (string, error) {
	g.mu.Lock()
	ps, ok := g.states[stateToken]
	if !ok || ps.Status == StateConsumed {
		g.mu.Unlock()
		return "", core.ErrStateNotFound
	}

	if ps.Status == StateExpired || !g.clock().Before(ps.ExpiresAt) {
		g.expireLocked(ps)
		delete(g.states, stateToken)
		g.mu.Unlock()
		return "", core.ErrStateExpired
	}

	// Claim the state before leaving the lock so a concurrent redeem sees it consumed.
	ps.Status = StateConsumed
	g.dropPendingLocked(ps)
	g.mu.Unlock()

	handle, err := g.redeem(ctx, ps, payload)

	g.mu.Lock()
	ps.resolve(handle, err)
	g.mu.Unlock()

	if err != nil {
		g.logger.Warn("gateway.state.exchange_failed", "provider", ps.Provider, "task_id", ps.TaskID, "error", err.Error())
		return "", err
	}

	g.logger.Info("gateway.state.consumed", "provider", ps.Provider, "task_id", ps.TaskID)

	return handle, nil
}

func (g *Gateway) redeem(ctx context.Context, ps *pendingState, payload []byte) (string, error) {
	cred, err := g.providers[ps.Provider].Exchange(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("exchange with %s: %w", ps.Provider, err)
	}

	cred.Provider = ps.Provider
	cred.UserID = ps.UserID

	grantID := core.NewID()
	if err := g.vault.Put(ctx, grantID, cred); err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}

	gr := grant{vaultKey: grantID, expiry: cred.Expiry}
	key := grantKey{userID: ps.UserID, provider: ps.Provider}

	g.mu.Lock()
	prev, replaced := g.grants[key]
	g.grants[key] = gr
	g.mu.Unlock()

	// The superseded credential must not outlive its grant.
	if replaced {
		g.deleteCredentials(ctx, prev.vaultKey)
	}

	return g.issueHandle(ps.UserID, ps.Provider, ps.TaskID, gr)
}

func (g *Gateway) deleteCredentials(ctx context.Context, vaultKeys ...string) {
	for _, k := range vaultKeys {
		if err := g.vault.Delete(ctx, k); err != nil {
			g.logger.Warn("gateway.vault.delete_failed", "error", err.Error())
		}
	}
}

func (g *Gateway) issueHandle(userID, provider, taskID string, gr grant) (string, error) {
	expires := gr.expiry
	if expires.IsZero() {
		expires = g.clock().Add(g.opts.HandleTTL)
	}

	return g.handles.issue(userID, provider, taskID, gr.vaultKey, expires)
}

// HasValidAuthorization reports whether the user holds an unexpired grant
// for provider.
func (g *Gateway) HasValidAuthorization(userID, provider string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	gr, ok := g.grants[grantKey{userID: userID, provider: provider}]

	return ok && gr.valid(g.clock())
}

// Authorize is the blocking call workers use before an OAuth-gated tool
// call. It returns a handle immediately when the user already holds a valid
// grant. Otherwise it requests authorization, passes the pending State to
// notify (so the redirect target can be surfaced to the user) and waits for
// CompleteAuthorization. Concurrent callers for the same triple share one
// request; only the first one's notify runs.
//
// The wait ends with core.ErrAuthorizationTimeout after
// Options.AuthorizationTimeout, with core.ErrStateExpired when the state
// lapses first, or with the context's error.
func (g *Gateway) Authorize(
	ctx context.Context,
	userID, provider, taskID string,
	notify func(State),
) (string, error) {
	if !g.HasProvider(provider) {
		return "", fmt.Errorf("%q: %w", provider, core.ErrProviderUnknown)
	}

	if handle, ok, err := g.handleForExistingGrant(userID, provider, taskID); ok || err != nil {
		return handle, err
	}

	key := authKey{userID: userID, provider: provider, taskID: taskID}

	v, err, shared := g.flight.Do(key.String(), func() (any, error) {
		st, err := g.RequestAuthorization(ctx, userID, provider, taskID)
		if err != nil {
			return "", err
		}

		if notify != nil {
			notify(st)
		}

		return g.wait(ctx, st.Token)
	})
	if err != nil {
		return "", err
	}

	g.logger.Info("gateway.authorize.granted", "provider", provider, "task_id", taskID, "shared", shared)

	return v.(string), nil
}

func (g *Gateway) handleForExistingGrant(userID, provider, taskID string) (string, bool, error) {
	g.mu.Lock()
	gr, ok := g.grants[grantKey{userID: userID, provider: provider}]
	valid := ok && gr.valid(g.clock())
	g.mu.Unlock()

	if !valid {
		return "", false, nil
	}

	handle, err := g.issueHandle(userID, provider, taskID, gr)

	return handle, true, err
}

func (g *Gateway) wait(ctx context.Context, token string) (string, error) {
	g.mu.Lock()
	ps, ok := g.states[token]
	if !ok {
		g.mu.Unlock()
		return "", core.ErrStateNotFound
	}
	expiresIn := ps.ExpiresAt.Sub(g.clock())
	g.mu.Unlock()

	timeout := time.NewTimer(g.opts.AuthorizationTimeout)
	defer timeout.Stop()

	expiry := time.NewTimer(expiresIn)
	defer expiry.Stop()

	select {
	case <-ps.done:
		g.mu.Lock()
		defer g.mu.Unlock()

		return ps.handle, ps.err
	case <-expiry.C:
		g.mu.Lock()
		if ps.Status == StatePending {
			g.expireLocked(ps)
		}
		g.mu.Unlock()

		// A redeem may have won the race; its outcome takes precedence.
		<-ps.done

		g.mu.Lock()
		defer g.mu.Unlock()

		return ps.handle, ps.err
	case <-timeout.C:
		g.logger.Warn("gateway.authorize.timeout", "provider", ps.Provider, "task_id", ps.TaskID)
		return "", fmt.Errorf("%w after %s", core.ErrAuthorizationTimeout, g.opts.AuthorizationTimeout)
	case <-ctx.Done():
		return "", context.Cause(ctx)
	}
}

// Credential resolves a handle into its stored credential. It implements
// tool.CredentialSource. Handles minted for a grant that was since replaced,
// revoked or swept are rejected with ErrInvalidHandle.
func (g *Gateway) Credential(ctx context.Context, handle string) (vault.Credential, error) {
	claims, err := g.handles.parse(handle)
	if err != nil {
		return vault.Credential{}, err
	}

	g.mu.Lock()
	current, ok := g.grants[grantKey{userID: claims.Subject, provider: claims.Provider}]
	g.mu.Unlock()

	if !ok || current.vaultKey != claims.Grant {
		return vault.Credential{}, fmt.Errorf("%w: grant no longer active", ErrInvalidHandle)
	}

	cred, err := g.vault.Get(ctx, claims.Grant)
	if err != nil {
		return vault.Credential{}, err
	}

	if !cred.Valid(g.clock()) {
		return vault.Credential{}, fmt.Errorf("%w: credential expired", ErrInvalidHandle)
	}

	return cred, nil
}

// Revoke forgets the user's grant for provider and deletes the stored credential.
func (g *Gateway) Revoke(ctx context.Context, userID, provider string) error {
	key := grantKey{userID: userID, provider: provider}

	g.mu.Lock()
	gr, ok := g.grants[key]
	delete(g.grants, key)
	g.mu.Unlock()

	if !ok {
		return nil
	}

	return g.vault.Delete(ctx, gr.vaultKey)
}

// Sweep expires pending states past their deadline, forgets resolved states
// older than one StateTTL beyond expiry and drops lapsed grants together
// with their stored credentials. Stores implementing vault.Purger are also
// purged of expired rows. It returns the number of states expired by this
// call.
func (g *Gateway) Sweep() int {
	now := g.clock()
	expired, lapsed := g.sweepStates(now)

	ctx := context.Background()
	g.deleteCredentials(ctx, lapsed...)

	if p, ok := g.vault.(vault.Purger); ok {
		if n, err := p.PurgeExpired(ctx, now); err != nil {
			g.logger.Warn("gateway.vault.purge_failed", "error", err.Error())
		} else if n > 0 {
			g.logger.Debug("gateway.vault.purged", "count", n)
		}
	}

	return expired
}

func (g *Gateway) sweepStates(now time.Time) (expired int, lapsed []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for token, ps := range g.states {
		switch {
		case ps.Status == StatePending && !now.Before(ps.ExpiresAt):
			g.expireLocked(ps)
			expired++
		case ps.Status != StatePending && now.After(ps.ExpiresAt.Add(g.opts.StateTTL)):
			delete(g.states, token)
		}
	}

	for k, gr := range g.grants {
		if !gr.valid(now) {
			delete(g.grants, k)
			lapsed = append(lapsed, gr.vaultKey)
		}
	}

	return expired, lapsed
}

// PendingStates returns the number of states awaiting redemption.
func (g *Gateway) PendingStates() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.pendingByKey)
}

func (g *Gateway) expireLocked(ps *pendingState) {
	if ps.Status == StatePending {
		ps.Status = StateExpired
		g.logger.Info("gateway.state.expired", "provider", ps.Provider, "task_id", ps.TaskID)
	}
	g.dropPendingLocked(ps)
	ps.resolve("", core.ErrStateExpired)
}

func (g *Gateway) dropPendingLocked(ps *pendingState) {
	key := authKey{userID: ps.UserID, provider: ps.Provider, taskID: ps.TaskID}
	if g.pendingByKey[key] == ps.Token {
		delete(g.pendingByKey, key)
	}
}
