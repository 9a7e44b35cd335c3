package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newTestOAuth2Provider(srv *httptest.Server, optFns ...func(o *OAuth2Options)) *OAuth2Provider {
	return NewOAuth2Provider("github", &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://relay.example/oauth/github/callback",
		Scopes:       []string{"repo"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  srv.URL + "/authorize",
			TokenURL: srv.URL + "/token",
		},
	}, optFns...)
}

func TestOAuth2Provider_AuthCodeURL(t *testing.T) {
	srv := newTokenServer(t)
	p := newTestOAuth2Provider(srv, func(o *OAuth2Options) {
		o.AccessTypeOffline = true
		o.AuthParams = map[string]string{"prompt": "consent"}
	})

	raw := p.AuthCodeURL("abc123")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "abc123", q.Get("state"))
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "github", p.Name())
}

func TestOAuth2Provider_Exchange(t *testing.T) {
	srv := newTokenServer(t)
	p := newTestOAuth2Provider(srv, func(o *OAuth2Options) { o.HTTPClient = srv.Client() })
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
	}{
		{name: "json", payload: `{"code":"good-code","state":"s"}`},
		{name: "query", payload: "code=good-code&state=s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := p.Exchange(ctx, []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, "github", cred.Provider)
			assert.Equal(t, "at-1", cred.AccessToken)
			assert.Equal(t, "rt-1", cred.RefreshToken)
			assert.Equal(t, "Bearer", cred.TokenType)
			assert.WithinDuration(t, time.Now().Add(time.Hour), cred.Expiry, time.Minute)
		})
	}
}

func TestOAuth2Provider_ExchangeErrors(t *testing.T) {
	srv := newTokenServer(t)
	p := newTestOAuth2Provider(srv)
	ctx := context.Background()

	_, err := p.Exchange(ctx, []byte(`{"error":"access_denied","error_description":"user said no"}`))
	assert.ErrorIs(t, err, ErrProviderDenied)
	assert.ErrorContains(t, err, "user said no")

	_, err = p.Exchange(ctx, []byte("error=access_denied"))
	assert.ErrorIs(t, err, ErrProviderDenied)

	_, err = p.Exchange(ctx, []byte(`{"state":"s"}`))
	assert.ErrorContains(t, err, "no authorization code")

	_, err = p.Exchange(ctx, []byte("code=bad-code"))
	assert.ErrorContains(t, err, "token exchange")
}

func TestGateway_WithOAuth2Provider(t *testing.T) {
	srv := newTokenServer(t)
	p := newTestOAuth2Provider(srv)

	g, err := New([]Provider{p})
	require.NoError(t, err)

	ctx := context.Background()

	st, err := g.RequestAuthorization(ctx, "u1", "github", "t1")
	require.NoError(t, err)
	assert.Contains(t, st.RedirectURL, "state="+st.Token)

	handle, err := g.CompleteAuthorization(ctx, st.Token, []byte("code=good-code&state="+st.Token))
	require.NoError(t, err)

	cred, err := g.Credential(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.AccessToken)
	assert.Equal(t, "u1", cred.UserID)
}
