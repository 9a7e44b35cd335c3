package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/hupe1980/taskrelay/vault"
)

// Provider is an external authorization provider (GitHub, Google, a social
// network) that gates one or more tools.
type Provider interface {
	// Name is the identifier tools and configuration refer to.
	Name() string

	// AuthCodeURL returns the redirect target for a user to grant access,
	// carrying state so the callback can be correlated.
	AuthCodeURL(state string) string

	// Exchange turns the provider's callback payload into a credential.
	Exchange(ctx context.Context, payload []byte) (vault.Credential, error)
}

// OAuth2Options configures an OAuth2Provider.
type OAuth2Options struct {
	// AccessTypeOffline requests a refresh token where supported.
	AccessTypeOffline bool

	// HTTPClient overrides the client used for the token exchange.
	HTTPClient *http.Client

	// AuthParams are extra query parameters appended to the consent URL.
	AuthParams map[string]string
}

// OAuth2Provider implements the authorization code flow with golang.org/x/oauth2.
type OAuth2Provider struct {
	name string
	cfg  *oauth2.Config
	opts OAuth2Options
}

var _ Provider = (*OAuth2Provider)(nil)

// NewOAuth2Provider wraps an oauth2.Config as a gateway Provider.
func NewOAuth2Provider(name string, cfg *oauth2.Config, optFns ...func(o *OAuth2Options)) *OAuth2Provider {
	opts := OAuth2Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &OAuth2Provider{name: name, cfg: cfg, opts: opts}
}

// Name implements Provider.
func (p *OAuth2Provider) Name() string { return p.name }

// AuthCodeURL implements Provider.
func (p *OAuth2Provider) AuthCodeURL(state string) string {
	var authOpts []oauth2.AuthCodeOption
	if p.opts.AccessTypeOffline {
		authOpts = append(authOpts, oauth2.AccessTypeOffline)
	}
	for k, v := range p.opts.AuthParams {
		authOpts = append(authOpts, oauth2.SetAuthURLParam(k, v))
	}

	return p.cfg.AuthCodeURL(state, authOpts...)
}

// Exchange implements Provider. The payload is either a JSON object or a URL
// encoded query string as delivered to the callback endpoint; it must carry
// "code" or an "error" reported by the provider.
func (p *OAuth2Provider) Exchange(ctx context.Context, payload []byte) (vault.Credential, error) {
	code, err := parseCallbackPayload(payload)
	if err != nil {
		return vault.Credential{}, fmt.Errorf("%s: %w", p.name, err)
	}

	if p.opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.opts.HTTPClient)
	}

	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return vault.Credential{}, fmt.Errorf("%s token exchange: %w", p.name, err)
	}

	return vault.Credential{
		Provider:     p.name,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
	}, nil
}

// ErrProviderDenied is returned when the callback reports an error instead of a code.
var ErrProviderDenied = errors.New("authorization denied by provider")

func parseCallbackPayload(payload []byte) (string, error) {
	var code, errCode, errDesc string

	if gjson.ValidBytes(payload) {
		res := gjson.ParseBytes(payload)
		code = res.Get("code").String()
		errCode = res.Get("error").String()
		errDesc = res.Get("error_description").String()
	} else {
		q, err := url.ParseQuery(string(payload))
		if err != nil {
			return "", fmt.Errorf("parse callback payload: %w", err)
		}
		code = q.Get("code")
		errCode = q.Get("error")
		errDesc = q.Get("error_description")
	}

	if errCode != "" {
		if errDesc != "" {
			return "", fmt.Errorf("%w: %s: %s", ErrProviderDenied, errCode, errDesc)
		}
		return "", fmt.Errorf("%w: %s", ErrProviderDenied, errCode)
	}

	if code == "" {
		return "", errors.New("callback payload carries no authorization code")
	}

	return code, nil
}
