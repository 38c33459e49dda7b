// Package tokenendpoint implements the token endpoint's pipeline:
// grant-type dispatch across authorization_code, refresh_token,
// client_credentials, device_code, CIBA, and jwt-bearer, as a pluggable
// per-grant processor behind client authentication.
package tokenendpoint

import (
	"context"
	"net/url"
	"time"

	"github.com/abblix/oidcore/clientauth"
	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/internal/metrics"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
)

// flowName is the metrics.Recorder flow label for every request this
// package processes.
const flowName = "token"

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantCIBA              = "urn:openid:params:grant-type:ciba"
	GrantJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// TokenResponse is the token endpoint's successful JSON body.
type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Policy supplies the server-wide lifetimes and settings the grant
// processors fall back to absent a client-specific value.
type Policy struct {
	AccessTokenLifetime   time.Duration
	IdentityTokenLifetime time.Duration
	// DevicePollSlack is how much earlier than the registered interval a
	// poll is still tolerated before slow_down kicks in. Zero, the
	// default, tolerates no early poll.
	DevicePollSlack time.Duration
	// CIBALongPollTimeout bounds how long a long-polling CIBA redemption
	// blocks before returning authorization_pending.
	CIBALongPollTimeout time.Duration
}

func (p Policy) accessTokenLifetime(client *clientinfo.ClientInfo) time.Duration {
	if client.AccessTokenLifetime > 0 {
		return client.AccessTokenLifetime
	}
	if p.AccessTokenLifetime > 0 {
		return p.AccessTokenLifetime
	}
	return time.Hour
}

func (p Policy) identityTokenLifetime(client *clientinfo.ClientInfo) time.Duration {
	if client.IdentityTokenLifetime > 0 {
		return client.IdentityTokenLifetime
	}
	if p.IdentityTokenLifetime > 0 {
		return p.IdentityTokenLifetime
	}
	return time.Hour
}

// Processor dispatches an authenticated token request to its grant
// handler and assembles the JSON response.
type Processor struct {
	auth    *clientauth.Authenticator
	store    storage.Storage
	tokens   *token.Service
	policy   Policy
	now      func() time.Time
	issuers  []TrustedIssuer
	audience string
	metrics  *metrics.Recorder

	// assertionReplaySeen reports whether a jti (client assertion or
	// jwt-bearer grant assertion) has already been redeemed; callers
	// typically back this with the TokenRegistry using a namespaced key.
	assertionReplaySeen func(jti string) bool
}

// Options configures a Processor.
type Options struct {
	Auth                *clientauth.Authenticator
	Storage             storage.Storage
	Tokens              *token.Service
	Policy              Policy
	Now                 func() time.Time
	TrustedIssuers      []TrustedIssuer
	AssertionReplaySeen func(jti string) bool
	// Audience is the token endpoint URL jwt-bearer assertions must
	// target (aud), per RFC 7523's strict-audience requirement.
	Audience string
	// Metrics records grant outcomes and endpoint latency. Nil disables
	// recording.
	Metrics *metrics.Recorder
}

// New builds a Processor.
func New(opts Options) *Processor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		auth: opts.Auth, store: opts.Storage, tokens: opts.Tokens, policy: opts.Policy,
		now: now, issuers: opts.TrustedIssuers, assertionReplaySeen: opts.AssertionReplaySeen,
		audience: opts.Audience, metrics: opts.Metrics,
	}
}

// Process authenticates cred and dispatches form to the grant handler
// named by its grant_type parameter.
func (p *Processor) Process(ctx context.Context, form url.Values, cred clientauth.Credentials) (*TokenResponse, error) {
	start := p.now()
	grantType := form.Get("grant_type")
	defer p.metrics.ObserveLatency(flowName, start)

	resp, err := p.process(ctx, form, cred, grantType)
	if err != nil {
		p.metrics.Outcome(flowName, grantType, outcomeOf(err))
		return nil, err
	}
	p.metrics.Outcome(flowName, grantType, "success")
	return resp, nil
}

func (p *Processor) process(ctx context.Context, form url.Values, cred clientauth.Credentials, grantType string) (*TokenResponse, error) {
	result, err := p.auth.Authenticate(ctx, cred, p.assertionReplaySeen)
	if err != nil {
		return nil, err
	}
	client := result.Client

	if !client.HasGrantType(grantType) {
		return nil, oidcerr.New(oidcerr.UnauthorizedClient, "grant_type is not registered for this client")
	}

	switch grantType {
	case GrantAuthorizationCode:
		return p.authorizationCode(ctx, client, form)
	case GrantRefreshToken:
		return p.refreshToken(ctx, client, form)
	case GrantClientCredentials:
		return p.clientCredentials(ctx, client, form)
	case GrantDeviceCode:
		return p.deviceCode(ctx, client, form)
	case GrantCIBA:
		return p.ciba(ctx, client, form)
	case GrantJWTBearer:
		return p.jwtBearer(ctx, client, form)
	default:
		return nil, oidcerr.New(oidcerr.UnsupportedGrantType, "unsupported grant_type")
	}
}

// outcomeOf labels a failed grant by its oidcerr code, falling back to
// "error" for anything that isn't one.
func outcomeOf(err error) string {
	if code, ok := oidcerr.CodeOf(err); ok {
		return string(code)
	}
	return "error"
}

func scopeIntersect(granted, requested []string) []string {
	if len(requested) == 0 {
		return granted
	}
	allowed := map[string]bool{}
	for _, s := range granted {
		allowed[s] = true
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}

func splitSpace(s string) []string {
	if s == "" {
		return nil
	}
	out := []string{}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
