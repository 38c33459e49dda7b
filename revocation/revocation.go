// Package revocation implements token revocation (RFC 7009) and
// introspection (RFC 7662) against the shared jti registry every token
// flavour here is minted through.
package revocation

import (
	"context"
	"net/url"
	"time"

	"github.com/abblix/oidcore/clientauth"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
)

// TokenDecoder is the subset of *token.Service revocation and
// introspection need. Its method set is satisfied by *token.Service
// directly.
type TokenDecoder interface {
	DecodeAccessToken(compact string) (token.AccessTokenClaims, error)
	DecodeRefreshToken(compact string) (token.RefreshTokenClaims, error)
	Status(ctx context.Context, jti string) (storage.TokenStatus, error)
	Revoke(ctx context.Context, jti string, originalExpiry storage.TokenRecord) error
}

// IntrospectionResult is the /connect/introspection endpoint's JSON
// body, per RFC 7662 §2.2.
type IntrospectionResult struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Expiry    int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	JTI       string   `json:"jti,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
}

var inactive = &IntrospectionResult{Active: false}

// Engine dispatches revocation and introspection.
type Engine struct {
	auth   *clientauth.Authenticator
	tokens TokenDecoder
	now    func() time.Time
}

// Options configures an Engine.
type Options struct {
	Auth   *clientauth.Authenticator
	Tokens TokenDecoder
	Now    func() time.Time
}

// New builds an Engine.
func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{auth: opts.Auth, tokens: opts.Tokens, now: now}
}

// decoded is whichever JWT flavour Revoke/Introspect accepts: access or
// refresh tokens.
type decoded struct {
	jti, clientID, subject, scope, issuer string
	audience                              interface {
		Contains(string) bool
		Slice() []string
	}
	issuedAt, expiry int64
}

func (e *Engine) decode(compact string) (decoded, bool) {
	if claims, err := e.tokens.DecodeAccessToken(compact); err == nil {
		return decoded{
			jti: claims.JTI, clientID: claims.ClientID, subject: claims.Subject, scope: claims.Scope,
			issuer: claims.Issuer, audience: claims.Audience, issuedAt: claims.IssuedAt, expiry: claims.Expiry,
		}, true
	}
	if claims, err := e.tokens.DecodeRefreshToken(compact); err == nil {
		return decoded{
			jti: claims.JTI, clientID: claims.ClientID, subject: claims.Subject, scope: claims.Scope,
			issuer: claims.Issuer, audience: claims.Audience, issuedAt: claims.IssuedAt, expiry: claims.Expiry,
		}, true
	}
	return decoded{}, false
}

// Revoke processes a POST to /connect/revocation. A malformed token, an
// unknown token, or a token belonging to a different client all
// silently succeed, per RFC 7009 §2.2, to prevent cross-client probing.
func (e *Engine) Revoke(ctx context.Context, form url.Values, cred clientauth.Credentials) error {
	result, err := e.auth.Authenticate(ctx, cred, nil)
	if err != nil {
		return err
	}

	tok := form.Get("token")
	if tok == "" {
		return oidcerr.New(oidcerr.InvalidRequest, "token is required")
	}

	d, ok := e.decode(tok)
	if !ok || d.clientID != result.Client.ClientID {
		return nil
	}
	return e.tokens.Revoke(ctx, d.jti, storage.TokenRecord{Expiry: time.Unix(d.expiry, 0)})
}

// Introspect processes a POST to /connect/introspection (RFC 7662):
// active metadata is returned only when the token's jti status is
// active and its audience includes the asking client; otherwise
// {"active":false}.
func (e *Engine) Introspect(ctx context.Context, form url.Values, cred clientauth.Credentials) (*IntrospectionResult, error) {
	result, err := e.auth.Authenticate(ctx, cred, nil)
	if err != nil {
		return nil, err
	}

	tok := form.Get("token")
	if tok == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "token is required")
	}

	d, ok := e.decode(tok)
	if !ok {
		return inactive, nil
	}
	if d.audience == nil || !d.audience.Contains(result.Client.ClientID) {
		return inactive, nil
	}
	status, err := e.tokens.Status(ctx, d.jti)
	if err != nil || status != storage.StatusActive {
		return inactive, nil
	}

	return &IntrospectionResult{
		Active: true, Scope: d.scope, ClientID: d.clientID, Subject: d.subject,
		Expiry: d.expiry, IssuedAt: d.issuedAt, Audience: d.audience.Slice(), Issuer: d.issuer,
		JTI: d.jti, TokenType: "Bearer",
	}, nil
}
