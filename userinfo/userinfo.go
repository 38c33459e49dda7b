// Package userinfo implements GET/POST /connect/userinfo (OpenID
// Connect Core §5.3): a bearer-token-authenticated endpoint returning
// either plain JSON claims or, for a client registered with
// UserinfoSignedResponseAlg, a signed JWT. It decodes the presented
// access token and delegates claim resolution to the host's
// collab.UserInfoProvider.
package userinfo

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/collab"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
)

// TokenDecoder is the subset of *token.Service the userinfo endpoint
// needs. Its method set is satisfied by *token.Service directly.
type TokenDecoder interface {
	DecodeAccessToken(compact string) (token.AccessTokenClaims, error)
	Status(ctx context.Context, jti string) (storage.TokenStatus, error)
}

// Signer is the subset of *token.Service needed to produce a signed
// userinfo JWT response.
type Signer interface {
	SignUserInfo(ctx context.Context, clientID string, claims map[string]any) (string, error)
}

// Response is the /connect/userinfo outcome: either a plain claim set
// or a signed JWT, never both.
type Response struct {
	Claims map[string]any
	JWT    string
}

// Engine dispatches userinfo requests.
type Engine struct {
	tokens    TokenDecoder
	signer    Signer
	clients   clientinfo.Provider
	userinfo  collab.UserInfoProvider
	now       func() time.Time
}

// Options configures an Engine.
type Options struct {
	Tokens   TokenDecoder
	Signer   Signer
	Clients  clientinfo.Provider
	UserInfo collab.UserInfoProvider
	Now      func() time.Time
}

// New builds an Engine.
func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{tokens: opts.Tokens, signer: opts.Signer, clients: opts.Clients, userinfo: opts.UserInfo, now: now}
}

// BearerToken extracts the access token from an "Authorization: Bearer
// ..." header value.
func BearerToken(authorizationHeader string) (string, bool) {
	const prefix = "Bearer "
	if len(authorizationHeader) < len(prefix) || !strings.EqualFold(prefix, authorizationHeader[:len(prefix)]) {
		return "", false
	}
	return authorizationHeader[len(prefix):], true
}

// GetClaims resolves the subject's claims for the presented access
// token. A missing, malformed, expired, or revoked token surfaces
// invalid_token (RFC 6750 §3.1), which callers must translate into a
// 401 with a WWW-Authenticate header.
func (e *Engine) GetClaims(ctx context.Context, accessToken string) (*Response, error) {
	if accessToken == "" {
		return nil, oidcerr.New(oidcerr.InvalidToken, "missing bearer token")
	}
	claims, err := e.tokens.DecodeAccessToken(accessToken)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidToken, "access token is invalid", err)
	}
	status, err := e.tokens.Status(ctx, claims.JTI)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not resolve token status", err)
	}
	if status != storage.StatusActive {
		return nil, oidcerr.New(oidcerr.InvalidToken, "access token is no longer active")
	}
	if !strings.Contains(" "+claims.Scope+" ", " openid ") {
		return nil, oidcerr.New(oidcerr.InvalidToken, "access token was not issued with the openid scope")
	}

	client, err := e.clients.Lookup(ctx, claims.ClientID)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not resolve the requesting client", err)
	}

	session := storage.AuthSession{Subject: claims.Subject}
	resolved, err := e.userinfo.GetClaims(ctx, session, nil)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not resolve userinfo claims", err)
	}
	if resolved == nil {
		resolved = map[string]any{}
	}
	resolved["sub"] = claims.Subject

	if client.UserinfoSignedResponseAlg == "" {
		return &Response{Claims: resolved}, nil
	}
	jwt, err := e.signer.SignUserInfo(ctx, claims.ClientID, resolved)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not sign userinfo response", err)
	}
	return &Response{JWT: jwt}, nil
}

// MarshalJSON renders r the way the HTTP layer should write it: a bare
// claim object, or (for signed responses) the compact JWT as an
// application/jwt body, which callers detect via r.JWT != "".
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.JWT != "" {
		return json.Marshal(r.JWT)
	}
	return json.Marshal(r.Claims)
}
