package tokenendpoint

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/url"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/token"
)

// authorizationCode redeems a code minted by the authorize pipeline:
// consume atomically, byte-equal redirect_uri check, then the PKCE
// verifier check (RFC 7636).
func (p *Processor) authorizationCode(ctx context.Context, client *clientinfo.ClientInfo, form url.Values) (*TokenResponse, error) {
	code := form.Get("code")
	if code == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "code is required")
	}
	authCtx, err := p.store.ConsumeAuthorizationContext(ctx, code)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidGrant, "authorization code is unknown, expired, or already redeemed", err)
	}
	if authCtx.ClientID != client.ClientID {
		return nil, oidcerr.New(oidcerr.InvalidGrant, "authorization code was not issued to this client")
	}
	if p.now().After(authCtx.Expiry) {
		return nil, oidcerr.New(oidcerr.InvalidGrant, "authorization code has expired")
	}
	if authCtx.RedirectURI != form.Get("redirect_uri") {
		return nil, oidcerr.New(oidcerr.InvalidGrant, "redirect_uri does not match the authorization request")
	}
	if err := verifyPKCE(authCtx.CodeChallenge, authCtx.CodeChallengeMethod, form.Get("code_verifier"), client); err != nil {
		return nil, err
	}

	accessLifetime := p.policy.accessTokenLifetime(client)
	accessToken, _, err := p.tokens.IssueAccessToken(ctx, token.IssueAccessTokenParams{
		ClientID: client.ClientID, Subject: authCtx.Subject, Scopes: authCtx.Scopes,
		Resources: authCtx.Resources, Lifetime: accessLifetime,
	})
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue access token", err)
	}

	resp := &TokenResponse{
		AccessToken: accessToken, TokenType: "Bearer",
		ExpiresIn: int64(accessLifetime.Seconds()), Scope: joinScopes(authCtx.Scopes),
	}

	if containsScope(authCtx.Scopes, "openid") {
		idToken, err := p.tokens.IssueIDToken(ctx, token.IssueIDTokenParams{
			ClientID: client.ClientID, Subject: authCtx.Subject, Nonce: authCtx.Nonce,
			ACR: authCtx.ACR, AuthTime: authCtx.AuthTime, SID: authCtx.SID,
			AccessToken: accessToken, Lifetime: p.policy.identityTokenLifetime(client),
		})
		if err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue id_token", err)
		}
		resp.IDToken = idToken
	}

	if containsScope(authCtx.Scopes, "offline_access") && client.Refresh.AbsoluteLifetime > 0 {
		refreshToken, _, err := p.tokens.IssueRefreshToken(ctx, token.IssueRefreshTokenParams{
			ClientID: client.ClientID, Subject: authCtx.Subject, Scopes: authCtx.Scopes,
			AbsoluteLifetime: client.Refresh.AbsoluteLifetime, SlidingLifetime: client.Refresh.SlidingLifetime,
		})
		if err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue refresh token", err)
		}
		resp.RefreshToken = refreshToken
	}

	return resp, nil
}

// verifyPKCE checks verifier against the stored challenge, per RFC
// 7636: S256 compares base64url(SHA256(verifier)) to the challenge;
// plain compares the verifier directly and is only honored if the
// client permits plain challenges.
func verifyPKCE(challenge, method, verifier string, client *clientinfo.ClientInfo) error {
	if challenge == "" {
		if client.PKCE.Required {
			return oidcerr.New(oidcerr.InvalidGrant, "PKCE is required but no code_challenge was recorded")
		}
		return nil
	}
	if verifier == "" {
		return oidcerr.New(oidcerr.InvalidGrant, "code_verifier is required")
	}
	switch method {
	case "", "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
			return oidcerr.New(oidcerr.InvalidGrant, "code_verifier does not match code_challenge")
		}
	case "plain":
		if !client.PKCE.PlainAllowed {
			return oidcerr.New(oidcerr.InvalidGrant, "code_challenge_method=plain is not permitted for this client")
		}
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return oidcerr.New(oidcerr.InvalidGrant, "code_verifier does not match code_challenge")
		}
	default:
		return oidcerr.New(oidcerr.InvalidGrant, "unsupported code_challenge_method")
	}
	return nil
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
