package tokenendpoint

import (
	"context"
	"net/url"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/token"
)

// refreshToken redeems a refresh token through the rotation policy:
// the chain's granted scopes narrow to the intersection with any
// requested `scope`, per RFC 6749 §6.
func (p *Processor) refreshToken(ctx context.Context, client *clientinfo.ClientInfo, form url.Values) (*TokenResponse, error) {
	presented := form.Get("refresh_token")
	if presented == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "refresh_token is required")
	}
	claims, err := p.tokens.DecodeRefreshToken(presented)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidGrant, "malformed refresh token", err)
	}
	if claims.ClientID != client.ClientID {
		return nil, oidcerr.New(oidcerr.InvalidGrant, "refresh token was not issued to this client")
	}

	chainScopes := splitSpace(claims.Scope)
	requestedScopes := splitSpace(form.Get("scope"))
	grantedScopes := scopeIntersect(chainScopes, requestedScopes)

	newCompact, _, err := p.tokens.RotateRefreshToken(ctx, token.RotateRefreshTokenParams{
		PresentedJTI: claims.JTI, AllowReuse: client.Refresh.AllowReuse,
		SlidingLifetime: client.Refresh.SlidingLifetime, RequestedScopes: grantedScopes,
	})
	if err != nil {
		return nil, err
	}

	accessLifetime := p.policy.accessTokenLifetime(client)
	accessToken, _, err := p.tokens.IssueAccessToken(ctx, token.IssueAccessTokenParams{
		ClientID: client.ClientID, Subject: claims.Subject, Scopes: grantedScopes, Lifetime: accessLifetime,
	})
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue access token", err)
	}

	resp := &TokenResponse{
		AccessToken: accessToken, TokenType: "Bearer",
		ExpiresIn: int64(accessLifetime.Seconds()), RefreshToken: newCompact, Scope: joinScopes(grantedScopes),
	}

	if containsScope(grantedScopes, "openid") {
		idToken, err := p.tokens.IssueIDToken(ctx, token.IssueIDTokenParams{
			ClientID: client.ClientID, Subject: claims.Subject, AccessToken: accessToken,
			Lifetime: p.policy.identityTokenLifetime(client),
		})
		if err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue id_token", err)
		}
		resp.IDToken = idToken
	}

	return resp, nil
}
