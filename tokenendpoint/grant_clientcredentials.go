package tokenendpoint

import (
	"context"
	"net/url"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/token"
)

// clientCredentials mints a machine-to-machine access token for a
// confidential client. No identifier token is ever minted here: the
// grant has no end user, so `openid` is rejected outright.
func (p *Processor) clientCredentials(ctx context.Context, client *clientinfo.ClientInfo, form url.Values) (*TokenResponse, error) {
	if client.IsPublic() {
		return nil, oidcerr.New(oidcerr.UnauthorizedClient, "client_credentials requires a confidential client")
	}
	scopes := splitSpace(form.Get("scope"))
	if containsScope(scopes, "openid") {
		return nil, oidcerr.New(oidcerr.InvalidScope, "openid is not permitted with client_credentials")
	}

	lifetime := p.policy.accessTokenLifetime(client)
	resources := form["resource"]
	accessToken, _, err := p.tokens.IssueAccessToken(ctx, token.IssueAccessTokenParams{
		ClientID: client.ClientID, Subject: client.ClientID, Scopes: scopes,
		Resources: resources, Lifetime: lifetime,
	})
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue access token", err)
	}

	return &TokenResponse{
		AccessToken: accessToken, TokenType: "Bearer",
		ExpiresIn: int64(lifetime.Seconds()), Scope: joinScopes(scopes),
	}, nil
}
