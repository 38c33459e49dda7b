package authorize

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/collab"
	"github.com/abblix/oidcore/internal/idgen"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
	"github.com/abblix/oidcore/validate"
)

// issue mints the artifacts validated's flow calls for and assembles the
// delivery across the full code/implicit/hybrid matrix: a code flow
// persists an
// AuthorizationContext and returns only `code`; implicit/hybrid mint an
// access token and/or id_token directly, computing at_hash/c_hash in
// that order since the access token (and code, for hybrid) must exist
// before the id_token that hashes them can be signed.
func (p *Pipeline) issue(ctx context.Context, client *clientinfo.ClientInfo, v *validate.Validated, approval *collab.Approval) (*Delivery, error) {
	params := url.Values{}

	wantsCode := containsRT(v.ResponseType, "code")
	wantsToken := containsRT(v.ResponseType, "token")
	wantsIDToken := containsRT(v.ResponseType, "id_token")

	var code, accessToken string

	if wantsCode {
		code = idgen.ID(idgen.DefaultCodeEntropyBytes)
		lifetime := client.AuthorizationCodeLifetime
		if lifetime <= 0 {
			lifetime = DefaultAuthorizationCodeLifetime
		}
		authCtx := storage.AuthorizationContext{
			Code:                code,
			ClientID:            client.ClientID,
			RedirectURI:         v.RedirectURI,
			Scopes:              approval.GrantedScopes,
			Claims:              approval.GrantedClaims,
			Nonce:               v.Nonce,
			CodeChallenge:       v.CodeChallenge,
			CodeChallengeMethod: v.CodeChallengeMethod,
			Resources:           v.Resources,
			ResponseType:        joinSpace(v.ResponseType),
			ResponseMode:        v.ResponseMode,
			Subject:             approval.Session.Subject,
			ACR:                 approval.Session.ACR,
			AuthTime:            approval.Session.AuthenticatedAt,
			SID:                 approval.Session.SessionID,
			Expiry:              p.now().Add(lifetime),
		}
		if err := p.store.CreateAuthorizationContext(ctx, authCtx); err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not persist authorization code", err)
		}
		params.Set("code", code)
	}

	if wantsToken {
		lifetime := client.AccessTokenLifetime
		if lifetime <= 0 {
			lifetime = time.Hour
		}
		at, _, err := p.tokens.IssueAccessToken(ctx, token.IssueAccessTokenParams{
			ClientID:  client.ClientID,
			Subject:   approval.Session.Subject,
			Scopes:    approval.GrantedScopes,
			Resources: v.Resources,
			Lifetime:  lifetime,
		})
		if err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue access token", err)
		}
		accessToken = at
		params.Set("access_token", accessToken)
		params.Set("token_type", "Bearer")
		params.Set("expires_in", strconv.FormatInt(int64(lifetime.Seconds()), 10))
	}

	if wantsIDToken {
		lifetime := client.IdentityTokenLifetime
		if lifetime <= 0 {
			lifetime = time.Hour
		}
		idToken, err := p.tokens.IssueIDToken(ctx, token.IssueIDTokenParams{
			ClientID:    client.ClientID,
			Subject:     approval.Session.Subject,
			Nonce:       v.Nonce,
			ACR:         approval.Session.ACR,
			AuthTime:    approval.Session.AuthenticatedAt,
			SID:         approval.Session.SessionID,
			AccessToken: accessToken,
			Code:        code,
			Lifetime:    lifetime,
		})
		if err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue id_token", err)
		}
		params.Set("id_token", idToken)
	}

	if v.State != "" {
		params.Set("state", v.State)
	}

	return applyDelivery(v.ResponseMode, v.RedirectURI, params), nil
}

func containsRT(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
