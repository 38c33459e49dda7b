package tokenendpoint

import (
	"context"
	"net/url"
	"time"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
)

// deviceCode polls the device-authorization-grant record, per RFC 8628
// §3.5: pending returns authorization_pending (or slow_down if
// polled too eagerly); approved mints tokens exactly once, guarded by
// an atomic used-flag transition inside UpdateDeviceGrant.
func (p *Processor) deviceCode(ctx context.Context, client *clientinfo.ClientInfo, form url.Values) (*TokenResponse, error) {
	deviceCode := form.Get("device_code")
	if deviceCode == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "device_code is required")
	}
	grant, err := p.store.GetDeviceGrantByDeviceCode(ctx, deviceCode)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidGrant, "device_code is unknown", err)
	}
	if grant.ClientID != client.ClientID {
		return nil, oidcerr.New(oidcerr.InvalidGrant, "device_code was not issued to this client")
	}
	now := p.now()
	if now.After(grant.Expiry) {
		return nil, oidcerr.New(oidcerr.ExpiredToken, "device_code has expired")
	}

	switch grant.State {
	case storage.DeviceDenied:
		return nil, oidcerr.New(oidcerr.AccessDenied, "the user denied the device authorization request")
	case storage.DevicePending:
		slack := p.policy.DevicePollSlack
		if !grant.LastPolledAt.IsZero() && now.Sub(grant.LastPolledAt) < grant.PollInterval-slack {
			return nil, oidcerr.New(oidcerr.SlowDown, "polled too soon; the interval must be respected")
		}
		if err := p.store.UpdateDeviceGrant(ctx, deviceCode, func(d storage.DeviceGrant) (storage.DeviceGrant, error) {
			d.LastPolledAt = now
			return d, nil
		}); err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not record device poll", err)
		}
		return nil, oidcerr.New(oidcerr.AuthorizationPending, "the end user has not yet completed authorization")
	case storage.DeviceApproved:
		var alreadyUsed bool
		if err := p.store.UpdateDeviceGrant(ctx, deviceCode, func(d storage.DeviceGrant) (storage.DeviceGrant, error) {
			if d.Used {
				alreadyUsed = true
				return d, nil
			}
			d.Used = true
			return d, nil
		}); err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not mark device grant used", err)
		}
		if alreadyUsed {
			return nil, oidcerr.New(oidcerr.InvalidGrant, "device_code has already been redeemed")
		}
		return p.issueForDeviceOrCIBA(ctx, client, grant.Subject, grant.ACR, grant.AuthTime, "", grant.Scopes)
	default:
		return nil, oidcerr.New(oidcerr.ExpiredToken, "device_code is no longer valid")
	}
}

// issueForDeviceOrCIBA mints the token set shared by the device and CIBA
// grants, both of which authenticate an end user out-of-band, so unlike
// the authorization_code grant no nonce is carried into the id_token.
func (p *Processor) issueForDeviceOrCIBA(ctx context.Context, client *clientinfo.ClientInfo, subject, acr string, authTime time.Time, sid string, scopes []string) (*TokenResponse, error) {
	accessLifetime := p.policy.accessTokenLifetime(client)
	accessToken, _, err := p.tokens.IssueAccessToken(ctx, token.IssueAccessTokenParams{
		ClientID: client.ClientID, Subject: subject, Scopes: scopes, Lifetime: accessLifetime,
	})
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue access token", err)
	}
	resp := &TokenResponse{
		AccessToken: accessToken, TokenType: "Bearer",
		ExpiresIn: int64(accessLifetime.Seconds()), Scope: joinScopes(scopes),
	}
	if containsScope(scopes, "openid") {
		idToken, err := p.tokens.IssueIDToken(ctx, token.IssueIDTokenParams{
			ClientID: client.ClientID, Subject: subject, ACR: acr, AuthTime: authTime, SID: sid,
			AccessToken: accessToken, Lifetime: p.policy.identityTokenLifetime(client),
		})
		if err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue id_token", err)
		}
		resp.IDToken = idToken
	}
	return resp, nil
}
