package tokenendpoint

import (
	"context"
	"net/url"
	"time"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
)

// ciba redeems an auth_req_id with the same pending/approved/denied
// outcomes as the device grant, except that a premature poll also
// doubles the stored interval (capped at maxCibaPollInterval). It adds
// cooperative long-polling (no busy-wait) when the request carries
// use_long_polling=true and is still pending, woken by storage.Subscribe
// the moment the record transitions.
func (p *Processor) ciba(ctx context.Context, client *clientinfo.ClientInfo, form url.Values) (*TokenResponse, error) {
	authReqID := form.Get("auth_req_id")
	if authReqID == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "auth_req_id is required")
	}

	req, err := p.store.GetCibaRequest(ctx, authReqID)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidGrant, "auth_req_id is unknown", err)
	}
	if req.ClientID != client.ClientID {
		return nil, oidcerr.New(oidcerr.InvalidGrant, "auth_req_id was not issued to this client")
	}

	if req.State == storage.CibaPending && useLongPolling(form) {
		req, err = p.waitForCibaTransition(ctx, authReqID, req)
		if err != nil {
			return nil, err
		}
	}

	now := p.now()
	if now.After(req.Expiry) {
		return nil, oidcerr.New(oidcerr.ExpiredToken, "auth_req_id has expired")
	}

	switch req.State {
	case storage.CibaDenied:
		return nil, oidcerr.New(oidcerr.AccessDenied, "the user denied the backchannel authentication request")
	case storage.CibaPending:
		slack := p.policy.DevicePollSlack
		if !req.NextPollAt.IsZero() && now.Before(req.NextPollAt.Add(-slack)) {
			doubled := req.PollInterval * 2
			if doubled > maxCibaPollInterval {
				doubled = maxCibaPollInterval
			}
			_ = p.store.UpdateCibaRequest(ctx, authReqID, func(c storage.CibaRequest) (storage.CibaRequest, error) {
				c.PollInterval = doubled
				c.NextPollAt = now.Add(doubled)
				return c, nil
			})
			return nil, oidcerr.New(oidcerr.SlowDown, "polled too soon; the interval must be respected")
		}
		_ = p.store.UpdateCibaRequest(ctx, authReqID, func(c storage.CibaRequest) (storage.CibaRequest, error) {
			c.NextPollAt = now.Add(c.PollInterval)
			return c, nil
		})
		return nil, oidcerr.New(oidcerr.AuthorizationPending, "the end user has not yet completed authentication")
	case storage.CibaAuthorized:
		var alreadyUsed bool
		if err := p.store.UpdateCibaRequest(ctx, authReqID, func(c storage.CibaRequest) (storage.CibaRequest, error) {
			if c.State != storage.CibaAuthorized {
				alreadyUsed = true
				return c, nil
			}
			c.State = storage.CibaExpired // single-use: a second redemption sees a terminal, non-authorized state
			return c, nil
		}); err != nil {
			return nil, oidcerr.Wrap(oidcerr.ServerError, "could not mark auth_req_id redeemed", err)
		}
		if alreadyUsed {
			return nil, oidcerr.New(oidcerr.InvalidGrant, "auth_req_id has already been redeemed")
		}
		return p.issueForDeviceOrCIBA(ctx, client, req.Subject, req.ACR, req.AuthTime, "", req.Scopes)
	default:
		return nil, oidcerr.New(oidcerr.ExpiredToken, "auth_req_id is no longer valid")
	}
}

// maxCibaPollInterval caps the exponential backoff applied to premature
// polling.
const maxCibaPollInterval = 2 * time.Minute

func useLongPolling(form url.Values) bool {
	return form.Get("use_long_polling") == "true"
}

// waitForCibaTransition blocks until req's record changes or
// CIBALongPollTimeout elapses, returning the latest record either way —
// a timed-out wait simply re-reads the still-pending state rather than
// erroring; only a state change is reported immediately.
func (p *Processor) waitForCibaTransition(ctx context.Context, authReqID string, req storage.CibaRequest) (storage.CibaRequest, error) {
	timeout := p.policy.CIBALongPollTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	notify, cancel := p.store.Subscribe(authReqID)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-notify:
	case <-timer.C:
	case <-ctx.Done():
		return req, nil
	}

	latest, err := p.store.GetCibaRequest(ctx, authReqID)
	if err != nil {
		return storage.CibaRequest{}, oidcerr.Wrap(oidcerr.ServerError, "could not re-read auth_req_id after wakeup", err)
	}
	return latest, nil
}
