// Package device implements the OAuth 2.0 Device Authorization Grant
// (RFC 8628): issuing device_code/user_code pairs at
// /connect/device_authorization, the verification endpoint a user
// visits to enter their user_code, and the approve/deny transitions the
// host's interaction UI drives, with a configurable user_code alphabet
// and per-IP rate limiting on verification attempts.
//
// The token-endpoint polling side (device_code redemption, slow_down
// backoff) lives in tokenendpoint, sharing the same storage.DeviceGrant
// record.
package device

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/abblix/oidcore/clientauth"
	"github.com/abblix/oidcore/internal/idgen"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
)

// Policy supplies the server-wide device-flow defaults.
type Policy struct {
	CodeLifetime            time.Duration
	PollingInterval         time.Duration
	DeviceCodeEntropyBytes  int
	UserCodeLength          int
	UserCodeAlphabet        string
	VerificationURI         string // must be HTTPS
	MaxFailuresBeforeBackoff int
	RateLimitWindow         time.Duration
	MaxBackoff              time.Duration
}

func (p Policy) codeLifetime() time.Duration {
	if p.CodeLifetime > 0 {
		return p.CodeLifetime
	}
	return 10 * time.Minute
}

func (p Policy) pollingInterval() time.Duration {
	if p.PollingInterval > 0 {
		return p.PollingInterval
	}
	return 5 * time.Second
}

func (p Policy) deviceCodeEntropyBytes() int {
	if p.DeviceCodeEntropyBytes > 0 {
		return p.DeviceCodeEntropyBytes
	}
	return idgen.DefaultCodeEntropyBytes
}

func (p Policy) userCodeLength() int {
	if p.UserCodeLength > 0 {
		return p.UserCodeLength
	}
	return 8
}

func (p Policy) failureThreshold() int {
	if p.MaxFailuresBeforeBackoff > 0 {
		return p.MaxFailuresBeforeBackoff
	}
	return 3
}

func (p Policy) rateLimitWindow() time.Duration {
	if p.RateLimitWindow > 0 {
		return p.RateLimitWindow
	}
	return time.Minute
}

func (p Policy) maxBackoff() time.Duration {
	if p.MaxBackoff > 0 {
		return p.MaxBackoff
	}
	return time.Hour
}

// AuthorizeResult is the /connect/device_authorization endpoint's
// successful JSON body (RFC 8628 §3.2).
type AuthorizeResult struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval,omitempty"`
}

// Engine dispatches device-authorization initiation, user-code
// verification, and the approve/deny transitions.
type Engine struct {
	auth   *clientauth.Authenticator
	store  storage.Storage
	policy Policy
	now    func() time.Time
}

// Options configures an Engine.
type Options struct {
	Auth    *clientauth.Authenticator
	Storage storage.Storage
	Policy  Policy
	Now     func() time.Time
}

// New builds an Engine.
func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{auth: opts.Auth, store: opts.Storage, policy: opts.Policy, now: now}
}

// Authorize validates a POST to /connect/device_authorization and
// persists a new pending DeviceGrant.
func (e *Engine) Authorize(ctx context.Context, form url.Values, cred clientauth.Credentials) (*AuthorizeResult, error) {
	result, err := e.auth.Authenticate(ctx, cred, nil)
	if err != nil {
		return nil, err
	}
	client := result.Client

	if !strings.HasPrefix(e.policy.VerificationURI, "https://") {
		return nil, oidcerr.New(oidcerr.ServerError, "verification_uri must use https")
	}

	now := e.now()
	deviceCode := idgen.ID(e.policy.deviceCodeEntropyBytes())
	userCode := idgen.UserCode(e.policy.userCodeLength(), e.policy.UserCodeAlphabet)
	lifetime := e.policy.codeLifetime()
	interval := e.policy.pollingInterval()

	grant := storage.DeviceGrant{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		ClientID:        client.ClientID,
		Scopes:          splitSpace(form.Get("scope")),
		VerificationURI: e.policy.VerificationURI,
		State:           storage.DevicePending,
		Expiry:          now.Add(lifetime),
		PollInterval:    interval,
	}
	if err := e.store.CreateDeviceGrant(ctx, grant); err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not persist the device authorization request", err)
	}

	return &AuthorizeResult{
		DeviceCode: deviceCode, UserCode: userCode, VerificationURI: e.policy.VerificationURI,
		VerificationURIComplete: e.policy.VerificationURI + "?user_code=" + userCode,
		ExpiresIn:               int64(lifetime.Seconds()),
		Interval:                int64(interval.Seconds()),
	}, nil
}

// VerifyUserCode resolves userCode to its pending DeviceGrant for the
// verification endpoint's consent screen, enforcing a per-IP backoff:
// after MaxFailuresBeforeBackoff (default 3) wrong attempts from
// sourceIP within RateLimitWindow, further attempts receive
// temporarily_unavailable until the exponential backoff (doubling per
// excess failure, capped at MaxBackoff) elapses.
func (e *Engine) VerifyUserCode(ctx context.Context, userCode, sourceIP string) (*storage.DeviceGrant, error) {
	key := "device-ip:" + sourceIP
	now := e.now()

	window, err := e.store.GetFailureWindow(ctx, key)
	if err == nil && !window.BackoffUntil.IsZero() && now.Before(window.BackoffUntil) {
		return nil, oidcerr.New(oidcerr.TemporarilyUnavailable, "too many failed verification attempts; try again later")
	}

	grant, err := e.store.GetDeviceGrantByUserCode(ctx, userCode)
	if err != nil || now.After(grant.Expiry) {
		e.recordFailure(ctx, key, now)
		return nil, oidcerr.New(oidcerr.InvalidRequest, "user_code is invalid or expired")
	}
	return &grant, nil
}

func (e *Engine) recordFailure(ctx context.Context, key string, now time.Time) {
	window, err := e.store.RecordFailure(ctx, key, now, e.policy.rateLimitWindow())
	if err != nil {
		return
	}
	threshold := e.policy.failureThreshold()
	if len(window.FailureTimes) < threshold {
		return
	}
	excess := len(window.FailureTimes) - threshold
	backoff := e.policy.rateLimitWindow()
	for i := 0; i < excess && backoff < e.policy.maxBackoff(); i++ {
		backoff *= 2
	}
	if backoff > e.policy.maxBackoff() {
		backoff = e.policy.maxBackoff()
	}
	_ = e.store.SetBackoff(ctx, key, now.Add(backoff))
}

// Approve transitions deviceCode to approved once the host's
// interaction UI has authenticated subject and obtained consent.
func (e *Engine) Approve(ctx context.Context, deviceCode, subject, acr string, authTime time.Time) error {
	return e.store.UpdateDeviceGrant(ctx, deviceCode, func(d storage.DeviceGrant) (storage.DeviceGrant, error) {
		if d.State != storage.DevicePending {
			return d, oidcerr.New(oidcerr.InvalidGrant, "device_code is no longer pending")
		}
		d.State = storage.DeviceApproved
		d.Subject = subject
		d.ACR = acr
		d.AuthTime = authTime
		return d, nil
	})
}

// Deny transitions deviceCode to denied.
func (e *Engine) Deny(ctx context.Context, deviceCode string) error {
	return e.store.UpdateDeviceGrant(ctx, deviceCode, func(d storage.DeviceGrant) (storage.DeviceGrant, error) {
		if d.State != storage.DevicePending {
			return d, oidcerr.New(oidcerr.InvalidGrant, "device_code is no longer pending")
		}
		d.State = storage.DeviceDenied
		return d, nil
	})
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
