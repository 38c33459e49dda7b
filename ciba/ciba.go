// Package ciba implements the Client-Initiated Backchannel
// Authentication engine: initiating a backchannel authentication
// request at /connect/ciba and completing it once the host's
// out-of-band interaction finishes, across the poll/ping/push delivery
// matrix of OpenID CIBA.
//
// The token-endpoint side of the lifecycle (auth_req_id redemption,
// slow_down backoff, long-polling) lives in tokenendpoint, which shares
// the same storage.CibaRequest record; this package only owns the
// request's creation and its out-of-band completion.
package ciba

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/abblix/oidcore/clientauth"
	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/internal/idgen"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
)

// Policy supplies the server-wide CIBA defaults.
type Policy struct {
	DefaultExpiry         time.Duration
	MaxExpiry             time.Duration
	PollingInterval       time.Duration
	AuthReqIDEntropyBytes int
}

func (p Policy) defaultExpiry() time.Duration {
	if p.DefaultExpiry > 0 {
		return p.DefaultExpiry
	}
	return 5 * time.Minute
}

func (p Policy) maxExpiry() time.Duration {
	if p.MaxExpiry > 0 {
		return p.MaxExpiry
	}
	return 30 * time.Minute
}

func (p Policy) pollingInterval() time.Duration {
	if p.PollingInterval > 0 {
		return p.PollingInterval
	}
	return 5 * time.Second
}

func (p Policy) entropyBytes() int {
	if p.AuthReqIDEntropyBytes > 0 {
		return p.AuthReqIDEntropyBytes
	}
	return idgen.DefaultAuthReqIDEntropyBytes
}

// InitiateResult is the /connect/ciba endpoint's successful JSON body.
type InitiateResult struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}

// Engine dispatches CIBA initiation and out-of-band completion.
type Engine struct {
	auth                *clientauth.Authenticator
	clients             clientinfo.Provider
	store               storage.Storage
	policy              Policy
	now                 func() time.Time
	notifier            *notifier
	assertionReplaySeen func(jti string) bool
}

// Options configures an Engine.
type Options struct {
	Auth    *clientauth.Authenticator
	Clients clientinfo.Provider
	Storage storage.Storage
	Policy  Policy
	Now     func() time.Time
	// Tokens and TokenPolicy support push-mode delivery, which mints
	// tokens itself instead of waiting for the client to poll.
	Tokens              TokenIssuer
	TokenPolicy         TokenPolicy
	Logger              *slog.Logger
	AssertionReplaySeen func(jti string) bool
	// AllowPrivateNotificationTargets disables the SSRF guard on ping/push
	// delivery, for deployments whose clients are only reachable on a
	// private network. Defaults to false.
	AllowPrivateNotificationTargets bool
}

// New builds an Engine.
func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		auth: opts.Auth, clients: opts.Clients, store: opts.Storage, policy: opts.Policy, now: now,
		notifier: newNotifier(opts.Clients, opts.Tokens, opts.TokenPolicy, now, logger, opts.AllowPrivateNotificationTargets),
		assertionReplaySeen: opts.AssertionReplaySeen,
	}
}

// Initiate validates a POST to /connect/ciba and persists a new pending
// CibaRequest.
func (e *Engine) Initiate(ctx context.Context, form url.Values, cred clientauth.Credentials) (*InitiateResult, error) {
	result, err := e.auth.Authenticate(ctx, cred, e.assertionReplaySeen)
	if err != nil {
		return nil, err
	}
	client := result.Client

	scopes := splitSpace(form.Get("scope"))
	if !containsScope(scopes, "openid") {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "scope must include openid")
	}

	hints := 0
	for _, k := range []string{"login_hint", "login_hint_token", "id_token_hint"} {
		if form.Get(k) != "" {
			hints++
		}
	}
	if hints != 1 {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "exactly one of login_hint, login_hint_token, or id_token_hint is required")
	}

	deliveryMode := storage.CibaDeliveryMode(client.CibaDeliveryMode)
	if deliveryMode == "" {
		deliveryMode = storage.CibaModePoll
	}
	notificationToken := form.Get("client_notification_token")
	if deliveryMode != storage.CibaModePoll && notificationToken == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "client_notification_token is required for ping and push delivery")
	}

	expiry := e.policy.defaultExpiry()
	if raw := form.Get("requested_expiry"); raw != "" {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil || seconds <= 0 {
			return nil, oidcerr.New(oidcerr.InvalidRequest, "requested_expiry must be a positive integer")
		}
		expiry = time.Duration(seconds) * time.Second
	}
	if maxExpiry := e.policy.maxExpiry(); expiry > maxExpiry {
		expiry = maxExpiry
	}

	now := e.now()
	authReqID := idgen.ID(e.policy.entropyBytes())
	req := storage.CibaRequest{
		AuthReqID:               authReqID,
		ClientID:                client.ClientID,
		Scopes:                  scopes,
		Resources:               form["resource"],
		SubjectHint:             firstNonEmpty(form.Get("login_hint"), form.Get("login_hint_token"), form.Get("id_token_hint")),
		BindingMessage:          form.Get("binding_message"),
		UserCode:                form.Get("user_code"),
		State:                   storage.CibaPending,
		Expiry:                  now.Add(expiry),
		PollInterval:            e.policy.pollingInterval(),
		DeliveryMode:            deliveryMode,
		ClientNotificationToken: notificationToken,
	}
	if err := e.store.CreateCibaRequest(ctx, req); err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not persist the backchannel authentication request", err)
	}

	return &InitiateResult{
		AuthReqID: authReqID,
		ExpiresIn: int64(expiry.Seconds()),
		Interval:  int64(req.PollInterval.Seconds()),
	}, nil
}

// Complete is called by the host once the out-of-band user-interaction
// collaborator reaches a terminal outcome for authReqID: state
// transitions are driven by this call, not by the token endpoint's
// polling. For ping and push delivery modes it also delivers
// the corresponding notification; poll-mode clients simply discover the
// transition on their next token-endpoint poll.
func (e *Engine) Complete(ctx context.Context, authReqID string, approved bool, subject, acr string, authTime time.Time) error {
	var final storage.CibaRequest
	err := e.store.UpdateCibaRequest(ctx, authReqID, func(c storage.CibaRequest) (storage.CibaRequest, error) {
		if c.State != storage.CibaPending {
			return c, oidcerr.New(oidcerr.InvalidGrant, "auth_req_id is no longer pending")
		}
		if approved {
			c.State = storage.CibaAuthorized
			c.Subject = subject
			c.ACR = acr
			c.AuthTime = authTime
		} else {
			c.State = storage.CibaDenied
		}
		final = c
		return c, nil
	})
	if err != nil {
		return err
	}
	return e.notifier.deliver(ctx, final)
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

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
