// Package session implements the session & logout fabric: the
// /connect/endsession processor (validate id_token_hint and
// post_logout_redirect_uri, sign out the AuthSession, fan out
// front/back-channel logout per OpenID Connect Session Management and
// Back-Channel Logout) and the checksession iframe contract. The
// back-channel POST reuses reqfetch/ciba's SSRF-guarded outbound-client
// idiom and the same tolerate-and-continue delivery policy as other
// notification POSTs in this library.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/collab"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/token"
)

// CookiePolicy describes the session-monitor cookie contract OpenID
// Connect Session Management's checksession iframe relies on.
type CookiePolicy struct {
	Name     string
	Domain   string
	Path     string
	SameSite http.SameSite
}

func (p CookiePolicy) name() string {
	if p.Name != "" {
		return p.Name
	}
	return "Abblix.SessionId"
}

func (p CookiePolicy) path() string {
	if p.Path != "" {
		return p.Path
	}
	return "/"
}

func (p CookiePolicy) sameSite() http.SameSite {
	if p.SameSite != 0 {
		return p.SameSite
	}
	return http.SameSiteNoneMode
}

// NewCookie builds the session cookie for sessionID, expiring at expiry.
func (p CookiePolicy) NewCookie(sessionID string, expiry time.Time) *http.Cookie {
	return &http.Cookie{
		Name: p.name(), Value: sessionID, Domain: p.Domain, Path: p.path(),
		SameSite: p.sameSite(), Secure: true, HttpOnly: true, Expires: expiry,
	}
}

// Policy supplies session/logout defaults.
type Policy struct {
	Cookie              CookiePolicy
	LogoutTokenLifetime time.Duration
}

func (p Policy) logoutTokenLifetime() time.Duration {
	if p.LogoutTokenLifetime > 0 {
		return p.LogoutTokenLifetime
	}
	return 2 * time.Minute
}

// LogoutTokenIssuer is the subset of *token.Service the back-channel
// fanout needs. Its method set is satisfied by *token.Service directly.
type LogoutTokenIssuer interface {
	IssueLogoutToken(ctx context.Context, p token.IssueLogoutTokenParams) (string, error)
}

// IDTokenDecoder is the subset of *token.Service end-session needs to
// resolve id_token_hint. Its method set is satisfied by *token.Service
// directly.
type IDTokenDecoder interface {
	DecodeIDToken(compact string) (token.IDTokenClaims, error)
}

// EndSessionResult is the /connect/endsession processor's outcome: the
// redirect the host issues plus the front-channel iframe URI list the
// surrounding adapter renders.
type EndSessionResult struct {
	RedirectTo              string
	FrontChannelLogoutURIs  []string
}

// Engine dispatches end-session processing and the checksession iframe.
type Engine struct {
	sessions collab.AuthSessionService
	clients  clientinfo.Provider
	decoder  IDTokenDecoder
	policy   Policy
	now      func() time.Time
	fanout   *fanout
}

// Options configures an Engine.
type Options struct {
	Sessions collab.AuthSessionService
	Clients  clientinfo.Provider
	Tokens   LogoutTokenIssuer
	Decoder  IDTokenDecoder
	Policy   Policy
	Now      func() time.Time
	Logger   *slog.Logger
	// AllowPrivateLogoutTargets disables the SSRF guard on back-channel
	// logout delivery, for deployments whose clients are only reachable
	// on a private network. Defaults to false.
	AllowPrivateLogoutTargets bool
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
		sessions: opts.Sessions, clients: opts.Clients, decoder: opts.Decoder, policy: opts.Policy, now: now,
		fanout: newFanout(opts.Tokens, opts.Policy, now, logger, opts.AllowPrivateLogoutTargets),
	}
}

// EndSession processes a GET/POST to /connect/endsession. sessionID is
// the cookie value the host adapter resolved (or empty if none was
// presented).
func (e *Engine) EndSession(ctx context.Context, form url.Values, sessionID string) (*EndSessionResult, error) {
	var hintClientID, hintSubject string
	if hint := form.Get("id_token_hint"); hint != "" {
		claims, err := e.decoder.DecodeIDToken(hint)
		if err != nil {
			return nil, oidcerr.New(oidcerr.InvalidRequest, "id_token_hint is invalid")
		}
		hintSubject = claims.Subject
		if len(claims.Audience) > 0 {
			hintClientID = claims.Audience[0]
		}
	}

	postLogoutRedirectURI := form.Get("post_logout_redirect_uri")
	if postLogoutRedirectURI != "" {
		if hintClientID == "" {
			return nil, oidcerr.New(oidcerr.InvalidRequest, "post_logout_redirect_uri requires a valid id_token_hint")
		}
		client, err := e.clients.Lookup(ctx, hintClientID)
		if err != nil || !client.HasPostLogoutRedirectURI(postLogoutRedirectURI) {
			return nil, oidcerr.New(oidcerr.InvalidRequest, "post_logout_redirect_uri is not registered for this client")
		}
	}

	redirect := buildRedirect(postLogoutRedirectURI, form.Get("state"))
	if sessionID == "" {
		return &EndSessionResult{RedirectTo: redirect}, nil
	}

	authSession, found, err := e.sessions.Authenticate(ctx, sessionID)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not resolve the session", err)
	}
	if !found {
		return &EndSessionResult{RedirectTo: redirect}, nil
	}
	if hintSubject != "" && hintSubject != authSession.Subject {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "id_token_hint does not match the active session")
	}

	if err := e.sessions.SignOut(ctx, sessionID); err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not sign out the session", err)
	}

	var frontChannelURIs []string
	for _, clientID := range authSession.AffectedClientIDs {
		client, err := e.clients.Lookup(ctx, clientID)
		if err != nil {
			continue
		}
		if client.BackChannelLogoutURI != "" {
			e.fanout.deliver(ctx, client, authSession)
		}
		if client.FrontChannelLogoutURI != "" {
			frontChannelURIs = append(frontChannelURIs, client.FrontChannelLogoutURI)
		}
	}

	return &EndSessionResult{RedirectTo: redirect, FrontChannelLogoutURIs: frontChannelURIs}, nil
}

func buildRedirect(postLogoutRedirectURI, state string) string {
	if postLogoutRedirectURI == "" {
		return ""
	}
	u, err := url.Parse(postLogoutRedirectURI)
	if err != nil {
		return postLogoutRedirectURI
	}
	if state != "" {
		q := u.Query()
		q.Set("state", state)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// CheckSessionIframe renders the static session-monitor iframe document
// for GET /connect/checksession: a postMessage-based script the relying
// party's own hidden iframe polls, comparing the cookie named by
// Policy.Cookie against the session state the RP last observed.
func (e *Engine) CheckSessionIframe() string {
	return checkSessionHTML(e.policy.Cookie.name())
}

func checkSessionHTML(cookieName string) string {
	return `<!DOCTYPE html>
<html>
<head><title>OP Session Monitor</title></head>
<body>
<script>
window.addEventListener("message", function(e) {
  var parts = e.data.split(" ");
  var clientId = parts[0];
  var sessionState = parts[1];
  var cookieValue = (document.cookie.match(/` + cookieName + `=([^;]+)/) || [])[1] || "";
  var status = cookieValue === sessionState.split(".")[0] ? "unchanged" : "changed";
  e.source.postMessage(status, e.origin);
}, false);
</script>
</body>
</html>`
}
