// Package authorize implements the authorization endpoint's pipeline:
// validate the request, drive the interaction collaborator, and on
// approval mint and deliver the flow's artifacts across the full
// code/implicit/hybrid response_type matrix defined by OAuth 2.0 (RFC
// 6749) and OpenID Connect Core §3.
package authorize

import (
	"context"
	"net/url"
	"time"

	"github.com/abblix/oidcore/clientauth"
	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/collab"
	"github.com/abblix/oidcore/internal/idgen"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/reqfetch"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
	"github.com/abblix/oidcore/validate"
)

// DefaultAuthorizationCodeLifetime bounds how long an issued code
// remains redeemable absent a client-specific AuthorizationCodeLifetime.
const DefaultAuthorizationCodeLifetime = 5 * time.Minute

// DefaultPushedRequestLifetime is the TTL of the PAR-style handle minted
// when an interaction is required, and the default lifetime of a
// request pushed through the RFC 9126 PAR endpoint (60s).
const DefaultPushedRequestLifetime = 60 * time.Second

// Delivery describes how an authorization response (success or error)
// must reach the user agent. The HTTP framework adapter renders this;
// this package never writes to an http.ResponseWriter itself.
type Delivery struct {
	Mode     storage.ResponseMode
	Redirect string // absolute URI, params already applied per Mode
	// FormPostAction/FormPostParams are populated instead of Redirect
	// when Mode is form_post, so the adapter can render the auto-submit
	// HTML form itself rather than receive pre-rendered markup.
	FormPostAction string
	FormPostParams url.Values
}

// Pipeline wires the authorize endpoint's collaborators together.
type Pipeline struct {
	clients     clientinfo.Provider
	fetcher     *reqfetch.Fetcher
	interaction collab.UserInteraction
	store       storage.Storage
	tokens      *token.Service
	auth        *clientauth.Authenticator
	issuer      string
	opts        validate.AuthorizeOptions

	requestURIParamName  string
	pushedRequestTTL     time.Duration
	now                  func() time.Time
}

// Options configures a Pipeline.
type Options struct {
	Clients             clientinfo.Provider
	Fetcher             *reqfetch.Fetcher
	Interaction         collab.UserInteraction
	Storage             storage.Storage
	Tokens              *token.Service
	Issuer              string
	ValidateOptions     validate.AuthorizeOptions
	RequestURIParamName string
	PushedRequestTTL    time.Duration
	Now                 func() time.Time
	// Auth authenticates the client on PushAuthorizationRequest. It may
	// be nil if the host never calls that entry point.
	Auth *clientauth.Authenticator
}

// New builds a Pipeline.
func New(opts Options) *Pipeline {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.PushedRequestTTL
	if ttl <= 0 {
		ttl = DefaultPushedRequestLifetime
	}
	paramName := opts.RequestURIParamName
	if paramName == "" {
		paramName = "request_uri"
	}
	return &Pipeline{
		clients: opts.Clients, fetcher: opts.Fetcher, interaction: opts.Interaction,
		store: opts.Storage, tokens: opts.Tokens, auth: opts.Auth, issuer: opts.Issuer, opts: opts.ValidateOptions,
		requestURIParamName: paramName, pushedRequestTTL: ttl, now: now,
	}
}

// Authorize runs the full pipeline against query, the raw parameters of
// an incoming GET/POST /authorize request.
func (p *Pipeline) Authorize(ctx context.Context, query url.Values) (*Delivery, error) {
	clientID := query.Get("client_id")
	if clientID == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "client_id is required")
	}
	client, err := p.clients.Lookup(ctx, clientID)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidRequest, "unknown client_id", err)
	}

	resolved, err := p.fetcher.Resolve(ctx, client, query)
	if err != nil {
		return nil, err
	}

	validated, err := validate.Authorize(client, resolved, p.opts)
	if err != nil {
		if validated != nil && validated.RedirectURI != "" {
			return p.deliverError(validated.ResponseMode, validated.RedirectURI, validated.State, err), nil
		}
		return nil, err
	}

	req := collab.AuthorizeRequest{
		ClientID:    client.ClientID,
		RedirectURI: validated.RedirectURI,
		Scopes:      validated.Scopes,
		Claims:      validated.Claims,
		MaxAge:      validated.MaxAge,
		AcrValues:   validated.AcrValues,
		Prompt:      validated.Prompt,
	}
	outcome, err := p.interaction.Drive(ctx, req)
	if err != nil {
		return p.deliverError(validated.ResponseMode, validated.RedirectURI, validated.State, oidcerr.Wrap(oidcerr.ServerError, "interaction failed", err)), nil
	}

	switch {
	case outcome.Approved != nil:
		return p.issue(ctx, client, validated, outcome.Approved)
	case outcome.LoginRequired != nil:
		return p.pushAndRedirect(ctx, validated, outcome.LoginRequired.URI)
	case outcome.ConsentRequired != nil:
		return p.pushAndRedirect(ctx, validated, outcome.ConsentRequired.URI)
	case outcome.AccountSelectionRequired != nil:
		return p.pushAndRedirect(ctx, validated, outcome.AccountSelectionRequired.URI)
	case outcome.InteractionRequired != nil:
		return p.pushAndRedirect(ctx, validated, outcome.InteractionRequired.URI)
	default:
		return p.deliverError(validated.ResponseMode, validated.RedirectURI, validated.State,
			oidcerr.New(oidcerr.ServerError, "interaction returned no outcome")), nil
	}
}

// PushedRequest is the body of a successful RFC 9126 pushed
// authorization request response.
type PushedRequest struct {
	RequestURI string
	ExpiresIn  time.Duration
}

// PushAuthorizationRequest implements POST /connect/par (RFC 9126): an
// authenticated client submits its authorization parameters directly,
// in exchange for an opaque request_uri it can later present at the
// authorize endpoint instead of repeating them. It runs the same
// validation chain Authorize does, but never reaches interaction
// dispatch — there is no user agent here to redirect, only a client to
// answer.
func (p *Pipeline) PushAuthorizationRequest(ctx context.Context, form url.Values, cred clientauth.Credentials) (*PushedRequest, error) {
	if p.auth == nil {
		return nil, oidcerr.New(oidcerr.ServerError, "pushed authorization requests are not configured")
	}
	result, err := p.auth.Authenticate(ctx, cred, nil)
	if err != nil {
		return nil, err
	}
	client := result.Client

	resolved, err := p.fetcher.Resolve(ctx, client, form)
	if err != nil {
		return nil, err
	}

	validated, err := validate.Authorize(client, resolved, p.opts)
	if err != nil {
		return nil, err
	}

	uri := reqfetch.PARHandlePrefix + idgen.ID(idgen.DefaultCodeEntropyBytes)
	par := storage.PushedAuthorizationRequest{
		URI:    uri,
		Params: paramsFromValidated(validated),
		Expiry: p.now().Add(p.pushedRequestTTL),
	}
	if err := p.store.CreatePAR(ctx, par); err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not persist pushed authorization request", err)
	}

	return &PushedRequest{RequestURI: uri, ExpiresIn: p.pushedRequestTTL}, nil
}

// pushAndRedirect persists the validated request behind a PAR-style
// handle and redirects to target with the handle appended, so the host
// UI can later resume the pipeline. The handle carries client_id,
// redirect_uri, response_type, response_mode, scope, state, nonce, the
// PKCE challenge and resource; prompt, max_age, acr_values and claims
// are not carried.
func (p *Pipeline) pushAndRedirect(ctx context.Context, v *validate.Validated, target string) (*Delivery, error) {
	uri := reqfetch.PARHandlePrefix + idgen.ID(idgen.DefaultCodeEntropyBytes)
	par := storage.PushedAuthorizationRequest{
		URI:    uri,
		Params: paramsFromValidated(v),
		Expiry: p.now().Add(p.pushedRequestTTL),
	}
	if err := p.store.CreatePAR(ctx, par); err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not persist interaction handle", err)
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "interaction target is not a valid URI", err)
	}
	q := u.Query()
	q.Set(p.requestURIParamName, uri)
	q.Set("client_id", v.Client.ClientID)
	u.RawQuery = q.Encode()
	return &Delivery{Mode: storage.ResponseModeQuery, Redirect: u.String()}, nil
}

func paramsFromValidated(v *validate.Validated) map[string][]string {
	params := url.Values{}
	params.Set("client_id", v.Client.ClientID)
	params.Set("redirect_uri", v.RedirectURI)
	params.Set("response_type", joinSpace(v.ResponseType))
	params.Set("response_mode", string(v.ResponseMode))
	if v.CodeChallenge != "" {
		params.Set("code_challenge", v.CodeChallenge)
		params.Set("code_challenge_method", v.CodeChallengeMethod)
	}
	if len(v.Resources) > 0 {
		params["resource"] = append([]string(nil), v.Resources...)
	}
	if len(v.Scopes) > 0 {
		params["scope"] = []string{joinSpace(v.Scopes)}
	}
	if v.State != "" {
		params.Set("state", v.State)
	}
	if v.Nonce != "" {
		params.Set("nonce", v.Nonce)
	}
	return params
}

func joinSpace(parts []string) string {
	out := ""
	for i, s := range parts {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

// deliverError renders err through mode to redirectURI, the same
// delivery channel a successful response would have used.
func (p *Pipeline) deliverError(mode storage.ResponseMode, redirectURI, state string, err error) *Delivery {
	values := url.Values{}
	if oerr, ok := err.(*oidcerr.Error); ok {
		values.Set("error", string(oerr.Code))
		if oerr.Description != "" {
			values.Set("error_description", oerr.Description)
		}
	} else {
		values.Set("error", string(oidcerr.ServerError))
	}
	if state != "" {
		values.Set("state", state)
	}
	return applyDelivery(mode, redirectURI, values)
}

func applyDelivery(mode storage.ResponseMode, redirectURI string, values url.Values) *Delivery {
	if mode == storage.ResponseModeFormPost {
		return &Delivery{Mode: mode, FormPostAction: redirectURI, FormPostParams: values}
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return &Delivery{Mode: mode, Redirect: redirectURI}
	}
	if mode == storage.ResponseModeFragment {
		u.Fragment = values.Encode()
	} else {
		q := u.Query()
		for k, vs := range values {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return &Delivery{Mode: mode, Redirect: u.String()}
}
