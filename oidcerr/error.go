// Package oidcerr defines the typed error values the core returns instead
// of using exceptions for control flow. Every validator, grant processor,
// and endpoint pipeline fails by returning an *Error (or wrapping one),
// never by panicking on bad input.
package oidcerr

import (
	"errors"
	"fmt"
)

// Code is one of the error identifiers from RFC 6749 §5.2, RFC 7009,
// RFC 7662, RFC 7591/7592, RFC 8628, OpenID Connect Core, and OpenID CIBA.
type Code string

const (
	InvalidRequest          Code = "invalid_request"
	InvalidClient           Code = "invalid_client"
	InvalidGrant            Code = "invalid_grant"
	InvalidScope            Code = "invalid_scope"
	InvalidToken            Code = "invalid_token"
	UnauthorizedClient      Code = "unauthorized_client"
	UnsupportedGrantType    Code = "unsupported_grant_type"
	UnsupportedResponseType Code = "unsupported_response_type"
	AccessDenied            Code = "access_denied"
	ServerError             Code = "server_error"
	TemporarilyUnavailable  Code = "temporarily_unavailable"
	RequestNotSupported     Code = "request_not_supported"
	RequestURINotSupported  Code = "request_uri_not_supported"

	// OpenID CIBA / device grant polling states.
	AuthorizationPending Code = "authorization_pending"
	SlowDown             Code = "slow_down"
	ExpiredToken         Code = "expired_token"

	// OpenID Connect interaction-required family.
	LoginRequired              Code = "login_required"
	ConsentRequired             Code = "consent_required"
	AccountSelectionRequired    Code = "account_selection_required"
	InteractionRequired         Code = "interaction_required"

	// Dynamic client registration/management (RFC 7591/7592).
	InvalidClientMetadata Code = "invalid_client_metadata"
	InvalidRedirectURI    Code = "invalid_redirect_uri"

	// Server extension used when a CIBA request requires a user code the
	// caller did not supply.
	MissingUserCode Code = "missing_user_code"
)

// Error is the typed failure value surfaced to callers. It carries the
// wire-level OIDC error code, a human description safe to return to the
// client, an optional error_uri, and an optional state to echo back on
// redirect-bound errors. The wrapped Cause, if any, is never rendered to
// the client and exists only for logging.
type Error struct {
	Code        Code
	Description string
	URI         string
	State       string
	Cause       error
}

// New constructs an *Error with the given code and description.
func New(code Code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Wrap constructs an *Error that also carries an internal cause, to be
// logged but never echoed to the client.
func Wrap(code Code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Cause: cause}
}

// WithState returns a copy of e with State set, used when delivering an
// error through a redirect so the client can correlate it with its
// original request.
func (e *Error) WithState(state string) *Error {
	cp := *e
	cp.State = state
	return &cp
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap exposes Cause so errors.Is/errors.As can see through to the
// underlying failure (e.g. a storage error) without leaking it to clients.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Code, so callers
// can write `errors.Is(err, oidcerr.New(oidcerr.InvalidGrant, ""))`-style
// checks, or more idiomatically compare codes directly via As.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the Code of err if it is (or wraps) an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
