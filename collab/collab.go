// Package collab defines the host-injected collaborators this library
// requires: the authorization pipeline delegates user authentication and
// consent to UserInteraction, session lifecycle to AuthSessionService,
// claim resolution to UserInfoProvider, and issuer resolution (for
// multi-tenant hosting) to IssuerProvider. The core never implements any
// of these itself — it only calls them.
package collab

import (
	"context"
	"time"

	"github.com/abblix/oidcore/storage"
)

// AuthorizeRequest is the validated, in-flight authorization request
// handed to UserInteraction.Drive. It intentionally mirrors the fields
// the authorize package accumulates while validating, so the host UI can
// render a login/consent screen without reaching back into internals.
type AuthorizeRequest struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
	Claims      storage.RequestedClaims
	MaxAge      *time.Duration
	AcrValues   []string
	Prompt      []string
	LoginHint   string
}

// InteractionOutcome is the tagged-variant result of
// UserInteraction.Drive: exactly one of the fields below is non-nil.
type InteractionOutcome struct {
	LoginRequired           *RedirectTo
	ConsentRequired         *RedirectTo
	AccountSelectionRequired *RedirectTo
	InteractionRequired     *RedirectTo
	Approved                *Approval
}

// RedirectTo carries the absolute URI the host must redirect the user
// agent to in order to continue an interaction.
type RedirectTo struct {
	URI string
}

// Approval is the terminal, successful outcome of an interaction: the
// user is authenticated and has consented to the granted scopes/claims.
type Approval struct {
	Session        storage.AuthSession
	GrantedScopes  []string
	GrantedClaims  storage.RequestedClaims
}

// UserInteraction drives the login/consent/account-selection flow for an
// authorization request. The host owns all UI; this interface only
// reports the outcome.
type UserInteraction interface {
	Drive(ctx context.Context, req AuthorizeRequest) (InteractionOutcome, error)
}

// AuthSessionService authenticates end users and terminates sessions on
// logout. The core never authenticates anyone itself — that is always
// delegated to the host.
type AuthSessionService interface {
	Authenticate(ctx context.Context, sessionID string) (storage.AuthSession, bool, error)
	SignOut(ctx context.Context, sessionID string) error
}

// UserInfoProvider resolves claim values for a subject, used by the
// userinfo endpoint and by id_token claim population.
type UserInfoProvider interface {
	GetClaims(ctx context.Context, session storage.AuthSession, claimNames []string) (map[string]any, error)
}

// IssuerProvider resolves the issuer string for the current request,
// enabling multi-tenant hosting (one process, many issuers).
type IssuerProvider interface {
	GetIssuer(ctx context.Context) (string, error)
}
