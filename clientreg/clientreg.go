// Package clientreg implements dynamic client management (RFC
// 7591/7592): register/read/update/delete backed by a
// client_id-scoped registration_access_token, a self-service endpoint
// authenticated by a bearer token instead of operator trust.
//
// The registration_access_token is one of the JWT flavours
// token.Service mints: minting it through the same signing path as
// every other token means revocation and status tracking reuse the
// existing TokenRegistry rather than a bespoke secret-comparison
// table. storage.RegisteredClientHandle pins the *currently valid* jti
// per client_id, so that rotating (re-registering) or deleting a client
// invalidates any registration_access_token issued before the change
// even though the old JWT would otherwise still verify until it expires.
package clientreg

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/internal/idgen"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
)

// Policy supplies dynamic-registration defaults.
type Policy struct {
	ClientIDEntropyBytes             int
	ClientSecretEntropyBytes         int
	RegistrationAccessTokenLifetime time.Duration
	// HashSecretsWithBcrypt, when true, stores a newly minted client
	// secret as a bcrypt hash (clientinfo.Secret.Bcrypt) instead of the
	// default unsalted SHA-256/512 digests, trading verification speed
	// for resistance to an offline guess against a leaked client store.
	// A client_secret_jwt secret keeps Raw and the digests either way,
	// since that method's HMAC key is the secret itself.
	HashSecretsWithBcrypt bool
}

func (p Policy) clientIDEntropyBytes() int {
	if p.ClientIDEntropyBytes > 0 {
		return p.ClientIDEntropyBytes
	}
	return 16
}

func (p Policy) clientSecretEntropyBytes() int {
	if p.ClientSecretEntropyBytes > 0 {
		return p.ClientSecretEntropyBytes
	}
	return 32
}

func (p Policy) registrationAccessTokenLifetime() time.Duration {
	if p.RegistrationAccessTokenLifetime > 0 {
		return p.RegistrationAccessTokenLifetime
	}
	return 0 // zero means "does not expire on its own"; revocation is explicit
}

// TokenIssuer is the subset of *token.Service dynamic registration
// needs. Its method set is satisfied by *token.Service directly.
type TokenIssuer interface {
	IssueRegistrationAccessToken(ctx context.Context, clientID string, lifetime time.Duration) (string, storage.TokenRecord, error)
	DecodeRegistrationAccessToken(compact string) (token.RegistrationAccessTokenClaims, error)
	Status(ctx context.Context, jti string) (storage.TokenStatus, error)
	Revoke(ctx context.Context, jti string, originalExpiry storage.TokenRecord) error
}

// RegisterResult is the /connect/register endpoint's successful body:
// the stored client plus the one-time plaintext client_secret (if one
// was generated) and the registration_access_token.
type RegisterResult struct {
	Client                  clientinfo.ClientInfo
	ClientSecret            string
	RegistrationAccessToken string
}

// Engine dispatches dynamic client registration and management.
type Engine struct {
	clients clientinfo.Manager
	store   storage.Storage
	tokens  TokenIssuer
	policy  Policy
	now     func() time.Time
}

// Options configures an Engine.
type Options struct {
	Clients clientinfo.Manager
	Storage storage.Storage
	Tokens  TokenIssuer
	Policy  Policy
	Now     func() time.Time
}

// New builds an Engine.
func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{clients: opts.Clients, store: opts.Storage, tokens: opts.Tokens, policy: opts.Policy, now: now}
}

// Register validates and persists a new client.
func (e *Engine) Register(ctx context.Context, meta clientinfo.ClientInfo) (*RegisterResult, error) {
	if err := validateRedirectURIs(meta.RedirectURIs); err != nil {
		return nil, err
	}
	if meta.SubjectType == clientinfo.SubjectPairwise && meta.SectorIdentifier == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "pairwise subject_type requires a sector_identifier")
	}

	if meta.ClientID == "" {
		meta.ClientID = idgen.ID(e.policy.clientIDEntropyBytes())
	}

	var plaintextSecret string
	if requiresSecret(meta.TokenEndpointAuthMethod) && len(meta.Secrets) == 0 {
		plaintextSecret = idgen.ID(e.policy.clientSecretEntropyBytes())
		meta.Secrets = []clientinfo.Secret{newSecret(plaintextSecret, nil, meta.TokenEndpointAuthMethod, e.policy.HashSecretsWithBcrypt)}
	}

	if err := e.clients.Add(ctx, meta); err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not store the registered client", err)
	}

	compact, rec, err := e.tokens.IssueRegistrationAccessToken(ctx, meta.ClientID, e.policy.registrationAccessTokenLifetime())
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not mint a registration_access_token", err)
	}
	if err := e.store.CreateRegisteredClientHandle(ctx, storage.RegisteredClientHandle{
		ClientID: meta.ClientID, RegistrationAccessToken: rec.JTI,
	}); err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not persist the registration handle", err)
	}

	return &RegisterResult{Client: meta, ClientSecret: plaintextSecret, RegistrationAccessToken: compact}, nil
}

// Read returns clientID's metadata once bearerToken authenticates
// against it.
func (e *Engine) Read(ctx context.Context, clientID, bearerToken string) (*clientinfo.ClientInfo, error) {
	if err := e.authenticate(ctx, clientID, bearerToken); err != nil {
		return nil, err
	}
	return e.clients.Lookup(ctx, clientID)
}

// Update replaces clientID's metadata. meta.ClientID must equal
// clientID.
func (e *Engine) Update(ctx context.Context, clientID, bearerToken string, meta clientinfo.ClientInfo) (*clientinfo.ClientInfo, error) {
	if err := e.authenticate(ctx, clientID, bearerToken); err != nil {
		return nil, err
	}
	if meta.ClientID != clientID {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "client_id in the request body must match the authenticated client")
	}
	if err := validateRedirectURIs(meta.RedirectURIs); err != nil {
		return nil, err
	}
	if meta.SubjectType == clientinfo.SubjectPairwise && meta.SectorIdentifier == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "pairwise subject_type requires a sector_identifier")
	}
	if err := e.clients.Update(ctx, meta); err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not update the registered client", err)
	}
	return &meta, nil
}

// Delete removes clientID and invalidates its registration_access_token.
// Existing access/refresh token jtis already minted
// under this client_id are not individually enumerated and revoked here
// (storage.Storage exposes no by-client index); a host that needs that
// guarantee keys its TokenRegistry backend to cascade on client removal.
func (e *Engine) Delete(ctx context.Context, clientID, bearerToken string) error {
	claims, err := e.authenticate(ctx, clientID, bearerToken)
	if err != nil {
		return err
	}
	if err := e.tokens.Revoke(ctx, claims.JTI, storage.TokenRecord{Expiry: time.Unix(claims.Expiry, 0)}); err != nil {
		return oidcerr.Wrap(oidcerr.ServerError, "could not revoke the registration_access_token", err)
	}
	if err := e.store.DeleteRegisteredClientHandle(ctx, clientID); err != nil {
		return oidcerr.Wrap(oidcerr.ServerError, "could not delete the registration handle", err)
	}
	if err := e.clients.Remove(ctx, clientID); err != nil {
		return oidcerr.Wrap(oidcerr.ServerError, "could not remove the registered client", err)
	}
	return nil
}

func (e *Engine) authenticate(ctx context.Context, clientID, bearerToken string) (*token.RegistrationAccessTokenClaims, error) {
	if bearerToken == "" {
		return nil, oidcerr.New(oidcerr.InvalidClient, "missing registration_access_token")
	}
	claims, err := e.tokens.DecodeRegistrationAccessToken(bearerToken)
	if err != nil {
		return nil, oidcerr.New(oidcerr.InvalidClient, "invalid registration_access_token")
	}
	if claims.ClientID != clientID {
		return nil, oidcerr.New(oidcerr.InvalidClient, "registration_access_token does not authorize this client_id")
	}
	status, err := e.tokens.Status(ctx, claims.JTI)
	if err != nil || status != storage.StatusActive {
		return nil, oidcerr.New(oidcerr.InvalidClient, "registration_access_token is no longer active")
	}
	handle, err := e.store.GetRegisteredClientHandle(ctx, clientID)
	if err != nil || handle.RegistrationAccessToken != claims.JTI {
		return nil, oidcerr.New(oidcerr.InvalidClient, "registration_access_token has been superseded")
	}
	return &claims, nil
}

func requiresSecret(m clientinfo.AuthMethod) bool {
	switch m {
	case clientinfo.AuthClientSecretBasic, clientinfo.AuthClientSecretPost, clientinfo.AuthClientSecretJWT:
		return true
	default:
		return false
	}
}

func newSecret(raw string, expiry *time.Time, method clientinfo.AuthMethod, hashWithBcrypt bool) clientinfo.Secret {
	s := clientinfo.Secret{ExpiresAt: expiry}
	if method == clientinfo.AuthClientSecretJWT {
		s.Raw = raw
	} else if hashWithBcrypt {
		if hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost); err == nil {
			s.Bcrypt = hash
			return s
		}
	}
	s.SHA256 = sha256.Sum256([]byte(raw))
	s.SHA512 = sha512.Sum512([]byte(raw))
	return s
}

func validateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return oidcerr.New(oidcerr.InvalidRequest, "at least one redirect_uri is required")
	}
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return oidcerr.New(oidcerr.InvalidRequest, "redirect_uri must be an absolute URI: "+raw)
		}
	}
	return nil
}
