// Package clientinfo defines the registered-client record consulted by
// every endpoint: its classification, credentials, redirect policy,
// algorithm and lifetime preferences, and the metadata each client
// authentication method needs.
//
// clientinfo has no dependency on storage or transport; it is the leaf
// type the rest of the core is built around.
package clientinfo

import (
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Classification distinguishes clients that can hold a secret from those
// that cannot (native apps, SPAs).
type Classification string

const (
	Confidential Classification = "confidential"
	Public       Classification = "public"
)

// AuthMethod enumerates the seven token/revocation/introspection
// authentication methods the dispatcher (clientauth package) supports.
type AuthMethod string

const (
	AuthNone                     AuthMethod = "none"
	AuthClientSecretBasic        AuthMethod = "client_secret_basic"
	AuthClientSecretPost         AuthMethod = "client_secret_post"
	AuthClientSecretJWT          AuthMethod = "client_secret_jwt"
	AuthPrivateKeyJWT            AuthMethod = "private_key_jwt"
	AuthTLSClientAuth            AuthMethod = "tls_client_auth"
	AuthSelfSignedTLSClientAuth  AuthMethod = "self_signed_tls_client_auth"
)

// SubjectType selects how the `sub` claim is computed for a client.
type SubjectType string

const (
	SubjectPublic   SubjectType = "public"
	SubjectPairwise SubjectType = "pairwise"
)

// PKCEPolicy governs whether PKCE is mandatory and whether the "plain"
// challenge method is tolerated.
type PKCEPolicy struct {
	Required     bool
	PlainAllowed bool
}

// Secret is one registered client credential. Only the digests are
// required; Raw is retained only when an HMAC-based assertion method
// (client_secret_jwt) needs the original key material. Bcrypt, when
// set, is an additional salted hash a storage backend populates when
// it would rather not retain Raw or the unsalted SHA-256/512 digests
// at rest; checkSecret prefers it over the digests whenever present.
type Secret struct {
	SHA256    [32]byte
	SHA512    [64]byte
	Bcrypt    []byte
	Raw       string
	ExpiresAt *time.Time
}

// Expired reports whether the secret is no longer usable at t.
func (s Secret) Expired(t time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(t)
}

// RefreshPolicy controls refresh-token rotation semantics for a client.
type RefreshPolicy struct {
	AbsoluteLifetime time.Duration
	SlidingLifetime  time.Duration // zero disables sliding extension
	AllowReuse       bool
}

// TLSClientAuthOptions pins the certificate material accepted for
// tls_client_auth.
type TLSClientAuthOptions struct {
	SubjectDN string
	SANDNS    []string
	SANURI    []string
	SANIP     []string
	SANEmail  []string
}

// CibaDeliveryMode is the notification mode a CIBA client has registered.
type CibaDeliveryMode string

const (
	CibaPoll CibaDeliveryMode = "poll"
	CibaPing CibaDeliveryMode = "ping"
	CibaPush CibaDeliveryMode = "push"
)

// ClientInfo is the full registered-client record.
type ClientInfo struct {
	ClientID       string
	Classification Classification
	Secrets        []Secret

	RedirectURIs           []string
	PostLogoutRedirectURIs []string

	GrantTypes []string
	// ResponseTypes lists the allowed response_type combinations, each as
	// the space-joined, alphabetically-normalized set the client may
	// request (e.g. "code", "code id_token token").
	ResponseTypes []string

	TokenEndpointAuthMethod AuthMethod

	IDTokenSignedResponseAlg  string
	UserinfoSignedResponseAlg string
	RequestObjectSigningAlg   string

	JWKS    *jose.JSONWebKeySet
	JWKSURI string

	PKCE PKCEPolicy

	AccessTokenLifetime      time.Duration
	IdentityTokenLifetime    time.Duration
	RefreshTokenLifetime     time.Duration
	AuthorizationCodeLifetime time.Duration

	Refresh RefreshPolicy

	SubjectType      SubjectType
	SectorIdentifier string

	FrontChannelLogoutURI  string
	BackChannelLogoutURI   string
	RequiresSessionID      bool // backchannel_logout_session_required

	CibaDeliveryMode             CibaDeliveryMode
	CibaNotificationEndpoint     string

	TLSClientAuth TLSClientAuthOptions
	// SelfSignedThumbprints pins certificate SHA-256 thumbprints accepted
	// for self_signed_tls_client_auth, normally mirrored into JWKS too.
	SelfSignedThumbprints []string
}

// IsPublic reports whether the client is registered as public.
func (c *ClientInfo) IsPublic() bool { return c.Classification == Public }

// HasGrantType reports whether grant is in the client's allowed set.
func (c *ClientInfo) HasGrantType(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// HasRedirectURI reports byte-equal membership, per the spec's
// byte-equal redirect URI matching requirement.
func (c *ClientInfo) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// HasPostLogoutRedirectURI reports byte-equal membership.
func (c *ClientInfo) HasPostLogoutRedirectURI(uri string) bool {
	for _, u := range c.PostLogoutRedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// HasResponseType reports whether the normalized response_type set is
// registered for the client.
func (c *ClientInfo) HasResponseType(normalized string) bool {
	for _, rt := range c.ResponseTypes {
		if rt == normalized {
			return true
		}
	}
	return false
}

// SectorIdentifierOrClientID is the grouping domain used to compute
// pairwise subjects: the registered sector identifier if present,
// otherwise the client ID.
func (c *ClientInfo) SectorIdentifierOrClientID() string {
	if c.SectorIdentifier != "" {
		return c.SectorIdentifier
	}
	return c.ClientID
}
