// Package clientauth dispatches client authentication across the seven
// methods RFC 6749, RFC 7523, and RFC 8705 define, as a pluggable
// Authenticator keyed by AuthMethod.
package clientauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/clientkeys"
	"github.com/abblix/oidcore/oidcerr"
)

// Credentials is the raw, transport-level material a request presented,
// independent of which scheme ends up matching it.
type Credentials struct {
	// Basic auth (client_secret_basic).
	BasicUser, BasicPass string
	HasBasic             bool

	// Form/body parameters (client_secret_post, *_jwt methods).
	ClientID            string
	ClientSecret        string
	ClientAssertionType string
	ClientAssertion     string

	// mTLS (tls_client_auth, self_signed_tls_client_auth): the verified
	// peer certificate, already authenticated at the TLS layer by the
	// HTTP front end; this package only checks it against the client's
	// registered binding.
	PeerCertificateDER []byte
	PeerCertSHA256      [32]byte
	PeerSubjectDN       string
	PeerSANDNS          []string
	PeerSANURI          []string
	PeerSANIP           []string
	PeerSANEmail        []string
}

// FromHTTPRequest extracts Credentials from r, preferring HTTP Basic
// auth over body parameters when both are present (RFC 6749 §2.3.1).
func FromHTTPRequest(r *http.Request) Credentials {
	var c Credentials
	if user, pass, ok := r.BasicAuth(); ok {
		c.HasBasic = true
		c.BasicUser, _ = url.QueryUnescape(user)
		c.BasicPass, _ = url.QueryUnescape(pass)
	}
	c.ClientID = r.FormValue("client_id")
	c.ClientSecret = r.FormValue("client_secret")
	c.ClientAssertionType = r.FormValue("client_assertion_type")
	c.ClientAssertion = r.FormValue("client_assertion")
	return c
}

// ClientAssertionType is the only client_assertion_type this dispatcher
// accepts for client_secret_jwt/private_key_jwt (RFC 7523).
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Result is the outcome of a successful authentication.
type Result struct {
	Client *clientinfo.ClientInfo
	Method clientinfo.AuthMethod
}

// Authenticator resolves and authenticates a client against presented
// credentials for a single token_endpoint-family endpoint (token,
// revocation, introspection).
type Authenticator struct {
	clients   clientinfo.Provider
	keys      *clientkeys.Provider
	audience  string
	clockSkew time.Duration
	now       func() time.Time
}

// Options configures an Authenticator.
type Options struct {
	Clients   clientinfo.Provider
	Keys      *clientkeys.Provider
	// Audience is the endpoint URL client assertions must target (aud),
	// typically the token endpoint URL.
	Audience  string
	ClockSkew time.Duration
	Now       func() time.Time
}

// New builds an Authenticator.
func New(opts Options) *Authenticator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	skew := opts.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{clients: opts.Clients, keys: opts.Keys, audience: opts.Audience, clockSkew: skew, now: now}
}

// Authenticate resolves the client referenced by cred and validates its
// credential against the method registered for that client
// (TokenEndpointAuthMethod). A client registered for
// "none" (public clients using PKCE) is authenticated purely by its
// resolvable client_id. replaySeen reports whether a client assertion
// jti has already been presented and must reject it (RFC 7523 §3
// single-use requirement); callers typically back it with the shared
// TokenRegistry keyed by a namespaced "assertion:<jti>" identifier.
func (a *Authenticator) Authenticate(ctx context.Context, cred Credentials, replaySeen func(jti string) bool) (*Result, error) {
	clientID := cred.ClientID
	if cred.HasBasic {
		clientID = cred.BasicUser
	}
	if clientID == "" {
		if assertion := cred.ClientAssertion; assertion != "" {
			id, err := peekAssertionSubject(assertion)
			if err != nil {
				return nil, oidcerr.New(oidcerr.InvalidClient, "cannot determine client from assertion")
			}
			clientID = id
		}
	}
	if clientID == "" {
		return nil, oidcerr.New(oidcerr.InvalidClient, "no client credentials presented")
	}

	client, err := a.clients.Lookup(ctx, clientID)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidClient, "unknown client", err)
	}

	switch client.TokenEndpointAuthMethod {
	case clientinfo.AuthNone:
		return &Result{Client: client, Method: clientinfo.AuthNone}, nil
	case clientinfo.AuthClientSecretBasic:
		if !cred.HasBasic {
			return nil, oidcerr.New(oidcerr.InvalidClient, "client requires client_secret_basic")
		}
		if err := a.checkSecret(client, cred.BasicPass); err != nil {
			return nil, err
		}
	case clientinfo.AuthClientSecretPost:
		if cred.HasBasic {
			return nil, oidcerr.New(oidcerr.InvalidClient, "client requires client_secret_post, not basic auth")
		}
		if err := a.checkSecret(client, cred.ClientSecret); err != nil {
			return nil, err
		}
	case clientinfo.AuthClientSecretJWT:
		if err := a.checkClientSecretJWT(client, cred, replaySeen); err != nil {
			return nil, err
		}
	case clientinfo.AuthPrivateKeyJWT:
		if err := a.checkPrivateKeyJWT(ctx, client, cred, replaySeen); err != nil {
			return nil, err
		}
	case clientinfo.AuthTLSClientAuth:
		if err := checkTLSClientAuth(client, cred); err != nil {
			return nil, err
		}
	case clientinfo.AuthSelfSignedTLSClientAuth:
		if err := checkSelfSignedTLSClientAuth(client, cred); err != nil {
			return nil, err
		}
	default:
		return nil, oidcerr.New(oidcerr.InvalidClient, "client has no usable authentication method registered")
	}

	return &Result{Client: client, Method: client.TokenEndpointAuthMethod}, nil
}

// checkSecret compares presented against every non-expired registered
// secret in constant time via subtle.ConstantTimeCompare (or
// bcrypt.CompareHashAndPassword for a hashed secret).
func (a *Authenticator) checkSecret(client *clientinfo.ClientInfo, presented string) error {
	if presented == "" {
		return oidcerr.New(oidcerr.InvalidClient, "missing client_secret")
	}
	sum := sha256.Sum256([]byte(presented))
	now := a.now()
	for _, s := range client.Secrets {
		if s.Expired(now) {
			continue
		}
		if len(s.Bcrypt) > 0 {
			if bcrypt.CompareHashAndPassword(s.Bcrypt, []byte(presented)) == nil {
				return nil
			}
			continue
		}
		if subtle.ConstantTimeCompare(sum[:], s.SHA256[:]) == 1 {
			return nil
		}
	}
	return oidcerr.New(oidcerr.InvalidClient, "invalid client_secret")
}

func secretHMACKey(s clientinfo.Secret) []byte {
	if s.Raw != "" {
		return []byte(s.Raw)
	}
	return s.SHA512[:]
}
