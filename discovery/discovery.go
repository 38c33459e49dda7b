// Package discovery serves the two self-description endpoints OpenID
// Connect Discovery 1.0 names: GET /.well-known/openid-configuration
// and GET /.well-known/jwks. The discovery document is built fresh per
// request from the host's configured feature set (device grant, CIBA,
// dynamic registration, mTLS aliases) rather than served as a single
// fixed file, so enabling or disabling a capability changes what gets
// advertised without a restart.
package discovery

import (
	"context"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/abblix/oidcore/collab"
	"github.com/abblix/oidcore/jwk"
)

// Well-known endpoint paths relative to the issuer.
const (
	PathOpenIDConfiguration = "/.well-known/openid-configuration"
	PathJWKS                = "/.well-known/jwks"
	PathAuthorization       = "/connect/authorize"
	PathPushedAuthorization = "/connect/par"
	PathToken               = "/connect/token"
	PathUserInfo            = "/connect/userinfo"
	PathRevocation          = "/connect/revocation"
	PathIntrospection       = "/connect/introspection"
	PathEndSession          = "/connect/endsession"
	PathCheckSession        = "/connect/checksession"
	PathCIBA                = "/connect/ciba"
	PathDeviceAuthorization = "/connect/device_authorization"
	PathRegistration        = "/connect/register"
)

// defaultExposedPaths is every optional capability path advertised when
// Config.ExposePaths is empty.
var defaultExposedPaths = []string{
	PathPushedAuthorization, PathRevocation, PathIntrospection, PathEndSession,
	PathCheckSession, PathCIBA, PathDeviceAuthorization, PathRegistration,
}

// Config supplies the feature set and capability lists a host advertises.
// Nothing here is computed from storage; it mirrors how the host's
// server was actually wired (which grant types, which auth methods).
type Config struct {
	ScopesSupported                        []string
	ResponseTypesSupported                 []string
	GrantTypesSupported                    []string
	SubjectTypesSupported                  []string
	IDTokenSigningAlgValuesSupported       []string
	TokenEndpointAuthMethodsSupported      []string
	CodeChallengeMethodsSupported          []string
	ClaimsSupported                        []string
	BackchannelTokenDeliveryModesSupported []string
	BackchannelUserCodeParameterSupported  bool

	// ExposePaths restricts the optional `/connect/*` paths (everything
	// but authorize/token/userinfo, which are always advertised) to this
	// allowlist. Empty means advertise every optional path the package
	// knows about.
	ExposePaths []string

	// MTLSBaseURI, if set, is published as the alternate base URI
	// mTLS-capable clients should use instead of Issuer.
	MTLSBaseURI string
	// MTLSAliases maps an advertised endpoint path (e.g. PathToken) to
	// the mTLS-specific path alias published under
	// mtls_endpoint_aliases, per MTLS profile conventions (RFC 8705 §4).
	MTLSAliases map[string]string
}

func (c Config) scopesSupported() []string {
	if len(c.ScopesSupported) > 0 {
		return c.ScopesSupported
	}
	return []string{"openid", "profile", "email", "address", "phone", "offline_access"}
}

func (c Config) subjectTypesSupported() []string {
	if len(c.SubjectTypesSupported) > 0 {
		return c.SubjectTypesSupported
	}
	return []string{"public", "pairwise"}
}

func (c Config) idTokenSigningAlgValuesSupported() []string {
	if len(c.IDTokenSigningAlgValuesSupported) > 0 {
		return c.IDTokenSigningAlgValuesSupported
	}
	algs := make([]string, 0, len(jwk.SupportedSignatureAlgorithms))
	for _, a := range jwk.SupportedSignatureAlgorithms {
		algs = append(algs, string(a))
	}
	return algs
}

func (c Config) tokenEndpointAuthMethodsSupported() []string {
	if len(c.TokenEndpointAuthMethodsSupported) > 0 {
		return c.TokenEndpointAuthMethodsSupported
	}
	return []string{
		"none", "client_secret_basic", "client_secret_post", "client_secret_jwt",
		"private_key_jwt", "tls_client_auth", "self_signed_tls_client_auth",
	}
}

func (c Config) codeChallengeMethodsSupported() []string {
	if len(c.CodeChallengeMethodsSupported) > 0 {
		return c.CodeChallengeMethodsSupported
	}
	return []string{"S256", "plain"}
}

func (c Config) responseTypesSupported() []string {
	if len(c.ResponseTypesSupported) > 0 {
		return c.ResponseTypesSupported
	}
	return []string{"code", "id_token", "code id_token", "code token", "id_token token", "code id_token token"}
}

func (c Config) grantTypesSupported() []string {
	if len(c.GrantTypesSupported) > 0 {
		return c.GrantTypesSupported
	}
	return []string{
		"authorization_code", "refresh_token", "client_credentials",
		"urn:openid:params:grant-type:ciba", "urn:ietf:params:oauth:grant-type:device_code",
		"urn:ietf:params:oauth:grant-type:jwt-bearer",
	}
}

func (c Config) backchannelTokenDeliveryModesSupported() []string {
	if len(c.BackchannelTokenDeliveryModesSupported) > 0 {
		return c.BackchannelTokenDeliveryModesSupported
	}
	return []string{"poll", "ping", "push"}
}

func (c Config) exposes(path string) bool {
	if len(c.ExposePaths) == 0 {
		return contains(defaultExposedPaths, path)
	}
	return contains(c.ExposePaths, path)
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// MTLSEndpointAliases is the mtls_endpoint_aliases object RFC 8705 §4
// describes: the same endpoints, published under mTLS-specific paths.
type MTLSEndpointAliases struct {
	TokenEndpoint               string `json:"token_endpoint,omitempty"`
	RevocationEndpoint          string `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint       string `json:"introspection_endpoint,omitempty"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`
	PushedAuthorizationEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`
	BackchannelAuthorizationEndpoint string `json:"backchannel_authentication_endpoint,omitempty"`
	RegistrationEndpoint        string `json:"registration_endpoint,omitempty"`
}

// Document is the /.well-known/openid-configuration response body.
type Document struct {
	Issuer                                  string                `json:"issuer"`
	AuthorizationEndpoint                   string                `json:"authorization_endpoint"`
	TokenEndpoint                           string                `json:"token_endpoint"`
	UserInfoEndpoint                        string                `json:"userinfo_endpoint"`
	JWKSURI                                 string                `json:"jwks_uri"`
	RegistrationEndpoint                    string                `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                      string                `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint                   string                `json:"introspection_endpoint,omitempty"`
	EndSessionEndpoint                      string                `json:"end_session_endpoint,omitempty"`
	CheckSessionIframe                      string                `json:"check_session_iframe,omitempty"`
	PushedAuthorizationRequestEndpoint      string                `json:"pushed_authorization_request_endpoint,omitempty"`
	BackchannelAuthenticationEndpoint       string                `json:"backchannel_authentication_endpoint,omitempty"`
	DeviceAuthorizationEndpoint             string                `json:"device_authorization_endpoint,omitempty"`
	ScopesSupported                         []string              `json:"scopes_supported"`
	ResponseTypesSupported                  []string              `json:"response_types_supported"`
	GrantTypesSupported                     []string              `json:"grant_types_supported"`
	SubjectTypesSupported                   []string              `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported        []string              `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported       []string              `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported           []string              `json:"code_challenge_methods_supported"`
	ClaimsSupported                         []string              `json:"claims_supported,omitempty"`
	BackchannelTokenDeliveryModesSupported  []string              `json:"backchannel_token_delivery_modes_supported,omitempty"`
	BackchannelUserCodeParameterSupported   bool                  `json:"backchannel_user_code_parameter_supported,omitempty"`
	MTLSEndpointAliases                     *MTLSEndpointAliases  `json:"mtls_endpoint_aliases,omitempty"`
}

// Engine builds discovery documents and serves the published JWKS.
type Engine struct {
	issuers collab.IssuerProvider
	jwk     *jwk.Service
	config  Config
	now     func() time.Time
}

// Options configures an Engine.
type Options struct {
	Issuers collab.IssuerProvider
	JWK     *jwk.Service
	Config  Config
	Now     func() time.Time
}

// New builds an Engine.
func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{issuers: opts.Issuers, jwk: opts.JWK, config: opts.Config, now: now}
}

// Document renders the /.well-known/openid-configuration body for the
// issuer resolved from ctx, restricted to whichever optional paths
// Config.ExposePaths allows.
func (e *Engine) Document(ctx context.Context) (*Document, error) {
	issuer, err := e.issuers.GetIssuer(ctx)
	if err != nil {
		return nil, err
	}
	base := issuer

	d := &Document{
		Issuer:                                 issuer,
		AuthorizationEndpoint:                  base + PathAuthorization,
		TokenEndpoint:                          base + PathToken,
		UserInfoEndpoint:                       base + PathUserInfo,
		JWKSURI:                                base + PathJWKS,
		ScopesSupported:                        e.config.scopesSupported(),
		ResponseTypesSupported:                 e.config.responseTypesSupported(),
		GrantTypesSupported:                    e.config.grantTypesSupported(),
		SubjectTypesSupported:                  e.config.subjectTypesSupported(),
		IDTokenSigningAlgValuesSupported:       e.config.idTokenSigningAlgValuesSupported(),
		TokenEndpointAuthMethodsSupported:      e.config.tokenEndpointAuthMethodsSupported(),
		CodeChallengeMethodsSupported:          e.config.codeChallengeMethodsSupported(),
		ClaimsSupported:                        e.config.ClaimsSupported,
	}

	if e.config.exposes(PathPushedAuthorization) {
		d.PushedAuthorizationRequestEndpoint = base + PathPushedAuthorization
	}
	if e.config.exposes(PathRevocation) {
		d.RevocationEndpoint = base + PathRevocation
	}
	if e.config.exposes(PathIntrospection) {
		d.IntrospectionEndpoint = base + PathIntrospection
	}
	if e.config.exposes(PathEndSession) {
		d.EndSessionEndpoint = base + PathEndSession
	}
	if e.config.exposes(PathCheckSession) {
		d.CheckSessionIframe = base + PathCheckSession
	}
	if e.config.exposes(PathCIBA) {
		d.BackchannelAuthenticationEndpoint = base + PathCIBA
		d.BackchannelTokenDeliveryModesSupported = e.config.backchannelTokenDeliveryModesSupported()
		d.BackchannelUserCodeParameterSupported = e.config.BackchannelUserCodeParameterSupported
	}
	if e.config.exposes(PathDeviceAuthorization) {
		d.DeviceAuthorizationEndpoint = base + PathDeviceAuthorization
	}
	if e.config.exposes(PathRegistration) {
		d.RegistrationEndpoint = base + PathRegistration
	}

	aliases := e.config.MTLSAliases
	if len(aliases) == 0 && e.config.MTLSBaseURI != "" {
		// No explicit per-endpoint overrides: mirror every mTLS-eligible
		// endpoint under the alternate base URI as a shorthand.
		aliases = map[string]string{
			PathToken:               e.config.MTLSBaseURI + PathToken,
			PathRevocation:          e.config.MTLSBaseURI + PathRevocation,
			PathIntrospection:       e.config.MTLSBaseURI + PathIntrospection,
			PathDeviceAuthorization: e.config.MTLSBaseURI + PathDeviceAuthorization,
			PathPushedAuthorization: e.config.MTLSBaseURI + PathPushedAuthorization,
			PathCIBA:                e.config.MTLSBaseURI + PathCIBA,
			PathRegistration:        e.config.MTLSBaseURI + PathRegistration,
		}
	}
	if len(aliases) > 0 {
		d.MTLSEndpointAliases = &MTLSEndpointAliases{
			TokenEndpoint:                    aliases[PathToken],
			RevocationEndpoint:               aliases[PathRevocation],
			IntrospectionEndpoint:            aliases[PathIntrospection],
			DeviceAuthorizationEndpoint:      aliases[PathDeviceAuthorization],
			PushedAuthorizationEndpoint:      aliases[PathPushedAuthorization],
			BackchannelAuthorizationEndpoint: aliases[PathCIBA],
			RegistrationEndpoint:             aliases[PathRegistration],
		}
	}

	return d, nil
}

// JWKS renders the published JSON Web Key Set for /.well-known/jwks.
func (e *Engine) JWKS() (jose.JSONWebKeySet, error) {
	return e.jwk.JWKS()
}

// CacheMaxAge reports the Cache-Control max-age a host should attach to
// the JWKS response, clamped to a 2-minute floor so a rotation
// scheduled in the near future doesn't leave stale keys cached past it.
func (e *Engine) CacheMaxAge() time.Duration {
	maxAge := e.jwk.NextRotation().Sub(e.now())
	if maxAge < 2*time.Minute {
		return 2 * time.Minute
	}
	return maxAge
}
