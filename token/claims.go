// Package token implements the token service: encoding and decoding the
// JWT flavours the core mints (access, identifier, refresh, logout,
// registration-access, signed userinfo), and
// the refresh-token rotation policy built atop the jti registry.
package token

import (
	"encoding/json"
	"time"
)

// audience marshals as a bare string when it has exactly one entry,
// matching the "aud" claim convention RFC 7519 §4.1.3 permits and most
// JWT libraries expect.
type audience []string

func (a audience) Contains(v string) bool {
	for _, e := range a {
		if e == v {
			return true
		}
	}
	return false
}

// Slice exposes the audience as a plain []string, for callers outside
// this package (introspection) that need to report it verbatim.
func (a audience) Slice() []string { return []string(a) }

func (a audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

func (a *audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = audience{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return err
	}
	*a = audience(multi)
	return nil
}

// baseClaims carries the registered claims present on every token flavour
// the service mints: iss, aud, iat, nbf, exp, jti.
type baseClaims struct {
	Issuer    string   `json:"iss"`
	Audience  audience `json:"aud"`
	IssuedAt  int64    `json:"iat"`
	NotBefore int64    `json:"nbf,omitempty"`
	Expiry    int64    `json:"exp"`
	JTI       string   `json:"jti"`
}

func newBaseClaims(issuer string, aud []string, issuedAt, expiry time.Time, jti string) baseClaims {
	return baseClaims{
		Issuer:   issuer,
		Audience: audience(aud),
		IssuedAt: issuedAt.Unix(),
		Expiry:   expiry.Unix(),
		JTI:      jti,
	}
}

// AccessTokenClaims is the payload of a minted access token.
type AccessTokenClaims struct {
	baseClaims
	Subject   string   `json:"sub"`
	ClientID  string   `json:"client_id"`
	Scope     string   `json:"scope,omitempty"`
	Resources []string `json:"resources,omitempty"`
}

// IDTokenClaims is the payload of a minted identifier token.
type IDTokenClaims struct {
	baseClaims
	Subject          string         `json:"sub"`
	AuthorizingParty string         `json:"azp,omitempty"`
	Nonce            string         `json:"nonce,omitempty"`
	AuthTime         int64          `json:"auth_time,omitempty"`
	ACR              string         `json:"acr,omitempty"`
	SID              string         `json:"sid,omitempty"`
	AccessTokenHash  string         `json:"at_hash,omitempty"`
	CodeHash         string         `json:"c_hash,omitempty"`
	Extra            map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the declared fields, the way
// OpenID Connect expects arbitrary requested claims to sit at the top
// level of the ID token.
func (c IDTokenClaims) MarshalJSON() ([]byte, error) {
	type alias IDTokenClaims
	base, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// RefreshTokenClaims is the payload of a minted refresh token. Refresh
// tokens here are themselves signed JWTs, not an opaque storage
// handle, with rotation state tracked by jti in the TokenRegistry.
type RefreshTokenClaims struct {
	baseClaims
	Subject   string   `json:"sub"`
	ClientID  string   `json:"client_id"`
	Scope     string   `json:"scope,omitempty"`
	ChainHead string   `json:"chain_head"`
}

// LogoutTokenClaims is the payload of a back-channel logout_token (RFC
// 7519-shaped, per OpenID Connect Back-Channel Logout 1.0).
type LogoutTokenClaims struct {
	baseClaims
	Subject string                    `json:"sub,omitempty"`
	SID     string                    `json:"sid,omitempty"`
	Events  map[string]map[string]any `json:"events"`
}

// BackchannelLogoutEvent is the well-known event key OpenID Connect
// Back-Channel Logout requires in logout_token.
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// RegistrationAccessTokenClaims is the payload of the bearer token bound
// to one client_id for dynamic client management.
type RegistrationAccessTokenClaims struct {
	baseClaims
	ClientID string `json:"client_id"`
}
