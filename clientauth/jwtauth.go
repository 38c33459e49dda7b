package clientauth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/jwk"
	"github.com/abblix/oidcore/oidcerr"
)

// assertionClaims mirrors the registered claims RFC 7523 §3 requires of
// a client authentication JWT assertion.
type assertionClaims struct {
	Issuer    string          `json:"iss"`
	Subject   string          `json:"sub"`
	Audience  jwt.Audience    `json:"aud"`
	JTI       string          `json:"jti"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	NotBefore *jwt.NumericDate `json:"nbf,omitempty"`
	IssuedAt  *jwt.NumericDate `json:"iat,omitempty"`
}

// peekAssertionSubject reads the `sub` claim of a JWT without verifying
// its signature, solely to learn which client to look up before a key
// is available to verify against.
func peekAssertionSubject(compact string) (string, error) {
	tok, err := jwt.ParseSigned(compact, jwk.SupportedSignatureAlgorithms)
	if err != nil {
		return "", fmt.Errorf("clientauth: parse assertion: %w", err)
	}
	var claims assertionClaims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("clientauth: assertion has no sub claim")
	}
	return claims.Subject, nil
}

func (a *Authenticator) validateAssertionClaims(client *clientinfo.ClientInfo, claims assertionClaims, replaySeen func(string) bool) error {
	if claims.Issuer != client.ClientID || claims.Subject != client.ClientID {
		return oidcerr.New(oidcerr.InvalidClient, "assertion iss/sub must equal the client_id")
	}
	if !claims.Audience.Contains(a.audience) {
		return oidcerr.New(oidcerr.InvalidClient, "assertion aud does not match the token endpoint")
	}
	if claims.JTI == "" {
		return oidcerr.New(oidcerr.InvalidClient, "assertion is missing jti")
	}
	now := a.now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time().Add(a.clockSkew)) {
		return oidcerr.New(oidcerr.InvalidClient, "assertion has expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time().Add(-a.clockSkew)) {
		return oidcerr.New(oidcerr.InvalidClient, "assertion is not yet valid")
	}
	if replaySeen != nil && replaySeen(claims.JTI) {
		return oidcerr.New(oidcerr.InvalidClient, "assertion jti has already been used")
	}
	return nil
}

// checkClientSecretJWT verifies an HMAC-signed assertion keyed by the
// client's registered secret(s), per RFC 7523 + OIDC Core §9.
func (a *Authenticator) checkClientSecretJWT(client *clientinfo.ClientInfo, cred Credentials, replaySeen func(string) bool) error {
	if cred.ClientAssertionType != ClientAssertionType || cred.ClientAssertion == "" {
		return oidcerr.New(oidcerr.InvalidClient, "client_secret_jwt requires a jwt-bearer client_assertion")
	}

	var verified []byte
	var lastErr error
	for _, s := range client.Secrets {
		key := secretHMACKey(s)
		payload, err := jwk.VerifyWithKey(cred.ClientAssertion, key, jwk.VerifyOptions{})
		if err == nil {
			verified = payload
			break
		}
		lastErr = err
	}
	if verified == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no client secret registered")
		}
		return oidcerr.Wrap(oidcerr.InvalidClient, "client_secret_jwt verification failed", lastErr)
	}

	var claims assertionClaims
	if err := json.Unmarshal(verified, &claims); err != nil {
		return oidcerr.Wrap(oidcerr.InvalidClient, "malformed assertion claims", err)
	}
	return a.validateAssertionClaims(client, claims, replaySeen)
}

// checkPrivateKeyJWT verifies an assertion signed with the client's own
// private key, resolved via jwks/jwks_uri (clientkeys.Provider), per RFC
// 7523 + OIDC Core §9.
func (a *Authenticator) checkPrivateKeyJWT(ctx context.Context, client *clientinfo.ClientInfo, cred Credentials, replaySeen func(string) bool) error {
	if cred.ClientAssertionType != ClientAssertionType || cred.ClientAssertion == "" {
		return oidcerr.New(oidcerr.InvalidClient, "private_key_jwt requires a jwt-bearer client_assertion")
	}
	if a.keys == nil {
		return oidcerr.New(oidcerr.InvalidClient, "private_key_jwt is not configured")
	}
	keySet, err := a.keys.Resolve(ctx, client)
	if err != nil {
		return oidcerr.Wrap(oidcerr.InvalidClient, "could not resolve client keys", err)
	}

	var verified []byte
	var lastErr error
	for _, k := range keySet.Keys {
		payload, err := jwk.VerifyWithKey(cred.ClientAssertion, k.Key, jwk.VerifyOptions{})
		if err == nil {
			verified = payload
			break
		}
		lastErr = err
	}
	if verified == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no matching key in client jwks")
		}
		return oidcerr.Wrap(oidcerr.InvalidClient, "private_key_jwt verification failed", lastErr)
	}

	var claims assertionClaims
	if err := json.Unmarshal(verified, &claims); err != nil {
		return oidcerr.Wrap(oidcerr.InvalidClient, "malformed assertion claims", err)
	}
	return a.validateAssertionClaims(client, claims, replaySeen)
}
