package tokenendpoint

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/jwk"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/token"
)

// TrustedIssuer is a configured external issuer the jwt-bearer grant
// (RFC 7523 §2.1 — distinct from the client-authentication assertion
// clientauth handles) accepts assertions from.
type TrustedIssuer struct {
	Issuer   string
	JWKS     jose.JSONWebKeySet
	Subjects map[string]bool // optional allow-list; nil permits any subject
	MaxAge   time.Duration
}

type bearerAssertionClaims struct {
	Issuer    string           `json:"iss"`
	Subject   string           `json:"sub"`
	Audience  jwt.Audience     `json:"aud"`
	JTI       string           `json:"jti"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	NotBefore *jwt.NumericDate `json:"nbf,omitempty"`
	IssuedAt  *jwt.NumericDate `json:"iat,omitempty"`
	Scope     string           `json:"scope,omitempty"`
}

// jwtBearer validates an assertion grant against a configured
// TrustedIssuer, per RFC 7523: allowed algorithms come from
// jwk.SupportedSignatureAlgorithms ("none" is never accepted here), plus
// MaxJwtAge/MaxJwtSize/RequireJti and strict audience = token endpoint.
func (p *Processor) jwtBearer(ctx context.Context, client *clientinfo.ClientInfo, form url.Values) (*TokenResponse, error) {
	assertion := form.Get("assertion")
	if assertion == "" {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "assertion is required")
	}
	if len(assertion) > jwk.MaxJWTSize {
		return nil, oidcerr.New(oidcerr.InvalidGrant, "assertion exceeds the maximum permitted size")
	}

	tok, err := jwt.ParseSigned(assertion, jwk.SupportedSignatureAlgorithms)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidGrant, "malformed assertion", err)
	}
	var unverified bearerAssertionClaims
	if err := tok.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidGrant, "malformed assertion claims", err)
	}

	issuer := p.findTrustedIssuer(unverified.Issuer)
	if issuer == nil {
		return nil, oidcerr.New(oidcerr.InvalidGrant, "assertion issuer is not trusted")
	}

	var verified []byte
	var lastErr error
	for _, k := range issuer.JWKS.Keys {
		payload, err := jwk.VerifyWithKey(assertion, k.Key, jwk.VerifyOptions{})
		if err == nil {
			verified = payload
			break
		}
		lastErr = err
	}
	if verified == nil {
		if lastErr == nil {
			lastErr = oidcerr.New(oidcerr.InvalidGrant, "no matching key for trusted issuer")
		}
		return nil, oidcerr.Wrap(oidcerr.InvalidGrant, "assertion signature verification failed", lastErr)
	}

	var claims bearerAssertionClaims
	if err := json.Unmarshal(verified, &claims); err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidGrant, "malformed assertion claims", err)
	}

	if err := p.validateBearerAssertion(issuer, claims); err != nil {
		return nil, err
	}

	scopes := splitSpace(claims.Scope)
	accessLifetime := p.policy.accessTokenLifetime(client)
	accessToken, _, err := p.tokens.IssueAccessToken(ctx, token.IssueAccessTokenParams{
		ClientID: client.ClientID, Subject: claims.Subject, Scopes: scopes, Lifetime: accessLifetime,
	})
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.ServerError, "could not issue access token", err)
	}

	return &TokenResponse{
		AccessToken: accessToken, TokenType: "Bearer",
		ExpiresIn: int64(accessLifetime.Seconds()), Scope: joinScopes(scopes),
	}, nil
}

func (p *Processor) findTrustedIssuer(iss string) *TrustedIssuer {
	for i := range p.issuers {
		if p.issuers[i].Issuer == iss {
			return &p.issuers[i]
		}
	}
	return nil
}

func (p *Processor) validateBearerAssertion(issuer *TrustedIssuer, claims bearerAssertionClaims) error {
	if issuer.Subjects != nil && !issuer.Subjects[claims.Subject] {
		return oidcerr.New(oidcerr.InvalidGrant, "assertion subject is not permitted for this issuer")
	}
	if !claims.Audience.Contains(p.audience) {
		return oidcerr.New(oidcerr.InvalidGrant, "assertion aud does not match the token endpoint")
	}
	if claims.JTI == "" {
		return oidcerr.New(oidcerr.InvalidGrant, "assertion is missing jti")
	}
	if p.assertionReplaySeen != nil && p.assertionReplaySeen(claims.JTI) {
		return oidcerr.New(oidcerr.InvalidGrant, "assertion jti has already been used")
	}
	now := p.now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time()) {
		return oidcerr.New(oidcerr.InvalidGrant, "assertion has expired")
	}
	maxAge := issuer.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if claims.IssuedAt != nil && now.Sub(claims.IssuedAt.Time()) > maxAge {
		return oidcerr.New(oidcerr.InvalidGrant, "assertion exceeds the maximum permitted age")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time()) {
		return oidcerr.New(oidcerr.InvalidGrant, "assertion is not yet valid")
	}
	return nil
}
