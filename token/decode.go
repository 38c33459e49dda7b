package token

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abblix/oidcore/jwk"
	"github.com/abblix/oidcore/storage"
)

// DecodeAccessToken verifies the signature on compact and unmarshals its
// claims, without consulting the registry — callers that need to know
// whether the token is still active must follow up with Status.
func (s *Service) DecodeAccessToken(compact string) (AccessTokenClaims, error) {
	payload, err := s.jwk.Verify(compact, jwk.VerifyOptions{})
	if err != nil {
		return AccessTokenClaims{}, err
	}
	var claims AccessTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return AccessTokenClaims{}, fmt.Errorf("token: decode access token: %w", err)
	}
	return claims, nil
}

// DecodeRefreshToken verifies the signature on compact and unmarshals its
// claims.
func (s *Service) DecodeRefreshToken(compact string) (RefreshTokenClaims, error) {
	payload, err := s.jwk.Verify(compact, jwk.VerifyOptions{})
	if err != nil {
		return RefreshTokenClaims{}, err
	}
	var claims RefreshTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return RefreshTokenClaims{}, fmt.Errorf("token: decode refresh token: %w", err)
	}
	return claims, nil
}

// DecodeIDToken verifies the signature on compact and unmarshals its
// claims, used to resolve id_token_hint at the end-session endpoint.
// Unlike DecodeAccessToken/DecodeRefreshToken, a bad signature here is
// a client input error rather than a server fault; callers translate
// the error into invalid_request.
func (s *Service) DecodeIDToken(compact string) (IDTokenClaims, error) {
	payload, err := s.jwk.Verify(compact, jwk.VerifyOptions{})
	if err != nil {
		return IDTokenClaims{}, err
	}
	var claims IDTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return IDTokenClaims{}, fmt.Errorf("token: decode id token: %w", err)
	}
	return claims, nil
}

// DecodeRegistrationAccessToken verifies and unmarshals a
// registration_access_token.
func (s *Service) DecodeRegistrationAccessToken(compact string) (RegistrationAccessTokenClaims, error) {
	payload, err := s.jwk.Verify(compact, jwk.VerifyOptions{})
	if err != nil {
		return RegistrationAccessTokenClaims{}, err
	}
	var claims RegistrationAccessTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return RegistrationAccessTokenClaims{}, fmt.Errorf("token: decode registration access token: %w", err)
	}
	return claims, nil
}

// Status reports the registry status of jti, with a "benign active
// default" for any jti never recorded.
func (s *Service) Status(ctx context.Context, jti string) (storage.TokenStatus, error) {
	return s.registry.GetStatus(ctx, jti)
}

// Revoke sets jti's status to revoked for the remaining lifetime implied
// by originalExpiry (RFC 7009).
func (s *Service) Revoke(ctx context.Context, jti string, originalExpiry storage.TokenRecord) error {
	ttl := originalExpiry.Expiry.Sub(s.now())
	if ttl < 0 {
		ttl = 0
	}
	return s.registry.SetStatus(ctx, jti, storage.StatusRevoked, ttl)
}
