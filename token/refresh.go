package token

import (
	"context"
	"time"

	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
)

// IssueRefreshTokenParams carries everything needed to mint the first
// refresh token in a new rotation chain.
type IssueRefreshTokenParams struct {
	ClientID        string
	Subject         string
	Scopes          []string
	AbsoluteLifetime time.Duration
	SlidingLifetime  time.Duration
}

// IssueRefreshToken mints the head of a new refresh-token chain.
func (s *Service) IssueRefreshToken(ctx context.Context, p IssueRefreshTokenParams) (string, storage.TokenRecord, error) {
	jti := newJTI()
	issuedAt := s.now()
	absoluteExpiry := issuedAt.Add(p.AbsoluteLifetime)
	slidingExpiry := issuedAt.Add(p.SlidingLifetime)
	expiry := absoluteExpiry
	if p.SlidingLifetime > 0 && slidingExpiry.Before(expiry) {
		expiry = slidingExpiry
	}

	claims := RefreshTokenClaims{
		baseClaims: newBaseClaims(s.issuer, []string{p.ClientID}, issuedAt, expiry, jti),
		Subject:    p.Subject,
		ClientID:   p.ClientID,
		Scope:      joinScopes(p.Scopes),
		ChainHead:  jti,
	}
	compact, err := s.sign(claims)
	if err != nil {
		return "", storage.TokenRecord{}, err
	}
	rec := storage.TokenRecord{
		JTI:            jti,
		ClientID:       p.ClientID,
		Subject:        p.Subject,
		IssuedAt:       issuedAt,
		Expiry:         expiry,
		Status:         storage.StatusActive,
		ChainHead:      jti,
		AbsoluteExpiry: absoluteExpiry,
		SlidingExpiry:  slidingExpiry,
	}
	if err := s.registry.Register(ctx, rec); err != nil {
		return "", storage.TokenRecord{}, err
	}
	return compact, rec, nil
}

// RotateRefreshTokenParams carries the policy under which a presented
// refresh token is redeemed.
type RotateRefreshTokenParams struct {
	PresentedJTI string
	AllowReuse   bool
	SlidingLifetime time.Duration
	// RequestedScopes is the scope set the rotated token carries, taken
	// as given; it is not intersected with the chain's scopes here (the
	// token endpoint computes that intersection before calling).
	RequestedScopes []string
}

// RotateRefreshToken implements refresh-token rotation: the
// presented token is atomically consumed; if that fails because it was
// already used, the whole chain is revoked and invalid_grant is
// returned (replay detection); otherwise a fresh token is minted
// inheriting the chain's absolute expiry and resetting its sliding
// expiry, and the new compact token and its registry record are
// returned.
func (s *Service) RotateRefreshToken(ctx context.Context, p RotateRefreshTokenParams) (string, storage.TokenRecord, error) {
	rec, err := s.registry.Get(ctx, p.PresentedJTI)
	if err != nil {
		return "", storage.TokenRecord{}, oidcerr.New(oidcerr.InvalidGrant, "unknown refresh token")
	}

	consumed, err := s.registry.TryConsume(ctx, p.PresentedJTI)
	if err != nil {
		return "", storage.TokenRecord{}, err
	}
	if !consumed {
		if !p.AllowReuse {
			if revokeErr := s.registry.RevokeChain(ctx, rec.ChainHead); revokeErr != nil {
				return "", storage.TokenRecord{}, revokeErr
			}
		}
		return "", storage.TokenRecord{}, oidcerr.New(oidcerr.InvalidGrant, "refresh token already redeemed")
	}

	now := s.now()
	if !rec.AbsoluteExpiry.IsZero() && !now.Before(rec.AbsoluteExpiry) {
		return "", storage.TokenRecord{}, oidcerr.New(oidcerr.InvalidGrant, "refresh token chain has reached its absolute expiry")
	}

	newExpiry := rec.AbsoluteExpiry
	newSliding := rec.AbsoluteExpiry
	if p.SlidingLifetime > 0 {
		newSliding = now.Add(p.SlidingLifetime)
		if newSliding.Before(newExpiry) || newExpiry.IsZero() {
			newExpiry = newSliding
		}
	}
	if newExpiry.IsZero() || (!rec.AbsoluteExpiry.IsZero() && newExpiry.After(rec.AbsoluteExpiry)) {
		newExpiry = rec.AbsoluteExpiry
	}

	jti := newJTI()
	claims := RefreshTokenClaims{
		baseClaims: newBaseClaims(s.issuer, []string{rec.ClientID}, now, newExpiry, jti),
		Subject:    rec.Subject,
		ClientID:   rec.ClientID,
		Scope:      joinScopes(p.RequestedScopes),
		ChainHead:  rec.ChainHead,
	}
	compact, err := s.sign(claims)
	if err != nil {
		return "", storage.TokenRecord{}, err
	}
	newRec := storage.TokenRecord{
		JTI:            jti,
		ClientID:       rec.ClientID,
		Subject:        rec.Subject,
		IssuedAt:       now,
		Expiry:         newExpiry,
		Status:         storage.StatusActive,
		ChainHead:      rec.ChainHead,
		AbsoluteExpiry: rec.AbsoluteExpiry,
		SlidingExpiry:  newSliding,
	}
	if err := s.registry.Register(ctx, newRec); err != nil {
		return "", storage.TokenRecord{}, err
	}
	return compact, newRec, nil
}
