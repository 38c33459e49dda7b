package token

import (
	"context"
	"time"

	"github.com/abblix/oidcore/storage"
)

// IssueLogoutTokenParams carries everything needed to mint a back-channel
// logout_token.
type IssueLogoutTokenParams struct {
	ClientID          string
	Subject           string
	SID               string
	RequiresSessionID bool
	Lifetime          time.Duration
}

// IssueLogoutToken mints a logout_token. sub and/or sid are populated
// depending on RequiresSessionID, per OpenID Connect Back-Channel Logout.
func (s *Service) IssueLogoutToken(_ context.Context, p IssueLogoutTokenParams) (string, error) {
	issuedAt := s.now()
	expiry := issuedAt.Add(p.Lifetime)

	claims := LogoutTokenClaims{
		baseClaims: newBaseClaims(s.issuer, []string{p.ClientID}, issuedAt, expiry, newJTI()),
		Events:     map[string]map[string]any{BackchannelLogoutEvent: {}},
	}
	if p.RequiresSessionID {
		claims.SID = p.SID
	} else {
		claims.Subject = p.Subject
	}
	if claims.Subject == "" && claims.SID == "" {
		claims.Subject = p.Subject
	}
	return s.sign(claims)
}

// IssueRegistrationAccessToken mints the bearer token bound to clientID
// for dynamic client management.
func (s *Service) IssueRegistrationAccessToken(ctx context.Context, clientID string, lifetime time.Duration) (string, storage.TokenRecord, error) {
	jti := newJTI()
	issuedAt := s.now()
	expiry := issuedAt.Add(lifetime)

	claims := RegistrationAccessTokenClaims{
		baseClaims: newBaseClaims(s.issuer, []string{clientID}, issuedAt, expiry, jti),
		ClientID:   clientID,
	}
	compact, err := s.sign(claims)
	if err != nil {
		return "", storage.TokenRecord{}, err
	}
	rec := storage.TokenRecord{
		JTI:      jti,
		ClientID: clientID,
		IssuedAt: issuedAt,
		Expiry:   expiry,
		Status:   storage.StatusActive,
	}
	if err := s.registry.Register(ctx, rec); err != nil {
		return "", storage.TokenRecord{}, err
	}
	return compact, rec, nil
}
