package token

import (
	"context"
	"encoding/json"
	"time"
)

// UserInfoTokenLifetime bounds how long a signed userinfo JWT response
// remains nominally valid; like identifier and logout tokens, it is
// never registered in the TokenRegistry — OpenID Connect
// Core doesn't give relying parties a way to check userinfo-response
// freshness, so there is nothing to revoke.
const UserInfoTokenLifetime = 5 * time.Minute

// userInfoClaims is the payload of a signed userinfo response: the
// standard registered claims plus whatever collab.UserInfoProvider
// resolved, flattened the same way IDTokenClaims.Extra is.
type userInfoClaims struct {
	baseClaims
	Extra map[string]any `json:"-"`
}

func (c userInfoClaims) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(c.baseClaims)
	if err != nil {
		return nil, err
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

// SignUserInfo mints the signed JWT returned from /connect/userinfo for
// a client registered with a non-empty UserinfoSignedResponseAlg.
func (s *Service) SignUserInfo(_ context.Context, clientID string, claims map[string]any) (string, error) {
	issuedAt := s.now()
	payload := userInfoClaims{
		baseClaims: newBaseClaims(s.issuer, []string{clientID}, issuedAt, issuedAt.Add(UserInfoTokenLifetime), newJTI()),
		Extra:      claims,
	}
	return s.sign(payload)
}
