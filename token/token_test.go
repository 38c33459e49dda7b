package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/jwk"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/storage/memory"
)

func newTestService(t *testing.T, now Clock) *Service {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks := jwk.NewKeySet(jwk.Key{JWK: &jose.JSONWebKey{Key: priv, KeyID: "k1", Algorithm: string(jose.RS256), Use: "sig"}, Use: jwk.UseSigning})
	svc := jwk.NewService(ks, nil)
	registry := memory.NewTokenRegistry()
	return NewService(svc, registry, "https://issuer.example", now)
}

func TestIssueAndDecodeAccessToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	compact, rec, err := svc.IssueAccessToken(ctx, IssueAccessTokenParams{
		ClientID: "c1", Subject: "u1", Scopes: []string{"openid", "profile"}, Lifetime: time.Hour,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.JTI)

	claims, err := svc.DecodeAccessToken(compact)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "openid profile", claims.Scope)

	status, err := svc.Status(ctx, claims.JTI)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, status)
}

func TestRefreshRotationAtMostOneActivePerChain(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, first, err := svc.IssueRefreshToken(ctx, IssueRefreshTokenParams{
		ClientID: "c1", Subject: "u1", Scopes: []string{"openid"},
		AbsoluteLifetime: 30 * 24 * time.Hour, SlidingLifetime: time.Hour,
	})
	require.NoError(t, err)

	_, second, err := svc.RotateRefreshToken(ctx, RotateRefreshTokenParams{
		PresentedJTI: first.JTI, RequestedScopes: []string{"openid"},
	})
	require.NoError(t, err)

	firstStatus, err := svc.Status(ctx, first.JTI)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUsed, firstStatus)

	secondStatus, err := svc.Status(ctx, second.JTI)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, secondStatus)
}

func TestRefreshReuseWithoutAllowReuseRevokesChain(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, first, err := svc.IssueRefreshToken(ctx, IssueRefreshTokenParams{
		ClientID: "c1", Subject: "u1", AbsoluteLifetime: 30 * 24 * time.Hour, SlidingLifetime: time.Hour,
	})
	require.NoError(t, err)

	_, second, err := svc.RotateRefreshToken(ctx, RotateRefreshTokenParams{PresentedJTI: first.JTI})
	require.NoError(t, err)

	// Re-presenting the already-used first token must fail and revoke
	// the whole chain, including the just-minted second token.
	_, _, err = svc.RotateRefreshToken(ctx, RotateRefreshTokenParams{PresentedJTI: first.JTI, AllowReuse: false})
	require.Error(t, err)

	secondStatus, err := svc.Status(ctx, second.JTI)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, secondStatus)
}

func TestRefreshReuseWithAllowReuseDoesNotRevoke(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, first, err := svc.IssueRefreshToken(ctx, IssueRefreshTokenParams{
		ClientID: "c1", Subject: "u1", AbsoluteLifetime: 30 * 24 * time.Hour, SlidingLifetime: time.Hour,
	})
	require.NoError(t, err)
	_, second, err := svc.RotateRefreshToken(ctx, RotateRefreshTokenParams{PresentedJTI: first.JTI})
	require.NoError(t, err)

	_, _, err = svc.RotateRefreshToken(ctx, RotateRefreshTokenParams{PresentedJTI: first.JTI, AllowReuse: true})
	assert.Error(t, err, "the presented token itself is still 'used' so redemption fails")

	secondStatus, err := svc.Status(ctx, second.JTI)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, secondStatus, "reuse policy must not revoke the chain")
}

func TestRefreshRotationRespectsAbsoluteExpiry(t *testing.T) {
	base := time.Now()
	clock := base
	svc := newTestService(t, func() time.Time { return clock })

	ctx := context.Background()
	_, first, err := svc.IssueRefreshToken(ctx, IssueRefreshTokenParams{
		ClientID: "c1", Subject: "u1", AbsoluteLifetime: time.Hour, SlidingLifetime: 10 * time.Minute,
	})
	require.NoError(t, err)

	clock = base.Add(2 * time.Hour) // past absolute expiry
	_, _, err = svc.RotateRefreshToken(ctx, RotateRefreshTokenParams{PresentedJTI: first.JTI})
	assert.Error(t, err)
}

func TestLogoutTokenCarriesBackchannelEvent(t *testing.T) {
	svc := newTestService(t, nil)
	compact, err := svc.IssueLogoutToken(context.Background(), IssueLogoutTokenParams{
		ClientID: "c1", Subject: "u1", SID: "sess-1", RequiresSessionID: true, Lifetime: time.Minute,
	})
	require.NoError(t, err)

	payload, err := svc.jwk.Verify(compact, jwk.VerifyOptions{})
	require.NoError(t, err)
	assert.Contains(t, string(payload), BackchannelLogoutEvent)
	assert.Contains(t, string(payload), `"sid":"sess-1"`)
}
