package revocation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/clientauth"
	"github.com/abblix/oidcore/clientinfo"
	clientmem "github.com/abblix/oidcore/clientinfo/memory"
	"github.com/abblix/oidcore/jwk"
	"github.com/abblix/oidcore/storage"
	storagemem "github.com/abblix/oidcore/storage/memory"
	"github.com/abblix/oidcore/token"
)

func newTestEngine(t *testing.T) (*Engine, *token.Service) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks := jwk.NewKeySet(jwk.Key{JWK: &jose.JSONWebKey{Key: priv, KeyID: "k1", Algorithm: string(jose.RS256), Use: "sig"}, Use: jwk.UseSigning})
	jwkSvc := jwk.NewService(ks, nil)
	registry := storagemem.NewTokenRegistry()
	tokens := token.NewService(jwkSvc, registry, "https://issuer.example", nil)

	client := clientinfo.ClientInfo{
		ClientID: "c1", Classification: clientinfo.Confidential,
		TokenEndpointAuthMethod: clientinfo.AuthNone,
	}
	catalogue := clientmem.New(client)
	auth := clientauth.New(clientauth.Options{Clients: catalogue})

	engine := New(Options{Auth: auth, Tokens: tokens})
	return engine, tokens
}

func TestRevokeUnknownTokenSucceeds(t *testing.T) {
	engine, _ := newTestEngine(t)
	form := formWithToken("not-a-jwt")
	require.NoError(t, engine.Revoke(context.Background(), form, clientauth.Credentials{ClientID: "c1"}))
}

func TestRevokeCrossClientTokenSucceedsWithoutRevoking(t *testing.T) {
	engine, tokens := newTestEngine(t)
	compact, _, err := tokens.IssueAccessToken(context.Background(), token.IssueAccessTokenParams{
		ClientID: "other-client", Subject: "u1", Lifetime: time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, engine.Revoke(context.Background(), formWithToken(compact), clientauth.Credentials{ClientID: "c1"}))

	claims, err := tokens.DecodeAccessToken(compact)
	require.NoError(t, err)
	status, err := tokens.Status(context.Background(), claims.JTI)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, status)
}

func TestRevokeOwnTokenRevokes(t *testing.T) {
	engine, tokens := newTestEngine(t)
	compact, _, err := tokens.IssueAccessToken(context.Background(), token.IssueAccessTokenParams{
		ClientID: "c1", Subject: "u1", Lifetime: time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, engine.Revoke(context.Background(), formWithToken(compact), clientauth.Credentials{ClientID: "c1"}))

	claims, err := tokens.DecodeAccessToken(compact)
	require.NoError(t, err)
	status, err := tokens.Status(context.Background(), claims.JTI)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, status)
}

func TestIntrospectActiveTokenForOwningClient(t *testing.T) {
	engine, tokens := newTestEngine(t)
	compact, _, err := tokens.IssueAccessToken(context.Background(), token.IssueAccessTokenParams{
		ClientID: "c1", Subject: "u1", Scopes: []string{"openid", "profile"}, Lifetime: time.Hour,
	})
	require.NoError(t, err)

	result, err := engine.Introspect(context.Background(), formWithToken(compact), clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	assert.True(t, result.Active)
	assert.Equal(t, "u1", result.Subject)
	assert.Contains(t, result.Audience, "c1")
}

func TestIntrospectInactiveForWrongAudience(t *testing.T) {
	engine, tokens := newTestEngine(t)
	compact, _, err := tokens.IssueAccessToken(context.Background(), token.IssueAccessTokenParams{
		ClientID: "other-client", Subject: "u1", Lifetime: time.Hour,
	})
	require.NoError(t, err)

	result, err := engine.Introspect(context.Background(), formWithToken(compact), clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	assert.False(t, result.Active)
}

func TestIntrospectInactiveAfterRevocation(t *testing.T) {
	engine, tokens := newTestEngine(t)
	compact, _, err := tokens.IssueAccessToken(context.Background(), token.IssueAccessTokenParams{
		ClientID: "c1", Subject: "u1", Lifetime: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Revoke(context.Background(), formWithToken(compact), clientauth.Credentials{ClientID: "c1"}))

	result, err := engine.Introspect(context.Background(), formWithToken(compact), clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	assert.False(t, result.Active)
}

func formWithToken(tok string) url.Values {
	return url.Values{"token": {tok}}
}
