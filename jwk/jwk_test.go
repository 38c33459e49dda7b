package jwk

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRSAKeySet(t *testing.T, kid string) (*KeySet, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwkKey := &jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	return NewKeySet(Key{JWK: jwkKey, Use: UseSigning}), priv
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	ks, _ := mustRSAKeySet(t, "key-1")
	svc := NewService(ks, nil)

	token, err := svc.Sign([]byte(`{"sub":"u1"}`))
	require.NoError(t, err)

	payload, err := svc.Verify(token, VerifyOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sub":"u1"}`, string(payload))
}

func TestVerifyAcceptsRotatedKeyStillInList(t *testing.T) {
	ks, _ := mustRSAKeySet(t, "old")
	svc := NewService(ks, nil)
	token, err := svc.Sign([]byte(`{"sub":"u1"}`))
	require.NoError(t, err)

	newPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	oldKey := ks.keys[0]
	ks.Rotate(Key{JWK: &jose.JSONWebKey{Key: newPriv, KeyID: "new", Algorithm: string(jose.RS256), Use: "sig"}, Use: UseSigning},
		[]Key{oldKey}, time.Time{})

	_, err = svc.Verify(token, VerifyOptions{})
	assert.NoError(t, err, "token signed by the retired key must still verify")
}

func TestVerifyRejectsNoneAlgorithmByDefault(t *testing.T) {
	ks, _ := mustRSAKeySet(t, "key-1")
	svc := NewService(ks, nil)

	// A bare "none" compact JWS, constructed by hand since go-jose's own
	// signer refuses to produce one; verification must reject it anyway.
	noneJWT := "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ1MSJ9."
	_, err := svc.Verify(noneJWT, VerifyOptions{})
	assert.Error(t, err)
}

func TestVerifyRejectsOversizedToken(t *testing.T) {
	ks, _ := mustRSAKeySet(t, "key-1")
	svc := NewService(ks, nil)
	huge := make([]byte, MaxJWTSize+1)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := svc.Verify(string(huge), VerifyOptions{MaxSize: MaxJWTSize})
	assert.Error(t, err)
}

func TestJWKSPublishesOnlyPublicHalves(t *testing.T) {
	ks, priv := mustRSAKeySet(t, "key-1")
	set, err := ks.JWKS(UseSigning)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	pub, ok := set.Keys[0].Key.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, priv.PublicKey.N, pub.N)
}
