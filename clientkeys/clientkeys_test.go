package clientkeys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/clientinfo"
)

func testJWKS(t *testing.T) jose.JSONWebKeySet {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: priv.Public(), KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
}

func TestResolvePrefersEmbeddedJWKS(t *testing.T) {
	set := testJWKS(t)
	p := New(Options{})
	c := &clientinfo.ClientInfo{ClientID: "c1", JWKS: &set, JWKSURI: "https://should-not-be-fetched.example"}

	got, err := p.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, set, got)
}

func TestResolveFetchesAndCachesRemoteJWKS(t *testing.T) {
	set := testJWKS(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	p := New(Options{CacheDuration: time.Minute})
	c := &clientinfo.ClientInfo{ClientID: "c1", JWKSURI: srv.URL}

	got, err := p.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, set.Keys[0].KeyID, got.Keys[0].KeyID)

	_, err = p.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "second resolve must be served from cache")
}

func TestResolveErrorsWithoutJWKSOrURI(t *testing.T) {
	p := New(Options{})
	c := &clientinfo.ClientInfo{ClientID: "c1"}
	_, err := p.Resolve(context.Background(), c)
	assert.Error(t, err)
}
