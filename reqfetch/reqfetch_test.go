package reqfetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/storage/memory"
)

func TestResolvePassesThroughWithoutRequestOrPAR(t *testing.T) {
	f := New(Options{PAR: memory.New(nil)})
	client := &clientinfo.ClientInfo{ClientID: "c1"}
	query := url.Values{"response_type": {"code"}, "client_id": {"c1"}}

	got, err := f.Resolve(context.Background(), client, query)
	require.NoError(t, err)
	assert.Equal(t, "code", got.Get("response_type"))
}

func TestResolveDereferencesPARHandle(t *testing.T) {
	store := memory.New(nil)
	require.NoError(t, store.CreatePAR(context.Background(), storage.PushedAuthorizationRequest{
		URI:    PARHandlePrefix + "abc123",
		Params: map[string][]string{"response_type": {"code"}, "scope": {"openid profile"}},
		Expiry: time.Now().Add(time.Minute),
	}))
	f := New(Options{PAR: store})
	client := &clientinfo.ClientInfo{ClientID: "c1"}
	query := url.Values{"request_uri": {PARHandlePrefix + "abc123"}, "client_id": {"c1"}}

	got, err := f.Resolve(context.Background(), client, query)
	require.NoError(t, err)
	assert.Equal(t, "openid profile", got.Get("scope"))
	assert.Empty(t, got.Get("request_uri"))

	// A second dereference of the same handle must fail (single-use).
	_, err = f.Resolve(context.Background(), client, query)
	assert.Error(t, err)
}

func TestResolveRejectsMismatchedClientIDFromPAR(t *testing.T) {
	store := memory.New(nil)
	require.NoError(t, store.CreatePAR(context.Background(), storage.PushedAuthorizationRequest{
		URI:    PARHandlePrefix + "abc123",
		Params: map[string][]string{"response_type": {"code"}},
		Expiry: time.Now().Add(time.Minute),
	}))
	f := New(Options{PAR: store})
	client := &clientinfo.ClientInfo{ClientID: "c1"}
	query := url.Values{"request_uri": {PARHandlePrefix + "abc123"}, "client_id": {"someone-else"}}

	_, err := f.Resolve(context.Background(), client, query)
	assert.Error(t, err)
}

func TestResolveMergesUnsignedRequestObjectForNoneClients(t *testing.T) {
	client := &clientinfo.ClientInfo{ClientID: "c1", RequestObjectSigningAlg: "none"}
	claims := map[string]any{"iss": "c1", "response_type": "code", "scope": "openid"}
	compact := unsignedJWT(t, claims)

	f := New(Options{PAR: memory.New(nil)})
	query := url.Values{"request": {compact}, "client_id": {"c1"}}

	got, err := f.Resolve(context.Background(), client, query)
	require.NoError(t, err)
	assert.Equal(t, "openid", got.Get("scope"))
	assert.Empty(t, got.Get("request"))
}

// unsignedJWT hand-builds a compact "alg":"none" JWT (header.payload.),
// since go-jose's own signer refuses to produce one.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}
