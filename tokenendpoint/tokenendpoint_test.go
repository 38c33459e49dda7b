package tokenendpoint

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/clientauth"
	"github.com/abblix/oidcore/clientinfo"
	clientmem "github.com/abblix/oidcore/clientinfo/memory"
	"github.com/abblix/oidcore/internal/metrics"
	"github.com/abblix/oidcore/jwk"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
	storagemem "github.com/abblix/oidcore/storage/memory"
	"github.com/abblix/oidcore/token"
)

type harness struct {
	store *storagemem.Storage
	proc  *Processor
	now   time.Time
}

func newHarness(t *testing.T, clients ...clientinfo.ClientInfo) *harness {
	t.Helper()
	catalogue := clientmem.New(clients...)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks := jwk.NewKeySet(jwk.Key{JWK: &jose.JSONWebKey{Key: priv, KeyID: "k1", Algorithm: string(jose.RS256), Use: "sig"}, Use: jwk.UseSigning})
	jwkSvc := jwk.NewService(ks, nil)
	registry := storagemem.NewTokenRegistry()
	tokens := token.NewService(jwkSvc, registry, "https://issuer.example", nil)

	store := storagemem.New(nil)
	auth := clientauth.New(clientauth.Options{Clients: catalogue, Audience: "https://issuer.example/token"})

	h := &harness{store: store, now: time.Now()}
	proc := New(Options{
		Auth:    auth,
		Storage: store,
		Tokens:  tokens,
		Policy:  Policy{DevicePollSlack: 0, CIBALongPollTimeout: 200 * time.Millisecond},
		Now:     func() time.Time { return h.now },
	})
	h.proc = proc
	return h
}

func confidentialClient(id string) clientinfo.ClientInfo {
	return clientinfo.ClientInfo{
		ClientID:                id,
		Classification:          clientinfo.Confidential,
		TokenEndpointAuthMethod: clientinfo.AuthNone,
		GrantTypes: []string{
			GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials,
			GrantDeviceCode, GrantCIBA,
		},
	}
}

func TestAuthorizationCodeSecondRedemptionFails(t *testing.T) {
	client := confidentialClient("c1")
	h := newHarness(t, client)
	ctx := context.Background()

	require.NoError(t, h.store.CreateAuthorizationContext(ctx, storage.AuthorizationContext{
		Code: "code1", ClientID: "c1", RedirectURI: "https://client.example/cb",
		Scopes: []string{"openid"}, Subject: "u1", Expiry: h.now.Add(time.Minute),
	}))

	form := url.Values{
		"grant_type": {GrantAuthorizationCode}, "code": {"code1"},
		"redirect_uri": {"https://client.example/cb"},
	}
	resp, err := h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)

	_, err = h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	oerr, ok := err.(*oidcerr.Error)
	require.True(t, ok)
	assert.Equal(t, oidcerr.InvalidGrant, oerr.Code)
}

func TestAuthorizationCodePKCES256Success(t *testing.T) {
	client := confidentialClient("c1")
	h := newHarness(t, client)
	ctx := context.Background()

	verifier := "verifier-value-that-is-reasonably-long"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	require.NoError(t, h.store.CreateAuthorizationContext(ctx, storage.AuthorizationContext{
		Code: "code1", ClientID: "c1", RedirectURI: "https://client.example/cb",
		Scopes: []string{"openid"}, Subject: "u1", Expiry: h.now.Add(time.Minute),
		CodeChallenge: challenge, CodeChallengeMethod: "S256",
	}))

	form := url.Values{
		"grant_type": {GrantAuthorizationCode}, "code": {"code1"},
		"redirect_uri": {"https://client.example/cb"}, "code_verifier": {verifier},
	}
	resp, err := h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestAuthorizationCodePKCEWrongVerifierFails(t *testing.T) {
	client := confidentialClient("c1")
	h := newHarness(t, client)
	ctx := context.Background()

	sum := sha256.Sum256([]byte("the-real-verifier"))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	require.NoError(t, h.store.CreateAuthorizationContext(ctx, storage.AuthorizationContext{
		Code: "code1", ClientID: "c1", RedirectURI: "https://client.example/cb",
		Scopes: []string{"openid"}, Subject: "u1", Expiry: h.now.Add(time.Minute),
		CodeChallenge: challenge, CodeChallengeMethod: "S256",
	}))

	form := url.Values{
		"grant_type": {GrantAuthorizationCode}, "code": {"code1"},
		"redirect_uri": {"https://client.example/cb"}, "code_verifier": {"wrong-verifier"},
	}
	_, err := h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.InvalidGrant, err.(*oidcerr.Error).Code)
}

func TestRefreshTokenReuseRevokesChain(t *testing.T) {
	client := confidentialClient("c1")
	client.Refresh = clientinfo.RefreshPolicy{AbsoluteLifetime: time.Hour}
	h := newHarness(t, client)
	ctx := context.Background()

	require.NoError(t, h.store.CreateAuthorizationContext(ctx, storage.AuthorizationContext{
		Code: "code1", ClientID: "c1", RedirectURI: "https://client.example/cb",
		Scopes: []string{"openid", "offline_access"}, Subject: "u1", Expiry: h.now.Add(time.Minute),
	}))
	resp, err := h.proc.Process(ctx, url.Values{
		"grant_type": {GrantAuthorizationCode}, "code": {"code1"},
		"redirect_uri": {"https://client.example/cb"},
	}, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)
	firstRefresh := resp.RefreshToken

	refreshForm := url.Values{"grant_type": {GrantRefreshToken}, "refresh_token": {firstRefresh}}
	second, err := h.proc.Process(ctx, refreshForm, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	require.NotEmpty(t, second.RefreshToken)

	// Replaying the already-rotated token must fail and revoke the chain,
	// so even the freshly minted second refresh token stops working.
	_, err = h.proc.Process(ctx, refreshForm, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.InvalidGrant, err.(*oidcerr.Error).Code)

	_, err = h.proc.Process(ctx, url.Values{
		"grant_type": {GrantRefreshToken}, "refresh_token": {second.RefreshToken},
	}, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.InvalidGrant, err.(*oidcerr.Error).Code)
}

func TestClientCredentialsRejectsPublicClientAndOpenID(t *testing.T) {
	public := confidentialClient("pub")
	public.Classification = clientinfo.Public
	confidential := confidentialClient("conf")
	h := newHarness(t, public, confidential)
	ctx := context.Background()

	_, err := h.proc.Process(ctx, url.Values{"grant_type": {GrantClientCredentials}, "scope": {"api:read"}},
		clientauth.Credentials{ClientID: "pub"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.UnauthorizedClient, err.(*oidcerr.Error).Code)

	_, err = h.proc.Process(ctx, url.Values{"grant_type": {GrantClientCredentials}, "scope": {"openid"}},
		clientauth.Credentials{ClientID: "conf"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.InvalidScope, err.(*oidcerr.Error).Code)

	resp, err := h.proc.Process(ctx, url.Values{"grant_type": {GrantClientCredentials}, "scope": {"api:read"}},
		clientauth.Credentials{ClientID: "conf"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.IDToken)
}

func TestDeviceCodeSlowDownThenApproval(t *testing.T) {
	client := confidentialClient("c1")
	h := newHarness(t, client)
	ctx := context.Background()

	require.NoError(t, h.store.CreateDeviceGrant(ctx, storage.DeviceGrant{
		DeviceCode: "dev1", UserCode: "USER1", ClientID: "c1", Scopes: []string{"openid"},
		State: storage.DevicePending, Expiry: h.now.Add(time.Minute), PollInterval: 5 * time.Second,
	}))

	form := url.Values{"grant_type": {GrantDeviceCode}, "device_code": {"dev1"}}

	_, err := h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.AuthorizationPending, err.(*oidcerr.Error).Code)

	h.now = h.now.Add(time.Second)
	_, err = h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.SlowDown, err.(*oidcerr.Error).Code)

	require.NoError(t, h.store.UpdateDeviceGrant(ctx, "dev1", func(d storage.DeviceGrant) (storage.DeviceGrant, error) {
		d.State = storage.DeviceApproved
		d.Subject = "u1"
		return d, nil
	}))
	h.now = h.now.Add(11 * time.Second)
	resp, err := h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)

	_, err = h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.InvalidGrant, err.(*oidcerr.Error).Code)
}

func TestDeviceCodeDeniedReturnsAccessDenied(t *testing.T) {
	client := confidentialClient("c1")
	h := newHarness(t, client)
	ctx := context.Background()

	require.NoError(t, h.store.CreateDeviceGrant(ctx, storage.DeviceGrant{
		DeviceCode: "dev1", UserCode: "USER1", ClientID: "c1",
		State: storage.DeviceDenied, Expiry: h.now.Add(time.Minute), PollInterval: 5 * time.Second,
	}))

	_, err := h.proc.Process(ctx, url.Values{"grant_type": {GrantDeviceCode}, "device_code": {"dev1"}},
		clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.AccessDenied, err.(*oidcerr.Error).Code)
}

func TestCibaLongPollingWakesOnApproval(t *testing.T) {
	client := confidentialClient("c1")
	h := newHarness(t, client)
	ctx := context.Background()

	require.NoError(t, h.store.CreateCibaRequest(ctx, storage.CibaRequest{
		AuthReqID: "areq1", ClientID: "c1", Scopes: []string{"openid"},
		State: storage.CibaPending, Expiry: h.now.Add(time.Minute), PollInterval: 2 * time.Second,
	}))

	done := make(chan *TokenResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := h.proc.Process(ctx, url.Values{
			"grant_type": {GrantCIBA}, "auth_req_id": {"areq1"}, "use_long_polling": {"true"},
		}, clientauth.Credentials{ClientID: "c1"})
		done <- resp
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.store.UpdateCibaRequest(ctx, "areq1", func(c storage.CibaRequest) (storage.CibaRequest, error) {
		c.State = storage.CibaAuthorized
		c.Subject = "u1"
		return c, nil
	}))

	select {
	case resp := <-done:
		err := <-errCh
		require.NoError(t, err)
		assert.NotEmpty(t, resp.AccessToken)
	case <-time.After(time.Second):
		t.Fatal("long-polling redemption did not wake up on approval")
	}
}

func TestCibaReplayRejected(t *testing.T) {
	client := confidentialClient("c1")
	h := newHarness(t, client)
	ctx := context.Background()

	require.NoError(t, h.store.CreateCibaRequest(ctx, storage.CibaRequest{
		AuthReqID: "areq1", ClientID: "c1", Scopes: []string{"openid"}, Subject: "u1",
		State: storage.CibaAuthorized, Expiry: h.now.Add(time.Minute), PollInterval: 2 * time.Second,
	}))

	form := url.Values{"grant_type": {GrantCIBA}, "auth_req_id": {"areq1"}}
	resp, err := h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)

	_, err = h.proc.Process(ctx, form, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.InvalidGrant, err.(*oidcerr.Error).Code)
}

func TestUnsupportedGrantType(t *testing.T) {
	client := confidentialClient("c1")
	h := newHarness(t, client)
	_, err := h.proc.Process(context.Background(), url.Values{"grant_type": {"not_a_grant"}},
		clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
	assert.Equal(t, oidcerr.UnauthorizedClient, err.(*oidcerr.Error).Code)
}

func TestMetricsRecordGrantOutcomes(t *testing.T) {
	client := confidentialClient("c1")
	catalogue := clientmem.New(client)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks := jwk.NewKeySet(jwk.Key{JWK: &jose.JSONWebKey{Key: priv, KeyID: "k1", Algorithm: string(jose.RS256), Use: "sig"}, Use: jwk.UseSigning})
	tokens := token.NewService(jwk.NewService(ks, nil), storagemem.NewTokenRegistry(), "https://issuer.example", nil)
	store := storagemem.New(nil)
	auth := clientauth.New(clientauth.Options{Clients: catalogue, Audience: "https://issuer.example/token"})

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	proc := New(Options{Auth: auth, Storage: store, Tokens: tokens, Metrics: rec})

	_, err = proc.Process(context.Background(), url.Values{"grant_type": {"not_a_grant"}}, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)

	assert.Equal(t, float64(1), rec.OutcomeCount("token", "not_a_grant", "unauthorized_client"))
}
