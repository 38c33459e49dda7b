package ciba

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/clientauth"
	"github.com/abblix/oidcore/clientinfo"
	clientmem "github.com/abblix/oidcore/clientinfo/memory"
	"github.com/abblix/oidcore/storage"
	storagemem "github.com/abblix/oidcore/storage/memory"
)

func newTestEngine(t *testing.T, client clientinfo.ClientInfo) (*Engine, *storagemem.Storage) {
	t.Helper()
	catalogue := clientmem.New(client)
	store := storagemem.New(nil)
	auth := clientauth.New(clientauth.Options{Clients: catalogue})
	engine := New(Options{
		Auth: auth, Clients: catalogue, Storage: store,
		Policy: Policy{DefaultExpiry: time.Minute, PollingInterval: 2 * time.Second},
	})
	return engine, store
}

func pollClient(id string) clientinfo.ClientInfo {
	return clientinfo.ClientInfo{
		ClientID: id, Classification: clientinfo.Confidential,
		TokenEndpointAuthMethod: clientinfo.AuthNone,
		CibaDeliveryMode:        clientinfo.CibaPoll,
	}
}

func TestInitiateRequiresOpenIDScope(t *testing.T) {
	engine, _ := newTestEngine(t, pollClient("c1"))
	form := url.Values{"scope": {"profile"}, "login_hint": {"u1"}}
	_, err := engine.Initiate(context.Background(), form, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
}

func TestInitiateRequiresExactlyOneHint(t *testing.T) {
	engine, _ := newTestEngine(t, pollClient("c1"))
	form := url.Values{"scope": {"openid"}, "login_hint": {"u1"}, "id_token_hint": {"tok"}}
	_, err := engine.Initiate(context.Background(), form, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
}

func TestInitiatePersistsPendingRequest(t *testing.T) {
	engine, store := newTestEngine(t, pollClient("c1"))
	form := url.Values{"scope": {"openid"}, "login_hint": {"u1"}}
	result, err := engine.Initiate(context.Background(), form, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	require.NotEmpty(t, result.AuthReqID)
	assert.EqualValues(t, 2, result.Interval)

	req, err := store.GetCibaRequest(context.Background(), result.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, storage.CibaPending, req.State)
	assert.Equal(t, "c1", req.ClientID)
}

func TestInitiateRequiresNotificationTokenForPing(t *testing.T) {
	client := pollClient("c1")
	client.CibaDeliveryMode = clientinfo.CibaPing
	engine, _ := newTestEngine(t, client)
	form := url.Values{"scope": {"openid"}, "login_hint": {"u1"}}
	_, err := engine.Initiate(context.Background(), form, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)

	form.Set("client_notification_token", "notify-tok")
	_, err = engine.Initiate(context.Background(), form, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
}

func TestCompletePollModeTransitionsWithoutNotifying(t *testing.T) {
	engine, store := newTestEngine(t, pollClient("c1"))
	result, err := engine.Initiate(context.Background(), url.Values{"scope": {"openid"}, "login_hint": {"u1"}},
		clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)

	require.NoError(t, engine.Complete(context.Background(), result.AuthReqID, true, "u1", "acr1", time.Now()))

	req, err := store.GetCibaRequest(context.Background(), result.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, storage.CibaAuthorized, req.State)
	assert.Equal(t, "u1", req.Subject)
}

func TestCompletePingModeNotifiesNotificationEndpoint(t *testing.T) {
	var hits int32
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		authHeader = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.NotEmpty(t, payload["auth_req_id"])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := pollClient("c1")
	client.CibaDeliveryMode = clientinfo.CibaPing
	client.CibaNotificationEndpoint = server.URL

	catalogue := clientmem.New(client)
	store := storagemem.New(nil)
	auth := clientauth.New(clientauth.Options{Clients: catalogue})
	engine := New(Options{
		Auth: auth, Clients: catalogue, Storage: store,
		Policy:                          Policy{DefaultExpiry: time.Minute},
		AllowPrivateNotificationTargets: true,
	})

	result, err := engine.Initiate(context.Background(), url.Values{
		"scope": {"openid"}, "login_hint": {"u1"}, "client_notification_token": {"secret-notify-token"},
	}, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)

	require.NoError(t, engine.Complete(context.Background(), result.AuthReqID, true, "u1", "acr1", time.Now()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, "Bearer secret-notify-token", authHeader)
}

func TestCompleteUnknownAuthReqIDErrors(t *testing.T) {
	engine, _ := newTestEngine(t, pollClient("c1"))
	err := engine.Complete(context.Background(), "does-not-exist", true, "u1", "", time.Now())
	require.Error(t, err)
}
