package device

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/clientauth"
	"github.com/abblix/oidcore/clientinfo"
	clientmem "github.com/abblix/oidcore/clientinfo/memory"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
	storagemem "github.com/abblix/oidcore/storage/memory"
)

func newTestEngine(t *testing.T) (*Engine, *storagemem.Storage, *time.Time) {
	t.Helper()
	client := clientinfo.ClientInfo{
		ClientID: "c1", Classification: clientinfo.Confidential,
		TokenEndpointAuthMethod: clientinfo.AuthNone,
	}
	catalogue := clientmem.New(client)
	store := storagemem.New(nil)
	auth := clientauth.New(clientauth.Options{Clients: catalogue})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := New(Options{
		Auth: auth, Storage: store,
		Policy: Policy{
			CodeLifetime: time.Minute, PollingInterval: 5 * time.Second,
			UserCodeLength: 8, VerificationURI: "https://example.com/device",
			MaxFailuresBeforeBackoff: 3, RateLimitWindow: time.Minute, MaxBackoff: time.Hour,
		},
		Now: func() time.Time { return now },
	})
	return engine, store, &now
}

func TestAuthorizeRejectsNonHTTPSVerificationURI(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.policy.VerificationURI = "http://example.com/device"
	_, err := engine.Authorize(context.Background(), url.Values{}, clientauth.Credentials{ClientID: "c1"})
	require.Error(t, err)
}

func TestAuthorizePersistsPendingGrant(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	result, err := engine.Authorize(context.Background(), url.Values{"scope": {"openid profile"}}, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)
	require.NotEmpty(t, result.DeviceCode)
	require.NotEmpty(t, result.UserCode)
	assert.Contains(t, result.VerificationURIComplete, result.UserCode)
	assert.EqualValues(t, 5, result.Interval)

	grant, err := store.GetDeviceGrantByDeviceCode(context.Background(), result.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, storage.DevicePending, grant.State)
	assert.Equal(t, []string{"openid", "profile"}, grant.Scopes)
}

func TestVerifyUserCodeSucceeds(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	result, err := engine.Authorize(context.Background(), url.Values{"scope": {"openid"}}, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)

	grant, err := engine.VerifyUserCode(context.Background(), result.UserCode, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, result.DeviceCode, grant.DeviceCode)
}

func TestVerifyUserCodeUnknownRecordsFailure(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.VerifyUserCode(context.Background(), "BOGUS123", "203.0.113.5")
	require.Error(t, err)
	assert.Equal(t, oidcerr.InvalidRequest, err.(*oidcerr.Error).Code)
}

func TestVerifyUserCodeBackoffAfterThreeFailures(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ip := "203.0.113.9"
	for i := 0; i < 3; i++ {
		_, err := engine.VerifyUserCode(context.Background(), "WRONGCODE", ip)
		require.Error(t, err)
		assert.Equal(t, oidcerr.InvalidRequest, err.(*oidcerr.Error).Code)
	}

	_, err := engine.VerifyUserCode(context.Background(), "WRONGCODE", ip)
	require.Error(t, err)
	assert.Equal(t, oidcerr.TemporarilyUnavailable, err.(*oidcerr.Error).Code)
}

func TestApproveThenDenyFailsAlreadyTerminal(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	result, err := engine.Authorize(context.Background(), url.Values{"scope": {"openid"}}, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)

	require.NoError(t, engine.Approve(context.Background(), result.DeviceCode, "u1", "acr1", time.Now()))

	grant, err := store.GetDeviceGrantByDeviceCode(context.Background(), result.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceApproved, grant.State)
	assert.Equal(t, "u1", grant.Subject)

	err = engine.Deny(context.Background(), result.DeviceCode)
	require.Error(t, err)
}

func TestDenyTransitionsPendingGrant(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	result, err := engine.Authorize(context.Background(), url.Values{"scope": {"openid"}}, clientauth.Credentials{ClientID: "c1"})
	require.NoError(t, err)

	require.NoError(t, engine.Deny(context.Background(), result.DeviceCode))

	grant, err := store.GetDeviceGrantByDeviceCode(context.Background(), result.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceDenied, grant.State)
}
