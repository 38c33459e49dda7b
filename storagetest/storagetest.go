// Package storagetest is a reusable conformance suite a storage.Storage
// or storage.TokenRegistry implementation runs against itself, covering
// this module's entities (AuthorizationContext/PAR/CibaRequest/
// DeviceGrant/AuthSession/RegisteredClientHandle) across its split
// Storage/TokenRegistry interfaces. A host writing a new backend (SQL,
// Redis, ...) calls storagetest.RunStorage and
// storagetest.RunTokenRegistry from its own _test.go file, passing a
// constructor for a fresh instance.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/storage"
)

// neverExpire is a fixed point far enough out that no sub-test's
// entity is ever pruned mid-run.
var neverExpire = time.Now().UTC().Add(365 * 24 * time.Hour)

type storageCase struct {
	name string
	run  func(t *testing.T, s storage.Storage)
}

// RunStorage runs every storage.Storage conformance case against a
// freshly constructed instance per case, constructing and Closing a
// fresh storage per sub-test. newStorage must return an empty,
// ready-to-use instance.
func RunStorage(t *testing.T, newStorage func() storage.Storage) {
	cases := []storageCase{
		{"AuthorizationContextIsSingleUse", testAuthorizationContextSingleUse},
		{"PARLifecycle", testPARLifecycle},
		{"CibaRequestUpdateIsAtomic", testCibaRequestUpdate},
		{"DeviceGrantUpdateIsAtomic", testDeviceGrantUpdate},
		{"AuthSessionCRUD", testAuthSessionCRUD},
		{"RegisteredClientHandleCRUD", testRegisteredClientHandleCRUD},
		{"RecordFailureWindowsSlide", testRecordFailureWindow},
		{"RunGCRemovesExpired", testRunGC},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newStorage()
			defer s.Close()
			c.run(t, s)
		})
	}
}

func testAuthorizationContextSingleUse(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a := storage.AuthorizationContext{
		Code: "code-1", ClientID: "c1", RedirectURI: "https://rp.example/cb",
		Scopes: []string{"openid"}, Subject: "u1", Expiry: neverExpire,
	}
	require.NoError(t, s.CreateAuthorizationContext(ctx, a))

	got, err := s.ConsumeAuthorizationContext(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, a.ClientID, got.ClientID)
	assert.Equal(t, a.Subject, got.Subject)

	_, err = s.ConsumeAuthorizationContext(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "a code must not be consumable twice")

	_, err = s.ConsumeAuthorizationContext(ctx, "never-issued")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testPARLifecycle(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	p := storage.PushedAuthorizationRequest{
		URI: "urn:ietf:params:oauth:request_uri:abc", Params: map[string][]string{"client_id": {"c1"}}, Expiry: neverExpire,
	}
	require.NoError(t, s.CreatePAR(ctx, p))

	got, err := s.GetPAR(ctx, p.URI)
	require.NoError(t, err)
	assert.Equal(t, p.Params, got.Params)

	require.NoError(t, s.DeletePAR(ctx, p.URI))
	_, err = s.GetPAR(ctx, p.URI)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCibaRequestUpdate(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	c := storage.CibaRequest{
		AuthReqID: "areq-1", ClientID: "c1", Scopes: []string{"openid"},
		State: storage.CibaPending, Expiry: neverExpire,
	}
	require.NoError(t, s.CreateCibaRequest(ctx, c))

	require.NoError(t, s.UpdateCibaRequest(ctx, c.AuthReqID, func(cur storage.CibaRequest) (storage.CibaRequest, error) {
		cur.State = storage.CibaAuthorized
		cur.Subject = "u1"
		return cur, nil
	}))

	got, err := s.GetCibaRequest(ctx, c.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, storage.CibaAuthorized, got.State)
	assert.Equal(t, "u1", got.Subject)

	// An updater returning an error must not persist its mutation.
	sentinel := errors.New("rejected")
	err = s.UpdateCibaRequest(ctx, c.AuthReqID, func(cur storage.CibaRequest) (storage.CibaRequest, error) {
		cur.State = storage.CibaDenied
		return cur, sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err = s.GetCibaRequest(ctx, c.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, storage.CibaAuthorized, got.State, "a failed updater must not persist its partial mutation")

	require.NoError(t, s.DeleteCibaRequest(ctx, c.AuthReqID))
	_, err = s.GetCibaRequest(ctx, c.AuthReqID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeviceGrantUpdate(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	d := storage.DeviceGrant{
		DeviceCode: "dc-1", UserCode: "ABCD-EFGH", ClientID: "c1",
		Scopes: []string{"openid"}, State: storage.DevicePending, Expiry: neverExpire,
	}
	require.NoError(t, s.CreateDeviceGrant(ctx, d))

	byUser, err := s.GetDeviceGrantByUserCode(ctx, d.UserCode)
	require.NoError(t, err)
	assert.Equal(t, d.ClientID, byUser.ClientID)

	require.NoError(t, s.UpdateDeviceGrant(ctx, d.DeviceCode, func(cur storage.DeviceGrant) (storage.DeviceGrant, error) {
		cur.State = storage.DeviceApproved
		cur.Subject = "u1"
		return cur, nil
	}))

	got, err := s.GetDeviceGrantByDeviceCode(ctx, d.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceApproved, got.State)

	require.NoError(t, s.DeleteDeviceGrant(ctx, d.DeviceCode))
	_, err = s.GetDeviceGrantByDeviceCode(ctx, d.DeviceCode)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAuthSessionCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	sess := storage.AuthSession{SessionID: "sess-1", Subject: "u1", AffectedClientIDs: []string{"c1"}}
	require.NoError(t, s.CreateAuthSession(ctx, sess))

	require.NoError(t, s.UpdateAuthSession(ctx, sess.SessionID, func(cur storage.AuthSession) (storage.AuthSession, error) {
		return cur.WithAffectedClient("c2"), nil
	}))

	got, err := s.GetAuthSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, got.AffectedClientIDs)

	require.NoError(t, s.DeleteAuthSession(ctx, sess.SessionID))
	_, err = s.GetAuthSession(ctx, sess.SessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRegisteredClientHandleCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	h := storage.RegisteredClientHandle{ClientID: "c1", RegistrationAccessToken: "jti-1"}
	require.NoError(t, s.CreateRegisteredClientHandle(ctx, h))

	got, err := s.GetRegisteredClientHandle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, h.RegistrationAccessToken, got.RegistrationAccessToken)

	require.NoError(t, s.DeleteRegisteredClientHandle(ctx, "c1"))
	_, err = s.GetRegisteredClientHandle(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRecordFailureWindow(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := s.RecordFailure(ctx, "device:192.0.2.1", now.Add(time.Duration(i)*time.Second), time.Minute)
		require.NoError(t, err)
	}

	window, err := s.GetFailureWindow(ctx, "device:192.0.2.1")
	require.NoError(t, err)
	assert.Len(t, window.FailureTimes, 3)

	// A failure outside the window must be pruned on the next record.
	_, err = s.RecordFailure(ctx, "device:192.0.2.1", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	window, err = s.GetFailureWindow(ctx, "device:192.0.2.1")
	require.NoError(t, err)
	for _, ft := range window.FailureTimes {
		assert.True(t, ft.After(now.Add(time.Minute)), "a failure older than the window must have been pruned")
	}

	require.NoError(t, s.SetBackoff(ctx, "device:192.0.2.1", now.Add(time.Hour)))
	window, err = s.GetFailureWindow(ctx, "device:192.0.2.1")
	require.NoError(t, err)
	assert.True(t, window.BackoffUntil.After(now))
}

func testRunGC(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.CreatePAR(ctx, storage.PushedAuthorizationRequest{
		URI: "urn:ietf:params:oauth:request_uri:expired", Expiry: past,
	}))
	require.NoError(t, s.CreatePAR(ctx, storage.PushedAuthorizationRequest{
		URI: "urn:ietf:params:oauth:request_uri:live", Expiry: neverExpire,
	}))

	result, err := s.RunGC(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.PARs, int64(1))

	_, err = s.GetPAR(ctx, "urn:ietf:params:oauth:request_uri:expired")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetPAR(ctx, "urn:ietf:params:oauth:request_uri:live")
	assert.NoError(t, err)
}

// RunTokenRegistry runs every storage.TokenRegistry conformance case
// against a freshly constructed instance per case.
func RunTokenRegistry(t *testing.T, newRegistry func() storage.TokenRegistry) {
	cases := []struct {
		name string
		run  func(t *testing.T, r storage.TokenRegistry)
	}{
		{"GetStatusDefaultsToActiveForUnknownJTI", testRegistryDefaultActive},
		{"TryConsumeIsSingleUse", testRegistryTryConsume},
		{"SetStatusRevokesUnknownJTI", testRegistrySetStatusUnknown},
		{"RevokeChainMarksEveryMember", testRegistryRevokeChain},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.run(t, newRegistry())
		})
	}
}

func testRegistryDefaultActive(t *testing.T, r storage.TokenRegistry) {
	status, err := r.GetStatus(context.Background(), "never-registered")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, status)
}

func testRegistryTryConsume(t *testing.T, r storage.TokenRegistry) {
	ctx := context.Background()
	rec := storage.TokenRecord{JTI: "jti-1", ClientID: "c1", Subject: "u1", Expiry: neverExpire, Status: storage.StatusActive}
	require.NoError(t, r.Register(ctx, rec))

	ok, err := r.TryConsume(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.TryConsume(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok, "a consumed jti must not be consumable twice")

	status, err := r.GetStatus(ctx, "jti-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUsed, status)
}

func testRegistrySetStatusUnknown(t *testing.T, r storage.TokenRegistry) {
	ctx := context.Background()
	require.NoError(t, r.SetStatus(ctx, "never-registered", storage.StatusRevoked, time.Minute))

	status, err := r.GetStatus(ctx, "never-registered")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, status)
}

func testRegistryRevokeChain(t *testing.T, r storage.TokenRegistry) {
	ctx := context.Background()
	head := storage.TokenRecord{JTI: "head", ClientID: "c1", Expiry: neverExpire, Status: storage.StatusActive, ChainHead: "head"}
	next := storage.TokenRecord{JTI: "next", ClientID: "c1", Expiry: neverExpire, Status: storage.StatusActive, ChainHead: "head"}
	require.NoError(t, r.Register(ctx, head))
	require.NoError(t, r.Register(ctx, next))

	require.NoError(t, r.RevokeChain(ctx, "head"))

	for _, jti := range []string{"head", "next"} {
		status, err := r.GetStatus(ctx, jti)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusRevoked, status, "jti %s must be revoked as part of its chain", jti)
	}
}
