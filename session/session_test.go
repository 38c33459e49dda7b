package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/clientinfo"
	clientmem "github.com/abblix/oidcore/clientinfo/memory"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
)

type fakeSessions struct {
	sessions map[string]storage.AuthSession
	signedOut []string
}

func (f *fakeSessions) Authenticate(_ context.Context, sessionID string) (storage.AuthSession, bool, error) {
	s, ok := f.sessions[sessionID]
	return s, ok, nil
}

func (f *fakeSessions) SignOut(_ context.Context, sessionID string) error {
	f.signedOut = append(f.signedOut, sessionID)
	delete(f.sessions, sessionID)
	return nil
}

type fakeDecoder struct {
	claims token.IDTokenClaims
	err    error
}

func (f *fakeDecoder) DecodeIDToken(string) (token.IDTokenClaims, error) {
	return f.claims, f.err
}

type fakeLogoutTokens struct{ issued int32 }

func (f *fakeLogoutTokens) IssueLogoutToken(context.Context, token.IssueLogoutTokenParams) (string, error) {
	atomic.AddInt32(&f.issued, 1)
	return "logout-token-compact", nil
}

func TestEndSessionRejectsInvalidIDTokenHint(t *testing.T) {
	engine := New(Options{
		Sessions: &fakeSessions{sessions: map[string]storage.AuthSession{}},
		Clients:  clientmem.New(),
		Decoder:  &fakeDecoder{err: assertErr{}},
		Tokens:   &fakeLogoutTokens{},
	})
	_, err := engine.EndSession(context.Background(), url.Values{"id_token_hint": {"bad"}}, "")
	require.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "signature verification failed" }

func TestEndSessionRejectsUnregisteredPostLogoutRedirect(t *testing.T) {
	client := clientinfo.ClientInfo{ClientID: "c1", PostLogoutRedirectURIs: []string{"https://rp.example/logged-out"}}
	hintClaims := token.IDTokenClaims{}
	hintClaims.Audience = []string{"c1"}
	engine := New(Options{
		Sessions: &fakeSessions{sessions: map[string]storage.AuthSession{}},
		Clients:  clientmem.New(client),
		Decoder:  &fakeDecoder{claims: hintClaims},
		Tokens:   &fakeLogoutTokens{},
	})
	form := url.Values{"id_token_hint": {"hint"}, "post_logout_redirect_uri": {"https://evil.example/"}}
	_, err := engine.EndSession(context.Background(), form, "")
	require.Error(t, err)
}

func TestEndSessionSignsOutAndFansOutBackChannel(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "logout-token-compact", r.FormValue("logout_token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	backChannelClient := clientinfo.ClientInfo{ClientID: "c1", BackChannelLogoutURI: server.URL}
	frontChannelClient := clientinfo.ClientInfo{ClientID: "c2", FrontChannelLogoutURI: "https://rp2.example/front-logout"}
	catalogue := clientmem.New(backChannelClient, frontChannelClient)

	sessions := &fakeSessions{sessions: map[string]storage.AuthSession{
		"sess1": {SessionID: "sess1", Subject: "u1", AffectedClientIDs: []string{"c1", "c2"}},
	}}
	tokens := &fakeLogoutTokens{}

	engine := New(Options{
		Sessions: sessions, Clients: catalogue, Decoder: &fakeDecoder{}, Tokens: tokens,
		AllowPrivateLogoutTargets: true,
	})

	result, err := engine.EndSession(context.Background(), url.Values{}, "sess1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://rp2.example/front-logout"}, result.FrontChannelLogoutURIs)
	assert.Equal(t, []string{"sess1"}, sessions.signedOut)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.issued))
}

func TestEndSessionRejectsMismatchedSubjectHint(t *testing.T) {
	sessions := &fakeSessions{sessions: map[string]storage.AuthSession{
		"sess1": {SessionID: "sess1", Subject: "u1", AffectedClientIDs: []string{"c1"}},
	}}
	engine := New(Options{
		Sessions: sessions,
		Clients:  clientmem.New(clientinfo.ClientInfo{ClientID: "c1"}),
		Decoder:  &fakeDecoder{claims: token.IDTokenClaims{Subject: "someone-else"}},
		Tokens:   &fakeLogoutTokens{},
	})
	_, err := engine.EndSession(context.Background(), url.Values{"id_token_hint": {"whatever"}}, "sess1")
	require.Error(t, err)
	assert.Empty(t, sessions.signedOut)
}

func TestEndSessionUnknownSessionStillRedirects(t *testing.T) {
	engine := New(Options{
		Sessions: &fakeSessions{sessions: map[string]storage.AuthSession{}},
		Clients:  clientmem.New(),
		Decoder:  &fakeDecoder{},
		Tokens:   &fakeLogoutTokens{},
	})
	result, err := engine.EndSession(context.Background(), url.Values{}, "unknown-session")
	require.NoError(t, err)
	assert.Empty(t, result.RedirectTo)
}

func TestCheckSessionIframeReferencesCookieName(t *testing.T) {
	engine := New(Options{
		Sessions: &fakeSessions{sessions: map[string]storage.AuthSession{}},
		Clients:  clientmem.New(),
		Decoder:  &fakeDecoder{},
		Tokens:   &fakeLogoutTokens{},
		Policy:   Policy{Cookie: CookiePolicy{Name: "Abblix.SessionId"}},
	})
	assert.Contains(t, engine.CheckSessionIframe(), "Abblix.SessionId")
}
