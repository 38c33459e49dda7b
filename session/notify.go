package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/internal/httpclient"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
)

// fanout delivers the back-channel logout_token POSTs OpenID Connect
// Back-Channel Logout 1.0 describes, tolerating failure the way ciba's
// ping/push notifier does: one retry, then log and move on — a lost
// back-channel notification never blocks the end-session redirect or
// the other clients' fanout.
type fanout struct {
	tokens LogoutTokenIssuer
	policy Policy
	now    func() time.Time
	logger *slog.Logger
	http   *http.Client
}

func newFanout(tokens LogoutTokenIssuer, policy Policy, now func() time.Time, logger *slog.Logger, allowPrivate bool) *fanout {
	client, err := httpclient.New(httpclient.Options{AllowPrivate: allowPrivate})
	if err != nil {
		logger.Error("session: could not build outbound logout client", "error", err)
	}
	return &fanout{tokens: tokens, policy: policy, now: now, logger: logger, http: client}
}

func (f *fanout) deliver(ctx context.Context, client *clientinfo.ClientInfo, session storage.AuthSession) {
	if f.http == nil {
		return
	}
	logoutToken, err := f.tokens.IssueLogoutToken(ctx, token.IssueLogoutTokenParams{
		ClientID: client.ClientID, Subject: session.Subject, SID: session.SessionID,
		RequiresSessionID: client.RequiresSessionID, Lifetime: f.policy.logoutTokenLifetime(),
	})
	if err != nil {
		f.logger.Error("session: could not mint a logout_token", "client_id", client.ClientID, "error", err)
		return
	}

	body := url.Values{"logout_token": {logoutToken}}.Encode()
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := f.post(ctx, client.BackChannelLogoutURI, body); err != nil {
			lastErr = err
			continue
		}
		return
	}
	f.logger.Warn("session: back-channel logout delivery failed after retry",
		"client_id", client.ClientID, "error", lastErr)
}

func (f *fanout) post(ctx context.Context, endpoint, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{code: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return "session: back-channel logout endpoint returned a non-2xx status"
}
