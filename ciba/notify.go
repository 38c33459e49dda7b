package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/internal/httpclient"
	"github.com/abblix/oidcore/storage"
	"github.com/abblix/oidcore/token"
)

// TokenIssuer is the subset of *token.Service push-mode delivery needs.
// Its method set is satisfied by *token.Service directly.
type TokenIssuer interface {
	IssueAccessToken(ctx context.Context, p token.IssueAccessTokenParams) (string, storage.TokenRecord, error)
	IssueIDToken(ctx context.Context, p token.IssueIDTokenParams) (string, error)
	IssueRefreshToken(ctx context.Context, p token.IssueRefreshTokenParams) (string, storage.TokenRecord, error)
}

// TokenPolicy supplies the lifetimes push-mode token minting falls back
// to absent a client override, mirroring tokenendpoint.Policy.
type TokenPolicy struct {
	AccessTokenLifetime   time.Duration
	IdentityTokenLifetime time.Duration
}

func (p TokenPolicy) accessTokenLifetime(client *clientinfo.ClientInfo) time.Duration {
	if client.AccessTokenLifetime > 0 {
		return client.AccessTokenLifetime
	}
	if p.AccessTokenLifetime > 0 {
		return p.AccessTokenLifetime
	}
	return time.Hour
}

func (p TokenPolicy) identityTokenLifetime(client *clientinfo.ClientInfo) time.Duration {
	if client.IdentityTokenLifetime > 0 {
		return client.IdentityTokenLifetime
	}
	if p.IdentityTokenLifetime > 0 {
		return p.IdentityTokenLifetime
	}
	return time.Hour
}

// notifier delivers the ping/push backchannel notifications OpenID
// CIBA describes, tolerating failure the way the logout fanout does:
// one retry, then log and move on. The poll-mode fallback (the client
// eventually polls the token endpoint) means a lost notification is a
// latency regression, not a correctness one.
type notifier struct {
	clients clientinfo.Provider
	tokens  TokenIssuer
	policy  TokenPolicy
	now     func() time.Time
	logger  *slog.Logger
	http    *http.Client
}

func newNotifier(clients clientinfo.Provider, tokens TokenIssuer, policy TokenPolicy, now func() time.Time, logger *slog.Logger, allowPrivate bool) *notifier {
	client, err := httpclient.New(httpclient.Options{AllowPrivate: allowPrivate})
	if err != nil {
		logger.Error("ciba: could not build outbound notification client", "error", err)
	}
	return &notifier{clients: clients, tokens: tokens, policy: policy, now: now, logger: logger, http: client}
}

func (n *notifier) deliver(ctx context.Context, req storage.CibaRequest) error {
	if req.DeliveryMode == storage.CibaModePoll || n.http == nil {
		return nil
	}
	client, err := n.clients.Lookup(ctx, req.ClientID)
	if err != nil || client.CibaNotificationEndpoint == "" {
		return nil
	}

	var body any
	switch req.DeliveryMode {
	case storage.CibaModePing:
		body = map[string]string{"auth_req_id": req.AuthReqID}
	case storage.CibaModePush:
		if req.State == storage.CibaAuthorized {
			body, err = n.pushTokenResponse(ctx, client, req)
			if err != nil {
				n.logger.Error("ciba: could not mint push-mode tokens", "auth_req_id", req.AuthReqID, "error", err)
				return nil
			}
		} else {
			body = map[string]string{"error": "access_denied", "auth_req_id": req.AuthReqID}
		}
	default:
		return nil
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := n.post(ctx, client.CibaNotificationEndpoint, req.ClientNotificationToken, payload); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	n.logger.Warn("ciba: notification delivery failed after retry", "auth_req_id", req.AuthReqID, "error", lastErr)
	return nil
}

func (n *notifier) post(ctx context.Context, endpoint, notificationToken string, payload []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+notificationToken)
	resp, err := n.http.Do(httpReq)
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
	return "ciba: notification endpoint returned a non-2xx status"
}

type pushTokenResponse struct {
	AuthReqID    string `json:"auth_req_id"`
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

func (n *notifier) pushTokenResponse(ctx context.Context, client *clientinfo.ClientInfo, req storage.CibaRequest) (*pushTokenResponse, error) {
	accessLifetime := n.policy.accessTokenLifetime(client)
	accessToken, _, err := n.tokens.IssueAccessToken(ctx, token.IssueAccessTokenParams{
		ClientID: client.ClientID, Subject: req.Subject, Scopes: req.Scopes,
		Resources: req.Resources, Lifetime: accessLifetime,
	})
	if err != nil {
		return nil, err
	}
	resp := &pushTokenResponse{
		AuthReqID: req.AuthReqID, AccessToken: accessToken, TokenType: "Bearer",
		ExpiresIn: int64(accessLifetime.Seconds()),
	}
	if containsScope(req.Scopes, "openid") {
		idToken, err := n.tokens.IssueIDToken(ctx, token.IssueIDTokenParams{
			ClientID: client.ClientID, Subject: req.Subject, ACR: req.ACR, AuthTime: req.AuthTime,
			AccessToken: accessToken, Lifetime: n.policy.identityTokenLifetime(client),
		})
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}
	if containsScope(req.Scopes, "offline_access") && client.Refresh.AbsoluteLifetime > 0 {
		refreshToken, _, err := n.tokens.IssueRefreshToken(ctx, token.IssueRefreshTokenParams{
			ClientID: client.ClientID, Subject: req.Subject, Scopes: req.Scopes,
			AbsoluteLifetime: client.Refresh.AbsoluteLifetime, SlidingLifetime: client.Refresh.SlidingLifetime,
		})
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}
