// Package reqfetch resolves the three ways an authorization request's
// parameters can arrive split from the query string — a Pushed
// Authorization Request handle (RFC 9126), a client-hosted
// request_uri, or an inline signed/unsigned request object (OpenID
// Connect Core §6 / RFC 9101) — into one flat parameter set.
package reqfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/clientkeys"
	"github.com/abblix/oidcore/jwk"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
)

// PARHandlePrefix is the scheme PAR request_uri values carry, per RFC
// 9126, distinguishing them from a client-hosted https:// request_uri.
const PARHandlePrefix = "urn:ietf:params:oauth:request_uri:"

// PARStore is the narrow slice of storage.Storage the fetcher needs;
// consuming a PAR handle is a one-time read, enforced by deleting it
// immediately after the first successful GetPAR.
type PARStore interface {
	GetPAR(ctx context.Context, uri string) (storage.PushedAuthorizationRequest, error)
	DeletePAR(ctx context.Context, uri string) error
}

// Fetcher resolves request/request_uri/PAR references into a flat
// url.Values parameter set.
type Fetcher struct {
	par                       PARStore
	keys                      *clientkeys.Provider
	http                      *http.Client
	requestURIParamSupported  bool
	maxRemoteResponseBytes    int64
	now                       func() time.Time
}

// Options configures a Fetcher.
type Options struct {
	PAR PARStore
	// Keys resolves a client's verification JWKS for signed request
	// objects and request_uri responses.
	Keys *clientkeys.Provider
	// HTTPClient must be an SSRF-guarded client (internal/httpclient);
	// reqfetch does not apply any guard of its own.
	HTTPClient *http.Client
	// RequestURIParameterSupported gates accepting a client-hosted
	// https:// request_uri at all, the request_uri_parameter_supported
	// discovery flag.
	RequestURIParameterSupported bool
	MaxRemoteResponseBytes       int64
	Now                          func() time.Time
}

// New builds a Fetcher.
func New(opts Options) *Fetcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxBytes := opts.MaxRemoteResponseBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Fetcher{
		par:                      opts.PAR,
		keys:                     opts.Keys,
		http:                     httpClient,
		requestURIParamSupported: opts.RequestURIParameterSupported,
		maxRemoteResponseBytes:   maxBytes,
		now:                      now,
	}
}

// Resolve takes the raw query parameters of an /authorize request and
// returns the fully resolved parameter set: a PAR or request_uri
// reference is dereferenced and merged in, an inline request object is
// decoded and merged in, and client_id (if present in both the query
// and the resolved object) must agree.
func (f *Fetcher) Resolve(ctx context.Context, client *clientinfo.ClientInfo, query url.Values) (url.Values, error) {
	if uri := query.Get("request_uri"); uri != "" {
		return f.resolveRequestURI(ctx, client, query, uri)
	}
	if obj := query.Get("request"); obj != "" {
		return f.resolveRequestObject(ctx, client, query, obj)
	}
	return query, nil
}

func (f *Fetcher) resolveRequestURI(ctx context.Context, client *clientinfo.ClientInfo, query url.Values, uri string) (url.Values, error) {
	if strings.HasPrefix(uri, PARHandlePrefix) {
		return f.resolvePAR(ctx, client, query, uri)
	}
	if !f.requestURIParamSupported {
		return nil, oidcerr.New(oidcerr.RequestURINotSupported, "request_uri parameter is not supported")
	}
	if !strings.HasPrefix(uri, "https://") {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "request_uri must use https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidRequest, "malformed request_uri", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidRequest, "could not fetch request_uri", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, oidcerr.New(oidcerr.InvalidRequest, fmt.Sprintf("request_uri returned status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxRemoteResponseBytes))
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidRequest, "could not read request_uri response", err)
	}

	return f.mergeRequestObject(ctx, client, query, strings.TrimSpace(string(body)))
}

func (f *Fetcher) resolvePAR(ctx context.Context, client *clientinfo.ClientInfo, query url.Values, uri string) (url.Values, error) {
	par, err := f.par.GetPAR(ctx, uri)
	if err != nil {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "unknown or expired request_uri")
	}
	// PAR handles are single-use regardless of lookup outcome below.
	_ = f.par.DeletePAR(ctx, uri)

	if !f.now().Before(par.Expiry) {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "request_uri has expired")
	}

	merged := url.Values{}
	for k, v := range query {
		merged[k] = v
	}
	for k, v := range par.Params {
		merged[k] = v
	}
	merged.Del("request_uri")

	if clientID := query.Get("client_id"); clientID != "" && clientID != client.ClientID {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "client_id does not match the pushed request")
	}
	return merged, nil
}

func (f *Fetcher) resolveRequestObject(ctx context.Context, client *clientinfo.ClientInfo, query url.Values, compact string) (url.Values, error) {
	return f.mergeRequestObject(ctx, client, query, compact)
}

// mergeRequestObject decodes a JWT request object (signed per the
// client's request_object_signing_alg, or unsigned only if the client
// has explicitly registered "none") and merges its claims over query,
// the request object taking precedence per OIDC Core §6.1.
func (f *Fetcher) mergeRequestObject(ctx context.Context, client *clientinfo.ClientInfo, query url.Values, compact string) (url.Values, error) {
	payload, err := f.verifyRequestObject(ctx, client, compact)
	if err != nil {
		return nil, err
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidRequest, "malformed request object claims", err)
	}

	if iss, ok := claims["iss"].(string); ok && iss != "" && iss != client.ClientID {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "request object iss must equal client_id")
	}
	if aud, ok := claims["client_id"].(string); ok && aud != "" && aud != client.ClientID {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "request object client_id does not match")
	}

	merged := url.Values{}
	for k, v := range query {
		merged[k] = v
	}
	for k, v := range claims {
		if k == "iss" || k == "aud" || k == "exp" || k == "nbf" || k == "iat" || k == "jti" {
			continue
		}
		merged.Set(k, stringifyClaim(v))
	}
	merged.Del("request")
	merged.Del("request_uri")
	return merged, nil
}

func (f *Fetcher) verifyRequestObject(ctx context.Context, client *clientinfo.ClientInfo, compact string) ([]byte, error) {
	if client.RequestObjectSigningAlg == "none" {
		allowNone := append(append([]jose.SignatureAlgorithm{}, jwk.SupportedSignatureAlgorithms...), jose.SignatureAlgorithm("none"))
		tok, err := jwt.ParseSigned(compact, allowNone)
		if err == nil {
			var claims map[string]any
			if uerr := tok.UnsafeClaimsWithoutVerification(&claims); uerr == nil {
				raw, _ := json.Marshal(claims)
				return raw, nil
			}
		}
	}
	if f.keys == nil {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "request objects require a configured key resolver")
	}
	keySet, err := f.keys.Resolve(ctx, client)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.InvalidRequest, "could not resolve client keys for request object", err)
	}
	var lastErr error
	for _, k := range keySet.Keys {
		payload, err := jwk.VerifyWithKey(compact, k.Key, jwk.VerifyOptions{})
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no client key verified the request object")
	}
	return nil, oidcerr.Wrap(oidcerr.InvalidRequest, "request object signature verification failed", lastErr)
}

func stringifyClaim(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}
