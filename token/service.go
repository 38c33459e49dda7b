package token

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/abblix/oidcore/jwk"
	"github.com/abblix/oidcore/storage"
)

// Clock returns the current time; tests substitute a fixed clock.
type Clock func() time.Time

// Service mints and verifies every JWT flavour the core uses, and
// maintains the jti registry backing replay protection and revocation.
type Service struct {
	jwk      *jwk.Service
	registry storage.TokenRegistry
	issuer   string
	now      Clock
}

// NewService builds a token Service. issuer is the default `iss` claim
// value; callers hosting multiple tenants should construct one Service
// per issuer, resolved through the collab.IssuerProvider collaborator.
func NewService(jwkSvc *jwk.Service, registry storage.TokenRegistry, issuer string, now Clock) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{jwk: jwkSvc, registry: registry, issuer: issuer, now: now}
}

func newJTI() string { return uuid.NewString() }

func (s *Service) sign(claims any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: marshal claims: %w", err)
	}
	return s.jwk.Sign(payload)
}

// IssueAccessTokenParams carries everything needed to mint an access
// token.
type IssueAccessTokenParams struct {
	ClientID  string
	Subject   string
	Scopes    []string
	Resources []string
	Audience  []string
	Lifetime  time.Duration
}

// IssueAccessToken mints and registers an access token.
func (s *Service) IssueAccessToken(ctx context.Context, p IssueAccessTokenParams) (string, storage.TokenRecord, error) {
	jti := newJTI()
	issuedAt := s.now()
	expiry := issuedAt.Add(p.Lifetime)
	aud := p.Audience
	if len(aud) == 0 {
		aud = []string{p.ClientID}
	}

	claims := AccessTokenClaims{
		baseClaims: newBaseClaims(s.issuer, aud, issuedAt, expiry, jti),
		Subject:    p.Subject,
		ClientID:   p.ClientID,
		Scope:      joinScopes(p.Scopes),
		Resources:  p.Resources,
	}
	compact, err := s.sign(claims)
	if err != nil {
		return "", storage.TokenRecord{}, err
	}
	rec := storage.TokenRecord{
		JTI:      jti,
		ClientID: p.ClientID,
		Subject:  p.Subject,
		IssuedAt: issuedAt,
		Expiry:   expiry,
		Status:   storage.StatusActive,
	}
	if err := s.registry.Register(ctx, rec); err != nil {
		return "", storage.TokenRecord{}, fmt.Errorf("token: register access token: %w", err)
	}
	return compact, rec, nil
}

// IssueIDTokenParams carries everything needed to mint an identifier
// token.
type IssueIDTokenParams struct {
	ClientID        string
	Subject         string
	Nonce           string
	ACR             string
	AuthTime        time.Time
	SID             string
	AuthorizingParty string
	CrossAudience   []string // additional audiences beyond ClientID (trusted peers)
	AccessToken     string   // if non-empty, at_hash is computed
	Code            string   // if non-empty, c_hash is computed
	Extra           map[string]any
	Lifetime        time.Duration
}

// IssueIDToken mints an identifier token. It is not registered in the
// TokenRegistry: identifier tokens are bearer assertions of authentication,
// never redeemed or revoked individually (only the session they describe
// can be torn down, via the session/logout fabric).
func (s *Service) IssueIDToken(_ context.Context, p IssueIDTokenParams) (string, error) {
	issuedAt := s.now()
	expiry := issuedAt.Add(p.Lifetime)

	aud := append([]string{p.ClientID}, p.CrossAudience...)

	claims := IDTokenClaims{
		baseClaims:       newBaseClaims(s.issuer, aud, issuedAt, expiry, newJTI()),
		Subject:          p.Subject,
		Nonce:            p.Nonce,
		ACR:              p.ACR,
		SID:              p.SID,
		AuthorizingParty: p.AuthorizingParty,
		Extra:            p.Extra,
	}
	if !p.AuthTime.IsZero() {
		claims.AuthTime = p.AuthTime.Unix()
	}

	signingKey, err := s.jwk.SigningKey()
	if err != nil {
		return "", err
	}
	alg, err := jwk.SignatureAlgorithm(signingKey)
	if err != nil {
		return "", err
	}

	if p.AccessToken != "" {
		h, err := accessTokenHash(alg, p.AccessToken)
		if err != nil {
			return "", err
		}
		claims.AccessTokenHash = h
	}
	if p.Code != "" {
		h, err := accessTokenHash(alg, p.Code)
		if err != nil {
			return "", err
		}
		claims.CodeHash = h
	}

	return s.sign(claims)
}

// hashForSigAlg maps an id_token signature algorithm to the hash used to
// compute at_hash/c_hash, per OpenID Connect Core's Implicit Flow ID
// Token rule: "the hash algorithm used is the hash algorithm used in the
// alg Header Parameter of the ID Token's JOSE Header."
var hashForSigAlg = map[jose.SignatureAlgorithm]func() hash.Hash{
	jose.RS256: sha256.New,
	jose.RS384: sha512.New384,
	jose.RS512: sha512.New,
	jose.ES256: sha256.New,
	jose.ES384: sha512.New384,
	jose.ES512: sha512.New,
	jose.PS256: sha256.New,
	jose.PS384: sha512.New384,
	jose.PS512: sha512.New,
	jose.HS256: sha256.New,
	jose.HS384: sha512.New384,
	jose.HS512: sha512.New,
}

func accessTokenHash(alg jose.SignatureAlgorithm, value string) (string, error) {
	newHash, ok := hashForSigAlg[alg]
	if !ok {
		return "", fmt.Errorf("token: unsupported signature algorithm %q for hash computation", alg)
	}
	h := newHash()
	if _, err := io.WriteString(h, value); err != nil {
		return "", err
	}
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

func joinScopes(scopes []string) string {
	out := ""
	for i, sc := range scopes {
		if i > 0 {
			out += " "
		}
		out += sc
	}
	return out
}
