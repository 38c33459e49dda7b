package jwk

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// SupportedSignatureAlgorithms lists every JWS algorithm this service
// accepts, for both signing and verification.
var SupportedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.PS256, jose.PS384, jose.PS512,
}

// Service is the crypto/JWK capability set of component C1: sign,
// verify, encrypt, decrypt, and publish JWKS. It is deliberately
// stateless over its KeySets, which callers (e.g. the token service) own
// and pass in, so key rotation for signing keys and encryption keys can
// proceed independently.
type Service struct {
	signing    *KeySet
	encryption *KeySet
}

// NewService builds a Service backed by the given signing and (optional)
// encryption key sets. encryption may be nil if the deployment never
// issues JWEs.
func NewService(signing, encryption *KeySet) *Service {
	return &Service{signing: signing, encryption: encryption}
}

// Sign produces a compact JWS over payload using the signing key set's
// current key and the algorithm implied by its type. alg "none" is never
// produced by Sign; callers that need an unsigned JWT (e.g. a client
// whose id_token_signed_response_alg is explicitly "none") must encode it
// themselves — this service only ever emits cryptographically signed
// tokens.
func (s *Service) Sign(payload []byte) (string, error) {
	key, err := s.signing.Current(UseSigning)
	if err != nil {
		return "", err
	}
	alg, err := SignatureAlgorithm(key)
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, &jose.SignerOptions{})
	if err != nil {
		return "", fmt.Errorf("jwk: new signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("jwk: sign: %w", err)
	}
	return sig.CompactSerialize()
}

// SigningKey exposes the current signing key, needed by callers (e.g.
// the token service) that must know the signature algorithm in advance,
// such as to compute an at_hash/c_hash before signing the token that
// contains it.
func (s *Service) SigningKey() (*jose.JSONWebKey, error) {
	return s.signing.Current(UseSigning)
}

// JWKS renders the public half of every signing key, plus every
// encryption key if an encryption KeySet is configured, as the JSON Web
// Key Set published at /.well-known/jwks.
func (s *Service) JWKS() (jose.JSONWebKeySet, error) {
	set, err := s.signing.JWKS(UseSigning)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if s.encryption != nil {
		enc, err := s.encryption.JWKS(UseEncryption)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		set.Keys = append(set.Keys, enc.Keys...)
	}
	return set, nil
}

// NextRotation reports when the signing key set is next due to rotate,
// for callers that cap a JWKS response's Cache-Control max-age to it.
func (s *Service) NextRotation() time.Time {
	return s.signing.NextRotation()
}

// VerifyOptions tunes a Verify call.
type VerifyOptions struct {
	// AllowNone permits the "none" algorithm, a carve-out reserved
	// for explicitly whitelisted contexts like
	// id_token_signed_response_alg=none. Every trust-bearing verification
	// (client assertions, external trusted-issuer assertions, logout
	// tokens, request objects) must leave this false.
	AllowNone bool
	// MaxSize bounds the compact JWS size in bytes to resist resource
	// exhaustion; zero means MaxJWTSize (8 KiB).
	MaxSize int
}

// MaxJWTSize is the default upper bound on verified JWT size.
const MaxJWTSize = 8 * 1024

// Verify checks compact against every signing key in the key set and
// returns the verified payload of the first key that validates it.
func (s *Service) Verify(compact string, opts VerifyOptions) ([]byte, error) {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = MaxJWTSize
	}
	if len(compact) > maxSize {
		return nil, fmt.Errorf("jwk: token of %d bytes exceeds maximum of %d", len(compact), maxSize)
	}

	parsed, err := jose.ParseSigned(compact, SupportedSignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("jwk: parse signed: %w", err)
	}
	if len(parsed.Signatures) == 0 {
		return nil, errors.New("jwk: no signatures present")
	}
	alg := jose.SignatureAlgorithm(parsed.Signatures[0].Header.Algorithm)
	if alg == "none" {
		if !opts.AllowNone {
			return nil, errors.New("jwk: alg \"none\" is not permitted in this context")
		}
		return parsed.UnsafePayloadWithoutVerification(), nil
	}

	var lastErr error
	for _, key := range s.signing.All(UseSigning) {
		payload, err := parsed.Verify(key)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("jwk: no verification keys configured")
	}
	return nil, fmt.Errorf("jwk: signature verification failed: %w", lastErr)
}

// VerifyWithKey verifies compact against exactly one externally supplied
// key (e.g. a client's own JWKS entry for private_key_jwt), rather than
// the service's own signing key set.
func VerifyWithKey(compact string, key interface{}, opts VerifyOptions) ([]byte, error) {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = MaxJWTSize
	}
	if len(compact) > maxSize {
		return nil, fmt.Errorf("jwk: token of %d bytes exceeds maximum of %d", len(compact), maxSize)
	}
	parsed, err := jose.ParseSigned(compact, SupportedSignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("jwk: parse signed: %w", err)
	}
	if len(parsed.Signatures) > 0 && jose.SignatureAlgorithm(parsed.Signatures[0].Header.Algorithm) == "none" {
		if !opts.AllowNone {
			return nil, errors.New("jwk: alg \"none\" is not permitted in this context")
		}
	}
	return parsed.Verify(key)
}
