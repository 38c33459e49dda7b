// Package jwk implements signing and verification across
// RSA/ECDSA/HMAC, JWE encryption/decryption, and JWKS publication with
// explicit key rotation across an ordered key list, so an in-progress
// rotation can keep verifying tokens signed under a key that was
// retired moments ago.
package jwk

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Use distinguishes signing keys from encryption keys in a KeySet.
type Use string

const (
	UseSigning    Use = "sig"
	UseEncryption Use = "enc"
)

// Key pairs a JSON Web Key with the metadata the rotation model needs.
type Key struct {
	JWK *jose.JSONWebKey
	Use Use
}

// KeySet holds an ordered list of keys: index 0 is "current" (used to
// sign/encrypt new artifacts); every key, current or not, is used to
// verify/decrypt, so recently-rotated keys keep validating tokens minted
// under them until they age out of the list entirely.
//
// Safe for concurrent use: rotation (Rotate) swaps the slice under a
// mutex; readers (Current, All, NextRotation, JWKS) take a consistent
// snapshot.
type KeySet struct {
	mu           sync.RWMutex
	keys         []Key
	nextRotation time.Time
}

// NewKeySet builds a KeySet whose first entry is current.
func NewKeySet(keys ...Key) *KeySet {
	return &KeySet{keys: keys}
}

// Current returns the signing key used to mint new signatures, or an
// error if none is configured.
func (ks *KeySet) Current(use Use) (*jose.JSONWebKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	for _, k := range ks.keys {
		if k.Use == use {
			return k.JWK, nil
		}
	}
	return nil, fmt.Errorf("jwk: no current key for use %q", use)
}

// All returns every key usable for verification/decryption (including
// retired ones still within their validity window).
func (ks *KeySet) All(use Use) []*jose.JSONWebKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]*jose.JSONWebKey, 0, len(ks.keys))
	for _, k := range ks.keys {
		if k.Use == use {
			out = append(out, k.JWK)
		}
	}
	return out
}

// NextRotation is the time by which the caller should expect a new
// current key; callers (e.g. the discovery document) must not poll keys
// more eagerly than this.
func (ks *KeySet) NextRotation() time.Time {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.nextRotation
}

// Rotate replaces the key set with newCurrent followed by retain, and
// records when the next rotation is due. The previous current key stays
// usable for verification only if the caller includes it in retain.
func (ks *KeySet) Rotate(newCurrent Key, retain []Key, next time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	keys := make([]Key, 0, len(retain)+1)
	keys = append(keys, newCurrent)
	keys = append(keys, retain...)
	ks.keys = keys
	ks.nextRotation = next
}

// JWKS renders the public half of every key of the given use as a JSON
// Web Key Set, suitable for publication at /.well-known/jwks.
func (ks *KeySet) JWKS(use Use) (jose.JSONWebKeySet, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	var set jose.JSONWebKeySet
	for _, k := range ks.keys {
		if k.Use != use {
			continue
		}
		pub, err := publicOf(k.JWK)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		set.Keys = append(set.Keys, *pub)
	}
	return set, nil
}

func publicOf(jwk *jose.JSONWebKey) (*jose.JSONWebKey, error) {
	if jwk == nil {
		return nil, errors.New("jwk: nil key")
	}
	switch key := jwk.Key.(type) {
	case *rsa.PrivateKey:
		pub := *jwk
		pub.Key = &key.PublicKey
		return &pub, nil
	case *ecdsa.PrivateKey:
		pub := *jwk
		pub.Key = &key.PublicKey
		return &pub, nil
	case []byte:
		// Symmetric (HMAC) keys have no public half; they are never
		// published, but callers that iterate blindly over "sig" keys
		// while building a public JWKS must skip these.
		return nil, errSymmetricKeyNotPublishable
	default:
		// Already a public key (e.g. *rsa.PublicKey, *ecdsa.PublicKey).
		return jwk, nil
	}
}

var errSymmetricKeyNotPublishable = errors.New("jwk: symmetric key has no public representation")

// SignatureAlgorithm determines the JWS algorithm implied by a signing
// key's type: RSA keys always sign RS256 (OIDC mandates support for
// it), ECDSA keys sign with the curve-prescribed ES-family algorithm.
func SignatureAlgorithm(k *jose.JSONWebKey) (jose.SignatureAlgorithm, error) {
	if k == nil || k.Key == nil {
		return "", errors.New("jwk: no signing key")
	}
	switch key := k.Key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch key.Params() {
		case elliptic.P256().Params():
			return jose.ES256, nil
		case elliptic.P384().Params():
			return jose.ES384, nil
		case elliptic.P521().Params():
			return jose.ES512, nil
		default:
			return "", errors.New("jwk: unsupported ecdsa curve")
		}
	case []byte:
		switch len(key) {
		case 64:
			return jose.HS512, nil
		case 48:
			return jose.HS384, nil
		default:
			return jose.HS256, nil
		}
	default:
		return "", fmt.Errorf("jwk: unsupported signing key type %T", key)
	}
}
