package jwk

import (
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// SupportedKeyAlgorithms lists the key-management algorithms accepted for
// JWE recipients.
var SupportedKeyAlgorithms = []jose.KeyAlgorithm{
	jose.RSA_OAEP, jose.RSA_OAEP_256,
	jose.A128GCMKW, jose.A256GCMKW,
}

// SupportedContentEncryptions lists the content-encryption algorithms
// accepted for JWE payloads.
var SupportedContentEncryptions = []jose.ContentEncryption{
	jose.A128GCM, jose.A256GCM,
	jose.A128CBC_HS256, jose.A256CBC_HS512,
}

// Encrypt wraps a compact JWS (or any payload) into a compact JWE for the
// given recipient key, used when a client has registered
// id_token_encrypted_response_alg/enc.
func (s *Service) Encrypt(payload []byte, recipient jose.JSONWebKey, keyAlg jose.KeyAlgorithm, enc jose.ContentEncryption) (string, error) {
	encrypter, err := jose.NewEncrypter(enc, jose.Recipient{Algorithm: keyAlg, Key: recipient}, nil)
	if err != nil {
		return "", fmt.Errorf("jwk: new encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("jwk: encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

// Decrypt decrypts a compact JWE using the current encryption key set,
// trying each configured key in turn (supporting rotation of encryption
// keys the same way signing keys rotate).
func (s *Service) Decrypt(compact string) ([]byte, error) {
	if s.encryption == nil {
		return nil, fmt.Errorf("jwk: no encryption key set configured")
	}
	obj, err := jose.ParseEncrypted(compact, SupportedKeyAlgorithms, SupportedContentEncryptions)
	if err != nil {
		return nil, fmt.Errorf("jwk: parse encrypted: %w", err)
	}
	var lastErr error
	for _, key := range s.encryption.All(UseEncryption) {
		payload, err := obj.Decrypt(key)
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("jwk: no decryption keys configured")
	}
	return nil, fmt.Errorf("jwk: decryption failed: %w", lastErr)
}
