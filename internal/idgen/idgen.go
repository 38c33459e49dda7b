// Package idgen generates the cryptographically random identifiers the
// core mints for authorization codes, PAR/CIBA/device handles, and
// session IDs.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"io"
	"strings"
)

var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ID returns an n-byte-of-entropy random string safe for use as an
// opaque identifier (authorization code, PAR handle, session ID, auth
// session key).
func ID(entropyBytes int) string {
	buf := make([]byte, entropyBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return strings.ToLower(encoding.EncodeToString(buf))
}

// DefaultAuthReqIDEntropyBytes is 512 bits, the default CIBA
// auth_req_id entropy.
const DefaultAuthReqIDEntropyBytes = 64

// DefaultCodeEntropyBytes sizes authorization codes and device codes:
// 256 bits, comfortably above the "opaque, unguessable" bar.
const DefaultCodeEntropyBytes = 32

// DefaultUserCodeAlphabet is the RFC 8628 decimal-digit default;
// deployments wanting a consonant-only alphabet (lower transcription
// error rate) supply their own via UserCode.
const DefaultUserCodeAlphabet = "0123456789"

// UserCode draws a length-character code from alphabet, suitable for a
// human to read aloud or type.
func UserCode(length int, alphabet string) string {
	if alphabet == "" {
		alphabet = DefaultUserCodeAlphabet
	}
	buf := make([]byte, length)
	idx := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, idx); err != nil {
		panic(err)
	}
	for i, b := range idx {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}
