package clientauth

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/abblix/oidcore/clientinfo"
	memcl "github.com/abblix/oidcore/clientinfo/memory"
)

func signHMACAssertion(t *testing.T, secret, clientID, audience, jti string, now time.Time) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	claims := jwt.Claims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.Audience{audience},
		ID:        jti,
		Expiry:    jwt.NewNumericDate(now.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

func newCatalogue(t *testing.T, client clientinfo.ClientInfo) *memcl.Catalogue {
	t.Helper()
	cat := memcl.New()
	require.NoError(t, cat.Add(context.Background(), client))
	return cat
}

func TestAuthenticateClientSecretBasic(t *testing.T) {
	secret := sha256.Sum256([]byte("s3cr3t"))
	cat := newCatalogue(t, clientinfo.ClientInfo{
		ClientID:                "c1",
		TokenEndpointAuthMethod: clientinfo.AuthClientSecretBasic,
		Secrets:                 []clientinfo.Secret{{SHA256: secret, Raw: "s3cr3t"}},
	})
	a := New(Options{Clients: cat, Audience: "https://as.example/token"})

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(""))
	req.SetBasicAuth("c1", "s3cr3t")
	cred := FromHTTPRequest(req)

	res, err := a.Authenticate(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, "c1", res.Client.ClientID)
}

func TestAuthenticateClientSecretBasicWrongSecret(t *testing.T) {
	secret := sha256.Sum256([]byte("s3cr3t"))
	cat := newCatalogue(t, clientinfo.ClientInfo{
		ClientID:                "c1",
		TokenEndpointAuthMethod: clientinfo.AuthClientSecretBasic,
		Secrets:                 []clientinfo.Secret{{SHA256: secret, Raw: "s3cr3t"}},
	})
	a := New(Options{Clients: cat})

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(""))
	req.SetBasicAuth("c1", "wrong")
	cred := FromHTTPRequest(req)

	_, err := a.Authenticate(context.Background(), cred, nil)
	assert.Error(t, err)
}

func TestAuthenticateClientSecretBasicWithBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cr3t"), bcrypt.DefaultCost)
	require.NoError(t, err)
	cat := newCatalogue(t, clientinfo.ClientInfo{
		ClientID:                "c1",
		TokenEndpointAuthMethod: clientinfo.AuthClientSecretBasic,
		Secrets:                 []clientinfo.Secret{{Bcrypt: hash}},
	})
	a := New(Options{Clients: cat, Audience: "https://as.example/token"})

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(""))
	req.SetBasicAuth("c1", "s3cr3t")
	res, err := a.Authenticate(context.Background(), FromHTTPRequest(req), nil)
	require.NoError(t, err)
	assert.Equal(t, "c1", res.Client.ClientID)

	req.SetBasicAuth("c1", "wrong")
	_, err = a.Authenticate(context.Background(), FromHTTPRequest(req), nil)
	assert.Error(t, err)
}

func TestAuthenticateNonePublicClient(t *testing.T) {
	cat := newCatalogue(t, clientinfo.ClientInfo{
		ClientID:                "spa1",
		Classification:          clientinfo.Public,
		TokenEndpointAuthMethod: clientinfo.AuthNone,
	})
	a := New(Options{Clients: cat})

	cred := Credentials{ClientID: "spa1"}
	res, err := a.Authenticate(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, clientinfo.AuthNone, res.Method)
}

func TestAuthenticateClientSecretJWT(t *testing.T) {
	secretRaw := "super-secret-hmac-key-0123456789"
	secret := sha256.Sum256([]byte(secretRaw))
	cat := newCatalogue(t, clientinfo.ClientInfo{
		ClientID:                "c1",
		TokenEndpointAuthMethod: clientinfo.AuthClientSecretJWT,
		Secrets:                 []clientinfo.Secret{{SHA256: secret, Raw: secretRaw}},
	})
	a := New(Options{Clients: cat, Audience: "https://as.example/token"})

	now := time.Now()
	assertion := signHMACAssertion(t, secretRaw, "c1", "https://as.example/token", "jti-1", now)

	cred := Credentials{ClientAssertionType: ClientAssertionType, ClientAssertion: assertion}
	res, err := a.Authenticate(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, "c1", res.Client.ClientID)
}
