package validate

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abblix/oidcore/clientinfo"
)

func codeClient() *clientinfo.ClientInfo {
	return &clientinfo.ClientInfo{
		ClientID:      "c1",
		RedirectURIs:  []string{"https://client.example/cb"},
		ResponseTypes: []string{"code"},
		PKCE:          clientinfo.PKCEPolicy{Required: true},
	}
}

func TestAuthorizeHappyPathCodeFlow(t *testing.T) {
	client := codeClient()
	q := url.Values{
		"response_type":        {"code"},
		"redirect_uri":         {"https://client.example/cb"},
		"scope":                {"openid profile"},
		"code_challenge":       {"abc"},
		"code_challenge_method": {"S256"},
		"state":                {"xyz"},
	}
	v, err := Authorize(client, q, AuthorizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowCode, v.Flow)
	assert.Equal(t, "query", string(v.ResponseMode))
	assert.Equal(t, []string{"openid", "profile"}, v.Scopes)
}

func TestAuthorizeRejectsUnregisteredRedirectURI(t *testing.T) {
	client := codeClient()
	q := url.Values{"response_type": {"code"}, "redirect_uri": {"https://evil.example/cb"}, "code_challenge": {"abc"}}
	_, err := Authorize(client, q, AuthorizeOptions{})
	assert.Error(t, err)
}

func TestAuthorizeRequiresPKCEWhenClientRequiresIt(t *testing.T) {
	client := codeClient()
	q := url.Values{"response_type": {"code"}, "redirect_uri": {"https://client.example/cb"}}
	_, err := Authorize(client, q, AuthorizeOptions{})
	assert.Error(t, err)
}

func TestAuthorizeRequiresNonceForIDTokenResponseType(t *testing.T) {
	client := &clientinfo.ClientInfo{
		ClientID:      "c1",
		RedirectURIs:  []string{"https://client.example/cb"},
		ResponseTypes: []string{"code id_token"},
	}
	q := url.Values{
		"response_type": {"id_token code"},
		"redirect_uri":  {"https://client.example/cb"},
		"code_challenge": {"abc"},
	}
	_, err := Authorize(client, q, AuthorizeOptions{})
	assert.Error(t, err)
}

func TestAuthorizeRejectsOfflineAccessWithImplicit(t *testing.T) {
	client := &clientinfo.ClientInfo{
		ClientID:      "c1",
		RedirectURIs:  []string{"https://client.example/cb"},
		ResponseTypes: []string{"id_token"},
	}
	q := url.Values{
		"response_type": {"id_token"},
		"redirect_uri":  {"https://client.example/cb"},
		"nonce":         {"n-0s6_WzA2Mj"},
		"scope":         {"openid offline_access"},
	}
	_, err := Authorize(client, q, AuthorizeOptions{})
	assert.Error(t, err)
}

func TestAuthorizeRejectsPromptNoneCombinedWithOthers(t *testing.T) {
	client := codeClient()
	q := url.Values{
		"response_type":  {"code"},
		"redirect_uri":   {"https://client.example/cb"},
		"code_challenge": {"abc"},
		"prompt":         {"none login"},
	}
	_, err := Authorize(client, q, AuthorizeOptions{})
	assert.Error(t, err)
}

func TestAuthorizeRejectsUnsupportedScope(t *testing.T) {
	client := codeClient()
	q := url.Values{
		"response_type":  {"code"},
		"redirect_uri":   {"https://client.example/cb"},
		"code_challenge": {"abc"},
		"scope":          {"openid unsupported_scope"},
	}
	_, err := Authorize(client, q, AuthorizeOptions{SupportedScopes: []string{"openid", "profile"}})
	assert.Error(t, err)
}
