// Package validate implements the ordered validator chain that sits in
// front of the authorization pipeline (and the PAR endpoint). The chain
// stops at the first failing step and returns a typed *oidcerr.Error, a single
// ordered gate requests run through before handing off to flow-specific
// logic.
package validate

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/abblix/oidcore/clientinfo"
	"github.com/abblix/oidcore/oidcerr"
	"github.com/abblix/oidcore/storage"
)

// FlowType is the detected OAuth/OIDC flow.
type FlowType string

const (
	FlowCode     FlowType = "code"
	FlowImplicit FlowType = "implicit"
	FlowHybrid   FlowType = "hybrid"
)

// Validated is the fully validated, normalized authorization request the
// authorize pipeline (C7) hands to the UserInteraction collaborator.
type Validated struct {
	Client *clientinfo.ClientInfo

	RedirectURI  string
	Flow         FlowType
	ResponseType []string // normalized, alphabetically sorted
	ResponseMode storage.ResponseMode

	Scopes []string
	State  string
	Nonce  string

	CodeChallenge       string
	CodeChallengeMethod string

	Prompt    []string
	MaxAge    *time.Duration
	AcrValues []string
	Resources []string
	Claims    storage.RequestedClaims
}

// AuthorizeOptions supplies the server-wide policy the chain checks
// requests against.
type AuthorizeOptions struct {
	// SupportedScopes, if non-empty, is the full set of scope values the
	// deployment recognizes; an empty slice disables the check.
	SupportedScopes []string
	// AllowedResourceIndicators, if non-empty, restricts which `resource`
	// values may be requested; an empty slice disables the check.
	AllowedResourceIndicators []string
}

var validResponseModes = map[FlowType]map[storage.ResponseMode]bool{
	FlowCode: {
		storage.ResponseModeQuery:    true,
		storage.ResponseModeFormPost: true,
		storage.ResponseModeFragment: true,
	},
	FlowImplicit: {
		storage.ResponseModeFormPost: true,
		storage.ResponseModeFragment: true,
	},
	FlowHybrid: {
		storage.ResponseModeFormPost: true,
		storage.ResponseModeFragment: true,
	},
}

var validPromptValues = map[string]bool{"none": true, "login": true, "consent": true, "select_account": true}

// Authorize runs the ordered validator chain from flow-type-detection
// through resource-indicators-allowed and claims parsing. client-exists and
// request-object-fetch are expected to have already run (client lookup
// and reqfetch.Resolve), so query already reflects any resolved request
// object or PAR handle.
func Authorize(client *clientinfo.ClientInfo, query url.Values, opts AuthorizeOptions) (*Validated, error) {
	v := &Validated{Client: client}

	flow, normalized, err := detectFlow(query.Get("response_type"))
	if err != nil {
		return nil, err
	}
	v.Flow = flow
	v.ResponseType = normalized
	if !client.HasResponseType(strings.Join(normalized, " ")) {
		return nil, oidcerr.New(oidcerr.UnsupportedResponseType, "response_type is not registered for this client")
	}

	mode, err := responseMode(flow, query.Get("response_mode"))
	if err != nil {
		return nil, err
	}
	v.ResponseMode = mode

	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "redirect_uri is missing or not registered")
	}
	v.RedirectURI = redirectURI

	// From here on, v.RedirectURI/v.ResponseMode are already known good, so
	// every remaining failure is returned alongside the partial v: callers
	// can still deliver the error through the validated redirect, the same
	// mode a success response would have used.
	v.State = query.Get("state")
	v.Nonce = query.Get("nonce")
	v.CodeChallenge = query.Get("code_challenge")
	v.CodeChallengeMethod = query.Get("code_challenge_method")
	if err := validatePKCE(client, flow, v); err != nil {
		return v, err
	}

	if containsResponseType(normalized, "id_token") && v.Nonce == "" {
		return v, oidcerr.New(oidcerr.InvalidRequest, "nonce is required when response_type includes id_token")
	}

	scopes := splitSpace(query.Get("scope"))
	if err := validateScopes(scopes, opts.SupportedScopes); err != nil {
		return v, err
	}
	v.Scopes = scopes

	if flow == FlowImplicit && containsString(scopes, "offline_access") {
		return v, oidcerr.New(oidcerr.InvalidRequest, "offline_access is not permitted with the implicit flow")
	}

	prompt := splitSpace(query.Get("prompt"))
	if err := validatePrompt(prompt); err != nil {
		return v, err
	}
	v.Prompt = prompt

	maxAge, err := parseMaxAge(query.Get("max_age"))
	if err != nil {
		return v, err
	}
	v.MaxAge = maxAge
	v.AcrValues = splitSpace(query.Get("acr_values"))

	resources := query["resource"]
	if err := validateResources(resources, opts.AllowedResourceIndicators); err != nil {
		return v, err
	}
	v.Resources = resources

	claims, err := parseClaimsParameter(query.Get("claims"))
	if err != nil {
		return v, err
	}
	v.Claims = claims

	return v, nil
}

func detectFlow(responseType string) (FlowType, []string, error) {
	parts := splitSpace(responseType)
	if len(parts) == 0 {
		return "", nil, oidcerr.New(oidcerr.InvalidRequest, "response_type is required")
	}
	set := map[string]bool{}
	for _, p := range parts {
		switch p {
		case "code", "token", "id_token":
			set[p] = true
		default:
			return "", nil, oidcerr.New(oidcerr.UnsupportedResponseType, "unsupported response_type value: "+p)
		}
	}
	normalized := make([]string, 0, len(set))
	for k := range set {
		normalized = append(normalized, k)
	}
	sort.Strings(normalized)

	hasCode := set["code"]
	hasToken := set["token"] || set["id_token"]
	switch {
	case hasCode && hasToken:
		return FlowHybrid, normalized, nil
	case hasCode:
		return FlowCode, normalized, nil
	case hasToken:
		return FlowImplicit, normalized, nil
	default:
		return "", nil, oidcerr.New(oidcerr.UnsupportedResponseType, "response_type set is empty")
	}
}

func responseMode(flow FlowType, requested string) (storage.ResponseMode, error) {
	mode := storage.ResponseMode(requested)
	if mode == "" {
		if flow == FlowCode {
			mode = storage.ResponseModeQuery
		} else {
			mode = storage.ResponseModeFragment
		}
	}
	if !validResponseModes[flow][mode] {
		return "", oidcerr.New(oidcerr.InvalidRequest, "response_mode is not compatible with this flow")
	}
	return mode, nil
}

func validatePKCE(client *clientinfo.ClientInfo, flow FlowType, v *Validated) error {
	needsCode := flow == FlowCode || flow == FlowHybrid
	if v.CodeChallenge == "" {
		if client.PKCE.Required && needsCode {
			return oidcerr.New(oidcerr.InvalidRequest, "PKCE is required for this client")
		}
		return nil
	}
	if !needsCode {
		return oidcerr.New(oidcerr.InvalidRequest, "code_challenge is only meaningful when a code is issued")
	}
	switch v.CodeChallengeMethod {
	case "", "S256":
		v.CodeChallengeMethod = "S256"
	case "plain":
		if !client.PKCE.PlainAllowed {
			return oidcerr.New(oidcerr.InvalidRequest, "code_challenge_method=plain is not permitted for this client")
		}
	default:
		return oidcerr.New(oidcerr.InvalidRequest, "unsupported code_challenge_method")
	}
	return nil
}

func validateScopes(requested, supported []string) error {
	if len(supported) == 0 {
		return nil
	}
	allowed := map[string]bool{}
	for _, s := range supported {
		allowed[s] = true
	}
	for _, s := range requested {
		if !allowed[s] {
			return oidcerr.New(oidcerr.InvalidScope, "unsupported scope value: "+s)
		}
	}
	return nil
}

func validatePrompt(prompt []string) error {
	if len(prompt) == 0 {
		return nil
	}
	for _, p := range prompt {
		if !validPromptValues[p] {
			return oidcerr.New(oidcerr.InvalidRequest, "unsupported prompt value: "+p)
		}
	}
	if containsString(prompt, "none") && len(prompt) > 1 {
		return oidcerr.New(oidcerr.InvalidRequest, "prompt=none must not be combined with other prompt values")
	}
	return nil
}

func parseMaxAge(raw string) (*time.Duration, error) {
	if raw == "" {
		return nil, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds < 0 {
		return nil, oidcerr.New(oidcerr.InvalidRequest, "max_age must be a non-negative integer")
	}
	d := time.Duration(seconds) * time.Second
	return &d, nil
}

func validateResources(requested, allowed []string) error {
	if len(allowed) == 0 || len(requested) == 0 {
		return nil
	}
	permitted := map[string]bool{}
	for _, r := range allowed {
		permitted[r] = true
	}
	for _, r := range requested {
		if !permitted[r] {
			return oidcerr.New(oidcerr.InvalidRequest, "resource indicator is not permitted: "+r)
		}
	}
	return nil
}

func splitSpace(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Fields(s)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsResponseType(normalized []string, v string) bool {
	return containsString(normalized, v)
}
