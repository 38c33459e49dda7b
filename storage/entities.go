// Package storage defines the entities the core persists through
// capability interfaces, and those interfaces themselves: Storage,
// TokenRegistry. The core never owns these records directly — it
// holds only value copies obtained through these interfaces, never
// implementing persistence itself.
package storage

import "time"

// RequestedClaim is one entry of the two-bucket `claims` request
// parameter's dynamic mapping: claim name -> {essential, value, values}.
type RequestedClaim struct {
	Essential bool
	Value     string
	Values    []string
}

// RequestedClaims is the parsed `claims` parameter, split into the
// id_token and userinfo buckets per OpenID Connect Core §5.5.
type RequestedClaims struct {
	IDToken  map[string]RequestedClaim
	UserInfo map[string]RequestedClaim
}

// ResponseMode is how the authorization response is delivered.
type ResponseMode string

const (
	ResponseModeQuery    ResponseMode = "query"
	ResponseModeFragment ResponseMode = "fragment"
	ResponseModeFormPost ResponseMode = "form_post"
)

// AuthorizationContext is the server's persisted decision bound to an
// authorization code. PAR handles do not use it; they store raw
// parameters in PushedAuthorizationRequest.
type AuthorizationContext struct {
	Code string

	ClientID    string
	RedirectURI string
	Scopes      []string
	Claims      RequestedClaims
	Nonce       string

	CodeChallenge       string
	CodeChallengeMethod string

	Resources []string

	ResponseType string
	ResponseMode ResponseMode

	Subject  string
	ACR      string
	AuthTime time.Time
	SID      string

	Expiry time.Time
}

// PushedAuthorizationRequest is the handle a PAR POST or a PAR-style
// interaction redirect resolves to later.
type PushedAuthorizationRequest struct {
	URI    string // urn:ietf:params:oauth:request_uri:<opaque>
	Params map[string][]string
	Expiry time.Time
}

// TokenStatus is the lifecycle state tracked by TokenRegistry for a jti.
type TokenStatus string

const (
	StatusActive  TokenStatus = "active"
	StatusUsed    TokenStatus = "used"
	StatusRevoked TokenStatus = "revoked"
)

// TokenRecord is a registry entry for one issued JWT.
// Refresh-specific fields are zero-valued for access-token records.
type TokenRecord struct {
	JTI      string
	ClientID string
	Subject  string
	IssuedAt time.Time
	Expiry   time.Time
	Status   TokenStatus

	// Refresh-token rotation bookkeeping.
	ChainHead       string // jti of the first token in this rotation chain
	AbsoluteExpiry  time.Time
	SlidingExpiry   time.Time
}

// AuthSession captures an end-user session.
type AuthSession struct {
	SessionID         string
	Subject           string
	AuthenticatedAt    time.Time
	ACR               string
	IdentityProvider  string
	AffectedClientIDs []string
}

// WithAffectedClient returns a copy of s with clientID added to
// AffectedClientIDs if not already present.
func (s AuthSession) WithAffectedClient(clientID string) AuthSession {
	for _, id := range s.AffectedClientIDs {
		if id == clientID {
			return s
		}
	}
	s.AffectedClientIDs = append(append([]string{}, s.AffectedClientIDs...), clientID)
	return s
}

// CibaState is the lifecycle of a CibaRequest.
type CibaState string

const (
	CibaPending    CibaState = "pending"
	CibaAuthorized CibaState = "authorized"
	CibaDenied     CibaState = "denied"
	CibaExpired    CibaState = "expired"
)

// CibaDeliveryMode mirrors clientinfo.CibaDeliveryMode without importing
// it, since storage must not depend on clientinfo's registration-time
// concerns; the two are kept in lockstep by the ciba package.
type CibaDeliveryMode string

const (
	CibaModePoll CibaDeliveryMode = "poll"
	CibaModePing CibaDeliveryMode = "ping"
	CibaModePush CibaDeliveryMode = "push"
)

// CibaRequest is the auth_req_id lifecycle record.
type CibaRequest struct {
	AuthReqID      string
	ClientID       string
	Scopes         []string
	Resources      []string
	SubjectHint    string
	BindingMessage string
	UserCode       string

	State    CibaState
	Subject  string // populated once authorized
	ACR      string
	AuthTime time.Time

	Expiry       time.Time
	NextPollAt   time.Time
	PollInterval time.Duration
	DeliveryMode CibaDeliveryMode
	// ClientNotificationToken authenticates the ping/push callback the
	// engine POSTs to the client's backchannel_client_notification_endpoint
	// (the client presents it back as a Bearer credential).
	ClientNotificationToken string
}

// DeviceState is the lifecycle of a DeviceGrant.
type DeviceState string

const (
	DevicePending  DeviceState = "pending"
	DeviceApproved DeviceState = "approved"
	DeviceDenied   DeviceState = "denied"
	DeviceExpired  DeviceState = "expired"
)

// DeviceGrant is the device_code/user_code record.
type DeviceGrant struct {
	DeviceCode      string
	UserCode        string
	ClientID        string
	Scopes          []string
	VerificationURI string

	State    DeviceState
	Subject  string
	ACR      string
	AuthTime time.Time

	Expiry       time.Time
	PollInterval time.Duration
	LastPolledAt time.Time

	// used is true once a token has been successfully issued for this
	// grant, so replays after Approved -> minted cannot re-mint.
	Used bool
}

// RegisteredClientHandle binds a registration_access_token to a
// client_id for dynamic client management.
type RegisteredClientHandle struct {
	ClientID                string
	RegistrationAccessToken string // jti of the current registration_access_token
}

// IPFailureWindow tracks verification failures under one key for a
// sliding-window rate limiter; the device engine keys it by source IP.
type IPFailureWindow struct {
	Key           string
	FailureTimes  []time.Time
	BackoffUntil  time.Time
}
