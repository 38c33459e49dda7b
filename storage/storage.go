package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Storage/TokenRegistry lookups that find no
// matching record.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned by Create-style calls when the key is
// already taken.
var ErrAlreadyExists = errors.New("storage: already exists")

// ErrConflict is available to implementations for a compare-and-swap
// style update whose expected prior state does not hold. The in-memory
// implementations never return it, and TokenRegistry.TryConsume reports
// a failed consume as false with a nil error.
var ErrConflict = errors.New("storage: conflict")

// Storage is the persistence abstraction the core consults for every
// entity it does not itself own: authorization contexts (by code),
// pushed authorization requests, CIBA requests, device grants,
// registration handles, and IP/user-code rate-limit counters.
//
// Implementations must be safe for concurrent use. The only strong
// ordering guarantee the core requires is linearizable compare-and-swap
// on whichever operations are documented as atomic below; everything
// else may be eventually consistent.
type Storage interface {
	// Authorization codes.
	CreateAuthorizationContext(ctx context.Context, a AuthorizationContext) error
	// ConsumeAuthorizationContext atomically fetches and deletes the
	// context for code, returning ErrNotFound if it was already consumed
	// or never existed. This is the authorization-code single-use
	// primitive RFC 6749 §4.1.2 requires.
	ConsumeAuthorizationContext(ctx context.Context, code string) (AuthorizationContext, error)

	// Pushed Authorization Requests.
	CreatePAR(ctx context.Context, p PushedAuthorizationRequest) error
	GetPAR(ctx context.Context, uri string) (PushedAuthorizationRequest, error)
	DeletePAR(ctx context.Context, uri string) error

	// CIBA.
	CreateCibaRequest(ctx context.Context, c CibaRequest) error
	GetCibaRequest(ctx context.Context, authReqID string) (CibaRequest, error)
	// UpdateCibaRequest applies updater to the current record within a
	// single atomic transaction; updater may be invoked more than once.
	UpdateCibaRequest(ctx context.Context, authReqID string, updater func(CibaRequest) (CibaRequest, error)) error
	DeleteCibaRequest(ctx context.Context, authReqID string) error
	// Subscribe returns a channel that receives a notification whenever
	// the given auth_req_id's record is updated, and a cancel func. Used
	// for cooperative long-polling instead of busy-waiting.
	Subscribe(authReqID string) (notify <-chan struct{}, cancel func())

	// Device grant.
	CreateDeviceGrant(ctx context.Context, d DeviceGrant) error
	GetDeviceGrantByDeviceCode(ctx context.Context, deviceCode string) (DeviceGrant, error)
	GetDeviceGrantByUserCode(ctx context.Context, userCode string) (DeviceGrant, error)
	UpdateDeviceGrant(ctx context.Context, deviceCode string, updater func(DeviceGrant) (DeviceGrant, error)) error
	DeleteDeviceGrant(ctx context.Context, deviceCode string) error
	SubscribeDevice(deviceCode string) (notify <-chan struct{}, cancel func())

	// Dynamic client registration handles.
	CreateRegisteredClientHandle(ctx context.Context, h RegisteredClientHandle) error
	GetRegisteredClientHandle(ctx context.Context, clientID string) (RegisteredClientHandle, error)
	DeleteRegisteredClientHandle(ctx context.Context, clientID string) error

	// AuthSession.
	CreateAuthSession(ctx context.Context, s AuthSession) error
	GetAuthSession(ctx context.Context, sessionID string) (AuthSession, error)
	UpdateAuthSession(ctx context.Context, sessionID string, updater func(AuthSession) (AuthSession, error)) error
	DeleteAuthSession(ctx context.Context, sessionID string) error

	// Rate limiting (device user-code verification). RecordFailure appends a
	// failure timestamp and returns the updated window; implementations
	// must prune entries older than window internally.
	RecordFailure(ctx context.Context, key string, now time.Time, window time.Duration) (IPFailureWindow, error)
	GetFailureWindow(ctx context.Context, key string) (IPFailureWindow, error)
	SetBackoff(ctx context.Context, key string, until time.Time) error

	// RunGC deletes expired authorization contexts, PAR handles, CIBA
	// requests, and device grants, returning counts. The core never
	// schedules this itself; a host may call it on a ticker.
	RunGC(ctx context.Context, now time.Time) (GCResult, error)

	Close() error
}

// GCResult reports how many expired records RunGC removed.
type GCResult struct {
	AuthorizationContexts int64
	PARs                  int64
	CibaRequests          int64
	DeviceGrants          int64
}

// IsEmpty reports whether RunGC found nothing to remove.
func (g GCResult) IsEmpty() bool {
	return g.AuthorizationContexts == 0 && g.PARs == 0 && g.CibaRequests == 0 && g.DeviceGrants == 0
}

// TokenRegistry tracks the lifecycle of every minted JWT by its jti.
// TryConsume is the one primitive the core requires to be linearizable;
// SetStatus/GetStatus may be eventually consistent as long as a
// revocation becomes visible within one polling interval.
type TokenRegistry interface {
	// Register records a freshly minted token as active with the given
	// TTL (exp - iat). Implementations must make this visible to
	// GetStatus before the token can be presented anywhere else.
	Register(ctx context.Context, rec TokenRecord) error

	// SetStatus idempotently transitions jti to status, extending its
	// tracked lifetime to ttl from now if the record does not already
	// exist (so revoking an unknown jti still works).
	SetStatus(ctx context.Context, jti string, status TokenStatus, ttl time.Duration) error

	// GetStatus returns StatusActive for any jti never recorded — a
	// benign default — or the recorded status otherwise.
	GetStatus(ctx context.Context, jti string) (TokenStatus, error)

	// TryConsume atomically transitions jti from StatusActive to
	// StatusUsed, returning false if the current status was not
	// StatusActive. This is the only primitive that prevents refresh
	// token and authorization-code replay.
	TryConsume(ctx context.Context, jti string) (bool, error)

	// Get returns the full record for jti, used by rotation to look up
	// chain metadata.
	Get(ctx context.Context, jti string) (TokenRecord, error)

	// RevokeChain marks every token sharing chainHead as revoked, used
	// when refresh-token reuse is detected.
	RevokeChain(ctx context.Context, chainHead string) error
}
