package clientinfo

import (
	"context"
	"errors"
)

// ErrClientNotFound is returned by Provider.Lookup when no client is
// registered under the given id.
var ErrClientNotFound = errors.New("clientinfo: client not found")

// ErrClientAlreadyExists is returned by Manager.Add when the client_id is
// already taken.
var ErrClientAlreadyExists = errors.New("clientinfo: client already exists")

// Provider looks up a registered client by id. Implementations may be
// backed by static configuration, a database, or (as C12 requires) the
// dynamic client registration store.
type Provider interface {
	Lookup(ctx context.Context, clientID string) (*ClientInfo, error)
}

// Manager extends Provider with the mutations dynamic client management
// (C12) needs. The core calls these; it never manipulates client storage
// directly.
type Manager interface {
	Provider
	Add(ctx context.Context, c ClientInfo) error
	Update(ctx context.Context, c ClientInfo) error
	Remove(ctx context.Context, clientID string) error
}
