// Package memory provides an in-memory clientinfo.Manager, the
// reference client catalogue used in tests and by the dynamic
// registration package before a real backend is wired in.
package memory

import (
	"context"
	"sync"

	"github.com/abblix/oidcore/clientinfo"
)

var _ clientinfo.Manager = (*Catalogue)(nil)

// Catalogue is a goroutine-safe, in-memory clientinfo.Manager.
type Catalogue struct {
	mu      sync.RWMutex
	clients map[string]clientinfo.ClientInfo
}

// New returns an empty Catalogue, optionally pre-populated with clients.
func New(clients ...clientinfo.ClientInfo) *Catalogue {
	c := &Catalogue{clients: make(map[string]clientinfo.ClientInfo, len(clients))}
	for _, cl := range clients {
		c.clients[cl.ClientID] = cl
	}
	return c
}

func (c *Catalogue) Lookup(_ context.Context, clientID string) (*clientinfo.ClientInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.clients[clientID]
	if !ok {
		return nil, clientinfo.ErrClientNotFound
	}
	cp := cl
	return &cp, nil
}

func (c *Catalogue) Add(_ context.Context, cl clientinfo.ClientInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[cl.ClientID]; ok {
		return clientinfo.ErrClientAlreadyExists
	}
	c.clients[cl.ClientID] = cl
	return nil
}

func (c *Catalogue) Update(_ context.Context, cl clientinfo.ClientInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[cl.ClientID]; !ok {
		return clientinfo.ErrClientNotFound
	}
	c.clients[cl.ClientID] = cl
	return nil
}

func (c *Catalogue) Remove(_ context.Context, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, clientID)
	return nil
}
