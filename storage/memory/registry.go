package memory

import (
	"context"
	"sync"
	"time"

	"github.com/abblix/oidcore/storage"
)

var _ storage.TokenRegistry = (*TokenRegistry)(nil)

// TokenRegistry is an in-memory implementation of storage.TokenRegistry.
// TryConsume is guarded by a single mutex, which trivially satisfies the
// linearizability the core requires of it.
type TokenRegistry struct {
	mu      sync.Mutex
	records map[string]storage.TokenRecord
}

// NewTokenRegistry returns an empty in-memory TokenRegistry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{records: make(map[string]storage.TokenRecord)}
}

func (r *TokenRegistry) Register(_ context.Context, rec storage.TokenRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Status == "" {
		rec.Status = storage.StatusActive
	}
	r.records[rec.JTI] = rec
	return nil
}

func (r *TokenRegistry) SetStatus(_ context.Context, jti string, status storage.TokenStatus, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jti]
	if !ok {
		now := time.Now()
		rec = storage.TokenRecord{JTI: jti, IssuedAt: now, Expiry: now.Add(ttl)}
	}
	rec.Status = status
	r.records[jti] = rec
	return nil
}

func (r *TokenRegistry) GetStatus(_ context.Context, jti string) (storage.TokenStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jti]
	if !ok {
		// Benign default: a jti never recorded is treated as active.
		return storage.StatusActive, nil
	}
	return rec.Status, nil
}

func (r *TokenRegistry) TryConsume(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jti]
	if !ok || rec.Status != storage.StatusActive {
		return false, nil
	}
	rec.Status = storage.StatusUsed
	r.records[jti] = rec
	return true, nil
}

func (r *TokenRegistry) Get(_ context.Context, jti string) (storage.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[jti]
	if !ok {
		return storage.TokenRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (r *TokenRegistry) RevokeChain(_ context.Context, chainHead string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for jti, rec := range r.records {
		if rec.ChainHead == chainHead || jti == chainHead {
			rec.Status = storage.StatusRevoked
			r.records[jti] = rec
		}
	}
	return nil
}
