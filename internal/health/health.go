// Package health wraps go-sundheit into a reusable readiness checker. A
// host embedding this library registers checks against its own
// storage.Storage/TokenRegistry and polls Checker.IsHealthy() from
// whatever readiness probe it exposes; this core library owns no HTTP
// surface itself.
package health

import (
	"context"
	"fmt"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"

	"github.com/abblix/oidcore/internal/idgen"
	"github.com/abblix/oidcore/storage"
)

// Checker is the subset of gosundheit.Health this package exposes to
// callers, narrowed to what a host needs: register checks, and ask
// whether everything registered is currently passing.
type Checker struct {
	health gosundheit.Health
}

// New creates a Checker with no checks registered yet.
func New() *Checker {
	return &Checker{health: gosundheit.New()}
}

// PingFunc is a reachability probe for a single dependency: storage,
// the token registry, or anything else worth reporting on.
type PingFunc func(ctx context.Context) error

// RegisterPing adds a named periodic check that calls ping and reports
// its error (if any) as the check's failure via checks.CustomCheck.
func (c *Checker) RegisterPing(name string, ping PingFunc, period time.Duration) error {
	return c.health.RegisterCheck(
		&checks.CustomCheck{
			CheckName: name,
			CheckFunc: func(ctx context.Context) (interface{}, error) {
				return nil, ping(ctx)
			},
		},
		gosundheit.ExecutionPeriod(period),
		gosundheit.InitiallyPassing(true),
	)
}

// StoragePing probes s by writing and then deleting a short-lived
// pushed-authorization-request record, round-tripping a throwaway
// record through Storage to prove both the create and delete paths
// work.
func StoragePing(s storage.Storage, now func() time.Time) PingFunc {
	return func(ctx context.Context) error {
		uri := "urn:ietf:params:oauth:request_uri:healthcheck-" + idgen.ID(8)
		par := storage.PushedAuthorizationRequest{
			URI:    uri,
			Params: map[string][]string{"healthcheck": {"1"}},
			Expiry: now().Add(time.Minute),
		}
		if err := s.CreatePAR(ctx, par); err != nil {
			return fmt.Errorf("create health-check par: %w", err)
		}
		if err := s.DeletePAR(ctx, uri); err != nil {
			return fmt.Errorf("delete health-check par: %w", err)
		}
		return nil
	}
}

// IsHealthy reports whether every registered check is currently
// passing, the shape a /healthz handler inspects directly.
func (c *Checker) IsHealthy() bool {
	_, healthy := c.health.Results()
	return healthy
}

// Results returns the latest result for every registered check, keyed
// by check name, for a host that wants to render per-dependency detail
// rather than a single boolean.
func (c *Checker) Results() map[string]gosundheit.Result {
	results, _ := c.health.Results()
	return results
}
