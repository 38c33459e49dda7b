// Package memory provides an in-memory Storage implementation. It
// exists so the core is independently testable end to end without a
// database — it is reference material, not a production backend.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abblix/oidcore/storage"
)

var _ storage.Storage = (*Storage)(nil)

// Storage is an in-memory, goroutine-safe implementation of
// storage.Storage.
type Storage struct {
	mu sync.Mutex

	authContexts map[string]storage.AuthorizationContext
	pars         map[string]storage.PushedAuthorizationRequest
	ciba         map[string]storage.CibaRequest
	device       map[string]storage.DeviceGrant
	deviceByUser map[string]string // user code -> device code
	handles      map[string]storage.RegisteredClientHandle
	sessions     map[string]storage.AuthSession
	failures     map[string]storage.IPFailureWindow

	cibaWatchers   map[string][]chan struct{}
	deviceWatchers map[string][]chan struct{}

	logger *slog.Logger
}

// New returns an empty in-memory Storage.
func New(logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		authContexts:   make(map[string]storage.AuthorizationContext),
		pars:           make(map[string]storage.PushedAuthorizationRequest),
		ciba:           make(map[string]storage.CibaRequest),
		device:         make(map[string]storage.DeviceGrant),
		deviceByUser:   make(map[string]string),
		handles:        make(map[string]storage.RegisteredClientHandle),
		sessions:       make(map[string]storage.AuthSession),
		failures:       make(map[string]storage.IPFailureWindow),
		cibaWatchers:   make(map[string][]chan struct{}),
		deviceWatchers: make(map[string][]chan struct{}),
		logger:         logger,
	}
}

func (s *Storage) Close() error { return nil }

// --- Authorization contexts ---

func (s *Storage) CreateAuthorizationContext(_ context.Context, a storage.AuthorizationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authContexts[a.Code]; ok {
		return storage.ErrAlreadyExists
	}
	s.authContexts[a.Code] = a
	return nil
}

func (s *Storage) ConsumeAuthorizationContext(_ context.Context, code string) (storage.AuthorizationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authContexts[code]
	if !ok {
		return storage.AuthorizationContext{}, storage.ErrNotFound
	}
	delete(s.authContexts, code)
	return a, nil
}

// --- PAR ---

func (s *Storage) CreatePAR(_ context.Context, p storage.PushedAuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pars[p.URI] = p
	return nil
}

func (s *Storage) GetPAR(_ context.Context, uri string) (storage.PushedAuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pars[uri]
	if !ok {
		return storage.PushedAuthorizationRequest{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Storage) DeletePAR(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pars, uri)
	return nil
}

// --- CIBA ---

func (s *Storage) CreateCibaRequest(_ context.Context, c storage.CibaRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ciba[c.AuthReqID]; ok {
		return storage.ErrAlreadyExists
	}
	s.ciba[c.AuthReqID] = c
	return nil
}

func (s *Storage) GetCibaRequest(_ context.Context, authReqID string) (storage.CibaRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.ciba[authReqID]
	if !ok {
		return storage.CibaRequest{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Storage) UpdateCibaRequest(_ context.Context, authReqID string, updater func(storage.CibaRequest) (storage.CibaRequest, error)) error {
	s.mu.Lock()
	cur, ok := s.ciba[authReqID]
	if !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	next, err := updater(cur)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.ciba[authReqID] = next
	watchers := s.cibaWatchers[authReqID]
	delete(s.cibaWatchers, authReqID)
	s.mu.Unlock()

	for _, ch := range watchers {
		close(ch)
	}
	return nil
}

func (s *Storage) DeleteCibaRequest(_ context.Context, authReqID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ciba, authReqID)
	return nil
}

func (s *Storage) Subscribe(authReqID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.cibaWatchers[authReqID] = append(s.cibaWatchers[authReqID], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.cibaWatchers[authReqID]
		for i, w := range watchers {
			if w == ch {
				s.cibaWatchers[authReqID] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// --- Device grant ---

func (s *Storage) CreateDeviceGrant(_ context.Context, d storage.DeviceGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.device[d.DeviceCode]; ok {
		return storage.ErrAlreadyExists
	}
	s.device[d.DeviceCode] = d
	s.deviceByUser[d.UserCode] = d.DeviceCode
	return nil
}

func (s *Storage) GetDeviceGrantByDeviceCode(_ context.Context, deviceCode string) (storage.DeviceGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.device[deviceCode]
	if !ok {
		return storage.DeviceGrant{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Storage) GetDeviceGrantByUserCode(_ context.Context, userCode string) (storage.DeviceGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deviceCode, ok := s.deviceByUser[userCode]
	if !ok {
		return storage.DeviceGrant{}, storage.ErrNotFound
	}
	d, ok := s.device[deviceCode]
	if !ok {
		return storage.DeviceGrant{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Storage) UpdateDeviceGrant(_ context.Context, deviceCode string, updater func(storage.DeviceGrant) (storage.DeviceGrant, error)) error {
	s.mu.Lock()
	cur, ok := s.device[deviceCode]
	if !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	next, err := updater(cur)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.device[deviceCode] = next
	watchers := s.deviceWatchers[deviceCode]
	delete(s.deviceWatchers, deviceCode)
	s.mu.Unlock()

	for _, ch := range watchers {
		close(ch)
	}
	return nil
}

func (s *Storage) DeleteDeviceGrant(_ context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.device[deviceCode]; ok {
		delete(s.deviceByUser, d.UserCode)
	}
	delete(s.device, deviceCode)
	return nil
}

func (s *Storage) SubscribeDevice(deviceCode string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.deviceWatchers[deviceCode] = append(s.deviceWatchers[deviceCode], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.deviceWatchers[deviceCode]
		for i, w := range watchers {
			if w == ch {
				s.deviceWatchers[deviceCode] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// --- Dynamic client registration handles ---

func (s *Storage) CreateRegisteredClientHandle(_ context.Context, h storage.RegisteredClientHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.ClientID] = h
	return nil
}

func (s *Storage) GetRegisteredClientHandle(_ context.Context, clientID string) (storage.RegisteredClientHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[clientID]
	if !ok {
		return storage.RegisteredClientHandle{}, storage.ErrNotFound
	}
	return h, nil
}

func (s *Storage) DeleteRegisteredClientHandle(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, clientID)
	return nil
}

// --- AuthSession ---

func (s *Storage) CreateAuthSession(_ context.Context, sess storage.AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = sess
	return nil
}

func (s *Storage) GetAuthSession(_ context.Context, sessionID string) (storage.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return storage.AuthSession{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *Storage) UpdateAuthSession(_ context.Context, sessionID string, updater func(storage.AuthSession) (storage.AuthSession, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := updater(cur)
	if err != nil {
		return err
	}
	s.sessions[sessionID] = next
	return nil
}

func (s *Storage) DeleteAuthSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// --- Rate limiting ---

func (s *Storage) RecordFailure(_ context.Context, key string, now time.Time, window time.Duration) (storage.IPFailureWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.failures[key]
	w.Key = key
	w.FailureTimes = append(w.FailureTimes, now)
	cutoff := now.Add(-window)
	pruned := w.FailureTimes[:0]
	for _, t := range w.FailureTimes {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	w.FailureTimes = pruned
	s.failures[key] = w
	return w, nil
}

func (s *Storage) GetFailureWindow(_ context.Context, key string) (storage.IPFailureWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[key], nil
}

func (s *Storage) SetBackoff(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.failures[key]
	w.Key = key
	w.BackoffUntil = until
	s.failures[key] = w
	return nil
}

// --- GC ---

func (s *Storage) RunGC(_ context.Context, now time.Time) (storage.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result storage.GCResult
	for code, a := range s.authContexts {
		if now.After(a.Expiry) {
			delete(s.authContexts, code)
			result.AuthorizationContexts++
		}
	}
	for uri, p := range s.pars {
		if now.After(p.Expiry) {
			delete(s.pars, uri)
			result.PARs++
		}
	}
	for id, c := range s.ciba {
		if now.After(c.Expiry) {
			delete(s.ciba, id)
			result.CibaRequests++
		}
	}
	for code, d := range s.device {
		if now.After(d.Expiry) {
			delete(s.deviceByUser, d.UserCode)
			delete(s.device, code)
			result.DeviceGrants++
		}
	}
	return result, nil
}
