// Package session holds the in-memory bearer-token session store and the
// allow-list gate in front of completion endpoints. Sessions live for the
// process lifetime; there is no eviction and no persistence.
package session

import (
	"log/slog"
	"sync"
)

// Store maps bearer tokens to principal identifiers (user emails). It is
// mutated by concurrent requests and guards itself with a mutex.
type Store struct {
	mu      sync.RWMutex
	byToken map[string]string
}

// NewStore constructs an empty session store.
func NewStore() *Store {
	return &Store{byToken: make(map[string]string)}
}

// Record inserts the token → principal mapping if absent. It never
// overwrites an existing mapping for the same token, so concurrent inserts
// for one token are idempotent.
func (s *Store) Record(token, principal string) {
	if token == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byToken[token]; exists {
		return
	}
	slog.Info("registering session", "principal", principal)
	s.byToken[token] = principal
}

// Lookup returns the principal recorded for a token.
func (s *Store) Lookup(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	principal, ok := s.byToken[token]
	return principal, ok
}

// Len returns the number of recorded sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.byToken)
}

// Gate authorizes bearer tokens against the session store and an optional
// allow-list of principals. With no allow-list configured the gate is
// disabled and every request passes.
type Gate struct {
	store   *Store
	allowed map[string]struct{}
}

// NewGate constructs a gate over the given store. An empty allowed slice
// disables the gate.
func NewGate(store *Store, allowed []string) *Gate {
	g := &Gate{store: store}
	if len(allowed) > 0 {
		g.allowed = make(map[string]struct{}, len(allowed))
		for _, principal := range allowed {
			g.allowed[principal] = struct{}{}
		}
	}
	return g
}

// Enabled reports whether an allow-list is configured.
func (g *Gate) Enabled() bool {
	return g.allowed != nil
}

// Authorize reports whether the token may use gated endpoints.
//
// Sessions are registered only when the profile endpoint is fetched, so a
// token that has never been through a profile fetch is rejected here even if
// its principal is on the allow-list. The client always fetches the profile
// first, and the gate deliberately keeps that ordering contract.
func (g *Gate) Authorize(token string) bool {
	if g.allowed == nil {
		return true
	}

	principal, ok := g.store.Lookup(token)
	if !ok {
		slog.Warn("token has no session", "token_known", false)
		return false
	}
	if _, ok := g.allowed[principal]; !ok {
		slog.Warn("principal not on allow-list", "principal", principal)
		return false
	}
	return true
}
