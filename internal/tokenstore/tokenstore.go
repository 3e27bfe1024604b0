// Package tokenstore holds the gateway's shared, mutable set of one-time
// authentication tokens plus an optional immutable permanent token. A
// successful match against a one-time token consumes exactly one instance
// of it; the permanent token, if configured, is never consumed.
//
// The one-time set is a multiset: two sessions can be pre-authorized with
// the same token value as two independent single-use credentials, and
// consuming one must not affect the other.
package tokenstore

import (
	"crypto/subtle"
	"sync"
)

// Kind identifies which class of token matched during validation.
type Kind int

const (
	// KindNone means no token matched.
	KindNone Kind = iota
	// KindOneTime means a one-time token matched and was consumed.
	KindOneTime
	// KindPermanent means the permanent token matched and was not consumed.
	KindPermanent
)

// Store is the process-wide, mutex-guarded one-time-token multiset plus the
// permanent token. The zero value is a usable, empty store.
type Store struct {
	mu             sync.Mutex
	oneTime        map[string]int
	permanentToken string
}

// New creates a Store seeded with the given one-time tokens and an optional
// permanent token (pass "" to disable the permanent token).
func New(oneTimeTokens []string, permanentToken string) *Store {
	s := &Store{
		oneTime:        make(map[string]int, len(oneTimeTokens)),
		permanentToken: permanentToken,
	}
	for _, t := range oneTimeTokens {
		s.oneTime[t]++
	}
	return s
}

// Add inserts one additional instance of a one-time token into the
// multiset. This is the mutation surface the Gateway Supervisor exposes to
// out-of-band token issuance.
func (s *Store) Add(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oneTime == nil {
		s.oneTime = make(map[string]int)
	}
	s.oneTime[token]++
}

// Consume validates candidate against the permanent token and the one-time
// multiset using constant-time comparisons, consuming exactly one instance
// of a matched one-time token. It reports which kind of token matched, or
// KindNone if no candidate in the store equals candidate.
//
// Read-check-remove is performed under a single critical section so
// concurrent sessions can never both consume the same one-time instance.
func (s *Store) Consume(candidate string) Kind {
	if candidate == "" {
		return KindNone
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Walk every candidate in the store with a constant-time comparison so
	// the match position never leaks through timing (I5). The permanent
	// token is checked in the same pass rather than short-circuited first,
	// so its presence or absence doesn't skew overall timing either.
	matchedOneTime := false
	for token, count := range s.oneTime {
		if count <= 0 {
			continue
		}
		if ConstantTimeEqual(candidate, token) {
			matchedOneTime = true
		}
	}

	matchedPermanent := s.permanentToken != "" && ConstantTimeEqual(candidate, s.permanentToken)

	switch {
	case matchedOneTime:
		// Consume exactly one instance of the matched value.
		if s.oneTime[candidate] > 0 {
			s.oneTime[candidate]--
			if s.oneTime[candidate] == 0 {
				delete(s.oneTime, candidate)
			}
		}
		return KindOneTime
	case matchedPermanent:
		return KindPermanent
	default:
		return KindNone
	}
}

// Snapshot returns the current one-time tokens as a flat slice, one entry
// per remaining use. Intended for tests and admin introspection only.
func (s *Store) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for token, count := range s.oneTime {
		for i := 0; i < count; i++ {
			out = append(out, token)
		}
	}
	return out
}

// ConstantTimeEqual reports whether a and b are equal in time independent of
// where they first differ, guarding against timing oracles on secret values.
// Exported so other packages comparing bearer-style secrets (e.g. the admin
// API's gateway token) share the same primitive instead of a plain !=.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
