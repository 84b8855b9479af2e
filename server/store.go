package server

import (
	"time"

	cache "github.com/patrickmn/go-cache"
)

// LoginStateStore remembers issued anti-replay state values until the
// callback consumes them. Entries expire on their own so abandoned logins
// do not accumulate.
type LoginStateStore struct {
	states *cache.Cache
}

// NewLoginStateStore constructs the store with the given entry lifetime.
func NewLoginStateStore(ttl time.Duration) *LoginStateStore {
	return &LoginStateStore{states: cache.New(ttl, ttl)}
}

// Remember records a freshly issued state value.
func (s *LoginStateStore) Remember(state string) {
	s.states.SetDefault(state, struct{}{})
}

// Consume removes and reports a pending state. A state is valid exactly once.
func (s *LoginStateStore) Consume(state string) bool {
	if state == "" {
		return false
	}
	if _, ok := s.states.Get(state); !ok {
		return false
	}
	s.states.Delete(state)
	return true
}
