package healing

import (
	"sync"
	"time"
)

// EndpointHealth is the advisory health record for one
// (platform, endpoint index) pair.
type EndpointHealth struct {
	ConsecutiveFailures int
	LastCheckedAt       time.Time
	LastKnownGood       bool
}

type healthKey struct {
	platform string
	index    int
}

// HealthStore tracks endpoint health. It is written only by the
// healing controller; readers tolerate slightly stale data since
// health is advisory, not load-bearing.
type HealthStore struct {
	mu sync.RWMutex
	m  map[healthKey]*EndpointHealth
}

// NewHealthStore creates an empty store.
func NewHealthStore() *HealthStore {
	return &HealthStore{m: make(map[healthKey]*EndpointHealth)}
}

// MarkFailure records a failure attributable to the endpoint itself.
func (s *HealthStore) MarkFailure(platform string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.get(platform, index)
	h.ConsecutiveFailures++
	h.LastCheckedAt = time.Now()
	h.LastKnownGood = false
}

// MarkSuccess records a successful transfer through the endpoint.
func (s *HealthStore) MarkSuccess(platform string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.get(platform, index)
	h.ConsecutiveFailures = 0
	h.LastCheckedAt = time.Now()
	h.LastKnownGood = true
}

// Lookup returns the health record for an endpoint, if any.
func (s *HealthStore) Lookup(platform string, index int) (EndpointHealth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.m[healthKey{platform, index}]
	if !ok {
		return EndpointHealth{}, false
	}
	return *h, true
}

// Healthy reports whether an endpoint is usable. Unknown endpoints
// count as healthy.
func (s *HealthStore) Healthy(platform string, index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.m[healthKey{platform, index}]
	return !ok || h.LastKnownGood || h.ConsecutiveFailures == 0
}

// Preferred returns the first healthy endpoint index for a platform
// with count candidates, falling back to 0 when all look unhealthy.
func (s *HealthStore) Preferred(platform string, count int) int {
	for i := 0; i < count; i++ {
		if s.Healthy(platform, i) {
			return i
		}
	}
	return 0
}

// get returns the record for key, creating it if needed.
// Callers must hold the write lock.
func (s *HealthStore) get(platform string, index int) *EndpointHealth {
	k := healthKey{platform, index}
	h, ok := s.m[k]
	if !ok {
		h = &EndpointHealth{}
		s.m[k] = h
	}
	return h
}
