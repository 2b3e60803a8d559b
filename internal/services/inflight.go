package services

import (
	"context"
	"sync"
	"time"
)

// InFlightGuard holds short-lived submission markers. A marker is owned by the
// request token that acquired it and expires after its ttl even if never
// released.
type InFlightGuard interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// InFlightKey identifies one (event, sample, user) submission slot.
func InFlightKey(eventID, sampleID, userID string) string {
	return "inflight:" + eventID + ":" + sampleID + ":" + userID
}

type inflightEntry struct {
	token   string
	expires time.Time
}

// MemoryInFlight is a single-process InFlightGuard.
type MemoryInFlight struct {
	mu   sync.Mutex
	held map[string]inflightEntry
	now  func() time.Time
}

func NewMemoryInFlight() *MemoryInFlight {
	return &MemoryInFlight{held: map[string]inflightEntry{}, now: time.Now}
}

func (m *MemoryInFlight) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.held {
		if !now.Before(e.expires) {
			delete(m.held, k)
		}
	}
	if _, busy := m.held[key]; busy {
		return false, nil
	}
	m.held[key] = inflightEntry{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryInFlight) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.held[key]; ok && e.token == token {
		delete(m.held, key)
	}
	return nil
}
