package bridge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStateNotFound indicates the state value was never issued or was already consumed.
	ErrStateNotFound = errors.New("state.not_found")
	// ErrStateExpired indicates the state value outlived its TTL before the callback arrived.
	ErrStateExpired = errors.New("state.expired")
)

const stateTokenSize = 32

// StateStore issues one-time values that bind an authorize redirect to its callback.
type StateStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, state string) error
}

// MemoryStateStore keeps issued state values in process memory.
type MemoryStateStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewMemoryStateStore constructs a StateStore whose values expire after ttl.
func NewMemoryStateStore(ttl time.Duration, clock Clock) *MemoryStateStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryStateStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

// Issue creates a random state value.
func (store *MemoryStateStore) Issue(ctx context.Context) (string, error) {
	buffer := make([]byte, stateTokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(buffer)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state] = store.clock.Now().Add(store.ttl)
	return state, nil
}

// Consume invalidates state; a second Consume of the same value fails.
func (store *MemoryStateStore) Consume(ctx context.Context, state string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.entries[state]
	if !ok {
		store.purgeExpiredLocked()
		return ErrStateNotFound
	}
	delete(store.entries, state)
	if store.clock.Now().After(expiry) {
		store.purgeExpiredLocked()
		return ErrStateExpired
	}
	store.purgeExpiredLocked()
	return nil
}

func (store *MemoryStateStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for state, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, state)
		}
	}
}
