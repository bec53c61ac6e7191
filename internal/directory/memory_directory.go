package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-memory Directory intended for tests and local runs. It enforces the same
// (provider, external_identifier) uniqueness as the persistent backends.
type MemoryDirectory struct {
	mutex      sync.Mutex
	byID       map[string]User
	order      []string
	identities map[string]string
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:       make(map[string]User),
		identities: make(map[string]string),
	}
}

// Driver labels the backend for logs.
func (store *MemoryDirectory) Driver() string {
	return "memory"
}

// Query returns matching users in insertion order.
func (store *MemoryDirectory) Query(ctx context.Context, filter Filter, limit int) ([]User, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, fmt.Errorf("directory.query.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	matches := make([]User, 0)
	for _, userID := range store.order {
		user := store.byID[userID]
		if !user.Matches(filter) {
			continue
		}
		matches = append(matches, user)
		if limit > 0 && len(matches) == limit {
			break
		}
	}
	return matches, nil
}

// Create stores the user, assigning an identifier when none is set.
func (store *MemoryDirectory) Create(ctx context.Context, user User) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, exists := store.byID[user.ID]; exists {
		return "", fmt.Errorf("directory.create.memory: id %s already exists", user.ID)
	}
	key := identityKey(user.Provider, user.ExternalIdentifier)
	if key != "" {
		if _, taken := store.identities[key]; taken {
			return "", fmt.Errorf("directory.create.memory: %w", ErrDuplicateIdentity)
		}
		store.identities[key] = user.ID
	}
	store.byID[user.ID] = user
	store.order = append(store.order, user.ID)
	return user.ID, nil
}

// Update applies the patch, keeping the identity index consistent.
func (store *MemoryDirectory) Update(ctx context.Context, userID string, patch Patch) error {
	if err := ValidatePatch(patch); err != nil {
		return fmt.Errorf("directory.update.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	current, ok := store.byID[userID]
	if !ok {
		return fmt.Errorf("directory.update.memory: %w", ErrNotFound)
	}
	updated := current.WithPatch(patch)
	previousKey := identityKey(current.Provider, current.ExternalIdentifier)
	nextKey := identityKey(updated.Provider, updated.ExternalIdentifier)
	if nextKey != previousKey {
		if nextKey != "" {
			if owner, taken := store.identities[nextKey]; taken && owner != userID {
				return fmt.Errorf("directory.update.memory: %w", ErrDuplicateIdentity)
			}
			store.identities[nextKey] = userID
		}
		if previousKey != "" {
			delete(store.identities, previousKey)
		}
	}
	store.byID[userID] = updated
	return nil
}

// Read returns a copy of the stored user.
func (store *MemoryDirectory) Read(ctx context.Context, userID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user, ok := store.byID[userID]
	if !ok {
		return User{}, fmt.Errorf("directory.read.memory: %w", ErrNotFound)
	}
	return user, nil
}

// Len reports the number of stored users.
func (store *MemoryDirectory) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.byID)
}

func identityKey(provider string, externalIdentifier string) string {
	if externalIdentifier == "" {
		return ""
	}
	return provider + "\x00" + externalIdentifier
}
