package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tyemirov/oauthbridge/internal/directory"
	"github.com/tyemirov/oauthbridge/internal/identity"
	"go.uber.org/zap/zaptest"
)

const testSigningKey = "test-signing-secret"

type controllableClock struct {
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		PublicURL:        "http://localhost:8055",
		FrontendURL:      "http://localhost:4200",
		SigningKey:       []byte(testSigningKey),
		Issuer:           "directus",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
		ProviderTimeout:  10 * time.Second,
		DirectoryTimeout: 5 * time.Second,
		StateTTL:         5 * time.Minute,
	}
}

// countingDirectory wraps a Directory and counts calls per operation.
type countingDirectory struct {
	directory.Directory
	queries      atomic.Int64
	creates      atomic.Int64
	updates      atomic.Int64
	reads        atomic.Int64
	queryErr     error
	stallQueries bool
	beforeCreate func()
	lastPatch    directory.Patch
}

func newCountingDirectory() *countingDirectory {
	return &countingDirectory{Directory: directory.NewMemoryDirectory()}
}

func (store *countingDirectory) Query(ctx context.Context, filter directory.Filter, limit int) ([]directory.User, error) {
	store.queries.Add(1)
	if store.queryErr != nil {
		return nil, store.queryErr
	}
	if store.stallQueries {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return store.Directory.Query(ctx, filter, limit)
}

func (store *countingDirectory) Create(ctx context.Context, user directory.User) (string, error) {
	store.creates.Add(1)
	if store.beforeCreate != nil {
		store.beforeCreate()
	}
	return store.Directory.Create(ctx, user)
}

func (store *countingDirectory) Update(ctx context.Context, userID string, patch directory.Patch) error {
	store.updates.Add(1)
	store.lastPatch = patch
	return store.Directory.Update(ctx, userID, patch)
}

func (store *countingDirectory) Read(ctx context.Context, userID string) (directory.User, error) {
	store.reads.Add(1)
	return store.Directory.Read(ctx, userID)
}

func (store *countingDirectory) calls() int64 {
	return store.queries.Load() + store.creates.Load() + store.updates.Load() + store.reads.Load()
}

// stubProvider is a provider.Provider with scripted results.
type stubProvider struct {
	name          string
	token         string
	exchangeErr   error
	identity      identity.ExternalIdentity
	fetchErr      error
	panicOnFetch  bool
	exchangeCalls atomic.Int64
	fetchCalls    atomic.Int64
}

func (stub *stubProvider) Name() string {
	if stub.name == "" {
		return "github"
	}
	return stub.name
}

func (stub *stubProvider) AuthCodeURL(state string) string {
	if state == "" {
		return "https://provider.test/authorize"
	}
	return "https://provider.test/authorize?state=" + state
}

func (stub *stubProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	stub.exchangeCalls.Add(1)
	if stub.exchangeErr != nil {
		return "", stub.exchangeErr
	}
	return stub.token, nil
}

func (stub *stubProvider) FetchIdentity(ctx context.Context, accessToken string) (identity.ExternalIdentity, error) {
	stub.fetchCalls.Add(1)
	if stub.panicOnFetch {
		panic("provider exploded")
	}
	if stub.fetchErr != nil {
		return identity.ExternalIdentity{}, stub.fetchErr
	}
	return stub.identity, nil
}

func (stub *stubProvider) externalCalls() int64 {
	return stub.exchangeCalls.Load() + stub.fetchCalls.Load()
}

func aliceIdentity() identity.ExternalIdentity {
	return identity.ExternalIdentity{
		Provider:     "github",
		ExternalID:   "555",
		PrimaryEmail: "a@x.com",
		Login:        "alice",
	}
}

func newTestReconciler(t *testing.T, users directory.Directory, defaultRole string) *Reconciler {
	t.Helper()
	return NewReconciler(users, defaultRole, time.Second, zaptest.NewLogger(t))
}

func timeAt(unix int64) time.Time {
	return time.Unix(unix, 0).UTC()
}
