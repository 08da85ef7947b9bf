package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/store"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// CreateValidatedConnection stores a validated connection for userID with
// the given provider config and returns it.
func CreateValidatedConnection(
	t *testing.T,
	s store.Repository,
	userID string,
	providerUserID string,
	cfg model.ProviderConfig,
) *model.IntegrationConnection {
	t.Helper()

	c := &model.IntegrationConnection{
		UserID:   userID,
		Provider: cfg,
	}
	var pid *string
	if providerUserID != "" {
		pid = &providerUserID
	}
	c.MarkValidated(pid, cfg.ProviderKind().RequiredOAuthScopes())

	if err := s.CreateConnection(context.Background(), c); err != nil {
		t.Fatalf("creating connection: %v", err)
	}
	return c
}
