package slack

import (
	"context"
	"sync"
)

// GroupExpander resolves a user group to its member user ids.
type GroupExpander interface {
	ExpandGroup(ctx context.Context, groupID string) ([]string, error)
}

// UserGroupCache memoizes a GroupExpander. Membership changes often, so
// a cache is meant to live for a single event.
type UserGroupCache struct {
	next GroupExpander

	mu      sync.Mutex
	members map[string][]string
}

// NewUserGroupCache wraps next.
func NewUserGroupCache(next GroupExpander) *UserGroupCache {
	return &UserGroupCache{next: next, members: make(map[string][]string)}
}

// ExpandGroup returns the cached members of groupID, asking the wrapped
// expander on first use. Errors are not cached.
func (c *UserGroupCache) ExpandGroup(ctx context.Context, groupID string) ([]string, error) {
	c.mu.Lock()
	if users, ok := c.members[groupID]; ok {
		c.mu.Unlock()
		return users, nil
	}
	c.mu.Unlock()

	users, err := c.next.ExpandGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.members[groupID] = users
	c.mu.Unlock()
	return users, nil
}
