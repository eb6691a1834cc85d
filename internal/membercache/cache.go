package membercache

import (
	"context"
	"sync"
	"time"

	"github.com/lzyats/chatfeed/pkg/feed"
)

// Resolver maps a caller profile to its member identity in a scope.
type Resolver interface {
	ResolveMember(ctx context.Context, profileID, scopeID string) (feed.Member, error)
}

type entry struct {
	m   feed.Member
	exp time.Time
}

// Cache keeps successful resolutions for a short TTL. Failures are not cached,
// so a freshly joined member is admitted on the next call.
type Cache struct {
	next Resolver
	ttl  time.Duration
	now  func() time.Time

	mu sync.RWMutex
	m  map[string]entry
}

func New(next Resolver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{next: next, ttl: ttl, now: time.Now, m: make(map[string]entry)}
}

func key(profileID, scopeID string) string { return profileID + "\x00" + scopeID }

func (c *Cache) ResolveMember(ctx context.Context, profileID, scopeID string) (feed.Member, error) {
	k := key(profileID, scopeID)
	c.mu.RLock()
	e, ok := c.m[k]
	c.mu.RUnlock()
	if ok && c.now().Before(e.exp) {
		return e.m, nil
	}

	m, err := c.next.ResolveMember(ctx, profileID, scopeID)
	if err != nil {
		return feed.Member{}, err
	}
	c.mu.Lock()
	c.m[k] = entry{m: m, exp: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return m, nil
}
