package rooms

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	game "github.com/jharden12/dungeon-client/internal/types"
)

// Fetcher loads a room template from the backend.
type Fetcher func(ctx context.Context, refID string) (*game.RoomTemplate, error)

// Cache memoizes room templates by template ref id for the lifetime of the
// process. Templates are immutable so entries are never invalidated;
// concurrent misses for the same id share a single fetch.
type Cache struct {
	fetch Fetcher

	mu        sync.Mutex
	templates map[string]*game.RoomTemplate
	group     singleflight.Group
}

func New(fetch Fetcher) *Cache {
	return &Cache{
		fetch:     fetch,
		templates: make(map[string]*game.RoomTemplate),
	}
}

// Get returns the template for refID. The second result reports whether this
// call hit the network (so callers can log a fetch exactly once).
func (c *Cache) Get(ctx context.Context, refID string) (*game.RoomTemplate, bool, error) {
	refID = strings.TrimSpace(refID)
	if refID == "" {
		return nil, false, nil
	}

	c.mu.Lock()
	cached, ok := c.templates[refID]
	c.mu.Unlock()
	if ok {
		return cached, false, nil
	}

	v, err, _ := c.group.Do(refID, func() (any, error) {
		template, err := c.fetch(ctx, refID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.templates[refID] = template
		c.mu.Unlock()
		return template, nil
	})
	if err != nil {
		return nil, true, err
	}
	return v.(*game.RoomTemplate), true, nil
}

// Reset drops every cached template; used when a fresh run begins.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.templates = make(map[string]*game.RoomTemplate)
	c.mu.Unlock()
}
