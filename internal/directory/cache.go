// Package directory resolves user identifiers to display names with
// lazy fetch-and-memoize semantics. Entries live for the process lifetime;
// staleness within a session is acceptable.
package directory

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"zalachat/sync/internal/models"
)

// Lookup is the external fallback consulted when an identifier is neither
// cached nor known from a conversation's participant list.
type Lookup interface {
	User(ctx context.Context, userID string) (models.User, error)
}

// Cache memoizes id-to-name resolutions. Concurrent resolutions for the
// same id are coalesced into a single external lookup.
type Cache struct {
	lookup Lookup
	log    zerolog.Logger

	mu    sync.RWMutex
	names map[string]string
	sf    singleflight.Group
}

// NewCache returns an empty cache backed by the given lookup.
func NewCache(lookup Lookup, log zerolog.Logger) *Cache {
	return &Cache{
		lookup: lookup,
		log:    log,
		names:  make(map[string]string),
	}
}

// Prime seeds a resolution without an external lookup.
func (c *Cache) Prime(userID, name string) {
	if userID == "" || name == "" {
		return
	}
	c.mu.Lock()
	c.names[userID] = name
	c.mu.Unlock()
}

// PrimeFromConversations seeds peer names from a fetched conversation
// list: each direct conversation's display name is its peer's name.
func (c *Cache) PrimeFromConversations(selfID string, convs []models.Conversation) {
	for _, conv := range convs {
		if conv.Group {
			continue
		}
		for _, p := range conv.Participants {
			if p.UserID != selfID {
				c.Prime(p.UserID, conv.DisplayName)
			}
		}
	}
}

// Resolve returns the display name for userID, consulting the cache, then
// the external lookup. The result is memoized; lookup failures are not.
func (c *Cache) Resolve(ctx context.Context, userID string) (string, error) {
	c.mu.RLock()
	name, ok := c.names[userID]
	c.mu.RUnlock()
	if ok {
		return name, nil
	}

	v, err, _ := c.sf.Do(userID, func() (any, error) {
		// A concurrent resolution may have landed while we queued.
		c.mu.RLock()
		cached, hit := c.names[userID]
		c.mu.RUnlock()
		if hit {
			return cached, nil
		}

		user, err := c.lookup.User(ctx, userID)
		if err != nil {
			return "", err
		}
		resolved := user.DisplayName()
		c.Prime(userID, resolved)
		return resolved, nil
	})
	if err != nil {
		c.log.Debug().Err(err).Str("user", userID).Msg("directory lookup failed")
		return "", err
	}
	return v.(string), nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
