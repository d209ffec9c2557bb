package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// KeyCache remembers verified service keys so the hot path skips Postgres and
// bcrypt. Entries are keyed by the SHA-256 of the key; plaintext keys are not
// retained.
//
// Expired entries are still served (stale-while-revalidate). The first caller
// to see an expired entry is told to refresh it; everyone else keeps getting
// the stale principal until the refresh stores a new entry or forgets it.
type KeyCache struct {
	entries sync.Map // [sha256.Size]byte -> *keyEntry
	ttl     time.Duration
	now     func() time.Time
}

type keyEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// NewKeyCache creates a cache whose entries are fresh for ttl.
func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{ttl: ttl, now: time.Now}
}

// Lookup returns the cached principal for apiKey. refresh is true for exactly
// one caller per expired entry.
func (c *KeyCache) Lookup(apiKey string) (p *Principal, found, refresh bool) {
	v, ok := c.entries.Load(digest(apiKey))
	if !ok {
		return nil, false, false
	}
	e := v.(*keyEntry)
	if c.now().Before(e.expiresAt) {
		return e.principal, true, false
	}
	return e.principal, true, e.refreshing.CompareAndSwap(false, true)
}

// Store caches p for apiKey, replacing any previous entry.
func (c *KeyCache) Store(apiKey string, p *Principal) {
	c.entries.Store(digest(apiKey), &keyEntry{
		principal: p,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Forget drops apiKey so the next Lookup misses.
func (c *KeyCache) Forget(apiKey string) {
	c.entries.Delete(digest(apiKey))
}

func digest(apiKey string) [sha256.Size]byte {
	return sha256.Sum256([]byte(apiKey))
}
