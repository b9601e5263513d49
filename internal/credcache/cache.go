// Package credcache remembers recently accepted app-server credentials so
// repeat requests skip the authentication oracle.
package credcache

import (
	"encoding/hex"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/blake2b"
)

// Cache is a capacity-bounded set of credentials, each fresh for a fixed
// lifetime after its last use. When full, the least recently used entry is
// evicted first.
type Cache struct {
	c *ttlcache.Cache[string, struct{}]
}

// New creates a cache holding at most size credentials for lifetime each.
func New(size int, lifetime time.Duration) *Cache {
	c := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](lifetime),
		ttlcache.WithCapacity[string, struct{}](uint64(size)),
	)
	return &Cache{c: c}
}

// Start runs the expired-entry cleaner until Stop is called. It blocks.
func (c *Cache) Start() { c.c.Start() }

// Stop ends the cleaner started by Start.
func (c *Cache) Stop() { c.c.Stop() }

// Fresh reports whether cred was accepted within the lifetime and, if so,
// restarts its lifetime.
func (c *Cache) Fresh(cred string) bool {
	return c.c.Get(key(cred)) != nil
}

// Remember inserts or refreshes cred.
func (c *Cache) Remember(cred string) {
	c.c.Set(key(cred), struct{}{}, ttlcache.DefaultTTL)
}

// Forget drops cred.
func (c *Cache) Forget(cred string) { c.c.Delete(key(cred)) }

// Len returns the number of cached credentials, expired ones included until cleaned.
func (c *Cache) Len() int { return c.c.Len() }

// credentials are keyed by digest so raw secrets are not held in memory
func key(cred string) string {
	sum := blake2b.Sum256([]byte(cred))
	return hex.EncodeToString(sum[:])
}
