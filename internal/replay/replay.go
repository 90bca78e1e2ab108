/*
 * Copyright (c) 2026, SIP022 Server Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package replay implements the time-bounded salt cache that defends
// against replayed SIP022 handshakes: a salt accepted once within the
// configured window is rejected on every subsequent attempt until it
// ages out.
//
// The synchronization and generational-bookkeeping style is grounded on
// outline-ss-server/service/replay.go's ReplayCache (an active/archive
// pair of maps guarded by one mutex), adapted here to a wall-clock
// eviction policy instead of that cache's fixed-capacity generational
// eviction, and built on github.com/patrickmn/go-cache for the
// expiring-map primitive rather than hand-rolled sweep logic.
package replay

import (
	"encoding/hex"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultWindow is the duration a salt is remembered: 60 seconds,
// chosen to exceed the handshake's ±30 s timestamp skew tolerance so
// any replay whose timestamp is still fresh enough to pass the
// freshness check is also still present in the cache.
const DefaultWindow = 60 * time.Second

// SaltCache is a synchronized, time-bounded set of recently seen
// handshake salts. The zero value is not usable; construct with
// NewSaltCache.
type SaltCache struct {
	mu     sync.Mutex
	window time.Duration
	cache  *gocache.Cache
}

// NewSaltCache returns a SaltCache that remembers salts for window
// (DefaultWindow if window <= 0).
func NewSaltCache(window time.Duration) *SaltCache {
	if window <= 0 {
		window = DefaultWindow
	}
	// go-cache's janitor runs on a separate goroutine and sweeps expired
	// entries on its own schedule; TryAdd's own check-then-act remains
	// authoritative for the spec's "no entry older than window" invariant.
	return &SaltCache{
		window: window,
		cache:  gocache.New(window, window/2),
	}
}

// TryAdd reports whether salt was not already present, inserting it if
// so. It is the session state machine's single point of replay
// rejection: false means the session must be torn down with
// DuplicateSalt.
func (c *SaltCache) TryAdd(salt []byte) bool {
	key := encodeKey(salt)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cache.Add(key, struct{}{}, c.window); err != nil {
		return false
	}
	return true
}

// EvictStale forces an immediate sweep of entries that have outlived the
// cache's window, rather than waiting for go-cache's janitor to get to
// it. A session's handshake calls this on every new connection so the
// cache's size stays bounded by live handshake volume rather than by
// the janitor's own sweep interval.
func (c *SaltCache) EvictStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.DeleteExpired()
}

// Len returns the number of salts currently remembered, including
// expired ones not yet swept; used by tests.
func (c *SaltCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.ItemCount()
}

func encodeKey(salt []byte) string {
	return hex.EncodeToString(salt)
}
