package ts3full

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RTT cache implements RFC 2140 temporal sharing of round trip estimates.
// When a connection to a server ends its SRTT and RTTVAR are remembered, and
// the next connection to the same server starts from them instead of the
// conservative initial RTO.

// RTTCacheConfig holds configuration for RTT cache behavior.
type RTTCacheConfig struct {
	// RTTDampening scales the cached SRTT before it is applied (0.0-1.0).
	RTTDampening float64 `yaml:"rtt_dampening"`

	// RTTDevDampening scales the cached RTTVAR before it is applied (0.0-1.0).
	RTTDevDampening float64 `yaml:"rtt_dev_dampening"`

	// EntryTTL is how long an entry stays valid after its last update.
	EntryTTL time.Duration `yaml:"entry_ttl"`

	// Enabled controls whether estimates are shared at all.
	Enabled bool `yaml:"enabled"`
}

// DefaultRTTCacheConfig returns the default RTT cache configuration.
func DefaultRTTCacheConfig() RTTCacheConfig {
	return RTTCacheConfig{
		RTTDampening:    0.75,
		RTTDevDampening: 0.75,
		EntryTTL:        5 * time.Minute,
		Enabled:         true,
	}
}

type rttEntry struct {
	srtt        time.Duration
	rttVariance time.Duration
	lastUpdate  time.Time
	sampleCount int
}

// RTTCache remembers round trip estimates per server address.
// Safe for concurrent use by several clients.
type RTTCache struct {
	config  RTTCacheConfig
	entries map[string]*rttEntry // Key: server address "host:port"
	mu      sync.RWMutex
}

// NewRTTCache creates an empty cache.
func NewRTTCache(config RTTCacheConfig) *RTTCache {
	return &RTTCache{
		config:  config,
		entries: make(map[string]*rttEntry),
	}
}

// Get returns the dampened estimates for addr.
// found is false if the address is unknown, expired or the cache is disabled.
func (c *RTTCache) Get(addr string) (srtt, rttVariance time.Duration, found bool) {
	if c == nil || !c.config.Enabled || addr == "" {
		return 0, 0, false
	}

	c.mu.RLock()
	entry, ok := c.entries[addr]
	var cached rttEntry
	if ok {
		cached = *entry
	}
	c.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}

	if time.Since(cached.lastUpdate) > c.config.EntryTTL {
		c.mu.Lock()
		// a concurrent Put may have refreshed it
		if current, ok := c.entries[addr]; ok && time.Since(current.lastUpdate) > c.config.EntryTTL {
			delete(c.entries, addr)
		}
		c.mu.Unlock()
		return 0, 0, false
	}

	srtt = time.Duration(float64(cached.srtt) * c.config.RTTDampening)
	rttVariance = time.Duration(float64(cached.rttVariance) * c.config.RTTDevDampening)

	log.Debug().
		Str("server", addr).
		Dur("srtt", srtt).
		Dur("rttvar", rttVariance).
		Msg("RTT cache hit")

	return srtt, rttVariance, true
}

// Put stores the estimates of a finished connection. Connections that never
// measured anything are ignored.
func (c *RTTCache) Put(addr string, srtt, rttVariance time.Duration) {
	if c == nil || !c.config.Enabled || addr == "" {
		return
	}
	if srtt == 0 && rttVariance == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupExpiredLocked(time.Now())

	entry, exists := c.entries[addr]
	if exists {
		// equal weight to old and new samples
		const weight = 0.5
		entry.srtt = time.Duration(float64(entry.srtt)*weight + float64(srtt)*(1-weight))
		entry.rttVariance = time.Duration(float64(entry.rttVariance)*weight + float64(rttVariance)*(1-weight))
		entry.lastUpdate = time.Now()
		entry.sampleCount++
	} else {
		c.entries[addr] = &rttEntry{
			srtt:        srtt,
			rttVariance: rttVariance,
			lastUpdate:  time.Now(),
			sampleCount: 1,
		}
	}

	log.Debug().
		Str("server", addr).
		Dur("srtt", srtt).
		Dur("rttvar", rttVariance).
		Bool("updated", exists).
		Msg("RTT cache update")
}

// Size returns the number of entries.
func (c *RTTCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CleanupExpired removes entries older than the TTL and returns how many.
// Put already does this, so only long-idle caches need an explicit call.
func (c *RTTCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupExpiredLocked(time.Now())
}

// cleanupExpiredLocked must be called with c.mu held.
func (c *RTTCache) cleanupExpiredLocked(now time.Time) int {
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.lastUpdate) > c.config.EntryTTL {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(c.entries)).
			Msg("RTT cache cleanup")
	}
	return removed
}
