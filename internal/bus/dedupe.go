package bus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultDedupeTTL is how long a processed message key blocks duplicates.
const DefaultDedupeTTL = 60 * time.Second

// DedupeCache tracks message keys so retransmitted messages run at most
// one turn while the process lives. Two sets: processed holds every key
// seen within the TTL window, processing holds keys whose turn is still
// in flight. processing is always a subset of processed.
type DedupeCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	processed  map[string]time.Time
	processing map[string]struct{}
	now        func() time.Time
}

func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		processed:  make(map[string]time.Time),
		processing: make(map[string]struct{}),
		now:        time.Now,
	}
}

// DedupeKey builds the stable key for a message: the transport-assigned
// message id when present, else a hash of the message identity fields.
func DedupeKey(msg InboundMessage) string {
	if msg.MessageID != "" {
		return fmt.Sprintf("%s|%s|%s", msg.Channel, msg.ChatID, msg.MessageID)
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", msg.Channel, msg.ChatID, msg.Content, msg.Timestamp)))
	return hex.EncodeToString(h[:])[:16]
}

// Acquire claims a key for processing. Returns false when the key was
// already seen within the TTL window (duplicate) or is currently in flight.
func (c *DedupeCache) Acquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()

	if _, seen := c.processed[key]; seen {
		return false
	}
	c.processed[key] = c.now()
	c.processing[key] = struct{}{}
	return true
}

// Release marks a key's turn finished. The key stays in processed until
// the TTL expires, so late retransmits are still suppressed.
func (c *DedupeCache) Release(key string) {
	c.mu.Lock()
	delete(c.processing, key)
	c.mu.Unlock()
}

// InFlight reports whether a key's turn is still running.
func (c *DedupeCache) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.processing[key]
	return ok
}

// Len returns the number of tracked processed keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processed)
}

// pruneLocked drops expired keys. Keys still in processing are kept even
// past TTL so the subset invariant holds for long turns.
func (c *DedupeCache) pruneLocked() {
	cutoff := c.now().Add(-c.ttl)
	for key, seen := range c.processed {
		if _, busy := c.processing[key]; busy {
			continue
		}
		if seen.Before(cutoff) {
			delete(c.processed, key)
		}
	}
	// Hard cap against unbounded growth from id-less floods.
	if len(c.processed) > c.maxEntries {
		for key := range c.processed {
			if _, busy := c.processing[key]; busy {
				continue
			}
			delete(c.processed, key)
			if len(c.processed) <= c.maxEntries {
				break
			}
		}
	}
}
