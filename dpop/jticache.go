package dpop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTTL is the default time-to-live for jti entries. It matches
	// the proof freshness window: a jti older than this would be rejected
	// as stale before the cache is ever consulted.
	DefaultTTL = 60 * time.Second

	// DefaultMaxEntries bounds the cache so an attacker flooding proofs
	// cannot exhaust memory.
	DefaultMaxEntries = 100_000

	// DefaultCleanupInterval is how often expired entries are swept.
	DefaultCleanupInterval = 30 * time.Second

	// MaxJTILength is the maximum accepted jti length in bytes.
	MaxJTILength = 1024
)

// ReplayCache provides replay detection for proof jtis.
// Implementations must be safe for concurrent use.
type ReplayCache interface {
	// Record attempts to record a jti. Returns true if this is a replay
	// (the jti was already recorded and has not expired).
	Record(ctx context.Context, jti string) (isReplay bool, err error)

	// Close stops background goroutines and releases resources.
	Close() error
}

// jtiEntry stores the monotonic offset at which a jti was recorded.
type jtiEntry struct {
	// offset is nanoseconds since cache creation (monotonic).
	offset int64
}

// MemoryReplayCache is an in-memory ReplayCache using sync.Map so that
// record-if-absent is a single atomic operation.
type MemoryReplayCache struct {
	entries    sync.Map
	entryCount atomic.Int64
	maxEntries int64
	ttl        time.Duration
	createdAt  time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// CacheOption configures a MemoryReplayCache.
type CacheOption func(*MemoryReplayCache)

// WithTTL sets the time-to-live for jti entries.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *MemoryReplayCache) {
		c.ttl = ttl
	}
}

// WithMaxEntries sets the maximum number of entries in the cache.
func WithMaxEntries(max int) CacheOption {
	return func(c *MemoryReplayCache) {
		c.maxEntries = int64(max)
	}
}

// WithCleanupInterval sets the sweep interval. Pass 0 to disable sweeping.
func WithCleanupInterval(interval time.Duration) CacheOption {
	return func(c *MemoryReplayCache) {
		if interval <= 0 {
			c.cleanupInterval = -1
		} else {
			c.cleanupInterval = interval
		}
	}
}

// NewMemoryReplayCache creates a new in-memory replay cache. By default
// entries expire after 60 seconds, at most 100,000 entries are held, and a
// sweep runs every 30 seconds.
func NewMemoryReplayCache(opts ...CacheOption) *MemoryReplayCache {
	c := &MemoryReplayCache{
		ttl:             DefaultTTL,
		maxEntries:      DefaultMaxEntries,
		createdAt:       time.Now(),
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.cleanupInterval >= 0 {
		interval := c.cleanupInterval
		if interval == 0 {
			interval = DefaultCleanupInterval
		}
		go c.cleanupLoop(interval)
	} else {
		close(c.cleanupDone)
	}

	return c
}

// Record attempts to record a jti. Returns true if this is a replay.
// LoadOrStore and CompareAndSwap keep the check-and-set atomic so two
// concurrent presentations of one jti cannot both be accepted.
func (c *MemoryReplayCache) Record(_ context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, ErrInvalidJTI
	}
	if len(jti) > MaxJTILength {
		return false, ErrJTITooLong
	}

	offset := time.Since(c.createdAt).Nanoseconds()
	entry := &jtiEntry{offset: offset}

	existing, loaded := c.entries.LoadOrStore(jti, entry)
	if loaded {
		existingEntry := existing.(*jtiEntry)
		age := time.Duration(offset - existingEntry.offset)
		if age < c.ttl {
			return true, nil
		}
		// Expired entry; try to claim the slot for this presentation.
		if c.entries.CompareAndSwap(jti, existing, entry) {
			return false, nil
		}
		// Lost the race to another presentation of the same jti.
		return true, nil
	}

	count := c.entryCount.Add(1)
	if count > c.maxEntries {
		c.entries.Delete(jti)
		c.entryCount.Add(-1)
		return false, ErrCacheFull
	}

	return false, nil
}

// Close stops the sweep goroutine.
func (c *MemoryReplayCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	<-c.cleanupDone
	return nil
}

func (c *MemoryReplayCache) cleanupLoop(interval time.Duration) {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *MemoryReplayCache) cleanup() {
	now := time.Since(c.createdAt).Nanoseconds()
	ttlNanos := c.ttl.Nanoseconds()

	c.entries.Range(func(key, value any) bool {
		entry := value.(*jtiEntry)
		if now-entry.offset >= ttlNanos {
			if c.entries.CompareAndDelete(key, value) {
				c.entryCount.Add(-1)
			}
		}
		return true
	})
}

// Len returns the current number of entries.
func (c *MemoryReplayCache) Len() int {
	return int(c.entryCount.Load())
}
