// Package albumcache keeps per-album pipeline settings in process so a
// burst of photos from one shoot does not hit the database once per
// photo. Entries expire on a short TTL; watermark or grading changes
// made mid-burst reach the pipeline within one TTL window.
package albumcache

import (
	"context"
	"sync"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/metrics"
	"github.com/JunyuZhan/pis-worker/internal/models"
)

// DefaultTTL bounds how stale cached settings can get.
const DefaultTTL = 60 * time.Second

// Loader fetches settings from the database on a cache miss.
type Loader func(ctx context.Context, albumID string) (*models.AlbumSettings, error)

type cached struct {
	settings *models.AlbumSettings
	expires  time.Time
}

// flight is one in-progress load; concurrent callers for the same album
// wait on done and share the result instead of stacking database reads.
type flight struct {
	done     chan struct{}
	settings *models.AlbumSettings
	err      error
}

// Cache is a TTL map of album settings with single-flight loads.
type Cache struct {
	loader Loader
	ttl    time.Duration
	log    *logger.Logger
	met    *metrics.Metrics

	mu      sync.Mutex
	entries map[string]cached
	flights map[string]*flight

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Cache around a loader. A ttl of zero falls back to
// DefaultTTL.
func New(loader Loader, ttl time.Duration, log *logger.Logger, met *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		loader:  loader,
		ttl:     ttl,
		log:     log.WithComponent("albumcache"),
		met:     met,
		entries: make(map[string]cached),
		flights: make(map[string]*flight),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the settings for an album, loading them at most once per
// TTL window no matter how many goroutines ask at the same time. Loader
// errors are shared with waiters but never cached.
func (c *Cache) Get(ctx context.Context, albumID string) (*models.AlbumSettings, error) {
	c.mu.Lock()
	if e, ok := c.entries[albumID]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		c.met.IncCacheLookup("hit")
		return e.settings, nil
	}
	if f, ok := c.flights[albumID]; ok {
		c.mu.Unlock()
		c.met.IncCacheLookup("join")
		select {
		case <-f.done:
			return f.settings, f.err
		case <-ctx.Done():
			return nil, apperr.Transient.Wrap(ctx.Err())
		}
	}
	f := &flight{done: make(chan struct{})}
	c.flights[albumID] = f
	c.mu.Unlock()
	c.met.IncCacheLookup("miss")

	settings, err := c.loader(ctx, albumID)

	c.mu.Lock()
	// Only the still-registered flight may publish; Invalidate during
	// the load dropped our claim on the slot.
	if c.flights[albumID] == f {
		delete(c.flights, albumID)
		if err == nil {
			c.entries[albumID] = cached{settings: settings, expires: c.now().Add(c.ttl)}
		}
	}
	f.settings, f.err = settings, err
	c.mu.Unlock()
	close(f.done)
	return settings, err
}

// Invalidate drops one album from the cache. In-flight loads for the
// album are orphaned so their result is returned to waiters but not
// stored.
func (c *Cache) Invalidate(albumID string) {
	c.mu.Lock()
	delete(c.entries, albumID)
	delete(c.flights, albumID)
	c.mu.Unlock()
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cached)
	c.flights = make(map[string]*flight)
	c.mu.Unlock()
}

// Size reports how many settled entries the cache holds.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartEviction purges expired entries every interval until ctx ends.
// Without it the map grows by one entry per album ever touched.
func (c *Cache) StartEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTTL
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evictExpired()
			}
		}
	}()
}

func (c *Cache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	var evicted int
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
			evicted++
		}
	}
	c.mu.Unlock()
	if evicted > 0 {
		c.log.WithField("evicted", evicted).Debug("expired album settings evicted")
	}
}
