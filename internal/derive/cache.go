package derive

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/metrics"
)

// Cache memoizes templates keyed by signature and descriptor fingerprint.
// Concurrent misses for the same key parse once.
//
// Thread-safety: Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Template
	group   singleflight.Group
	metrics *metrics.Metrics
	parses  int
}

// NewCache creates an empty cache. m may be nil.
func NewCache(m *metrics.Metrics) *Cache {
	return &Cache{entries: make(map[string]*Template), metrics: m}
}

// Template returns the cached template for signature, parsing on a miss.
// Parse errors are not cached.
func (c *Cache) Template(signature string, desc *entity.Descriptor) (*Template, error) {
	key := ir.SignatureKey(signature, desc.Fingerprint())

	if t, ok := c.get(key); ok {
		c.metrics.DeriveCacheHit()
		return t, nil
	}
	c.metrics.DeriveCacheMiss()

	v, err, _ := c.group.Do(key, func() (any, error) {
		if t, ok := c.get(key); ok {
			return t, nil
		}
		t, err := Parse(signature, desc)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.parses++
		if err != nil {
			return nil, err
		}
		c.entries[key] = t
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Template), nil
}

// Derive parses (or reuses) the template and binds args.
func (c *Cache) Derive(signature string, desc *entity.Descriptor, args ...ir.Value) (*Derivation, error) {
	t, err := c.Template(signature, desc)
	if err != nil {
		return nil, err
	}
	return t.Bind(args...)
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) get(key string) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[key]
	return t, ok
}
