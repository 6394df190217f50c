// Public domain.

// Package bkcache memoizes per-run raw maps.
//
// Each run's raw map is built at most once per job, however many match
// sets reference the run.  Entries are write-once.  A cache may be
// preloaded from a file produced by mkcache; the miss Policy decides
// whether runs absent from it are computed on demand or reported as
// unavailable.
package bkcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
	"github.com/iact-tools/bkgmatch/internal/bkmask"
)

// Policy selects behavior on a cache miss.
type Policy int

const (
	// ComputeOnMiss computes and stores missing maps.
	ComputeOnMiss Policy = iota
	// FailOnMiss reports missing maps as bkerr.ErrUnavailable.  Use it
	// when the pipeline guarantees full precomputation.
	FailOnMiss
)

// ParsePolicy parses the config file spelling of a policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "compute":
		return ComputeOnMiss, nil
	case "fail":
		return FailOnMiss, nil
	}
	return 0, bkerr.Config("cache on_miss %q, want compute or fail", s)
}

func (p Policy) String() string {
	if p == FailOnMiss {
		return "fail"
	}
	return "compute"
}

// ComputeFunc builds the raw map of one run.
type ComputeFunc func(ctx context.Context, run int, g bkbin.Geometry, m *bkmask.Mask) (*bkbin.RawMap, error)

// Stats counts cache activity.
type Stats struct {
	Hits     int64 // maps served from the cache
	Misses   int64 // lookups that found no map
	Computed int64 // maps computed and stored
}

// Cache is a concurrency safe, write-once store of raw maps keyed by run id.
type Cache struct {
	policy Policy
	log    *slog.Logger

	mu   sync.RWMutex
	maps map[int]*bkbin.RawMap
	sf   singleflight.Group

	hits, misses, computed atomic.Int64
}

// New creates an empty cache.  A nil logger means slog.Default().
func New(p Policy, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{policy: p, log: log, maps: make(map[int]*bkbin.RawMap)}
}

// Policy returns the miss policy of c.
func (c *Cache) Policy() Policy { return c.policy }

// Insert stores a precomputed map.  Storing a second map for the same run
// is a consistency error.
func (c *Cache) Insert(m *bkbin.RawMap) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.maps[m.RunID]; ok {
		return bkerr.Run("cache", m.RunID, bkerr.ErrConsistency,
			errors.New("run already cached"))
	}
	c.maps[m.RunID] = m
	return nil
}

func (c *Cache) lookup(run int) (*bkbin.RawMap, bool) {
	c.mu.RLock()
	m, ok := c.maps[run]
	c.mu.RUnlock()
	return m, ok
}

// GetOrCompute returns the raw map of run in geometry g.
//
// A cached map with a different geometry is a consistency error; it is
// neither recomputed nor mixed.  On a miss under ComputeOnMiss, fn is
// called once even if many goroutines ask for the same run concurrently;
// they all receive the stored map.  The cache lock is not held while fn
// runs.  Failed computations are not stored.
func (c *Cache) GetOrCompute(ctx context.Context, run int, g bkbin.Geometry,
	mask *bkmask.Mask, fn ComputeFunc) (*bkbin.RawMap, error) {
	if m, ok := c.lookup(run); ok {
		c.hits.Add(1)
		c.log.Debug("raw map cache hit", "run", run)
		return checkGeometry(m, run, g)
	}
	if c.policy == FailOnMiss {
		c.misses.Add(1)
		return nil, bkerr.Run("cache", run, bkerr.ErrUnavailable,
			errors.New("not in precomputed cache and on-demand computation is disabled"))
	}
	v, err, _ := c.sf.Do(strconv.Itoa(run), func() (interface{}, error) {
		if m, ok := c.lookup(run); ok {
			return m, nil // stored while we waited for the flight
		}
		c.misses.Add(1)
		c.log.Debug("computing raw map", "run", run)
		m, err := fn(ctx, run, g, mask)
		if err != nil {
			return nil, err
		}
		if m.RunID != run {
			return nil, bkerr.Run("cache", run, bkerr.ErrConsistency,
				fmt.Errorf("computed map is for run %d", m.RunID))
		}
		if _, err := checkGeometry(m, run, g); err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.maps[run] = m
		c.mu.Unlock()
		c.computed.Add(1)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return checkGeometry(v.(*bkbin.RawMap), run, g)
}

func checkGeometry(m *bkbin.RawMap, run int, g bkbin.Geometry) (*bkbin.RawMap, error) {
	if m.Geometry != g {
		return nil, bkerr.Run("cache", run, bkerr.ErrConsistency,
			fmt.Errorf("cached geometry (%v) differs from requested (%v)", m.Geometry, g))
	}
	return m, nil
}

// Len returns the number of cached maps.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.maps)
}

// Maps returns the cached maps sorted by run id.
func (c *Cache) Maps() []*bkbin.RawMap {
	c.mu.RLock()
	m := make([]*bkbin.RawMap, 0, len(c.maps))
	for _, rm := range c.maps {
		m = append(m, rm)
	}
	c.mu.RUnlock()
	sort.Slice(m, func(i, j int) bool { return m[i].RunID < m[j].RunID })
	return m
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Computed: c.computed.Load(),
	}
}
