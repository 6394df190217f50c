// Public domain.

package bkcache_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/gob"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/soniakeys/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkcache"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
	"github.com/iact-tools/bkgmatch/internal/bkmask"
)

var geom = bkbin.Geometry{EMin: .1, EMax: 10, NEnergy: 2, NOffset: 3, OffsetMax: unit.AngleFromDeg(2)}

// counting compute function; every map has counts equal to the run id
type counter struct {
	mu    sync.Mutex
	calls map[int]int
	delay time.Duration
}

func (c *counter) compute(ctx context.Context, run int, g bkbin.Geometry, _ *bkmask.Mask) (*bkbin.RawMap, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[int]int{}
	}
	c.calls[run]++
	c.mu.Unlock()
	time.Sleep(c.delay)
	m := bkbin.NewRawMap(run, g, time.Duration(run)*time.Second)
	for i := range m.Counts {
		m.Counts[i] = float64(run)
	}
	return m, nil
}

func TestComputeOnce(t *testing.T) {
	var cnt counter
	c := bkcache.New(bkcache.ComputeOnMiss, nil)
	ctx := context.Background()

	a, err := c.GetOrCompute(ctx, 7, geom, nil, cnt.compute)
	require.NoError(t, err)
	b, err := c.GetOrCompute(ctx, 7, geom, nil, cnt.compute)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, cnt.calls[7])
	assert.Equal(t, bkcache.Stats{Hits: 1, Misses: 1, Computed: 1}, c.Stats())
}

func TestComputeOnceConcurrent(t *testing.T) {
	cnt := counter{delay: 20 * time.Millisecond}
	c := bkcache.New(bkcache.ComputeOnMiss, nil)
	var wg sync.WaitGroup
	var got sync.Map
	var failures atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run := 100 + i%3
			m, err := c.GetOrCompute(context.Background(), run, geom, nil, cnt.compute)
			if err != nil {
				failures.Add(1)
				return
			}
			if prev, loaded := got.LoadOrStore(run, m); loaded && prev != m {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
	assert.Equal(t, map[int]int{100: 1, 101: 1, 102: 1}, cnt.calls)
	assert.Equal(t, 3, c.Len())
}

func TestGeometryMismatch(t *testing.T) {
	var cnt counter
	c := bkcache.New(bkcache.ComputeOnMiss, nil)
	_, err := c.GetOrCompute(context.Background(), 7, geom, nil, cnt.compute)
	require.NoError(t, err)

	other := geom
	other.NOffset = 5
	_, err = c.GetOrCompute(context.Background(), 7, other, nil, cnt.compute)
	assert.ErrorIs(t, err, bkerr.ErrConsistency)
	run, _ := bkerr.RunID(err)
	assert.Equal(t, 7, run)
	assert.Equal(t, 1, cnt.calls[7], "mismatch must not trigger recomputation")
}

func TestComputedGeometryChecked(t *testing.T) {
	c := bkcache.New(bkcache.ComputeOnMiss, nil)
	wrong := func(ctx context.Context, run int, g bkbin.Geometry, _ *bkmask.Mask) (*bkbin.RawMap, error) {
		g.NEnergy++
		return bkbin.NewRawMap(run, g, time.Second), nil
	}
	_, err := c.GetOrCompute(context.Background(), 3, geom, nil, wrong)
	assert.ErrorIs(t, err, bkerr.ErrConsistency)
	assert.Zero(t, c.Len())
}

func TestFailuresNotStored(t *testing.T) {
	c := bkcache.New(bkcache.ComputeOnMiss, nil)
	boom := errors.New("events unreadable")
	calls := 0
	fail := func(context.Context, int, bkbin.Geometry, *bkmask.Mask) (*bkbin.RawMap, error) {
		calls++
		return nil, boom
	}
	for i := 0; i < 2; i++ {
		_, err := c.GetOrCompute(context.Background(), 3, geom, nil, fail)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 2, calls)
	assert.Zero(t, c.Len())
}

func TestPolicies(t *testing.T) {
	pre := bkbin.NewRawMap(1, geom, time.Hour)
	for _, c := range []struct {
		policy  bkcache.Policy
		missErr error
	}{
		{bkcache.ComputeOnMiss, nil},
		{bkcache.FailOnMiss, bkerr.ErrUnavailable},
	} {
		var cnt counter
		cache := bkcache.New(c.policy, nil)
		require.NoError(t, cache.Insert(pre))

		m, err := cache.GetOrCompute(context.Background(), 1, geom, nil, cnt.compute)
		require.NoError(t, err, c.policy)
		assert.Same(t, pre, m)

		_, err = cache.GetOrCompute(context.Background(), 2, geom, nil, cnt.compute)
		if c.missErr == nil {
			assert.NoError(t, err)
			assert.Equal(t, 1, cnt.calls[2])
		} else {
			assert.ErrorIs(t, err, c.missErr)
			assert.Zero(t, cnt.calls[2])
		}
	}
}

func TestInsertWriteOnce(t *testing.T) {
	c := bkcache.New(bkcache.FailOnMiss, nil)
	require.NoError(t, c.Insert(bkbin.NewRawMap(1, geom, time.Hour)))
	assert.ErrorIs(t, c.Insert(bkbin.NewRawMap(1, geom, time.Minute)), bkerr.ErrConsistency)

	bad := bkbin.NewRawMap(2, geom, time.Hour)
	bad.Exposure = nil
	assert.ErrorIs(t, c.Insert(bad), bkerr.ErrConsistency)
}

func TestParsePolicy(t *testing.T) {
	for s, want := range map[string]bkcache.Policy{"": bkcache.ComputeOnMiss, "compute": bkcache.ComputeOnMiss, "fail": bkcache.FailOnMiss} {
		p, err := bkcache.ParsePolicy(s)
		require.NoError(t, err)
		assert.Equal(t, want, p)
	}
	_, err := bkcache.ParsePolicy("maybe")
	assert.ErrorIs(t, err, bkerr.ErrConfig)
}

func TestSaveLoad(t *testing.T) {
	var cnt counter
	c := bkcache.New(bkcache.ComputeOnMiss, nil)
	for _, run := range []int{5, 3, 9} {
		_, err := c.GetOrCompute(context.Background(), run, geom, nil, cnt.compute)
		require.NoError(t, err)
	}
	path := filepath.Join(t.TempDir(), "maps.gob.gz")
	require.NoError(t, c.Save(path))

	l, err := bkcache.Load(path, bkcache.FailOnMiss, nil)
	require.NoError(t, err)
	assert.Equal(t, bkcache.FailOnMiss, l.Policy())
	if d := cmp.Diff(c.Maps(), l.Maps()); d != "" {
		t.Fatal(d)
	}
	assert.Equal(t, 3, l.Maps()[0].RunID)

	_, err = bkcache.Load(filepath.Join(t.TempDir(), "missing"), bkcache.ComputeOnMiss, nil)
	assert.ErrorIs(t, err, bkerr.ErrUnavailable)
}

func TestReadRejectsForeignFile(t *testing.T) {
	_, err := bkcache.Read(bytes.NewReader([]byte("not gzip")))
	assert.Error(t, err)
}

// gob stream with a valid header and the given map count, no maps
func badCount(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(zw)
	require.NoError(t, enc.Encode("bkgmatch raw maps v1"))
	require.NoError(t, enc.Encode(n))
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestReadRejectsBadCount(t *testing.T) {
	for _, n := range []int{-1, 1 << 40, 3} {
		_, err := bkcache.Read(bytes.NewReader(badCount(t, n)))
		assert.ErrorIs(t, err, bkerr.ErrConsistency, "count %d", n)
	}
}
