// Public domain.

package bkjob_test

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/soniakeys/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkcache"
	"github.com/iact-tools/bkgmatch/internal/bkconf"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
	"github.com/iact-tools/bkgmatch/internal/bkestimate"
	"github.com/iact-tools/bkgmatch/internal/bkjob"
	"github.com/iact-tools/bkgmatch/internal/bkout"
	"github.com/iact-tools/bkgmatch/internal/bkplot"
	"github.com/iact-tools/bkgmatch/internal/bksky"
	"github.com/iact-tools/bkgmatch/internal/bkstore"
)

const doc = `
binning:
  energy: {min: 100 GeV, max: 100 TeV, n_bins: 3}
  offset: {n_bins: 4, max: 2 deg}
exclusion:
  radius: 0.3 deg
  sources: [{name: src, ra: 0, dec: 55}]
run_matching: {max_cos_zenith_diff: 0.01}
hdu_type: 3D
prefix: bkg
workers: 4
`

// decZenith takes the declination of a pointing for its zenith angle.
type decZenith struct{}

func (decZenith) Zenith(_ time.Time, p bkbin.Pointing) unit.Angle { return p.Dec }

// runs at zenith 10, 12 and 40 degrees
var zenith = map[int]float64{1000: 10, 1001: 12, 1002: 40}

func observation(run int) bkbin.Observation {
	return bkbin.Observation{
		RunID:    run,
		Pointing: bkbin.Pointing{Dec: unit.AngleFromDeg(zenith[run])},
		MidTime:  time.Date(2023, 11, 17, 1, 0, 0, 0, time.UTC),
		Livetime: time.Duration(1000+run%10) * time.Second,
	}
}

func events(o bkbin.Observation) []bkbin.Event {
	var ev []bkbin.Event
	for i := 0; i < 20+o.RunID%10; i++ {
		pa := unit.AngleFromDeg(float64(37 * i))
		r := unit.AngleFromDeg(.1 + .09*float64(i))
		ra, dec := bksky.Dest(o.Pointing, pa, r)
		ev = append(ev, bkbin.Event{RA: ra, Dec: dec, Energy: .2 * float64(1+i%7)})
	}
	return ev
}

// countingStore counts resolutions per run.
type countingStore struct {
	*bkstore.Memory
	mu sync.Mutex
	n  map[int]int
}

func (s *countingStore) Resolve(ctx context.Context, run int) (*bkstore.Run, error) {
	s.mu.Lock()
	s.n[run]++
	s.mu.Unlock()
	return s.Memory.Resolve(ctx, run)
}

type fixture struct {
	job   *bkjob.Job
	store *countingStore
	log   *bytes.Buffer
}

func newFixture(t *testing.T, runs ...int) *fixture {
	t.Helper()
	if len(runs) == 0 {
		runs = []int{1000, 1001, 1002}
	}
	cfg, err := bkconf.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	s := &countingStore{Memory: bkstore.NewMemory(), n: make(map[int]int)}
	for _, id := range runs {
		o := observation(id)
		s.Add(o, events(o))
	}
	var cat []bkbin.Observation
	for _, id := range []int{1000, 1001, 1002} {
		cat = append(cat, observation(id))
	}
	dir := t.TempDir()
	var buf bytes.Buffer
	return &fixture{
		job: &bkjob.Job{
			ID:       "test-job",
			Config:   cfg,
			Catalog:  cat,
			Store:    s,
			Zenither: decZenith{},
			Writer:   &bkout.Writer{Dir: filepath.Join(dir, "out"), Prefix: cfg.Prefix},
			Sentinel: filepath.Join(dir, "done.json"),
			Log:      slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		},
		store: s,
		log:   &buf,
	}
}

func (f *fixture) run(t *testing.T) (*bkjob.Result, error) {
	t.Helper()
	require.NoError(t, os.MkdirAll(f.job.Writer.Dir, 0o755))
	return f.job.Run(context.Background())
}

func (f *fixture) outputs(t *testing.T) []string {
	t.Helper()
	ents, err := os.ReadDir(f.job.Writer.Dir)
	require.NoError(t, err)
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	return names
}

func TestScenario(t *testing.T) {
	f := newFixture(t)
	res, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, []int{1002}, res.Singletons)
	assert.Empty(t, res.Failures)
	assert.Equal(t, []string{
		"bkg_01000.bkg.gob.gz",
		"bkg_01001.bkg.gob.gz",
		"bkg_01002.bkg.gob.gz",
	}, f.outputs(t))

	want := map[int][]int{1000: {1000, 1001}, 1001: {1000, 1001}, 1002: {1002}}
	for target, runs := range want {
		tpl, err := bkout.ReadTemplate(res.Outputs[target])
		require.NoError(t, err)
		assert.Equal(t, runs, tpl.Runs, "target %d", target)
		assert.Equal(t, target, tpl.Target)
		assert.Equal(t, "test-job", tpl.JobID)
		assert.Equal(t, bkestimate.Cube3D, tpl.Repr)
	}

	s, err := bkout.ReadSentinel(f.job.Sentinel)
	require.NoError(t, err)
	assert.Equal(t, "test-job", s.JobID)
	assert.Equal(t, []int{1000, 1001, 1002}, s.Targets)
	assert.Len(t, s.Outputs, 3)

	assert.Contains(t, f.log.String(), "no other run matches target")
	assert.Contains(t, f.log.String(), "target=1002")
}

func TestMemoization(t *testing.T) {
	f := newFixture(t)
	res, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1000: 1, 1001: 1, 1002: 1}, f.store.n)
	assert.Equal(t, int64(3), res.Stats.Computed)
	assert.Equal(t, 3, res.Cache.Len())

	a, err := bkout.ReadTemplate(res.Outputs[1000])
	require.NoError(t, err)
	b, err := bkout.ReadTemplate(res.Outputs[1001])
	require.NoError(t, err)
	assert.Equal(t, a.Counts, b.Counts)
	assert.Equal(t, a.Rate, b.Rate)
}

func TestRejectHDUType(t *testing.T) {
	f := newFixture(t)
	f.job.Config.HDUType = "1D"
	res, err := f.run(t)
	assert.ErrorIs(t, err, bkerr.ErrConfig)
	assert.Nil(t, res)
	assert.Empty(t, f.outputs(t))
	assert.Empty(t, f.store.n)
	assert.NoFileExists(t, f.job.Sentinel)
}

func TestKeepGoing(t *testing.T) {
	f := newFixture(t, 1000, 1002) // events of 1001 are lost
	// left by an earlier complete run
	require.NoError(t, os.WriteFile(f.job.Sentinel, []byte("{}"), 0o644))
	res, err := f.run(t)
	assert.ErrorIs(t, err, bkerr.ErrUnavailable)
	assert.Contains(t, res.Failures, 1000)
	assert.Contains(t, res.Failures, 1001)
	assert.Equal(t, []string{"bkg_01002.bkg.gob.gz"}, f.outputs(t))
	assert.NoFileExists(t, f.job.Sentinel)
	assert.Contains(t, f.log.String(), "target failed")
}

func TestTolerateMissingMembers(t *testing.T) {
	f := newFixture(t, 1000, 1002)
	f.job.Config.TolerateMissingMembers = true
	res, err := f.run(t)
	assert.ErrorIs(t, err, bkerr.ErrUnavailable)
	assert.Equal(t, []int{1001}, keys(res.Failures))
	tpl, err := bkout.ReadTemplate(res.Outputs[1000])
	require.NoError(t, err)
	assert.Equal(t, []int{1000}, tpl.Runs)
	assert.Contains(t, f.log.String(), "dropping unavailable member")
}

func TestStopOnFailure(t *testing.T) {
	f := newFixture(t, 1000, 1002)
	f.job.Config.KeepGoing = false
	f.job.Config.Workers = 1
	res, err := f.run(t)
	assert.ErrorIs(t, err, bkerr.ErrUnavailable)
	assert.Empty(t, res.Outputs)
	assert.NotContains(t, res.Failures, 1002)
	assert.Empty(t, f.outputs(t))
}

func precomputed(t *testing.T, p bkcache.Policy, g bkbin.Geometry, runs ...int) *bkcache.Cache {
	t.Helper()
	c := bkcache.New(p, nil)
	for _, id := range runs {
		o := observation(id)
		require.NoError(t, c.Insert(bkestimate.ComputeRawMap(o, events(o), g, nil)))
	}
	return c
}

func TestFailOnMiss(t *testing.T) {
	f := newFixture(t)
	f.job.Cache = bkcache.New(bkcache.FailOnMiss, nil)
	res, err := f.run(t)
	assert.ErrorIs(t, err, bkerr.ErrUnavailable)
	assert.Len(t, res.Failures, 3)
	assert.Empty(t, f.store.n)

	f = newFixture(t)
	f.job.Config.Exclusion.Sources = nil
	f.job.Cache = precomputed(t, bkcache.FailOnMiss, f.job.Config.Geometry(), 1000, 1001, 1002)
	res, err = f.run(t)
	require.NoError(t, err)
	assert.Len(t, res.Outputs, 3)
	assert.Empty(t, f.store.n, "maps come from the cache only")
	assert.Equal(t, int64(0), res.Stats.Computed)
}

func TestGeometryMismatch(t *testing.T) {
	f := newFixture(t)
	g := f.job.Config.Geometry()
	g.NOffset++
	f.job.Cache = precomputed(t, bkcache.ComputeOnMiss, g, 1001)
	res, err := f.run(t)
	assert.ErrorIs(t, err, bkerr.ErrConsistency)
	assert.Equal(t, []int{1000, 1001}, keys(res.Failures))
	assert.Equal(t, []string{"bkg_01002.bkg.gob.gz"}, f.outputs(t))
}

func TestOverwrite(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t)
	require.NoError(t, err)
	require.FileExists(t, f.job.Sentinel)

	_, err = f.run(t)
	assert.ErrorIs(t, err, fs.ErrExist)
	assert.NoFileExists(t, f.job.Sentinel)
	assert.Equal(t, 1, f.store.n[1000], "refused targets are not recomputed")

	f.job.Writer.Overwrite = true
	_, err = f.run(t)
	require.NoError(t, err)
	assert.FileExists(t, f.job.Sentinel)
}

func TestPlots(t *testing.T) {
	f := newFixture(t)
	f.job.PlotDir = t.TempDir()
	_, err := f.run(t)
	require.NoError(t, err)
	for _, id := range []int{1000, 1001, 1002} {
		assert.FileExists(t, filepath.Join(f.job.PlotDir, bkplot.Name("bkg", id)))
	}
}

func keys(m map[int]error) []int {
	var k []int
	for _, id := range []int{1000, 1001, 1002} {
		if _, ok := m[id]; ok {
			k = append(k, id)
		}
	}
	return k
}

func TestPrecompute(t *testing.T) {
	f := newFixture(t)
	c := bkcache.New(bkcache.ComputeOnMiss, nil)
	require.NoError(t, bkjob.Precompute(context.Background(), f.job.Config, f.job.Catalog, f.store, c, nil))
	assert.Equal(t, 3, c.Len())

	// a job over the precomputed cache never touches the store again
	f.job.Cache = bkcache.New(bkcache.FailOnMiss, nil)
	for _, m := range c.Maps() {
		require.NoError(t, f.job.Cache.Insert(m))
	}
	_, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1000: 1, 1001: 1, 1002: 1}, f.store.n)

	f = newFixture(t, 1000)
	err = bkjob.Precompute(context.Background(), f.job.Config, f.job.Catalog, f.store,
		bkcache.New(bkcache.ComputeOnMiss, nil), nil)
	assert.ErrorIs(t, err, bkerr.ErrUnavailable)
}
