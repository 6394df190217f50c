// Public domain.

package bksim_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iact-tools/bkgmatch/internal/bksim"
	"github.com/iact-tools/bkgmatch/internal/bksky"
	"github.com/iact-tools/bkgmatch/internal/bkstore"
)

func small() bksim.Config {
	c := bksim.Default()
	c.Runs = 4
	c.Rate = .2
	return c
}

func TestRepeatable(t *testing.T) {
	a := bksim.Generate(small())
	b := bksim.Generate(small())
	if !cmp.Equal(a, b) {
		t.Fatal("same seed gave different runs")
	}
	c := small()
	c.Seed++
	assert.False(t, cmp.Equal(a, bksim.Generate(c)))
}

func TestRuns(t *testing.T) {
	c := small()
	runs := bksim.Generate(c)
	require.Len(t, runs, c.Runs)
	for i, r := range runs {
		assert.Equal(t, c.FirstRun+i, r.RunID)
		assert.Equal(t, r.Start.Add(c.RunLength/2), r.MidTime)
		assert.Less(t, r.Livetime, c.RunLength)
		assert.NotEmpty(t, r.Events, "run %d", r.RunID)
		assert.InDelta(t, c.Wobble.Deg(), bksky.Offset(c.Targets[0], r.Pointing.RA, r.Pointing.Dec).Deg(), 1e-9)
		for _, e := range r.Events {
			assert.GreaterOrEqual(t, e.Energy, c.EMin)
			assert.Less(t, bksky.Offset(r.Pointing, e.RA, e.Dec), c.MaxOff)
		}
		if i > 0 {
			assert.Equal(t, runs[i-1].Stop.Add(c.Gap), r.Start)
		}
	}
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	runs := bksim.Generate(small())
	d := bkstore.Dir{Root: t.TempDir()}
	paths, err := bksim.WriteDir(d, runs)
	require.NoError(t, err)
	require.Len(t, paths, len(runs))
	r, err := d.Resolve(ctx, runs[2].RunID)
	require.NoError(t, err)
	ev, err := r.Events(ctx)
	require.NoError(t, err)
	assert.Len(t, ev, len(runs[2].Events))

	s, err := bkstore.OpenSQL("sqlite", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, bksim.WriteSQL(ctx, s, runs))
	obs, err := s.Observations(ctx)
	require.NoError(t, err)
	assert.Len(t, obs, len(runs))
	_, err = os.Stat(paths[0])
	assert.NoError(t, err)
}
