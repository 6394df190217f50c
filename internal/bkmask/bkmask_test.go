// Public domain.

package bkmask_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/soniakeys/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkmask"
	"github.com/iact-tools/bkgmatch/internal/bksky"
)

var crab = bkbin.Pointing{RA: unit.RAFromDeg(83.633), Dec: unit.AngleFromDeg(22.0145)}

func ExampleBuild() {
	m := bkmask.Build(bkmask.Shared([]bkbin.Pointing{crab}, unit.AngleFromDeg(.3)))
	ra, dec := bksky.Dest(crab, 0, unit.AngleFromDeg(.2))
	fmt.Println(m.Excluded(ra, dec))
	ra, dec = bksky.Dest(crab, 0, unit.AngleFromDeg(.4))
	fmt.Println(m.Excluded(ra, dec))
	// Output:
	// true
	// false
}

func TestZeroRadiusExcludesNothing(t *testing.T) {
	m := bkmask.Build(bkmask.Shared([]bkbin.Pointing{crab, {RA: 0, Dec: 0}}, 0))
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.Excluded(crab.RA, crab.Dec))
	assert.False(t, m.Excluded(0, 0))

	var none *bkmask.Mask
	assert.False(t, none.Excluded(crab.RA, crab.Dec))
	assert.Equal(t, []float64{1, 1}, none.UnmaskedFraction(crab, []float64{0, 1, 2}))
}

func TestPerSourceRadius(t *testing.T) {
	other := bkbin.Pointing{RA: unit.RAFromDeg(90), Dec: unit.AngleFromDeg(22)}
	m := bkmask.Build([]bkmask.Region{
		{Name: "crab", RA: crab.RA, Dec: crab.Dec, Radius: unit.AngleFromDeg(.1)},
		{Name: "other", RA: other.RA, Dec: other.Dec, Radius: unit.AngleFromDeg(1)},
	})
	ra, dec := bksky.Dest(crab, 0, unit.AngleFromDeg(.5))
	assert.False(t, m.Excluded(ra, dec))
	ra, dec = bksky.Dest(other, 0, unit.AngleFromDeg(.5))
	assert.True(t, m.Excluded(ra, dec))
}

func TestBoundaryNotExcluded(t *testing.T) {
	m := bkmask.Build(bkmask.Shared([]bkbin.Pointing{{RA: 0, Dec: 0}}, unit.AngleFromDeg(1)))
	// on the equator RA offsets are exact separations
	assert.True(t, m.Excluded(unit.RAFromDeg(.999), 0))
	assert.False(t, m.Excluded(unit.RAFromDeg(1.001), 0))
}

func TestUnmaskedFraction(t *testing.T) {
	// source at the pointing center, radius 0.5 deg, annuli 0-0.5 and 0.5-1
	m := bkmask.Build(bkmask.Shared([]bkbin.Pointing{crab}, unit.AngleFromDeg(.5)))
	f := m.UnmaskedFraction(crab, []float64{0, .5, 1})
	require.Len(t, f, 2)
	assert.Equal(t, 0., f[0])
	assert.Equal(t, 1., f[1])

	// source far away leaves everything
	far := bkbin.Pointing{RA: unit.RAFromDeg(200), Dec: unit.AngleFromDeg(-40)}
	f = m.UnmaskedFraction(far, []float64{0, 1, 2})
	assert.Equal(t, []float64{1, 1}, f)
}

// overlapFraction returns the fraction of the flat annulus [r0, r1) outside
// a disk of radius rd centered d from the annulus center, counted on a fine
// grid.
func overlapFraction(r0, r1, d, rd float64) float64 {
	const step = .004
	n := int(2 * r1 / step)
	var in, out int
	for i := 0; i < n; i++ {
		x := -r1 + (float64(i)+.5)*step
		for j := 0; j < n; j++ {
			y := -r1 + (float64(j)+.5)*step
			if r := math.Hypot(x, y); r < r0 || r >= r1 {
				continue
			}
			if math.Hypot(x, y-d) < rd {
				out++
			} else {
				in++
			}
		}
	}
	return float64(in) / float64(in+out)
}

func TestUnmaskedFractionPartial(t *testing.T) {
	// source 1 deg off-center with 0.3 deg radius spans offsets 0.7 to 1.3,
	// cutting into both annuli
	src := bkbin.Pointing{RA: crab.RA, Dec: crab.Dec + unit.AngleFromDeg(1)}
	m := bkmask.Build(bkmask.Shared([]bkbin.Pointing{src}, unit.AngleFromDeg(.3)))
	f := m.UnmaskedFraction(crab, []float64{0, .8, 1.2})
	require.Len(t, f, 2)
	assert.Less(t, f[0], 1.)
	assert.InDelta(t, overlapFraction(0, .8, 1, .3), f[0], .01)
	assert.InDelta(t, overlapFraction(.8, 1.2, 1, .3), f[1], .01)
}
