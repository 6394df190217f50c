// Public domain.

// Package bkbin defines the binned data model shared by the background
// pipeline: the binning geometry, observations and their events, and the
// per-run raw maps that background templates are stacked from.
package bkbin

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/soniakeys/unit"
	"gonum.org/v1/gonum/floats"

	"github.com/iact-tools/bkgmatch/internal/bkerr"
)

// Geometry describes the binning of raw maps and templates.
//
// Energy edges are logarithmically spaced from EMin to EMax, offset edges
// are linearly spaced from 0 to OffsetMax.  Geometry is comparable; two
// maps may only be combined when their geometries are ==.
type Geometry struct {
	EMin, EMax float64 // reconstructed energy bounds, TeV
	NEnergy    int
	NOffset    int
	OffsetMax  unit.Angle
}

// Validate checks that g describes a usable binning.
func (g Geometry) Validate() error {
	switch {
	case !(g.EMin > 0) || math.IsInf(g.EMin, 0):
		return bkerr.Config("energy min %g TeV must be positive", g.EMin)
	case !(g.EMax > g.EMin) || math.IsInf(g.EMax, 0):
		return bkerr.Config("energy max %g TeV must exceed min %g TeV", g.EMax, g.EMin)
	case g.NEnergy < 1:
		return bkerr.Config("energy n_bins %d must be at least 1", g.NEnergy)
	case g.NOffset < 1:
		return bkerr.Config("offset n_bins %d must be at least 1", g.NOffset)
	case !(g.OffsetMax > 0) || g.OffsetMax.Deg() > 180:
		return bkerr.Config("offset max %g deg out of range (0, 180]", g.OffsetMax.Deg())
	}
	return nil
}

// Size is the number of energy-offset bins.
func (g Geometry) Size() int {
	return g.NEnergy * g.NOffset
}

// Mx computes an index into the flat, energy-major representation of a map.
func (g Geometry) Mx(ie, io int) int {
	return ie*g.NOffset + io
}

func (g Geometry) String() string {
	return fmt.Sprintf("energy %g-%g TeV x%d, offset 0-%g deg x%d",
		g.EMin, g.EMax, g.NEnergy, g.OffsetMax.Deg(), g.NOffset)
}

// Axes holds the bin edges of a geometry.  Energy edges are in TeV, offset
// edges in degrees.
type Axes struct {
	Energy []float64
	Offset []float64
}

// Axes computes bin edges for g.
func (g Geometry) Axes() Axes {
	a := Axes{
		Energy: floats.LogSpan(make([]float64, g.NEnergy+1), g.EMin, g.EMax),
		Offset: floats.Span(make([]float64, g.NOffset+1), 0, g.OffsetMax.Deg()),
	}
	// pin the outer edges so bounds tests are exact
	a.Energy[0], a.Energy[g.NEnergy] = g.EMin, g.EMax
	return a
}

// Bin takes an energy in TeV and an offset in degrees and returns the
// corresponding bin indexes.  Values outside the half-open axis ranges
// are not in the model.
func (a Axes) Bin(energy, offset float64) (ie, io int, inModel bool) {
	if ie, inModel = bin(a.Energy, energy); !inModel {
		return
	}
	io, inModel = bin(a.Offset, offset)
	return
}

func bin(edges []float64, x float64) (int, bool) {
	if !(x >= edges[0] && x < edges[len(edges)-1]) {
		return 0, false // also rejects NaN
	}
	return sort.Search(len(edges), func(i int) bool { return edges[i] > x }) - 1, true
}

// Centers returns bin centers of a set of edges.  Energy centers should
// be taken geometrically by the caller if needed.
func Centers(edges []float64) []float64 {
	c := make([]float64, len(edges)-1)
	for i := range c {
		c[i] = (edges[i] + edges[i+1]) * .5
	}
	return c
}

// Pointing is a telescope pointing direction, ICRS.
type Pointing struct {
	RA  unit.RA
	Dec unit.Angle
}

// RADeg returns a right ascension in degrees.
func RADeg(ra unit.RA) float64 {
	return ra.Rad() * 180 / math.Pi
}

// Observation holds metadata of a single run.  It is immutable for the
// duration of a job.
type Observation struct {
	RunID    int
	Pointing Pointing
	MidTime  time.Time
	Livetime time.Duration
}

// Event is a reconstructed event: sky position and energy in TeV.
type Event struct {
	RA     unit.RA
	Dec    unit.Angle
	Energy float64
}

// RawMap holds the OFF-region counts of one run binned in a geometry.
//
// Counts is energy-major with Geometry.Size() elements.  Exposure has one
// element per offset bin and holds livetime in seconds scaled by the
// fraction of the offset ring not covered by the exclusion mask.
type RawMap struct {
	RunID    int
	Geometry Geometry
	Counts   []float64
	Exposure []float64
	Livetime time.Duration
}

// NewRawMap allocates an empty raw map.
func NewRawMap(run int, g Geometry, livetime time.Duration) *RawMap {
	return &RawMap{
		RunID:    run,
		Geometry: g,
		Counts:   make([]float64, g.Size()),
		Exposure: make([]float64, g.NOffset),
		Livetime: livetime,
	}
}

// Validate checks that array shapes agree with the geometry.  Maps read
// from external cache files are validated before use.
func (m *RawMap) Validate() error {
	switch {
	case len(m.Counts) != m.Geometry.Size():
		return bkerr.Run("rawmap", m.RunID, bkerr.ErrConsistency,
			fmt.Errorf("%d counts for %d bins", len(m.Counts), m.Geometry.Size()))
	case len(m.Exposure) != m.Geometry.NOffset:
		return bkerr.Run("rawmap", m.RunID, bkerr.ErrConsistency,
			fmt.Errorf("%d exposure bins for %d offset bins", len(m.Exposure), m.Geometry.NOffset))
	case m.Livetime < 0:
		return bkerr.Run("rawmap", m.RunID, bkerr.ErrConsistency,
			fmt.Errorf("negative livetime %v", m.Livetime))
	}
	for _, a := range [][]float64{m.Counts, m.Exposure} {
		for _, v := range a {
			if !(v >= 0) || math.IsInf(v, 1) {
				return bkerr.Run("rawmap", m.RunID, bkerr.ErrConsistency,
					fmt.Errorf("invalid bin value %g", v))
			}
		}
	}
	return nil
}
