// Public domain.

// Package bkmask builds exclusion masks: predicates over sky directions
// marking regions around known sources that must not contribute to
// background statistics.
package bkmask

import (
	"math"

	"github.com/soniakeys/coord"
	"github.com/soniakeys/unit"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bksky"
)

// Region is a circular exclusion region.
type Region struct {
	Name   string
	RA     unit.RA
	Dec    unit.Angle
	Radius unit.Angle
}

// Mask is an immutable set of exclusion regions.  A nil Mask excludes
// nothing.  A Mask is safe for concurrent use.
type Mask struct {
	regions []region
}

type region struct {
	center coord.Cart
	radius unit.Angle
}

// Build constructs a mask from regions.  Regions with a radius of zero or
// less can exclude nothing and are dropped.
func Build(regions []Region) *Mask {
	m := &Mask{}
	for _, r := range regions {
		if !(r.Radius > 0) {
			continue
		}
		m.regions = append(m.regions, region{bksky.Cart(r.RA, r.Dec), r.Radius})
	}
	return m
}

// Shared returns regions for a list of source positions sharing one radius.
func Shared(sources []bkbin.Pointing, radius unit.Angle) []Region {
	r := make([]Region, len(sources))
	for i, s := range sources {
		r[i] = Region{RA: s.RA, Dec: s.Dec, Radius: radius}
	}
	return r
}

// Len returns the number of effective regions.
func (m *Mask) Len() int {
	if m == nil {
		return 0
	}
	return len(m.regions)
}

// Excluded reports whether a direction lies strictly inside any region.
func (m *Mask) Excluded(ra unit.RA, dec unit.Angle) bool {
	if m.Len() == 0 {
		return false
	}
	c := bksky.Cart(ra, dec)
	return m.ExcludedCart(&c)
}

// ExcludedCart is Excluded for a unit vector.
func (m *Mask) ExcludedCart(c *coord.Cart) bool {
	if m == nil {
		return false
	}
	for i := range m.regions {
		r := &m.regions[i]
		if bksky.Sep(&r.center, c) < r.radius {
			return true
		}
	}
	return false
}

// Overlaps reports whether any region could intersect the disk of radius
// r around p.
func (m *Mask) Overlaps(p bkbin.Pointing, r unit.Angle) bool {
	if m.Len() == 0 {
		return false
	}
	c := bksky.Cart(p.RA, p.Dec)
	for i := range m.regions {
		if bksky.Sep(&m.regions[i].center, &c) < r+m.regions[i].radius {
			return true
		}
	}
	return false
}

// sampling density for UnmaskedFraction
const (
	radialSamples  = 8
	azimuthSamples = 180
)

// UnmaskedFraction estimates, for each offset annulus between consecutive
// edges (degrees) around p, the fraction of solid angle outside the mask.
//
// Annuli are sampled on a polar grid with sample radii spaced uniformly in
// cos(offset) so every sample represents equal solid angle.
func (m *Mask) UnmaskedFraction(p bkbin.Pointing, edges []float64) []float64 {
	frac := make([]float64, len(edges)-1)
	for i := range frac {
		frac[i] = 1
	}
	if !m.Overlaps(p, unit.AngleFromDeg(edges[len(edges)-1])) {
		return frac
	}
	for i := range frac {
		c0 := math.Cos(edges[i] * math.Pi / 180)
		c1 := math.Cos(edges[i+1] * math.Pi / 180)
		var in int
		for ir := 0; ir < radialSamples; ir++ {
			r := unit.Angle(math.Acos(c0 + (c1-c0)*(float64(ir)+.5)/radialSamples))
			for ia := 0; ia < azimuthSamples; ia++ {
				pa := unit.Angle(2 * math.Pi * (float64(ia) + .5) / azimuthSamples)
				ra, dec := bksky.Dest(p, pa, r)
				if !m.Excluded(ra, dec) {
					in++
				}
			}
		}
		frac[i] = float64(in) / (radialSamples * azimuthSamples)
	}
	return frac
}
