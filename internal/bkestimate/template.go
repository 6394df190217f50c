// Public domain.

package bkestimate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
)

// Representation is the output shape of a template.
type Representation string

const (
	// Offset2D is an offset-only acceptance curve, all energies collapsed
	// to one band.
	Offset2D Representation = "2D"
	// Cube3D is the full energy x offset background cube.
	Cube3D Representation = "3D"
)

// ParseRepresentation validates an hdu_type value.
func ParseRepresentation(s string) (Representation, error) {
	switch r := Representation(s); r {
	case Offset2D, Cube3D:
		return r, nil
	}
	return "", bkerr.Config("hdu_type %q, want 2D or 3D", s)
}

// Template is a normalized background rate template for one target run.
//
// Arrays are energy-major with Bands() x Geometry.NOffset elements.  For
// Offset2D there is a single band spanning the full energy range.  Rate is
// in counts per second; bins without Coverage have rate 0.
type Template struct {
	JobID    string
	Target   int
	Repr     Representation
	Geometry bkbin.Geometry

	Rate     []float64
	Coverage []bool
	Counts   []float64
	Exposure []float64 // per offset bin, seconds

	Runs              []int // contributing runs, match set order
	Livetime          time.Duration
	CorrectedExposure bool // Rate divides by Exposure rather than Livetime
}

// Bands returns the number of energy bands of t.
func (t *Template) Bands() int {
	if t.Repr == Offset2D {
		return 1
	}
	return t.Geometry.NEnergy
}

// Mx computes an index into the flat arrays of t.
func (t *Template) Mx(ie, io int) int {
	return ie*t.Geometry.NOffset + io
}

// EnergyEdges returns the band edges of t in TeV.
func (t *Template) EnergyEdges() []float64 {
	if t.Repr == Offset2D {
		return []float64{t.Geometry.EMin, t.Geometry.EMax}
	}
	return t.Geometry.Axes().Energy
}

// OffsetRate returns the rate per offset bin summed over energy bands.
func (t *Template) OffsetRate() []float64 {
	no := t.Geometry.NOffset
	r := make([]float64, no)
	for ie := 0; ie < t.Bands(); ie++ {
		floats.Add(r, t.Rate[ie*no:(ie+1)*no])
	}
	return r
}

// Validate checks shapes and the rate invariants of a template read back
// from a file.
func (t *Template) Validate() error {
	if _, err := ParseRepresentation(string(t.Repr)); err != nil {
		return err
	}
	if err := t.Geometry.Validate(); err != nil {
		return err
	}
	n := t.Bands() * t.Geometry.NOffset
	switch {
	case len(t.Rate) != n, len(t.Coverage) != n, len(t.Counts) != n:
		return bkerr.Run("template", t.Target, bkerr.ErrConsistency,
			fmt.Errorf("want %d bins", n))
	case len(t.Exposure) != t.Geometry.NOffset:
		return bkerr.Run("template", t.Target, bkerr.ErrConsistency,
			fmt.Errorf("%d exposure bins", len(t.Exposure)))
	case len(t.Runs) == 0:
		return bkerr.Run("template", t.Target, bkerr.ErrConsistency,
			errors.New("no contributing runs"))
	}
	for i, r := range t.Rate {
		if !(r >= 0) || math.IsInf(r, 1) || (!t.Coverage[i] && r != 0) {
			return bkerr.Run("template", t.Target, bkerr.ErrConsistency,
				fmt.Errorf("bin %d: invalid rate %g", i, r))
		}
	}
	return nil
}

// Stacked holds the bin-wise sum of raw maps.
type Stacked struct {
	Geometry bkbin.Geometry
	Counts   []float64
	Exposure []float64
	Livetime time.Duration
	Runs     []int
}

// Stack sums maps bin-wise.  All maps must share one geometry; the same
// map may appear more than once.
func Stack(maps []*bkbin.RawMap) (*Stacked, error) {
	if len(maps) == 0 {
		return nil, errors.New("stack: no raw maps")
	}
	g := maps[0].Geometry
	s := &Stacked{
		Geometry: g,
		Counts:   make([]float64, g.Size()),
		Exposure: make([]float64, g.NOffset),
	}
	for _, m := range maps {
		if m.Geometry != g {
			return nil, bkerr.Run("stack", m.RunID, bkerr.ErrConsistency,
				fmt.Errorf("geometry (%v) differs from run %d (%v)", m.Geometry, maps[0].RunID, g))
		}
		floats.Add(s.Counts, m.Counts)
		floats.Add(s.Exposure, m.Exposure)
		s.Livetime += m.Livetime
		s.Runs = append(s.Runs, m.RunID)
	}
	return s, nil
}

// Template normalizes s into a rate template of representation r.
//
// Without exposure correction rate = counts / total livetime; with it
// rate = counts / exposure of the offset bin.  Either way a bin with no
// exposure has rate 0 and no coverage.
func (s *Stacked) Template(r Representation, correct bool) *Template {
	g := s.Geometry
	t := &Template{
		Repr:              r,
		Geometry:          g,
		Exposure:          append([]float64(nil), s.Exposure...),
		Runs:              append([]int(nil), s.Runs...),
		Livetime:          s.Livetime,
		CorrectedExposure: correct,
	}
	nb := t.Bands()
	t.Counts = make([]float64, nb*g.NOffset)
	if r == Offset2D {
		for ie := 0; ie < g.NEnergy; ie++ {
			floats.Add(t.Counts, s.Counts[g.Mx(ie, 0):g.Mx(ie+1, 0)])
		}
	} else {
		copy(t.Counts, s.Counts)
	}
	t.Rate = make([]float64, len(t.Counts))
	t.Coverage = make([]bool, len(t.Counts))
	lt := s.Livetime.Seconds()
	for ie := 0; ie < nb; ie++ {
		for io, x := range s.Exposure {
			if !(x > 0) || !correct && !(lt > 0) {
				continue
			}
			i := t.Mx(ie, io)
			t.Coverage[i] = true
			if correct {
				t.Rate[i] = t.Counts[i] / x
			} else {
				t.Rate[i] = t.Counts[i] / lt
			}
		}
	}
	return t
}
