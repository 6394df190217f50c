// Public domain.

// Package bkmatch selects, for each target run, the runs observed under
// comparable conditions.
//
// The comparability criterion is the cosine of the zenith angle.  Detector
// response varies smoothly with airmass, which tracks cos(zenith) roughly
// linearly over the relevant range.  Run j matches target i iff
//
//	|cos z[j] - cos z[i]| < tolerance
//
// The inequality is strict; runs exactly at the tolerance do not match.
package bkmatch

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/soniakeys/unit"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
)

// Zenither computes zenith angles.  bksky.Site implements it.
type Zenither interface {
	Zenith(t time.Time, p bkbin.Pointing) unit.Angle
}

// Criterion is the similarity criterion of one run.
type Criterion struct {
	RunID     int
	Zenith    unit.Angle
	CosZenith float64
}

// Table is the criteria table of a job, in catalog order.  It is computed
// once and read-only afterward.
type Table struct {
	c   []Criterion
	idx map[int]int
}

// Criteria computes the criteria table for a list of observations.
// Run ids must be unique.
func Criteria(obs []bkbin.Observation, z Zenither) (*Table, error) {
	c := make([]Criterion, len(obs))
	for i, o := range obs {
		zen := z.Zenith(o.MidTime, o.Pointing)
		c[i] = Criterion{RunID: o.RunID, Zenith: zen, CosZenith: math.Cos(zen.Rad())}
	}
	return NewTable(c)
}

// NewTable builds a table from precomputed criteria.
func NewTable(c []Criterion) (*Table, error) {
	t := &Table{c: c, idx: make(map[int]int, len(c))}
	for i, cr := range c {
		if _, dup := t.idx[cr.RunID]; dup {
			return nil, bkerr.Run("criteria", cr.RunID, bkerr.ErrConfig,
				fmt.Errorf("duplicate run id"))
		}
		if math.IsNaN(cr.CosZenith) || cr.CosZenith < -1 || cr.CosZenith > 1 {
			return nil, bkerr.Run("criteria", cr.RunID, bkerr.ErrConsistency,
				fmt.Errorf("cos zenith %g out of range", cr.CosZenith))
		}
		t.idx[cr.RunID] = i
	}
	return t, nil
}

// Criteria returns the table rows in catalog order.  The slice must not be
// modified.
func (t *Table) Criteria() []Criterion { return t.c }

// Len returns the number of runs in the table.
func (t *Table) Len() int { return len(t.c) }

// Lookup returns the criterion of a run.
func (t *Table) Lookup(run int) (Criterion, bool) {
	i, ok := t.idx[run]
	if !ok {
		return Criterion{}, false
	}
	return t.c[i], true
}

// MatchSet is the set of runs matched to a target.  Members are in table
// order and always include the target.
type MatchSet struct {
	Target    int
	Members   []int
	Tolerance float64
}

// Singleton reports whether only the target itself matched.
func (s MatchSet) Singleton() bool {
	return len(s.Members) == 1
}

// Without returns a copy of s with run removed from Members.  The target
// is never removed.
func (s MatchSet) Without(run int) MatchSet {
	if run == s.Target {
		return s
	}
	r := MatchSet{Target: s.Target, Tolerance: s.Tolerance}
	for _, m := range s.Members {
		if m != run {
			r.Members = append(r.Members, m)
		}
	}
	return r
}

// Match returns the runs within tolerance of target.
func (t *Table) Match(target int, tolerance float64) (MatchSet, error) {
	if !(tolerance > 0) {
		return MatchSet{}, bkerr.Config("tolerance %g must be positive", tolerance)
	}
	i, ok := t.idx[target]
	if !ok {
		return MatchSet{}, bkerr.Run("match", target, bkerr.ErrUnavailable,
			fmt.Errorf("run not in criteria table"))
	}
	ref := t.c[i].CosZenith
	s := MatchSet{Target: target, Tolerance: tolerance}
	for _, c := range t.c {
		if math.Abs(c.CosZenith-ref) < tolerance {
			s.Members = append(s.Members, c.RunID)
		}
	}
	return s, nil
}

// LogValue implements slog.LogValuer.
func (c Criterion) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("run", c.RunID),
		slog.Float64("zenith_deg", c.Zenith.Deg()),
		slog.Float64("cos_zenith", c.CosZenith),
	)
}
