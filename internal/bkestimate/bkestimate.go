// Public domain.

// Package bkestimate builds background rate templates.
//
// Each member run of a match set contributes a raw map of its OFF-region
// events, taken from the raw map cache or computed on demand.  The maps
// are stacked, normalized to a rate and converted to the requested
// representation.
package bkestimate

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkcache"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
	"github.com/iact-tools/bkgmatch/internal/bkmask"
	"github.com/iact-tools/bkgmatch/internal/bkmatch"
	"github.com/iact-tools/bkgmatch/internal/bksky"
	"github.com/iact-tools/bkgmatch/internal/bkstore"
)

// ComputeRawMap bins the events of one run by energy and offset from the
// pointing.  Events inside the mask or outside the geometry are not
// counted.
func ComputeRawMap(o bkbin.Observation, events []bkbin.Event, g bkbin.Geometry, mask *bkmask.Mask) *bkbin.RawMap {
	m := bkbin.NewRawMap(o.RunID, g, o.Livetime)
	ax := g.Axes()
	pc := bksky.Cart(o.Pointing.RA, o.Pointing.Dec)
	for _, e := range events {
		ec := bksky.Cart(e.RA, e.Dec)
		if mask.ExcludedCart(&ec) {
			continue
		}
		ie, io, ok := ax.Bin(e.Energy, bksky.Sep(&pc, &ec).Deg())
		if !ok {
			continue
		}
		m.Counts[g.Mx(ie, io)]++
	}
	lt := o.Livetime.Seconds()
	for io, f := range mask.UnmaskedFraction(o.Pointing, ax.Offset) {
		m.Exposure[io] = lt * f
	}
	return m
}

// MapBuilder computes raw maps from runs resolved through a store.  Its
// Compute method is a bkcache.ComputeFunc.
type MapBuilder struct {
	Store bkstore.Resolver
	Log   *slog.Logger
}

// Compute resolves run, reads its events and bins them.
func (b *MapBuilder) Compute(ctx context.Context, run int, g bkbin.Geometry, mask *bkmask.Mask) (*bkbin.RawMap, error) {
	r, err := b.Store.Resolve(ctx, run)
	if err != nil {
		return nil, err
	}
	ev, err := r.Events(ctx)
	if err != nil {
		return nil, err
	}
	m := ComputeRawMap(r.Observation, ev, g, mask)
	if b.Log != nil {
		b.Log.Debug("raw map computed", "run", run, "source", r.Source,
			"events", len(ev), "livetime", r.Livetime)
	}
	return m, nil
}

// Options configure an Estimator.
type Options struct {
	Geometry        bkbin.Geometry
	Repr            Representation
	Mask            *bkmask.Mask
	CorrectExposure bool
	// TolerateMissing drops unavailable non-target members instead of
	// failing the target.
	TolerateMissing bool
	JobID           string
}

// Estimator turns match sets into templates.  It is safe for concurrent
// use when its cache is.
type Estimator struct {
	opt     Options
	cache   *bkcache.Cache
	compute bkcache.ComputeFunc
	log     *slog.Logger
}

// New validates the representation and geometry of o before any work is
// done.  A nil logger means slog.Default().
func New(o Options, cache *bkcache.Cache, compute bkcache.ComputeFunc, log *slog.Logger) (*Estimator, error) {
	if _, err := ParseRepresentation(string(o.Repr)); err != nil {
		return nil, err
	}
	if err := o.Geometry.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, errors.New("estimator: nil cache")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{opt: o, cache: cache, compute: compute, log: log}, nil
}

// Estimate builds the template of s.Target from the members of s.
//
// Errors from the cache, including geometry mismatches, are returned
// unchanged.
func (e *Estimator) Estimate(ctx context.Context, s bkmatch.MatchSet) (*Template, error) {
	if !slices.Contains(s.Members, s.Target) {
		return nil, bkerr.Run("estimate", s.Target, bkerr.ErrConsistency,
			errors.New("target not a member of its match set"))
	}
	maps := make([]*bkbin.RawMap, 0, len(s.Members))
	for _, run := range s.Members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := e.cache.GetOrCompute(ctx, run, e.opt.Geometry, e.opt.Mask, e.compute)
		if err != nil {
			if e.opt.TolerateMissing && run != s.Target && errors.Is(err, bkerr.ErrUnavailable) {
				e.log.Warn("dropping unavailable member", "target", s.Target,
					"run", run, "err", err)
				continue
			}
			return nil, err
		}
		maps = append(maps, m)
	}
	st, err := Stack(maps)
	if err != nil {
		return nil, err
	}
	t := st.Template(e.opt.Repr, e.opt.CorrectExposure)
	t.JobID = e.opt.JobID
	t.Target = s.Target
	e.log.Debug("template estimated", "target", s.Target, "runs", len(t.Runs),
		"livetime", t.Livetime, "repr", string(t.Repr))
	return t, nil
}

// Geometry returns the binning of templates produced by e.
func (e *Estimator) Geometry() bkbin.Geometry { return e.opt.Geometry }
