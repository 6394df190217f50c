// Public domain.

// Package bksim generates synthetic runs.
//
// Runs follow each other through a night with wobble pointings around a
// list of targets.  Background events fall off with offset from the
// pointing and scale with cos(zenith); sources add a Gaussian excess.  A
// fixed seed reproduces the same runs.
package bksim

import (
	"math"
	"time"

	xrand "golang.org/x/exp/rand"

	"github.com/soniakeys/unit"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bksky"
)

// Source is a simulated point source.
type Source struct {
	Pointing bkbin.Pointing
	Rate     float64    // events per second at zenith
	Sigma    unit.Angle // spread of reconstructed positions
}

// Config controls generation.
type Config struct {
	Site      bksky.Site
	Start     time.Time
	FirstRun  int
	Runs      int
	RunLength time.Duration
	Gap       time.Duration
	DeadTime  float64 // fraction of run length, [0, 1)

	Targets []bkbin.Pointing // cycled through run by run
	Wobble  unit.Angle       // pointing offset from the target

	Rate   float64    // background events per second at zenith
	Spread unit.Angle // Gaussian width of the background acceptance
	MaxOff unit.Angle // no events beyond this offset
	EMin   float64    // TeV
	Index  float64    // power law index of event energies, > 1

	Sources []Source
	Seed    uint64
}

// Default returns a small night of runs on the Crab at La Palma.
func Default() Config {
	return Config{
		Site:      bksky.RoqueDeLosMuchachos,
		Start:     time.Date(2023, 11, 17, 22, 0, 0, 0, time.UTC),
		FirstRun:  2965,
		Runs:      12,
		RunLength: 20 * time.Minute,
		Gap:       2 * time.Minute,
		DeadTime:  .05,
		Targets:   []bkbin.Pointing{{RA: unit.RAFromDeg(83.633), Dec: unit.AngleFromDeg(22.0145)}},
		Wobble:    unit.AngleFromDeg(.4),
		Rate:      2,
		Spread:    unit.AngleFromDeg(1.2),
		MaxOff:    unit.AngleFromDeg(3),
		EMin:      .05,
		Index:     2.7,
		Sources: []Source{{
			Pointing: bkbin.Pointing{RA: unit.RAFromDeg(83.633), Dec: unit.AngleFromDeg(22.0145)},
			Rate:     .2,
			Sigma:    unit.AngleFromDeg(.1),
		}},
		Seed: 3,
	}
}

// Run is a generated run.
type Run struct {
	bkbin.Observation
	Start, Stop time.Time
	Events      []bkbin.Event
}

// Generate generates the runs of c.
func Generate(c Config) []Run {
	rnd := xrand.New(&xrand.PCGSource{})
	rnd.Seed(c.Seed)
	runs := make([]Run, c.Runs)
	t := c.Start
	for i := range runs {
		target := c.Targets[i%len(c.Targets)]
		// four wobble positions at position angles 0, 90, 180, 270
		pnt := target
		if c.Wobble > 0 {
			pnt.RA, pnt.Dec = bksky.Dest(target, unit.Angle(float64(i%4)*math.Pi/2), c.Wobble)
		}
		r := Run{
			Observation: bkbin.Observation{
				RunID:    c.FirstRun + i,
				Pointing: pnt,
				MidTime:  t.Add(c.RunLength / 2),
				Livetime: time.Duration(float64(c.RunLength) * (1 - c.DeadTime)),
			},
			Start: t,
			Stop:  t.Add(c.RunLength),
		}
		cz := c.Site.CosZenith(r.MidTime, pnt)
		if cz < 0 {
			cz = 0 // below the horizon, nothing triggers
		}
		lt := r.Livetime.Seconds()
		for n := count(rnd, c.Rate*cz*lt); n > 0; n-- {
			if e, ok := c.background(rnd, pnt); ok {
				r.Events = append(r.Events, e)
			}
		}
		for _, s := range c.Sources {
			for n := count(rnd, s.Rate*cz*lt); n > 0; n-- {
				if e, ok := c.gamma(rnd, pnt, s); ok {
					r.Events = append(r.Events, e)
				}
			}
		}
		runs[i] = r
		t = r.Stop.Add(c.Gap)
	}
	return runs
}

// count draws an event count with mean mu.  The normal approximation to
// the Poisson distribution is good enough for the counts of whole runs.
func count(rnd *xrand.Rand, mu float64) int {
	if mu <= 0 {
		return 0
	}
	n := int(math.Round(mu + math.Sqrt(mu)*rnd.NormFloat64()))
	if n < 0 {
		return 0
	}
	return n
}

func (c *Config) energy(rnd *xrand.Rand) float64 {
	return c.EMin * math.Pow(1-rnd.Float64(), -1/(c.Index-1))
}

// background draws an event from a radial Gaussian acceptance around the
// pointing, truncated at MaxOff.
func (c *Config) background(rnd *xrand.Rand, pnt bkbin.Pointing) (bkbin.Event, bool) {
	s := c.Spread.Rad()
	r := s * math.Sqrt(-2*math.Log(1-rnd.Float64()))
	if r >= c.MaxOff.Rad() {
		return bkbin.Event{}, false
	}
	ra, dec := bksky.Dest(pnt, unit.Angle(2*math.Pi*rnd.Float64()), unit.Angle(r))
	return bkbin.Event{RA: ra, Dec: dec, Energy: c.energy(rnd)}, true
}

func (c *Config) gamma(rnd *xrand.Rand, pnt bkbin.Pointing, s Source) (bkbin.Event, bool) {
	r := s.Sigma.Rad() * math.Sqrt(-2*math.Log(1-rnd.Float64()))
	ra, dec := bksky.Dest(s.Pointing, unit.Angle(2*math.Pi*rnd.Float64()), unit.Angle(r))
	if bksky.Offset(pnt, ra, dec) >= c.MaxOff {
		return bkbin.Event{}, false
	}
	return bkbin.Event{RA: ra, Dec: dec, Energy: c.energy(rnd)}, true
}
