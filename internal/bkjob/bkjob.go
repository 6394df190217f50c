// Public domain.

// Package bkjob runs a background template job.
//
// A job computes the similarity criteria of every run in its catalog,
// then for each target run matches, estimates and writes a template.
// Targets are processed by a bounded pool of workers sharing one raw map
// cache.  The completion sentinel is written only when every target
// succeeded.
package bkjob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	sexa "github.com/soniakeys/sexagesimal"
	"golang.org/x/sync/errgroup"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkcache"
	"github.com/iact-tools/bkgmatch/internal/bkconf"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
	"github.com/iact-tools/bkgmatch/internal/bkestimate"
	"github.com/iact-tools/bkgmatch/internal/bkmask"
	"github.com/iact-tools/bkgmatch/internal/bkmatch"
	"github.com/iact-tools/bkgmatch/internal/bkmetrics"
	"github.com/iact-tools/bkgmatch/internal/bkout"
	"github.com/iact-tools/bkgmatch/internal/bkplot"
	"github.com/iact-tools/bkgmatch/internal/bkstore"
)

// Job holds everything a job needs.  Config, Catalog, Store and Writer
// are required.
type Job struct {
	ID       string // generated when empty
	Config   *bkconf.Config
	Catalog  []bkbin.Observation // target runs, in processing order
	Store    bkstore.Resolver
	Cache    *bkcache.Cache   // nil means a new cache with the configured policy
	Zenither bkmatch.Zenither // nil means the configured site
	Writer   *bkout.Writer
	Sentinel string // sentinel path, none if empty
	PlotDir  string // acceptance plots, none if empty
	Log      *slog.Logger
}

// Result reports what a job did.
type Result struct {
	ID         string
	Outputs    map[int]string // template path by target
	Failures   map[int]error  // error by target
	Singletons []int          // targets matched only by themselves
	Cache      *bkcache.Cache
	Stats      bkcache.Stats
}

// Run runs the job.
//
// Configuration errors are returned before any target is processed.
// Otherwise Run returns an error if any target failed; the result then
// holds the failures and whatever outputs were written.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	log := j.Log
	if log == nil {
		log = slog.Default()
	}
	cfg := j.Config
	if cfg == nil || j.Writer == nil || j.Store == nil {
		return nil, bkerr.Config("job needs a configuration, a store and a writer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	repr, err := cfg.Representation()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	id := j.ID
	if id == "" {
		id = uuid.NewString()
	}
	log = log.With("job", id)

	z := j.Zenither
	if z == nil {
		z = cfg.Site()
	}
	table, err := bkmatch.Criteria(j.Catalog, z)
	if err != nil {
		return nil, err
	}
	for i, c := range table.Criteria() {
		p := j.Catalog[i].Pointing
		log.Info("selection criterion", "criterion", c,
			"ra", fmt.Sprintf("%.1s", sexa.FmtRA(p.RA)),
			"dec", fmt.Sprintf("%.1s", sexa.FmtAngle(p.Dec)))
	}

	mask := bkmask.Build(cfg.Regions())
	log.Info("exclusion mask", "regions", mask.Len(), "sources", len(cfg.Exclusion.Sources))

	cache := j.Cache
	if cache == nil {
		cache = bkcache.New(policy, log)
	}
	mb := &bkestimate.MapBuilder{Store: j.Store, Log: log}
	est, err := bkestimate.New(bkestimate.Options{
		Geometry:        cfg.Geometry(),
		Repr:            repr,
		Mask:            mask,
		CorrectExposure: cfg.Exclusion.CorrectExposure,
		TolerateMissing: cfg.TolerateMissingMembers,
		JobID:           id,
	}, cache, mb.Compute, log)
	if err != nil {
		return nil, err
	}

	if j.Sentinel != "" {
		// stale from an earlier run until this one succeeds
		if err := os.Remove(j.Sentinel); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing old sentinel: %w", err)
		}
	}

	res := &Result{
		ID:       id,
		Outputs:  make(map[int]string),
		Failures: make(map[int]error),
		Cache:    cache,
	}
	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	tol := cfg.RunMatching.MaxCosZenithDiff
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range table.Criteria() {
		if gctx.Err() != nil {
			break // stopped on an earlier failure
		}
		target := c.RunID
		g.Go(func() error {
			path, singleton, err := j.target(gctx, log, table, est, target, tol)
			mu.Lock()
			if singleton {
				res.Singletons = append(res.Singletons, target)
			}
			if err != nil {
				res.Failures[target] = err
			} else {
				res.Outputs[target] = path
			}
			mu.Unlock()
			if err != nil {
				log.Error("target failed", "target", target, "kind", bkerr.KindName(err), "err", err)
				bkmetrics.ObserveTarget(bkerr.KindName(err))
				if !cfg.KeepGoing {
					return err
				}
				return nil
			}
			bkmetrics.ObserveTarget("written")
			return nil
		})
	}
	g.Wait()
	sort.Ints(res.Singletons)
	res.Stats = cache.Stats()
	bkmetrics.ObserveJob(res.Stats, time.Since(start))
	log.Info("cache activity", "hits", res.Stats.Hits, "misses", res.Stats.Misses,
		"computed", res.Stats.Computed)

	if len(res.Failures) > 0 {
		return res, failures(table, res.Failures)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if j.Sentinel != "" {
		s := bkout.Sentinel{JobID: id, Finished: time.Now().UTC()}
		for _, c := range table.Criteria() {
			s.Targets = append(s.Targets, c.RunID)
			s.Outputs = append(s.Outputs, res.Outputs[c.RunID])
		}
		if err := bkout.WriteSentinel(j.Sentinel, s); err != nil {
			return res, fmt.Errorf("sentinel: %w", err)
		}
		log.Info("sentinel written", "path", j.Sentinel)
	}
	log.Info("job complete", "targets", len(res.Outputs),
		"singletons", len(res.Singletons), "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// target processes one target run.
func (j *Job) target(ctx context.Context, log *slog.Logger, table *bkmatch.Table,
	est *bkestimate.Estimator, target int, tol float64) (path string, singleton bool, err error) {
	set, err := table.Match(target, tol)
	if err != nil {
		return "", false, err
	}
	bkmetrics.ObserveMatch(len(set.Members))
	log.Info("match set", "target", target, "members", set.Members)
	if set.Singleton() {
		singleton = true
		log.Warn("no other run matches target, using its statistics alone",
			"target", target, "tolerance", tol)
	}
	if !j.Writer.Overwrite && j.Writer.Exists(target) {
		return "", singleton, bkerr.Run("write", target, nil,
			fmt.Errorf("%s: %w, overwriting disabled", j.Writer.Path(target), fs.ErrExist))
	}
	tpl, err := est.Estimate(ctx, set)
	if err != nil {
		return "", singleton, fmt.Errorf("target %05d: %w", target, err)
	}
	if path, err = j.Writer.Write(tpl); err != nil {
		return "", singleton, err
	}
	log.Info("template written", "target", target, "path", path, "runs", tpl.Runs,
		"livetime", tpl.Livetime)
	if j.PlotDir != "" {
		if p, err := bkplot.Acceptance(tpl, j.PlotDir, j.Writer.Prefix); err != nil {
			log.Warn("acceptance plot failed", "target", target, "err", err)
		} else {
			log.Debug("acceptance plot written", "target", target, "path", p)
		}
	}
	return path, singleton, nil
}

// failures joins target errors in catalog order.
func failures(table *bkmatch.Table, f map[int]error) error {
	errs := make([]error, 0, len(f))
	for _, c := range table.Criteria() {
		if err, ok := f[c.RunID]; ok {
			errs = append(errs, err)
		}
	}
	return fmt.Errorf("%d of %d targets failed: %w", len(f), table.Len(), errors.Join(errs...))
}
