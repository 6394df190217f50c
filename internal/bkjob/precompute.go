// Public domain.

package bkjob

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkcache"
	"github.com/iact-tools/bkgmatch/internal/bkconf"
	"github.com/iact-tools/bkgmatch/internal/bkestimate"
	"github.com/iact-tools/bkgmatch/internal/bkmask"
	"github.com/iact-tools/bkgmatch/internal/bkstore"
)

// Precompute fills cache with the raw maps of every run of catalog, as
// binned and masked by cfg.  Runs already cached are kept.  The first
// failure stops the computation.
func Precompute(ctx context.Context, cfg *bkconf.Config, catalog []bkbin.Observation,
	store bkstore.Resolver, cache *bkcache.Cache, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	geo := cfg.Geometry()
	mask := bkmask.Build(cfg.Regions())
	mb := &bkestimate.MapBuilder{Store: store, Log: log}
	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, o := range catalog {
		run := o.RunID
		g.Go(func() error {
			_, err := cache.GetOrCompute(gctx, run, geo, mask, mb.Compute)
			if err != nil {
				log.Error("raw map failed", "run", run, "err", err)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("raw maps precomputed", "runs", len(catalog), "cached", cache.Len(),
		"computed", cache.Stats().Computed)
	return nil
}
