// Public domain.

package bkprog

import (
	"github.com/urfave/cli/v2"

	"github.com/iact-tools/bkgmatch/internal/bkcache"
	"github.com/iact-tools/bkgmatch/internal/bkconf"
	"github.com/iact-tools/bkgmatch/internal/bkjob"
)

// Mkcache returns the mkcache command.  It bins the raw maps of a run list
// ahead of jobs so that jobs sharing runs need not read events again.
func Mkcache() *cli.App {
	return &cli.App{
		Name:      "mkcache",
		Usage:     "precompute raw offset maps for bkgmatch",
		Version:   versionString,
		Copyright: copyrightString,
		Flags: append(append([]cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "job configuration `FILE`; binning and exclusion are used",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Usage:    "cache `FILE` to write",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "merge",
				Usage: "start from an existing cache `FILE`",
			},
		}, storeFlags...), logFlags...),
		Action: runMkcache,
	}
}

func runMkcache(c *cli.Context) error {
	log, done, err := logger(c)
	if err != nil {
		return err
	}
	defer done()
	cfg, err := bkconf.Load(c.String("config"))
	if err != nil {
		return err
	}
	cat, store, closeStores, err := catalog(c, log)
	if err != nil {
		return err
	}
	defer closeStores()

	// the miss policy only matters for jobs reading the cache
	cache := bkcache.New(bkcache.ComputeOnMiss, log)
	if p := c.String("merge"); p != "" {
		if cache, err = bkcache.Load(p, bkcache.ComputeOnMiss, log); err != nil {
			return err
		}
	}
	if err := bkjob.Precompute(c.Context, cfg, cat, store, cache, log); err != nil {
		return err
	}
	if err := cache.Save(c.String("output")); err != nil {
		return err
	}
	log.Info("raw map cache written", "path", c.String("output"), "maps", cache.Len())
	return nil
}
