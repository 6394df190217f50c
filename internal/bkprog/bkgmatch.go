// Public domain.

package bkprog

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/iact-tools/bkgmatch/internal/bkcache"
	"github.com/iact-tools/bkgmatch/internal/bkconf"
	"github.com/iact-tools/bkgmatch/internal/bkjob"
	"github.com/iact-tools/bkgmatch/internal/bkmetrics"
	"github.com/iact-tools/bkgmatch/internal/bkout"
)

// Bkgmatch returns the bkgmatch command.
func Bkgmatch() *cli.App {
	return &cli.App{
		Name:      "bkgmatch",
		Usage:     "estimate background templates from zenith-matched runs",
		Version:   versionString,
		Copyright: copyrightString,
		Flags: append(append([]cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "job configuration `FILE`, required",
			},
			&cli.StringFlag{
				Name:  "cached-maps",
				Usage: "precomputed raw map cache from mkcache",
			},
			&cli.StringFlag{
				Name:  "save-cache",
				Usage: "write the raw map cache to `FILE` after the job",
			},
			&cli.StringFlag{
				Name:    "output-dir",
				Aliases: []string{"o"},
				Usage:   "directory for template files, required",
			},
			&cli.StringFlag{
				Name:  "output-prefix",
				Usage: "template file name prefix, overrides the configured prefix",
			},
			&cli.StringFlag{
				Name:  "dummy-output",
				Usage: "sentinel `FILE` written when every target succeeded",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "replace existing template files",
			},
			&cli.StringFlag{
				Name:  "plot-dir",
				Usage: "write acceptance plots to `DIR`",
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "write job metrics in prometheus text format to `FILE`",
			},
			&cli.StringFlag{
				Name:  "job-id",
				Usage: "job id recorded in outputs, random if empty",
			},
		}, storeFlags...), logFlags...),
		Action: runJob,
		Commands: []*cli.Command{
			{
				Name:  "check-config",
				Usage: "validate a configuration and print it with explicit units",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true},
				},
				Action: checkConfig,
			},
		},
	}
}

func checkConfig(c *cli.Context) error {
	cfg, err := bkconf.Load(c.String("config"))
	if err != nil {
		return err
	}
	b, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(b)
	return err
}

func runJob(c *cli.Context) error {
	for _, f := range []string{"config", "output-dir"} {
		if c.String(f) == "" {
			return fmt.Errorf("flag --%s is required", f)
		}
	}
	log, done, err := logger(c)
	if err != nil {
		return err
	}
	defer done()

	cfg, err := bkconf.Load(c.String("config"))
	if err != nil {
		log.Error("configuration rejected", "err", err)
		return err
	}
	if p := c.String("output-prefix"); p != "" {
		cfg.Prefix = p
		if err := cfg.Validate(); err != nil {
			log.Error("output prefix rejected", "prefix", p, "err", err)
			return err
		}
	}
	cat, store, closeStores, err := catalog(c, log)
	if err != nil {
		return err
	}
	defer closeStores()

	var cache *bkcache.Cache
	if p := c.String("cached-maps"); p != "" {
		policy, _ := cfg.Policy()
		if cache, err = bkcache.Load(p, policy, log); err != nil {
			return err
		}
	}
	for _, d := range []string{c.String("output-dir"), c.String("plot-dir")} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	reg := prometheus.NewRegistry()
	if err := bkmetrics.Register(reg); err != nil {
		return err
	}

	job := &bkjob.Job{
		ID:      c.String("job-id"),
		Config:  cfg,
		Catalog: cat,
		Store:   store,
		Cache:   cache,
		Writer: &bkout.Writer{
			Dir:       c.String("output-dir"),
			Prefix:    cfg.Prefix,
			Overwrite: c.Bool("overwrite"),
		},
		Sentinel: c.String("dummy-output"),
		PlotDir:  c.String("plot-dir"),
		Log:      log,
	}
	res, jobErr := job.Run(c.Context)
	if res != nil {
		if p := c.String("save-cache"); p != "" {
			if err := res.Cache.Save(p); err != nil {
				log.Error("saving raw map cache", "path", p, "err", err)
			} else {
				log.Info("raw map cache saved", "path", p, "maps", res.Cache.Len())
			}
		}
	}
	if p := c.String("metrics-file"); p != "" {
		if err := bkmetrics.WriteTextfile(p, reg); err != nil {
			log.Error("writing metrics", "path", p, "err", err)
		}
	}
	if jobErr != nil {
		return fmt.Errorf("bkgmatch: %w", jobErr)
	}
	return nil
}
