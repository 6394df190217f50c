// Public domain.

package bkprog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/iact-tools/bkgmatch/internal/bksim"
	"github.com/iact-tools/bkgmatch/internal/bkstore"
)

// Simruns returns the simruns command.  It writes synthetic runs to a run
// file directory or a sqlite database and prints the run ids.
func Simruns() *cli.App {
	d := bksim.Default()
	return &cli.App{
		Name:      "simruns",
		Usage:     "generate synthetic runs for testing bkgmatch",
		Version:   versionString,
		Copyright: copyrightString,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "out-dir",
				Usage: "write run files under `DIR`",
			},
			&cli.StringFlag{
				Name:  "data-version",
				Usage: "data version subdirectory of out-dir",
			},
			&cli.StringFlag{
				Name:  "sqlite",
				Usage: "write runs to sqlite database `FILE`",
			},
			&cli.IntFlag{Name: "runs", Value: d.Runs, Usage: "number of runs"},
			&cli.IntFlag{Name: "first-run", Value: d.FirstRun, Usage: "id of the first run"},
			&cli.Uint64Flag{Name: "seed", Value: d.Seed, Usage: "random seed"},
			&cli.TimestampFlag{
				Name:   "start",
				Layout: time.RFC3339,
				Value:  cli.NewTimestamp(d.Start),
				Usage:  "start of the first run, RFC 3339",
			},
			&cli.DurationFlag{Name: "run-length", Value: d.RunLength},
			&cli.Float64Flag{Name: "rate", Value: d.Rate, Usage: "background events per second at zenith"},
			&cli.BoolFlag{Name: "no-source", Usage: "background only"},
		}, logFlags...),
		Action: runSimruns,
	}
}

func runSimruns(c *cli.Context) error {
	log, done, err := logger(c)
	if err != nil {
		return err
	}
	defer done()
	dir, db := c.String("out-dir"), c.String("sqlite")
	if (dir == "") == (db == "") {
		return fmt.Errorf("give exactly one of --out-dir and --sqlite")
	}
	sc := bksim.Default()
	sc.Runs = c.Int("runs")
	sc.FirstRun = c.Int("first-run")
	sc.Seed = c.Uint64("seed")
	if t := c.Timestamp("start"); t != nil {
		sc.Start = *t
	}
	sc.RunLength = c.Duration("run-length")
	sc.Rate = c.Float64("rate")
	if c.Bool("no-source") {
		sc.Sources = nil
	}
	runs := bksim.Generate(sc)

	if dir != "" {
		d := bkstore.Dir{Root: dir, Version: c.String("data-version")}
		if err := os.MkdirAll(filepath.Join(d.Root, d.Version), 0o755); err != nil {
			return err
		}
		if _, err := bksim.WriteDir(d, runs); err != nil {
			return err
		}
		log.Info("runs written", "store", d.String(), "runs", len(runs))
	} else {
		s, err := bkstore.OpenSQL("sqlite", db)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := bksim.WriteSQL(c.Context, s, runs); err != nil {
			return err
		}
		log.Info("runs written", "store", s.String(), "runs", len(runs))
	}
	for _, r := range runs {
		fmt.Fprintln(c.App.Writer, r.RunID)
	}
	return nil
}
