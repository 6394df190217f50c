// Public domain.

// Package bkprog implements the command line programs bkgmatch, mkcache
// and simruns.
package bkprog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/soniakeys/exit"
	"github.com/urfave/cli/v2"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkstore"
)

const versionString = "0.4"
const copyrightString = "Public domain."

func init() {
	// -v is verbose
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print version and copyright",
	}
}

// Main runs app with the process arguments.  Any error is fatal.
func Main(app *cli.App) {
	defer exit.Handler()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		stop()
		exit.Log(err)
	}
}

// NewLogger builds a logger writing to w.  Verbose enables debug level.
func NewLogger(verbose, json bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

var logFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "log at debug level",
	},
	&cli.BoolFlag{
		Name:    "log-json",
		Usage:   "log JSON lines instead of text",
		EnvVars: []string{"BKGMATCH_LOG_JSON"},
	},
	&cli.StringFlag{
		Name:  "log-file",
		Usage: "also append log output to `FILE`",
	},
}

// logger builds the logger selected by the logging flags.  The returned
// function closes any log file.
func logger(c *cli.Context) (*slog.Logger, func(), error) {
	var w io.Writer = c.App.ErrWriter
	if w == nil {
		w = os.Stderr
	}
	done := func() {}
	if p := c.String("log-file"); p != "" {
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, done, err
		}
		w = io.MultiWriter(w, f)
		done = func() { f.Close() }
	}
	return NewLogger(c.Bool("verbose"), c.Bool("log-json"), w), done, nil
}

var storeFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:    "input-runs",
		Aliases: []string{"i"},
		Usage:   "run ids or run files, in processing order",
	},
	&cli.StringSliceFlag{
		Name:    "store",
		Usage:   "run store: sqlite:PATH, postgres://..., or dir:ROOT[?versions=A,B]; tried in order",
		EnvVars: []string{"BKGMATCH_STORE"},
	},
}

// catalog opens the stores and builds the catalog of the input runs.
// Input runs may also be given as arguments.  The returned function closes
// the stores.
func catalog(c *cli.Context, log *slog.Logger) ([]bkbin.Observation, bkstore.Resolver, func(), error) {
	inputs := append(c.StringSlice("input-runs"), c.Args().Slice()...)
	var stores []bkstore.Resolver
	var closers []io.Closer
	done := func() {
		for _, cl := range closers {
			cl.Close()
		}
	}
	for _, spec := range c.StringSlice("store") {
		r, cl, err := bkstore.Open(spec, log)
		if err != nil {
			done()
			return nil, nil, func() {}, err
		}
		stores = append(stores, r)
		closers = append(closers, cl)
	}
	if len(inputs) == 0 {
		done()
		return nil, nil, func() {}, fmt.Errorf("no input runs")
	}
	cat, res, err := bkstore.Catalog(c.Context, inputs, stores, log)
	if err != nil {
		done()
		return nil, nil, func() {}, err
	}
	log.Info("catalog", "runs", len(cat), "resolver", fmt.Sprint(res))
	return cat, res, done, nil
}
