// Public domain.

package bkstore

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/soniakeys/unit"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
)

// Run files are JSON lines: a header object followed by one object per
// event.  Files ending in .gz are gzip compressed.
//
//	{"run_id":2965,"ra_pnt":83.97,"dec_pnt":22.24,"t_start":"...","t_stop":"...","livetime":1180.2}
//	{"ra":83.61,"dec":21.9,"energy":0.17}
//	...

type runHeader struct {
	RunID    int       `json:"run_id"`
	RAPnt    float64   `json:"ra_pnt"`  // degrees
	DecPnt   float64   `json:"dec_pnt"` // degrees
	TStart   time.Time `json:"t_start"`
	TStop    time.Time `json:"t_stop"`
	Livetime float64   `json:"livetime"` // seconds
}

type runEvent struct {
	RA     float64 `json:"ra"`     // degrees
	Dec    float64 `json:"dec"`    // degrees
	Energy float64 `json:"energy"` // TeV
}

func (h *runHeader) observation() (bkbin.Observation, error) {
	switch {
	case h.RunID <= 0:
		return bkbin.Observation{}, fmt.Errorf("invalid run id %d", h.RunID)
	case h.DecPnt < -90 || h.DecPnt > 90:
		return bkbin.Observation{}, fmt.Errorf("run %d: pointing dec %g out of range", h.RunID, h.DecPnt)
	case h.TStop.Before(h.TStart):
		return bkbin.Observation{}, fmt.Errorf("run %d: stop before start", h.RunID)
	case h.Livetime < 0:
		return bkbin.Observation{}, fmt.Errorf("run %d: negative livetime", h.RunID)
	}
	return bkbin.Observation{
		RunID:    h.RunID,
		Pointing: bkbin.Pointing{RA: unit.RAFromDeg(h.RAPnt), Dec: unit.AngleFromDeg(h.DecPnt)},
		MidTime:  h.TStart.Add(h.TStop.Sub(h.TStart) / 2),
		Livetime: time.Duration(h.Livetime * float64(time.Second)),
	}, nil
}

type runReader struct {
	f   *os.File
	zr  *gzip.Reader
	dec *json.Decoder
}

func openRunFile(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rr := &runReader{f: f}
	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		if rr.zr, err = gzip.NewReader(r); err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		r = rr.zr
	}
	rr.dec = json.NewDecoder(r)
	return rr, nil
}

func (rr *runReader) Close() error {
	if rr.zr != nil {
		rr.zr.Close()
	}
	return rr.f.Close()
}

func (rr *runReader) header() (bkbin.Observation, error) {
	var h runHeader
	if err := rr.dec.Decode(&h); err != nil {
		return bkbin.Observation{}, fmt.Errorf("%s: header: %w", rr.f.Name(), err)
	}
	o, err := h.observation()
	if err != nil {
		return o, fmt.Errorf("%s: %w", rr.f.Name(), err)
	}
	return o, nil
}

func (rr *runReader) events(ctx context.Context) ([]bkbin.Event, error) {
	var ev []bkbin.Event
	for n := 0; ; n++ {
		if n%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var e runEvent
		err := rr.dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return ev, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: event %d: %w", rr.f.Name(), n+1, err)
		}
		ev = append(ev, bkbin.Event{
			RA:     unit.RAFromDeg(e.RA),
			Dec:    unit.AngleFromDeg(e.Dec),
			Energy: e.Energy,
		})
	}
}

// ReadRunHeader reads only the observation metadata of a run file.
func ReadRunHeader(path string) (bkbin.Observation, error) {
	rr, err := openRunFile(path)
	if err != nil {
		return bkbin.Observation{}, err
	}
	defer rr.Close()
	return rr.header()
}

// ReadRunFile reads a run file completely.
func ReadRunFile(ctx context.Context, path string) (bkbin.Observation, []bkbin.Event, error) {
	rr, err := openRunFile(path)
	if err != nil {
		return bkbin.Observation{}, nil, err
	}
	defer rr.Close()
	o, err := rr.header()
	if err != nil {
		return o, nil, err
	}
	ev, err := rr.events(ctx)
	return o, ev, err
}

// WriteRunFile writes a run file.  start and stop bracket the run.
func WriteRunFile(path string, o bkbin.Observation, start, stop time.Time, events []bkbin.Event) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}
	enc := json.NewEncoder(w)
	if err = enc.Encode(runHeader{
		RunID:    o.RunID,
		RAPnt:    bkbin.RADeg(o.Pointing.RA),
		DecPnt:   o.Pointing.Dec.Deg(),
		TStart:   start.UTC(),
		TStop:    stop.UTC(),
		Livetime: o.Livetime.Seconds(),
	}); err != nil {
		return err
	}
	for _, e := range events {
		if err = enc.Encode(runEvent{
			RA:     bkbin.RADeg(e.RA),
			Dec:    e.Dec.Deg(),
			Energy: e.Energy,
		}); err != nil {
			return err
		}
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Files is a store over individual run files.  Headers are read when the
// store is opened, events each time they are requested.
type Files struct {
	obs   []bkbin.Observation
	paths map[int]string
}

// OpenFiles indexes run files by run id.  Duplicate run ids are a
// configuration error.
func OpenFiles(paths []string) (*Files, error) {
	fs := &Files{paths: make(map[int]string, len(paths))}
	for _, p := range paths {
		o, err := ReadRunHeader(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", bkerr.ErrUnavailable, err)
		}
		if prev, dup := fs.paths[o.RunID]; dup {
			return nil, bkerr.Run("files", o.RunID, bkerr.ErrConfig,
				fmt.Errorf("in both %s and %s", prev, p))
		}
		fs.paths[o.RunID] = p
		fs.obs = append(fs.obs, o)
	}
	return fs, nil
}

// Observations returns the observations in the order the files were given.
func (fs *Files) Observations() []bkbin.Observation { return fs.obs }

// Resolve implements Resolver.
func (fs *Files) Resolve(ctx context.Context, run int) (*Run, error) {
	p, ok := fs.paths[run]
	if !ok {
		return nil, unavailable("resolve", run, "no run file given")
	}
	return resolveFile(ctx, run, p)
}

func (fs *Files) String() string { return fmt.Sprintf("files(%d)", len(fs.paths)) }

func resolveFile(ctx context.Context, run int, path string) (*Run, error) {
	o, err := ReadRunHeader(path)
	if err != nil {
		return nil, unavailable("resolve", run, "%v", err)
	}
	if o.RunID != run {
		return nil, bkerr.Run("resolve", run, bkerr.ErrConsistency,
			fmt.Errorf("%s holds run %d", path, o.RunID))
	}
	return NewRun(o, path, func(ctx context.Context) ([]bkbin.Event, error) {
		_, ev, err := ReadRunFile(ctx, path)
		return ev, err
	}), nil
}

// Dir resolves run files in one data version directory, Root/Version,
// named by Pattern, for example "run_%05d.jsonl.gz".
type Dir struct {
	Root, Version, Pattern string
}

// DefaultPattern is the run file name pattern of Dir stores.
const DefaultPattern = "run_%05d.jsonl.gz"

// Path returns the run file path for run.
func (d Dir) Path(run int) string {
	p := d.Pattern
	if p == "" {
		p = DefaultPattern
	}
	return filepath.Join(d.Root, d.Version, fmt.Sprintf(p, run))
}

// Resolve implements Resolver.
func (d Dir) Resolve(ctx context.Context, run int) (*Run, error) {
	p := d.Path(run)
	if _, err := os.Stat(p); err != nil {
		return nil, unavailable("resolve", run, "%v", err)
	}
	return resolveFile(ctx, run, p)
}

func (d Dir) String() string {
	return "dir:" + filepath.Join(d.Root, d.Version)
}

// Versions returns Dir resolvers for versions in order of preference.
func Versions(root, pattern string, versions ...string) []Resolver {
	if len(versions) == 0 {
		versions = []string{""}
	}
	rs := make([]Resolver, len(versions))
	for i, v := range versions {
		rs[i] = Dir{Root: root, Version: v, Pattern: pattern}
	}
	return rs
}
