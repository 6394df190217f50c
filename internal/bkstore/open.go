// Public domain.

package bkstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
)

// Open opens a store from a spec string:
//
//	sqlite:<path>                       sqlite database
//	postgres://user@host/db?...         postgres database
//	dir:<root>[?versions=v0.10,v0.9]    run file directories, versions in order
//
// The returned closer releases the store and is never nil.
func Open(spec string, log *slog.Logger) (Resolver, io.Closer, error) {
	switch {
	case strings.HasPrefix(spec, "sqlite:"):
		s, err := OpenSQL("sqlite", strings.TrimPrefix(spec, "sqlite:"))
		if err != nil {
			return nil, nopCloser{}, err
		}
		return s, s, nil
	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		s, err := OpenSQL("postgres", spec)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return s, s, nil
	case strings.HasPrefix(spec, "dir:"):
		root, query, _ := strings.Cut(strings.TrimPrefix(spec, "dir:"), "?")
		var versions []string
		if v, ok := strings.CutPrefix(query, "versions="); ok && v != "" {
			versions = strings.Split(v, ",")
		} else if query != "" {
			return nil, nopCloser{}, bkerr.Config("store %q: unknown option %q", spec, query)
		}
		return NewChain(log, Versions(root, "", versions...)...), nopCloser{}, nil
	}
	return nil, nopCloser{}, bkerr.Config("store %q: want sqlite:, postgres:// or dir:", spec)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Catalog builds the ordered observation catalog of a job from input
// entries.  Entries that parse as integers are run ids resolved through
// stores; other entries are run files.  The returned resolver serves all
// runs of the catalog.
func Catalog(ctx context.Context, inputs []string, stores []Resolver, log *slog.Logger) ([]bkbin.Observation, Resolver, error) {
	var ids []int
	var paths []string
	kind := make([]bool, len(inputs)) // true for run ids
	for i, in := range inputs {
		if id, err := strconv.Atoi(in); err == nil {
			ids = append(ids, id)
			kind[i] = true
		} else {
			paths = append(paths, in)
		}
	}
	files, err := OpenFiles(paths)
	if err != nil {
		return nil, nil, err
	}
	chain := stores
	if len(paths) > 0 {
		chain = append([]Resolver{files}, stores...)
	}
	res := NewChain(log, chain...)

	obs := make([]bkbin.Observation, 0, len(inputs))
	seen := make(map[int]bool, len(inputs))
	fobs := files.Observations()
	var ii, fi int
	for _, isID := range kind {
		var o bkbin.Observation
		if isID {
			r, err := res.Resolve(ctx, ids[ii])
			ii++
			if err != nil {
				return nil, nil, err
			}
			o = r.Observation
		} else {
			o = fobs[fi]
			fi++
		}
		if seen[o.RunID] {
			return nil, nil, bkerr.Run("catalog", o.RunID, bkerr.ErrConfig,
				fmt.Errorf("run given more than once"))
		}
		seen[o.RunID] = true
		obs = append(obs, o)
	}
	return obs, res, nil
}
