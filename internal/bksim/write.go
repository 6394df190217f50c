// Public domain.

package bksim

import (
	"context"

	"github.com/iact-tools/bkgmatch/internal/bkstore"
)

// WriteDir writes runs as run files of directory store d and returns the
// paths written.
func WriteDir(d bkstore.Dir, runs []Run) ([]string, error) {
	paths := make([]string, len(runs))
	for i, r := range runs {
		paths[i] = d.Path(r.RunID)
		if err := bkstore.WriteRunFile(paths[i], r.Observation, r.Start, r.Stop, r.Events); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// WriteSQL stores runs in a database, creating the tables if needed.
func WriteSQL(ctx context.Context, s *bkstore.SQL, runs []Run) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	for _, r := range runs {
		if err := s.Put(ctx, r.Observation, r.Events); err != nil {
			return err
		}
	}
	return nil
}
