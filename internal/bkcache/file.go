// Public domain.

package bkcache

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
)

// file header, first value in a cache file
const header = "bkgmatch raw maps v1"

// maxMaps bounds the map count read from a cache file.
const maxMaps = 1 << 20

// Write encodes maps as a gzip compressed gob stream.
func Write(w io.Writer, maps []*bkbin.RawMap) error {
	zw := gzip.NewWriter(w)
	enc := gob.NewEncoder(zw)
	if err := enc.Encode(header); err != nil {
		return err
	}
	if err := enc.Encode(len(maps)); err != nil {
		return err
	}
	for _, m := range maps {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return zw.Close()
}

// Read decodes maps written by Write.
func Read(r io.Reader) ([]*bkbin.RawMap, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	dec := gob.NewDecoder(zr)
	var h string
	if err = dec.Decode(&h); err != nil {
		return nil, err
	}
	if h != header {
		return nil, fmt.Errorf("%w: not a raw map cache (%q)", bkerr.ErrConsistency, h)
	}
	var n int
	if err = dec.Decode(&n); err != nil {
		return nil, err
	}
	if n < 0 || n > maxMaps {
		return nil, fmt.Errorf("%w: raw map cache claims %d maps", bkerr.ErrConsistency, n)
	}
	maps := make([]*bkbin.RawMap, 0, min(n, 64))
	for i := 0; i < n; i++ {
		var m *bkbin.RawMap
		if err = dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: map %d of %d: %v", bkerr.ErrConsistency, i+1, n, err)
		}
		maps = append(maps, m)
	}
	return maps, nil
}

// Load reads a cache file into a new cache with policy p.
func Load(path string, p Policy, log *slog.Logger) (*Cache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bkerr.ErrUnavailable, err)
	}
	defer f.Close()
	maps, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	c := New(p, log)
	for _, m := range maps {
		if err := c.Insert(m); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	c.log.Info("loaded raw map cache", "path", path, "maps", len(maps), "on_miss", p.String())
	return c, nil
}

// Save writes all cached maps to path.  The file is replaced atomically.
func (c *Cache) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rawmaps-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err = Write(tmp, c.Maps()); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
