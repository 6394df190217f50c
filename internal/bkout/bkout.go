// Public domain.

// Package bkout persists background templates and the job sentinel.
//
// Template files are gzip compressed gob streams named from a prefix and
// the zero-padded target run id.  Every file appears atomically: it either
// exists complete or not at all.
package bkout

import (
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/iact-tools/bkgmatch/internal/bkerr"
	"github.com/iact-tools/bkgmatch/internal/bkestimate"
)

// Ext is the file name extension of template files.
const Ext = ".bkg.gob.gz"

// file header, first value in a template file
const header = "bkgmatch template v1"

// Writer writes template files into Dir.
type Writer struct {
	Dir    string
	Prefix string
	// Overwrite replaces existing files.  By default an existing file is
	// left alone and the write fails.
	Overwrite bool
}

// Name returns the file name of the template of run.
func Name(prefix string, run int) string {
	return fmt.Sprintf("%s_%05d%s", prefix, run, Ext)
}

// Path returns the path of the template of run.
func (w *Writer) Path(run int) string {
	return filepath.Join(w.Dir, Name(w.Prefix, run))
}

// Exists reports whether the template of run is already present.
func (w *Writer) Exists(run int) bool {
	_, err := os.Stat(w.Path(run))
	return err == nil
}

// Write writes t and returns its path.
func (w *Writer) Write(t *bkestimate.Template) (string, error) {
	path := w.Path(t.Target)
	if !w.Overwrite && w.Exists(t.Target) {
		return "", exists(t.Target, path)
	}
	err := atomic(path, w.Overwrite, func(f io.Writer) error {
		return Encode(f, t)
	})
	if errors.Is(err, fs.ErrExist) {
		return "", exists(t.Target, path)
	}
	if err != nil {
		return "", bkerr.Run("write", t.Target, nil, err)
	}
	return path, nil
}

func exists(run int, path string) error {
	return bkerr.Run("write", run, nil,
		fmt.Errorf("%s: %w, overwriting disabled", path, fs.ErrExist))
}

// atomic writes path through a temporary file in the same directory.
// Without replace the file is linked into place, which fails if path
// exists.
func atomic(path string, replace bool, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err = write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if replace {
		return os.Rename(tmp.Name(), path)
	}
	return os.Link(tmp.Name(), path)
}

// Encode writes t as a gzip compressed gob stream.
func Encode(w io.Writer, t *bkestimate.Template) error {
	zw := gzip.NewWriter(w)
	enc := gob.NewEncoder(zw)
	if err := enc.Encode(header); err != nil {
		return err
	}
	if err := enc.Encode(t); err != nil {
		return err
	}
	return zw.Close()
}

// Decode reads a template written by Encode and validates it.
func Decode(r io.Reader) (*bkestimate.Template, error) {
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
		return nil, fmt.Errorf("%w: not a background template (%q)", bkerr.ErrConsistency, h)
	}
	t := new(bkestimate.Template)
	if err = dec.Decode(t); err != nil {
		return nil, err
	}
	if err = t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ReadTemplate reads a template file.
func ReadTemplate(path string) (*bkestimate.Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Sentinel is the content of the job completion file.
type Sentinel struct {
	JobID    string    `json:"job_id"`
	Finished time.Time `json:"finished"`
	Targets  []int     `json:"targets"`
	Outputs  []string  `json:"outputs"`
}

// WriteSentinel writes s as JSON to path, replacing any earlier sentinel.
func WriteSentinel(path string, s Sentinel) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return atomic(path, true, func(w io.Writer) error {
		_, err := w.Write(append(b, '\n'))
		return err
	})
}

// ReadSentinel reads a sentinel file.
func ReadSentinel(path string) (Sentinel, error) {
	var s Sentinel
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	return s, json.Unmarshal(b, &s)
}
