// Public domain.

// Package bkconf loads and validates the job configuration.
//
// The configuration is a YAML document.  Unknown keys are rejected, and
// every value is checked at load time so that a bad configuration aborts
// a job before any run is processed.
package bkconf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/soniakeys/unit"
	"gopkg.in/yaml.v3"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkcache"
	"github.com/iact-tools/bkgmatch/internal/bkerr"
	"github.com/iact-tools/bkgmatch/internal/bkestimate"
	"github.com/iact-tools/bkgmatch/internal/bkmask"
	"github.com/iact-tools/bkgmatch/internal/bksky"
)

// Config is the job configuration.
type Config struct {
	Binning                Binning     `yaml:"binning"`
	Exclusion              Exclusion   `yaml:"exclusion"`
	RunMatching            RunMatching `yaml:"run_matching"`
	HDUType                string      `yaml:"hdu_type"`
	Prefix                 string      `yaml:"prefix"`
	Location               Location    `yaml:"location"`
	Cache                  CacheConfig `yaml:"cache"`
	KeepGoing              bool        `yaml:"keep_going"`
	TolerateMissingMembers bool        `yaml:"tolerate_missing_members"`
	Workers                int         `yaml:"workers"` // 0 means GOMAXPROCS
}

// Binning holds the energy and offset axes.
type Binning struct {
	Energy EnergyAxis `yaml:"energy"`
	Offset OffsetAxis `yaml:"offset"`
}

// EnergyAxis describes log-spaced reconstructed energy bins.
type EnergyAxis struct {
	Min   Energy `yaml:"min"`
	Max   Energy `yaml:"max"`
	NBins int    `yaml:"n_bins"`
}

// OffsetAxis describes linear field of view offset bins starting at 0.
type OffsetAxis struct {
	NBins int   `yaml:"n_bins"`
	Max   Angle `yaml:"max"`
}

// Exclusion holds the exclusion regions.
type Exclusion struct {
	Radius          Angle    `yaml:"radius"`
	CorrectExposure bool     `yaml:"correct_exposure"`
	Sources         []Source `yaml:"sources"`
}

// Source is an excluded sky position.  Radius, when given, overrides the
// shared exclusion radius.
type Source struct {
	Name   string `yaml:"name,omitempty"`
	RA     Angle  `yaml:"ra"`
	Dec    Angle  `yaml:"dec"`
	Radius *Angle `yaml:"radius,omitempty"`
	Frame  string `yaml:"frame,omitempty"`
}

// RunMatching holds the similarity criteria.
type RunMatching struct {
	MaxCosZenithDiff float64 `yaml:"max_cos_zenith_diff"`
}

// Location is the observatory site.
type Location struct {
	Name   string  `yaml:"name"`
	Lat    Angle   `yaml:"lat"`
	Lon    Angle   `yaml:"lon"` // positive east
	Height float64 `yaml:"height"`
}

// CacheConfig holds the raw map cache policy.
type CacheConfig struct {
	OnMiss string `yaml:"on_miss"`
}

// Default returns the configuration used for keys that are absent.
func Default() Config {
	s := bksky.RoqueDeLosMuchachos
	return Config{
		HDUType: string(bkestimate.Cube3D),
		Prefix:  "bkg",
		Location: Location{
			Name:   s.Name,
			Lat:    Angle(s.Lat),
			Lon:    Angle(s.Lon),
			Height: s.Height,
		},
		Cache:     CacheConfig{OnMiss: bkcache.ComputeOnMiss.String()},
		KeepGoing: true,
	}
}

// Load reads and validates the configuration file at path.  Environment
// variables BKGMATCH_WORKERS and BKGMATCH_CACHE_ON_MISS override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bkerr.Config("read config: %v", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a configuration document over Default.  It does not
// validate.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, bkerr.Config("parse config: %v", err)
	}
	return &c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("BKGMATCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return bkerr.Config("BKGMATCH_WORKERS %q: %v", v, err)
		}
		c.Workers = n
	}
	if v := os.Getenv("BKGMATCH_CACHE_ON_MISS"); v != "" {
		c.Cache.OnMiss = v
	}
	return nil
}

// Validate checks all values.  The returned error joins every problem
// found; each wraps bkerr.ErrConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(c.Geometry().Validate())
	_, err := bkestimate.ParseRepresentation(c.HDUType)
	add(err)
	_, err = bkcache.ParsePolicy(c.Cache.OnMiss)
	add(err)
	if !(c.RunMatching.MaxCosZenithDiff > 0) {
		add(bkerr.Config("run_matching max_cos_zenith_diff %g must be positive",
			c.RunMatching.MaxCosZenithDiff))
	}
	switch {
	case c.Prefix == "":
		add(bkerr.Config("prefix is empty"))
	case c.Prefix == "." || c.Prefix == "..",
		strings.ContainsRune(c.Prefix, '/'),
		strings.ContainsRune(c.Prefix, filepath.Separator):
		add(bkerr.Config("prefix %q must be a plain file name stem", c.Prefix))
	}
	if c.Exclusion.Radius < 0 {
		add(bkerr.Config("exclusion radius %g deg is negative", c.Exclusion.Radius.Deg()))
	}
	for i, s := range c.Exclusion.Sources {
		what := fmt.Sprintf("exclusion source %d", i+1)
		if s.Name != "" {
			what += " (" + s.Name + ")"
		}
		if s.Dec.Deg() < -90 || s.Dec.Deg() > 90 {
			add(bkerr.Config("%s: dec %g deg out of range", what, s.Dec.Deg()))
		}
		if s.Radius != nil && *s.Radius < 0 {
			add(bkerr.Config("%s: radius %g deg is negative", what, s.Radius.Deg()))
		}
		if s.Frame != "" && s.Frame != "icrs" {
			add(bkerr.Config("%s: frame %q, only icrs is supported", what, s.Frame))
		}
	}
	if lat := c.Location.Lat.Deg(); lat < -90 || lat > 90 {
		add(bkerr.Config("location lat %g deg out of range", lat))
	}
	if c.Workers < 0 {
		add(bkerr.Config("workers %d is negative", c.Workers))
	}
	return errors.Join(errs...)
}

// Geometry returns the binning of raw maps and templates.
func (c *Config) Geometry() bkbin.Geometry {
	return bkbin.Geometry{
		EMin:      float64(c.Binning.Energy.Min),
		EMax:      float64(c.Binning.Energy.Max),
		NEnergy:   c.Binning.Energy.NBins,
		NOffset:   c.Binning.Offset.NBins,
		OffsetMax: unit.Angle(c.Binning.Offset.Max),
	}
}

// Regions returns the exclusion regions.
func (c *Config) Regions() []bkmask.Region {
	r := make([]bkmask.Region, len(c.Exclusion.Sources))
	for i, s := range c.Exclusion.Sources {
		rad := c.Exclusion.Radius
		if s.Radius != nil {
			rad = *s.Radius
		}
		r[i] = bkmask.Region{
			Name:   s.Name,
			RA:     unit.RAFromDeg(s.RA.Deg()),
			Dec:    unit.Angle(s.Dec),
			Radius: unit.Angle(rad),
		}
	}
	return r
}

// Site returns the observatory site.
func (c *Config) Site() bksky.Site {
	return bksky.Site{
		Name:   c.Location.Name,
		Lat:    unit.Angle(c.Location.Lat),
		Lon:    unit.Angle(c.Location.Lon),
		Height: c.Location.Height,
	}
}

// Representation returns the parsed hdu_type.
func (c *Config) Representation() (bkestimate.Representation, error) {
	return bkestimate.ParseRepresentation(c.HDUType)
}

// Policy returns the parsed cache miss policy.
func (c *Config) Policy() (bkcache.Policy, error) {
	return bkcache.ParsePolicy(c.Cache.OnMiss)
}

// Marshal encodes c as YAML with explicit units.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
