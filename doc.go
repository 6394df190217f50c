/*
Command bkgmatch estimates background templates for IACT runs.

Contents

  Program overview
  Command line usage
  Configuration
  Run stores
  Output files
  Algorithm outline


Program overview

Input is a list of observation runs and a configuration file.  For each run,
the target, bkgmatch collects the runs observed at a similar zenith angle,
bins their events by reconstructed energy and field of view offset, and
stacks the binned counts and exposure into an acceptance template.  Output is
one template file per target.

Sample run:

  simruns --out-dir runs --runs 12
  bkgmatch -c bkg.yaml --store dir:runs --output-dir out 2965 2966 2967

Command line usage

  bkgmatch [options] <run>...
  bkgmatch check-config -c <file>

Runs are given as run ids, resolved through the stores, or as paths of run
files.  They may also be given with -i, repeatedly.  The order of runs is the
processing order and the order of the sentinel file.

  -c, --config FILE      job configuration, required
  -o, --output-dir DIR   directory for templates, created if needed, required
  --output-prefix P      template file name prefix, default from configuration
  --store SPEC           run store, repeatable, tried in order
  --cached-maps FILE     raw maps precomputed by mkcache
  --save-cache FILE      write the raw maps of the job for later jobs
  --dummy-output FILE    sentinel written when every target succeeded
  --overwrite            replace existing templates
  --plot-dir DIR         write acceptance plots
  --metrics-file FILE    write prometheus text format metrics
  --job-id ID            job id recorded in outputs, random by default
  -v, --verbose          debug logging
  --log-json             JSON lines logging
  --log-file FILE        also append the log to FILE

The environment variables BKGMATCH_STORE and BKGMATCH_LOG_JSON supply
defaults for --store and --log-json.

The program exits with a non-zero status if the configuration is invalid or
if any target failed.  With keep_going set, the default, all targets are
attempted and the failures are reported together.

Configuration

The configuration is a YAML file.  Quantities carry units, as in "100 GeV"
or "0.3 deg"; a bare number is TeV for energies and degrees for angles.
Unknown keys are errors.

  binning:
    energy: {min: "100 GeV", max: "100 TeV", n_bins: 12}
    offset: {n_bins: 10, max: "2.5 deg"}
  exclusion:
    radius: "0.3 deg"
    correct_exposure: false
    sources:
      - {name: Crab, ra: "83.633 deg", dec: "22.0145 deg"}
  run_matching:
    max_cos_zenith_diff: 0.01
  hdu_type: "3D"
  prefix: bkg
  location: {name: "Roque de los Muchachos", lat: 28.761758, lon: -17.890659, height: 2200}
  cache: {on_miss: compute}
  keep_going: true
  tolerate_missing_members: false
  workers: 0

hdu_type "3D" keeps energy bins; "2D" collapses energy to one band.  A
source radius overrides the shared exclusion radius.  With correct_exposure
the rate of each offset bin is divided by the unmasked exposure rather than
the livetime.  cache.on_miss "fail" requires every raw map to come from
--cached-maps.  With tolerate_missing_members, matched runs other than the
target that cannot be read are dropped from the stack.  workers 0 means one
worker per CPU.

The environment variables BKGMATCH_WORKERS and BKGMATCH_CACHE_ON_MISS
override workers and cache.on_miss.

check-config validates a configuration and prints it with explicit units.

Run stores

  sqlite:PATH                    a database written by simruns --sqlite
  postgres://user@host/db        the same schema on postgres
  dir:ROOT?versions=v0.10,v0.9   run files ROOT/VERSION/run_NNNNN.jsonl.gz

A run missing from the first store is looked up in the next.  Run files are
gzipped JSON lines, a header line with the pointing and livetime followed by
one line per event.

Output files

Templates are named PREFIX_NNNNN.bkg.gob.gz by target run.  A template holds
the target, the job id, the binning, the runs stacked with their total
livetime, the summed counts and exposure, and the rate and coverage of every
bin.  Existing templates are not replaced unless --overwrite is given, and
files are written so that a reader never sees a partial template.

The sentinel file is JSON listing the job id, the targets and their
templates.  It is written only when every target succeeded, so its presence
marks a complete job.

Algorithm outline

The zenith angle of each run is computed at the middle of the run from its
pointing and the site.  Run j matches target i if

  |cos z[j] - cos z[i]| < max_cos_zenith_diff

so a target always matches itself.  A target matched by no other run is
processed alone, with a warning.

The raw map of a run counts its events by energy and offset, skipping events
inside exclusion regions.  The exposure of an offset bin is the livetime
times the fraction of the bin's annulus not excluded.  Raw maps are computed
once per job and shared between all targets using a run.

The raw maps of a match set are summed.  The rate of a bin is the summed
counts over the summed livetime, or over the summed exposure with
correct_exposure.  A bin with no exposure is marked uncovered and has rate 0.

Public domain.
*/
package main
