/*
Command mkcache precomputes raw offset maps for bkgmatch.

Usage:

  mkcache -c <config> -o <cache file> [--store SPEC]... <run>...
  mkcache -V

Binning and exclusion are taken from the configuration; other settings are
ignored.  Each run is binned once and the maps are written to the cache
file, which bkgmatch reads with --cached-maps.  With --merge, maps already in
an existing cache are kept and only missing runs are binned.

A cache holds maps of a single geometry.  bkgmatch rejects cached maps binned
differently from its own configuration.

Public domain.
*/
package main
