/*
Command simruns generates synthetic runs for testing bkgmatch.

Usage:

  simruns --out-dir DIR [--data-version V] [options]
  simruns --sqlite FILE [options]

Runs follow each other through a night at La Palma, wobbling around the
Crab.  Background events fall off with offset and scale with cos(zenith); a
point source adds events at the Crab position unless --no-source is given.
The same seed gives the same runs.  The run ids are printed, one per line,
ready for bkgmatch.

  --runs N          number of runs, default 12
  --first-run ID    id of the first run, default 2965
  --seed S          random seed
  --start TIME      RFC 3339 start of the first run
  --run-length D    run length, default 20m
  --rate R          background events per second at zenith

Public domain.
*/
package main
