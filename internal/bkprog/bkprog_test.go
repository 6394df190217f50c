// Public domain.

package bkprog

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/iact-tools/bkgmatch/internal/bkerr"
	"github.com/iact-tools/bkgmatch/internal/bkestimate"
	"github.com/iact-tools/bkgmatch/internal/bkout"
)

const jobConfig = `
binning:
  energy: {min: "100 GeV", max: "30 TeV", n_bins: 4}
  offset: {n_bins: 6, max: "3 deg"}
exclusion:
  radius: "0.3 deg"
  sources:
    - {name: Crab, ra: "83.633 deg", dec: "22.0145 deg"}
run_matching:
  max_cos_zenith_diff: 0.05
hdu_type: "3D"
workers: 2
`

// run runs app with args and returns its standard output.
func run(t *testing.T, app *cli.App, args ...string) (string, error) {
	t.Helper()
	var out, log bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &log
	err := app.Run(append([]string{app.Name}, args...))
	t.Logf("%s log:\n%s", app.Name, log.String())
	return out.String(), err
}

func TestPipeline(t *testing.T) {
	tmp := t.TempDir()
	data := filepath.Join(tmp, "runs")
	out, err := run(t, Simruns(), "--out-dir", data, "--runs", "5", "--seed", "7")
	require.NoError(t, err)
	ids := strings.Fields(out)
	require.Len(t, ids, 5)
	assert.Equal(t, "2965", ids[0])

	cfg := filepath.Join(tmp, "bkg.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(jobConfig), 0o644))
	store := "dir:" + data

	cache := filepath.Join(tmp, "maps.gob")
	_, err = run(t, Mkcache(), append([]string{"-c", cfg, "--store", store, "-o", cache}, ids...)...)
	require.NoError(t, err)
	require.FileExists(t, cache)

	// every map comes from the cache
	t.Setenv("BKGMATCH_CACHE_ON_MISS", "fail")
	dst := filepath.Join(tmp, "out")
	sentinel := filepath.Join(dst, "done.json")
	metrics := filepath.Join(tmp, "job.prom")
	args := []string{"-c", cfg, "--store", store, "--cached-maps", cache,
		"--output-dir", dst, "--output-prefix", "crab", "--dummy-output", sentinel,
		"--metrics-file", metrics, "--job-id", "test-job"}
	_, err = run(t, Bkgmatch(), append(args, ids...)...)
	require.NoError(t, err)

	s, err := bkout.ReadSentinel(sentinel)
	require.NoError(t, err)
	assert.Equal(t, "test-job", s.JobID)
	assert.Len(t, s.Targets, 5)
	for _, id := range ids {
		n, err := strconv.Atoi(id)
		require.NoError(t, err)
		tpl, err := bkout.ReadTemplate(filepath.Join(dst, bkout.Name("crab", n)))
		require.NoError(t, err)
		assert.Equal(t, n, tpl.Target)
		assert.Equal(t, bkestimate.Cube3D, tpl.Repr)
		assert.Equal(t, "test-job", tpl.JobID)
		assert.Contains(t, tpl.Runs, n)
	}
	m, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(m), `bkgmatch_targets_total{outcome="written"}`)
	assert.Contains(t, string(m), "bkgmatch_job_duration_seconds")

	// outputs exist now
	_, err = run(t, Bkgmatch(), append(args, ids...)...)
	assert.ErrorIs(t, err, fs.ErrExist)
	_, err = run(t, Bkgmatch(), append(append(args, "--overwrite"), ids...)...)
	assert.NoError(t, err)
}

func TestSimrunsSQLite(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")
	out, err := run(t, Simruns(), "--sqlite", db, "--runs", "2", "--first-run", "100", "--no-source")
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "101"}, strings.Fields(out))

	cfg := filepath.Join(t.TempDir(), "bkg.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(jobConfig), 0o644))
	dst := t.TempDir()
	_, err = run(t, Bkgmatch(), "-c", cfg, "--store", "sqlite:"+db, "--output-dir", dst, "-i", "100", "-i", "101")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dst, bkout.Name("bkg", 100)))
}

func TestSimrunsNeedsOneStore(t *testing.T) {
	_, err := run(t, Simruns(), "--runs", "1")
	assert.Error(t, err)
}

func TestCheckConfig(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "bkg.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(jobConfig), 0o644))
	out, err := run(t, Bkgmatch(), "check-config", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "TeV")
	assert.Contains(t, out, "max_cos_zenith_diff: 0.05")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Replace(jobConfig, `"3D"`, `"1D"`, 1)), 0o644))
	_, err = run(t, Bkgmatch(), "check-config", "-c", bad)
	assert.Error(t, err)
}

func TestOutputPrefixChecked(t *testing.T) {
	tmp := t.TempDir()
	cfg := filepath.Join(tmp, "bkg.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(jobConfig), 0o644))
	dst := filepath.Join(tmp, "out")
	_, err := run(t, Bkgmatch(), "-c", cfg, "--output-dir", dst, "--output-prefix", "../escape", "1")
	assert.ErrorIs(t, err, bkerr.ErrConfig)
	matches, _ := filepath.Glob(filepath.Join(tmp, "escape*"))
	assert.Empty(t, matches)
}

func TestNoInputs(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "bkg.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(jobConfig), 0o644))
	_, err := run(t, Bkgmatch(), "-c", cfg, "--output-dir", t.TempDir())
	assert.Error(t, err)
}
