// Public domain.

// Package bkplot draws offset acceptance curves of background templates.
package bkplot

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
	"github.com/iact-tools/bkgmatch/internal/bkestimate"
)

// Name returns the plot file name for the template of run.
func Name(prefix string, run int) string {
	return fmt.Sprintf("%s_%05d_acceptance.png", prefix, run)
}

// Acceptance plots rate against offset for every energy band of t, plus
// the total for cubes, and saves the plot in dir.  It returns the path
// written.
func Acceptance(t *bkestimate.Template, dir, prefix string) (string, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("run %05d, %d runs, %s", t.Target, len(t.Runs), t.Repr)
	p.X.Label.Text = "offset (deg)"
	p.Y.Label.Text = "rate (1/s)"
	p.X.Min = 0
	p.Add(plotter.NewGrid())

	off := bkbin.Centers(t.Geometry.Axes().Offset)
	e := t.EnergyEdges()
	no := t.Geometry.NOffset
	for ie := 0; ie < t.Bands(); ie++ {
		label := fmt.Sprintf("%.3g-%.3g TeV", e[ie], e[ie+1])
		if err := addCurve(p, ie, label, off, t.Rate[ie*no:(ie+1)*no]); err != nil {
			return "", err
		}
	}
	if t.Bands() > 1 {
		if err := addCurve(p, t.Bands(), "all energies", off, t.OffsetRate()); err != nil {
			return "", err
		}
	}
	p.Legend.Top = true

	path := filepath.Join(dir, Name(prefix, t.Target))
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return "", err
	}
	return path, nil
}

func addCurve(p *plot.Plot, i int, label string, x, y []float64) error {
	pts := make(plotter.XYs, len(x))
	for j := range x {
		pts[j] = plotter.XY{X: x[j], Y: y[j]}
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	l.Color = plotutil.Color(i)
	l.Width = vg.Points(1)
	p.Add(l)
	p.Legend.Add(label, l)
	return nil
}
