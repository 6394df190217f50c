// Public domain.

package bkconf

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/soniakeys/unit"
	"gopkg.in/yaml.v3"
)

// Energy is an energy in TeV.  In YAML it is a bare number of TeV or a
// string such as "100 GeV".
type Energy float64

// Angle is an angle.  In YAML it is a bare number of degrees or a string
// such as "0.3 deg" or "18 arcmin".
type Angle unit.Angle

// unit suffixes, longest match first, with scale to the base unit
var (
	energyUnits = []suffix{
		{"PeV", 1e3}, {"TeV", 1}, {"GeV", 1e-3}, {"MeV", 1e-6}, {"keV", 1e-9}, {"eV", 1e-12},
	}
	angleUnits = []suffix{
		{"arcmin", math.Pi / (180 * 60)},
		{"arcsec", math.Pi / (180 * 3600)},
		{"deg", math.Pi / 180},
		{"rad", 1},
	}
)

type suffix struct {
	name  string
	scale float64
}

// parseQuantity parses "value [unit]".  A bare value is scaled by def.
func parseQuantity(s string, units []suffix, def float64) (float64, error) {
	s = strings.TrimSpace(s)
	num, scale := s, def
	for _, u := range units {
		if v, ok := strings.CutSuffix(s, u.name); ok {
			num, scale = strings.TrimSpace(v), u.scale
			break
		}
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("quantity %q not finite", s)
	}
	return v * scale, nil
}

func scalar(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("line %d: want a number or quantity string", n.Line)
	}
	return n.Value, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Energy) UnmarshalYAML(n *yaml.Node) error {
	s, err := scalar(n)
	if err != nil {
		return err
	}
	v, err := parseQuantity(s, energyUnits, 1)
	if err != nil {
		return fmt.Errorf("line %d: energy: %w", n.Line, err)
	}
	*e = Energy(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Angle) UnmarshalYAML(n *yaml.Node) error {
	s, err := scalar(n)
	if err != nil {
		return err
	}
	v, err := parseQuantity(s, angleUnits, math.Pi/180)
	if err != nil {
		return fmt.Errorf("line %d: angle: %w", n.Line, err)
	}
	*a = Angle(v)
	return nil
}

// Deg returns a in degrees.
func (a Angle) Deg() float64 { return unit.Angle(a).Deg() }

// MarshalYAML implements yaml.Marshaler, writing degrees.
func (a Angle) MarshalYAML() (interface{}, error) {
	return strconv.FormatFloat(a.Deg(), 'g', -1, 64) + " deg", nil
}

// MarshalYAML implements yaml.Marshaler, writing TeV.
func (e Energy) MarshalYAML() (interface{}, error) {
	return strconv.FormatFloat(float64(e), 'g', -1, 64) + " TeV", nil
}
