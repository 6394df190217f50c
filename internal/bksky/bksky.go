// Public domain.

// Package bksky provides the celestial geometry the background pipeline
// consumes: zenith angles of pointings seen from an observatory, and unit
// vector arithmetic on the celestial sphere.
package bksky

import (
	"math"
	"time"

	"github.com/soniakeys/coord"
	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/sidereal"
	"github.com/soniakeys/unit"

	"github.com/iact-tools/bkgmatch/internal/bkbin"
)

// Site is an observatory location.
type Site struct {
	Name   string
	Lat    unit.Angle // geodetic latitude, positive north
	Lon    unit.Angle // longitude, positive east
	Height float64    // meters above sea level
}

// RoqueDeLosMuchachos is the LST-1 site on La Palma.
var RoqueDeLosMuchachos = Site{
	Name:   "Roque de los Muchachos",
	Lat:    unit.AngleFromDeg(28.761758),
	Lon:    unit.AngleFromDeg(-17.890659),
	Height: 2200,
}

// Zenith returns the zenith angle of pointing p seen from s at time t.
//
// Coordinates are taken as given; no precession, nutation, aberration or
// refraction is applied.
func (s Site) Zenith(t time.Time, p bkbin.Pointing) unit.Angle {
	return unit.Angle(math.Acos(clamp(s.CosZenith(t, p))))
}

// CosZenith returns the cosine of the zenith angle, equal to the sine of
// the altitude.
func (s Site) CosZenith(t time.Time, p bkbin.Pointing) float64 {
	st := sidereal.Apparent(julian.TimeToJD(t))
	// local hour angle, local sidereal time from east-positive longitude
	h := st.Rad() + s.Lon.Rad() - p.RA.Rad()
	sφ, cφ := math.Sincos(s.Lat.Rad())
	sδ, cδ := math.Sincos(p.Dec.Rad())
	return sφ*sδ + cφ*cδ*math.Cos(h)
}

func clamp(x float64) float64 {
	switch {
	case x > 1:
		return 1
	case x < -1:
		return -1
	}
	return x
}

// Cart returns the unit vector of a sky direction.
func Cart(ra unit.RA, dec unit.Angle) coord.Cart {
	sra, cra := math.Sincos(ra.Rad())
	sdec, cdec := math.Sincos(dec.Rad())
	return coord.Cart{
		X: cra * cdec,
		Y: sra * cdec,
		Z: sdec,
	}
}

// Sep returns the angle between unit vectors a and b.
func Sep(a, b *coord.Cart) unit.Angle {
	// atan2 form stays accurate for small separations
	cx := a.Y*b.Z - a.Z*b.Y
	cy := a.Z*b.X - a.X*b.Z
	cz := a.X*b.Y - a.Y*b.X
	return unit.Angle(math.Atan2(math.Sqrt(cx*cx+cy*cy+cz*cz), a.Dot(b)))
}

// Offset returns the angular distance between a pointing and a direction.
func Offset(p bkbin.Pointing, ra unit.RA, dec unit.Angle) unit.Angle {
	c0 := Cart(p.RA, p.Dec)
	c1 := Cart(ra, dec)
	return Sep(&c0, &c1)
}

// Dest returns the direction at angular distance r from p along position
// angle pa, measured from north through east.
func Dest(p bkbin.Pointing, pa, r unit.Angle) (unit.RA, unit.Angle) {
	sδ0, cδ0 := math.Sincos(p.Dec.Rad())
	sr, cr := math.Sincos(r.Rad())
	spa, cpa := math.Sincos(pa.Rad())
	sδ := sδ0*cr + cδ0*sr*cpa
	δ := math.Asin(clamp(sδ))
	α := p.RA.Rad() + math.Atan2(spa*sr*cδ0, cr-sδ0*sδ)
	α = math.Mod(α, 2*math.Pi)
	if α < 0 {
		α += 2 * math.Pi
	}
	return unit.RAFromDeg(α * 180 / math.Pi), unit.Angle(δ)
}
