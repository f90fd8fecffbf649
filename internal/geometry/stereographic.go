// Package geometry simplifies and merges flight track geometries. Distance
// tolerances are always in meters, applied in a polar stereographic plane.
package geometry

import "math"

// WGS84 ellipsoid.
const (
	wgs84A = 6378137.0
	wgs84E = 0.0818191908426
)

// Stereographic is an ellipsoidal polar stereographic projection
// (Snyder 1987, variant B with a latitude of true scale).
type Stereographic struct {
	Name      string
	TrueScale float64 // latitude of true scale, degrees
	Meridian  float64 // central meridian, degrees
	South     bool

	a, e, mc, tc float64
}

// EPSG3031 is Antarctic Polar Stereographic.
var EPSG3031 = newStereographic("EPSG:3031", -71, 0, true)

// EPSG3413 is NSIDC Sea Ice Polar Stereographic North.
var EPSG3413 = newStereographic("EPSG:3413", 70, -45, false)

func newStereographic(name string, trueScale, meridian float64, south bool) *Stereographic {
	p := &Stereographic{Name: name, TrueScale: trueScale, Meridian: meridian, South: south, a: wgs84A, e: wgs84E}
	phic := radians(trueScale)
	if south {
		phic = -phic
	}
	p.mc = math.Cos(phic) / math.Sqrt(1-p.e*p.e*math.Sin(phic)*math.Sin(phic))
	p.tc = p.t(phic)
	return p
}

// ForPoleOf picks the projection for a geometry centred at latitude lat.
func ForPoleOf(lat float64) *Stereographic {
	if lat < 0 {
		return EPSG3031
	}
	return EPSG3413
}

func (p *Stereographic) t(phi float64) float64 {
	es := p.e * math.Sin(phi)
	return math.Tan(math.Pi/4-phi/2) / math.Pow((1-es)/(1+es), p.e/2)
}

// Forward maps lon/lat degrees to projected meters.
func (p *Stereographic) Forward(lon, lat float64) (x, y float64) {
	phi := radians(lat)
	dlam := radians(lon - p.Meridian)
	if p.South {
		phi = -phi
		dlam = -dlam
	}
	rho := p.a * p.mc * p.t(phi) / p.tc
	x = rho * math.Sin(dlam)
	y = -rho * math.Cos(dlam)
	if p.South {
		x, y = -x, -y
	}
	return x, y
}

// Inverse maps projected meters back to lon/lat degrees.
func (p *Stereographic) Inverse(x, y float64) (lon, lat float64) {
	if p.South {
		x, y = -x, -y
	}
	rho := math.Hypot(x, y)
	t := rho * p.tc / (p.a * p.mc)

	phi := math.Pi/2 - 2*math.Atan(t)
	for i := 0; i < 15; i++ {
		es := p.e * math.Sin(phi)
		next := math.Pi/2 - 2*math.Atan(t*math.Pow((1-es)/(1+es), p.e/2))
		if math.Abs(next-phi) < 1e-14 {
			phi = next
			break
		}
		phi = next
	}

	var dlam float64
	if rho != 0 {
		dlam = math.Atan2(x, -y)
	}
	if p.South {
		phi = -phi
		dlam = -dlam
	}
	return normalizeLon(p.Meridian + degrees(dlam)), degrees(phi)
}

func radians(d float64) float64 { return d * math.Pi / 180 }
func degrees(r float64) float64 { return r * 180 / math.Pi }

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
