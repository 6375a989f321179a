package core

import (
	"math"

	"github.com/signalsfoundry/orbit-visualizer/model"
)

// EarthRadiusKm is the mean Earth radius used as the reference sphere for
// every transform in this package (kilometres).
const EarthRadiusKm = 6371.0

// MuEarth is the standard gravitational parameter of the Earth in km³/s².
const MuEarth = 398600.4418

// Vec3 is an Earth-centred Cartesian vector in kilometres.
type Vec3 = model.Vec3

// HasLineOfSight checks whether the straight segment between p1 and p2
// clears the Earth sphere. All positions are in kilometres.
func HasLineOfSight(p1, p2 Vec3) bool {
	v := p2.Sub(p1)
	a := v.Dot(v)
	if a == 0 {
		// Same point: visible only if it is outside the Earth.
		return p1.Dot(p1) > EarthRadiusKm*EarthRadiusKm
	}

	// Closest point on the segment to the Earth's centre.
	t := -p1.Dot(v) / a
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := p1.Add(v.Scale(t))

	return closest.Dot(closest) > EarthRadiusKm*EarthRadiusKm
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func deg2rad(d float64) float64 { return d * math.Pi / 180.0 }
func rad2deg(r float64) float64 { return r * 180.0 / math.Pi }
