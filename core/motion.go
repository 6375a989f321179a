package core

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/orbit-visualizer/model"
)

// ErrPropagation is returned when an SGP4 propagation yields no usable state.
var ErrPropagation = errors.New("propagation failed")

// PositionModel derives the position of a tracked object at a simulated
// offset from the catalog epoch. Implementations are pure: the same inputs
// always produce the same sample.
type PositionModel interface {
	PositionAt(obj model.TrackedObject, index int, t time.Duration) model.PositionSample
}

// CircularOrbitModel places every object on a synthetic circular orbit that
// passes through its catalog position at t = 0. Orbit parameters are derived
// from the catalog index so objects fan out across the globe.
type CircularOrbitModel struct {
	BaseInclinationDeg float64
	InclinationStepDeg float64
	// SpeedStep scales the Keplerian rate by 1 + SpeedStep*index.
	SpeedStep float64
}

// NewCircularOrbitModel returns the model with the dashboard defaults.
func NewCircularOrbitModel() CircularOrbitModel {
	return CircularOrbitModel{
		BaseInclinationDeg: 0,
		InclinationStepDeg: 15,
		SpeedStep:          0.2,
	}
}

// orbitPlane is the orthonormal basis of an orbit: N points at the
// ascending node, M a quarter orbit further along.
type orbitPlane struct {
	n, m   Vec3
	radius float64
	omega  float64 // rad/s
	u0     float64 // argument of latitude at the epoch
}

func (c CircularOrbitModel) inclination(index int, lat float64) float64 {
	inc := c.BaseInclinationDeg + float64(index)*c.InclinationStepDeg
	if inc > 179 {
		inc = 179
	}
	need := math.Min(math.Abs(lat)+1, 90)
	if math.Sin(deg2rad(inc))+1e-12 < math.Sin(deg2rad(need)) {
		inc = need
	}
	return inc
}

func (c CircularOrbitModel) plane(obj model.TrackedObject, index int) orbitPlane {
	el := obj.Elements
	r := EarthRadiusKm + el.AltitudeKm
	inc := deg2rad(c.inclination(index, el.Latitude))
	phi := deg2rad(el.Latitude)

	u0 := math.Asin(clamp(math.Sin(phi)/math.Sin(inc), -1, 1))
	node := el.Longitude - rad2deg(math.Atan2(math.Cos(inc)*math.Sin(u0), math.Cos(u0)))

	apexLon := node + rad2deg(math.Atan2(math.Cos(inc), 0))
	apexLat := rad2deg(math.Asin(math.Sin(inc)))

	speed := 1 + c.SpeedStep*float64(index)
	return orbitPlane{
		n:      GeoToCartesian(0, node, 0).Scale(1 / EarthRadiusKm),
		m:      GeoToCartesian(apexLat, apexLon, 0).Scale(1 / EarthRadiusKm),
		radius: r,
		omega:  math.Sqrt(MuEarth/(r*r*r)) * speed,
		u0:     u0,
	}
}

// PositionAt implements PositionModel.
func (c CircularOrbitModel) PositionAt(obj model.TrackedObject, index int, t time.Duration) model.PositionSample {
	p := c.plane(obj, index)

	theta := math.Mod(p.omega*t.Seconds()+p.u0, 2*math.Pi)
	if theta < 0 {
		theta += 2 * math.Pi
	}
	sin, cos := math.Sincos(theta)

	pos := p.n.Scale(cos * p.radius).Add(p.m.Scale(sin * p.radius))
	vel := p.n.Scale(-sin).Add(p.m.Scale(cos)).Scale(p.radius * p.omega)
	return model.PositionSample{
		Time:       t,
		Cartesian:  pos,
		Geographic: CartesianToGeo(pos),
		Velocity:   vel,
	}
}

// SGP4Model propagates objects that carry a two-line element set. Parsed
// element sets are cached per object ID.
type SGP4Model struct {
	Epoch time.Time

	mu   sync.Mutex
	sats map[string]satellite.Satellite
}

// NewSGP4Model returns a model propagating from epoch.
func NewSGP4Model(epoch time.Time) *SGP4Model {
	return &SGP4Model{Epoch: epoch.UTC(), sats: make(map[string]satellite.Satellite)}
}

func (m *SGP4Model) satFor(obj model.TrackedObject) (sat satellite.Satellite, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sats[obj.ID]; ok {
		return s, nil
	}
	if err := checkTLE(obj.TLE); err != nil {
		return sat, fmt.Errorf("object %q: %v: %w", obj.ID, err, ErrPropagation)
	}
	// TLEToSat indexes fixed columns and panics on short lines.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("object %q: parse TLE: %v: %w", obj.ID, r, ErrPropagation)
		}
	}()
	sat = satellite.TLEToSat(obj.TLE.Line1, obj.TLE.Line2, satellite.GravityWGS72)
	m.sats[obj.ID] = sat
	return sat, nil
}

// checkTLE rejects lines that do not have the fixed-column TLE layout.
func checkTLE(tle model.TLE) error {
	for i, line := range []string{tle.Line1, tle.Line2} {
		if len(line) < 69 {
			return fmt.Errorf("TLE line %d has %d columns, want 69", i+1, len(line))
		}
		if line[0] != byte('1'+i) || line[1] != ' ' {
			return fmt.Errorf("TLE line %d has bad line number %q", i+1, line[:2])
		}
	}
	return nil
}

// position returns the Earth-fixed position in this package's frame.
// Propagation has one-second resolution.
func (m *SGP4Model) position(sat satellite.Satellite, at time.Time) Vec3 {
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	posECI, _ := satellite.Propagate(sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	ecef := satellite.ECIToECEF(posECI, gmst)

	// ECEF is Z-up with +Y at 90°E.
	return Vec3{X: ecef.X, Y: ecef.Z, Z: -ecef.Y}
}

// Propagate returns the SGP4 state of obj at t past the epoch.
func (m *SGP4Model) Propagate(obj model.TrackedObject, t time.Duration) (model.PositionSample, error) {
	if !obj.TLE.Valid() {
		return model.PositionSample{}, fmt.Errorf("object %q has no TLE: %w", obj.ID, ErrPropagation)
	}
	sat, err := m.satFor(obj)
	if err != nil {
		return model.PositionSample{}, err
	}

	at := m.Epoch.Add(t)
	pos := m.position(sat, at)
	next := m.position(sat, at.Add(time.Second))
	if !pos.IsFinite() || !next.IsFinite() || pos.Norm() < EarthRadiusKm/2 {
		return model.PositionSample{}, fmt.Errorf("object %q at %s: %w", obj.ID, at.Format(time.RFC3339), ErrPropagation)
	}
	return model.PositionSample{
		Time:       t,
		Cartesian:  pos,
		Geographic: CartesianToGeo(pos),
		Velocity:   next.Sub(pos),
	}, nil
}

// DispatchModel picks SGP4 for objects with a TLE and the circular model for
// everything else, including TLEs that fail to propagate.
type DispatchModel struct {
	Circular CircularOrbitModel
	SGP4     *SGP4Model
}

// NewPositionModel returns the default model for a catalog epoch.
func NewPositionModel(epoch time.Time) *DispatchModel {
	return &DispatchModel{
		Circular: NewCircularOrbitModel(),
		SGP4:     NewSGP4Model(epoch),
	}
}

// PositionAt implements PositionModel.
func (d *DispatchModel) PositionAt(obj model.TrackedObject, index int, t time.Duration) model.PositionSample {
	if d.SGP4 != nil && obj.TLE.Valid() {
		if s, err := d.SGP4.Propagate(obj, t); err == nil {
			return s
		}
	}
	return d.Circular.PositionAt(obj, index, t)
}
