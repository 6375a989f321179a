package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/signalsfoundry/orbit-visualizer/model"
)

// Axis convention shared by every consumer of this package:
//
//	+X  equator at the prime meridian (lat 0, lon 0)
//	+Y  north pole
//	-Z  equator at 90°E
//
// The frame is right-handed and Y-up, matching common 3-D engines. Units are
// kilometres; geographic angles are degrees.

var (
	// ErrProjectionOutOfRange indicates a point that cannot be mapped to
	// screen space (non-finite input or a degenerate projection).
	ErrProjectionOutOfRange = errors.New("projection out of range")
	// ErrInvalidCamera indicates an unusable camera or viewport.
	ErrInvalidCamera = errors.New("invalid camera")
)

// GeoToCartesian converts latitude/longitude (degrees) and altitude above the
// reference sphere (km) into an Earth-centred Cartesian vector.
func GeoToCartesian(lat, lon, altitudeKm float64) Vec3 {
	r := EarthRadiusKm + altitudeKm
	phi := deg2rad(lat)
	lambda := deg2rad(lon)
	cosPhi := math.Cos(phi)
	return Vec3{
		X: r * cosPhi * math.Cos(lambda),
		Y: r * math.Sin(phi),
		Z: -r * cosPhi * math.Sin(lambda),
	}
}

// CartesianToGeo is the inverse of GeoToCartesian. The origin maps to
// lat 0, lon 0 and an altitude of minus the reference radius.
func CartesianToGeo(p Vec3) model.Geo {
	r := p.Norm()
	if r < 1e-12 {
		return model.Geo{Alt: -EarthRadiusKm}
	}
	return model.Geo{
		Lat: rad2deg(math.Asin(clamp(p.Y/r, -1, 1))),
		Lon: rad2deg(math.Atan2(-p.Z, p.X)),
		Alt: r - EarthRadiusKm,
	}
}

// Camera describes a perspective viewpoint in the Earth-centred frame.
type Camera struct {
	Eye     Vec3
	Target  Vec3
	Up      Vec3
	FovYDeg float64
	Near    float64
	Far     float64
}

// Viewport is the size of the drawing surface in pixels.
type Viewport struct {
	Width  int
	Height int
}

// DefaultCamera looks at the Earth from the oblique vantage point used by
// the dashboard's 3-D view, about 6.3 Earth radii out.
func DefaultCamera() Camera {
	return Camera{
		Eye:     Vec3{X: 4 * EarthRadiusKm, Y: 2.5 * EarthRadiusKm, Z: 4 * EarthRadiusKm},
		Target:  Vec3{},
		Up:      Vec3{Y: 1},
		FovYDeg: 60,
		Near:    1,
		Far:     1e6,
	}
}

// DefaultViewport matches the original canvas size.
func DefaultViewport() Viewport {
	return Viewport{Width: 800, Height: 500}
}

// Validate checks the camera and viewport are usable together.
func (c Camera) Validate(vp Viewport) error {
	switch {
	case vp.Width <= 0 || vp.Height <= 0:
		return fmt.Errorf("viewport %dx%d: %w", vp.Width, vp.Height, ErrInvalidCamera)
	case c.FovYDeg <= 0 || c.FovYDeg >= 180:
		return fmt.Errorf("field of view %v°: %w", c.FovYDeg, ErrInvalidCamera)
	case c.Near <= 0 || c.Far <= c.Near:
		return fmt.Errorf("clip planes near=%v far=%v: %w", c.Near, c.Far, ErrInvalidCamera)
	case c.Eye.DistanceTo(c.Target) == 0:
		return fmt.Errorf("eye coincides with target: %w", ErrInvalidCamera)
	case c.Up.Cross(c.Target.Sub(c.Eye)).Norm() == 0:
		return fmt.Errorf("up vector parallel to view direction: %w", ErrInvalidCamera)
	}
	return nil
}

func toMgl(v Vec3) mgl64.Vec3 {
	return mgl64.Vec3{v.X, v.Y, v.Z}
}

// viewProjection returns the combined projection*view matrix.
func (c Camera) viewProjection(vp Viewport) mgl64.Mat4 {
	view := mgl64.LookAtV(toMgl(c.Eye), toMgl(c.Target), toMgl(c.Up))
	aspect := float64(vp.Width) / float64(vp.Height)
	proj := mgl64.Perspective(mgl64.DegToRad(c.FovYDeg), aspect, c.Near, c.Far)
	return proj.Mul4(view)
}

// Project maps a point to viewport pixels. Points on or behind the near
// plane come back with Visible=false rather than as invalid coordinates.
func Project(p Vec3, cam Camera, vp Viewport) (model.ScreenPoint, error) {
	if !p.IsFinite() {
		return model.ScreenPoint{}, fmt.Errorf("point %+v: %w", p, ErrProjectionOutOfRange)
	}
	if err := cam.Validate(vp); err != nil {
		return model.ScreenPoint{}, err
	}
	return projectWith(cam.viewProjection(vp), p, cam, vp)
}

func projectWith(m mgl64.Mat4, p Vec3, cam Camera, vp Viewport) (model.ScreenPoint, error) {
	clip := m.Mul4x1(mgl64.Vec4{p.X, p.Y, p.Z, 1})
	w := clip.W()
	if math.IsNaN(w) || math.IsInf(w, 0) {
		return model.ScreenPoint{}, fmt.Errorf("point %+v: %w", p, ErrProjectionOutOfRange)
	}
	if w <= cam.Near {
		return model.ScreenPoint{Depth: w, Visible: false}, nil
	}

	ndcX := clip.X() / w
	ndcY := clip.Y() / w
	sp := model.ScreenPoint{
		X:       (ndcX + 1) / 2 * float64(vp.Width),
		Y:       (1 - ndcY) / 2 * float64(vp.Height),
		Depth:   w,
		Visible: true,
	}
	if math.IsNaN(sp.X) || math.IsInf(sp.X, 0) || math.IsNaN(sp.Y) || math.IsInf(sp.Y, 0) {
		return model.ScreenPoint{}, fmt.Errorf("point %+v: %w", p, ErrProjectionOutOfRange)
	}
	return sp, nil
}

// Projector caches the view-projection matrix for repeated projections with
// the same camera, as done once per composed frame.
type Projector struct {
	cam Camera
	vp  Viewport
	m   mgl64.Mat4
}

// NewProjector validates cam and vp and precomputes the matrices.
func NewProjector(cam Camera, vp Viewport) (*Projector, error) {
	if err := cam.Validate(vp); err != nil {
		return nil, err
	}
	return &Projector{cam: cam, vp: vp, m: cam.viewProjection(vp)}, nil
}

// Project is Project with the cached matrices.
func (pr *Projector) Project(p Vec3) (model.ScreenPoint, error) {
	if !p.IsFinite() {
		return model.ScreenPoint{}, fmt.Errorf("point %+v: %w", p, ErrProjectionOutOfRange)
	}
	return projectWith(pr.m, p, pr.cam, pr.vp)
}

// Globe returns the projected silhouette of the Earth sphere.
func (pr *Projector) Globe() (model.GlobeRecord, error) {
	center, err := pr.Project(Vec3{})
	if err != nil {
		return model.GlobeRecord{}, err
	}
	d := pr.cam.Eye.Norm()
	if d <= EarthRadiusKm {
		return model.GlobeRecord{}, fmt.Errorf("camera inside the Earth: %w", ErrProjectionOutOfRange)
	}
	alpha := math.Asin(EarthRadiusKm / d)
	half := math.Tan(deg2rad(pr.cam.FovYDeg) / 2)
	radius := math.Tan(alpha) / half * float64(pr.vp.Height) / 2
	return model.GlobeRecord{Center: center, RadiusPx: radius}, nil
}

// Equirectangular maps a geographic position onto a width×height plate
// carrée map with longitude -180 at the left edge and the north pole on top.
func Equirectangular(g model.Geo, width, height float64) (x, y float64) {
	x = (g.Lon + 180) / 360 * width
	y = (90 - g.Lat) / 180 * height
	return x, y
}
