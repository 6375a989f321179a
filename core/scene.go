package core

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/orbit-visualizer/model"
	"github.com/signalsfoundry/orbit-visualizer/timectrl"
)

// Marker and path styling shared by every backend.
const (
	MarkerRadius         = 8.0
	SelectedMarkerRadius = 12.0
	HighlightColor       = "#a855f7"
	PathWidth            = 3.0
	PathGlow             = 0.2

	DefaultPathWindow      = 100 * time.Minute
	DefaultPathResolution  = 64
	DefaultSmoothingFactor = 5
	DefaultResampleEvery   = 30 * time.Second
)

// Composer builds the backend-independent scene for one frame. It never
// talks to a backend and never panics on bad data: entities whose position
// cannot be projected are left out and reported as diagnostics.
type Composer struct {
	Model        PositionModel
	Trajectories TrajectorySource
	Camera       Camera
	Viewport     Viewport
	Window       time.Duration
	Resolution   int
}

// NewComposer returns a composer with the default camera, viewport and a
// cached, smoothed trajectory sampler on top of m.
func NewComposer(m PositionModel) *Composer {
	return &Composer{
		Model:        m,
		Trajectories: NewCachedSampler(Sampler{Model: m, SmoothingFactor: DefaultSmoothingFactor}, DefaultResampleEvery),
		Camera:       DefaultCamera(),
		Viewport:     DefaultViewport(),
		Window:       DefaultPathWindow,
		Resolution:   DefaultPathResolution,
	}
}

// Compose derives entity and path records for objects at the snapshot time.
// Object order defines the catalog index handed to the position model.
func (c *Composer) Compose(objects []model.TrackedObject, clock timectrl.Snapshot, selectedID string) (model.SceneDescription, []error) {
	scene := model.SceneDescription{
		Time:       clock.Current,
		SelectedID: selectedID,
		Width:      c.Viewport.Width,
		Height:     c.Viewport.Height,
	}
	var diags []error

	pr, err := NewProjector(c.Camera, c.Viewport)
	if err != nil {
		return scene, append(diags, err)
	}
	if globe, err := pr.Globe(); err == nil {
		scene.Globe = globe
	} else {
		diags = append(diags, err)
	}

	scene.Entities = make([]model.EntityRecord, 0, len(objects))
	for i, obj := range objects {
		rec, err := c.entity(pr, obj, i, clock.Current, obj.ID == selectedID)
		if err != nil {
			diags = append(diags, fmt.Errorf("entity %q: %w", obj.ID, err))
			continue
		}
		if rec.Selected {
			scene.Readout = Readout(obj, rec.Sample)
		}
		scene.Entities = append(scene.Entities, rec)
	}

	if selectedID == "" {
		return scene, diags
	}
	for i, obj := range objects {
		if obj.ID != selectedID {
			continue
		}
		path, err := c.path(pr, obj, i, clock.Current)
		if err != nil {
			diags = append(diags, fmt.Errorf("path %q: %w", obj.ID, err))
			break
		}
		scene.Paths = append(scene.Paths, path)
		break
	}
	return scene, diags
}

// Readout formats the technical summary shown for a selected object. Azimuth
// and elevation are the catalog's observed values.
func Readout(obj model.TrackedObject, s model.PositionSample) string {
	g := s.Geographic
	line := fmt.Sprintf("%s %s  lat %.2f°  lon %.2f°  alt %.0f km  vel %.2f km/s  az %.0f°  el %.0f°",
		obj.ID, obj.Name, g.Lat, g.Lon, g.Alt, s.Velocity.Norm(), obj.Elements.Azimuth, obj.Elements.Elevation)
	if obj.Frequency.Downlink != "" {
		line += "  dl " + obj.Frequency.Downlink
	}
	return line
}

func (c *Composer) entity(pr *Projector, obj model.TrackedObject, index int, at time.Duration, selected bool) (model.EntityRecord, error) {
	sample := c.Model.PositionAt(obj, index, at)
	screen, err := pr.Project(sample.Cartesian)
	if err != nil {
		return model.EntityRecord{}, err
	}

	rec := model.EntityRecord{
		ObjectID:   obj.ID,
		Label:      fmt.Sprintf("%s %.0fkm", obj.ID, sample.Geographic.Alt),
		Status:     obj.Status,
		Color:      obj.Status.Color(),
		Radius:     MarkerRadius,
		Selected:   selected,
		Selectable: obj.Status.Selectable(),
		Sample:     sample,
		Screen:     screen,
		Occluded:   !HasLineOfSight(c.Camera.Eye, sample.Cartesian),
	}
	if selected {
		rec.Radius = SelectedMarkerRadius
		rec.Ring = HighlightColor
	}
	return rec, nil
}

func (c *Composer) path(pr *Projector, obj model.TrackedObject, index int, at time.Duration) (model.PathRecord, error) {
	src := c.Trajectories
	if src == nil {
		src = Sampler{Model: c.Model, SmoothingFactor: 1}
	}
	traj, err := src.Sample(obj, index, at, c.Window, c.Resolution)
	if err != nil {
		return model.PathRecord{}, err
	}

	points := make([]model.PathPoint, 0, len(traj.Points))
	for _, p := range traj.Points {
		screen, err := pr.Project(p.Cartesian)
		if err != nil {
			return model.PathRecord{}, err
		}
		points = append(points, model.PathPoint{
			Geographic: p.Geographic,
			Cartesian:  p.Cartesian,
			Screen:     screen,
		})
	}
	return model.PathRecord{
		ObjectID: obj.ID,
		Points:   points,
		Style: model.PathStyle{
			Color: HighlightColor,
			Width: PathWidth,
			Glow:  PathGlow,
		},
	}, nil
}
