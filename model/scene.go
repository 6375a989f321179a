package model

import "time"

// Geo is a geographic position in degrees and kilometres above the
// reference sphere.
type Geo struct {
	Lat float64
	Lon float64
	Alt float64
}

// PositionSample is the derived position of an object at one simulated
// instant. Time is the offset from the catalog epoch exactly as requested.
type PositionSample struct {
	Time       time.Duration
	Cartesian  Vec3
	Geographic Geo
	// Velocity in km/s, same frame as Cartesian.
	Velocity Vec3
}

// Trajectory is a discretised path around a centre time. Samples holds the
// evenly spaced raw samples; Points the smoothed sequence handed to renderers.
type Trajectory struct {
	ObjectID string
	Center   time.Duration
	Window   time.Duration
	Samples  []PositionSample
	Points   []PositionSample
}

// ScreenPoint is a projected position in viewport pixels. Visible is false
// when the point lies behind the camera plane; X and Y are then meaningless.
type ScreenPoint struct {
	X       float64
	Y       float64
	Depth   float64
	Visible bool
}

// EntityRecord instructs a backend to draw one tracked object.
type EntityRecord struct {
	ObjectID   string
	Label      string
	Status     Status
	Color      string
	Radius     float64
	Ring       string // highlight ring colour, empty when not selected
	Selected   bool
	Selectable bool
	Sample     PositionSample
	Screen     ScreenPoint
	// Occluded is set when the Earth blocks the line of sight from the camera.
	Occluded bool
}

// PathStyle describes how a trajectory should be stroked.
type PathStyle struct {
	Color  string
	Width  float64
	Glow   float64
	Dashed bool
}

// PathPoint is one vertex of a path draw-record.
type PathPoint struct {
	Geographic Geo
	Cartesian  Vec3
	Screen     ScreenPoint
}

// PathRecord instructs a backend to draw one trajectory.
type PathRecord struct {
	ObjectID string
	Points   []PathPoint
	Style    PathStyle
}

// GlobeRecord is the projected silhouette of the Earth.
type GlobeRecord struct {
	Center   ScreenPoint
	RadiusPx float64
}

// SceneDescription is everything a backend needs to draw one frame. It is
// built fresh every tick and must not be mutated once composed.
type SceneDescription struct {
	Time       time.Duration
	SelectedID string
	Width      int
	Height     int
	Globe      GlobeRecord
	Entities   []EntityRecord
	Paths      []PathRecord
	// Readout is the technical summary line for the selected object.
	Readout string
}

// Entity returns the record for id, if present.
func (s *SceneDescription) Entity(id string) (EntityRecord, bool) {
	if s == nil {
		return EntityRecord{}, false
	}
	for _, e := range s.Entities {
		if e.ObjectID == id {
			return e, true
		}
	}
	return EntityRecord{}, false
}
