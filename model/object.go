package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the operational state reported for a tracked object.
type Status int

const (
	StatusActive Status = iota
	StatusMaintenance
	StatusInactive
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMaintenance:
		return "maintenance"
	case StatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// ParseStatus converts the catalog text form of a status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return StatusActive, nil
	case "maintenance":
		return StatusMaintenance, nil
	case "inactive":
		return StatusInactive, nil
	default:
		return 0, fmt.Errorf("unknown status %q", s)
	}
}

// Selectable reports whether users may select objects in this state.
// Inactive objects still propagate so the display stays continuous.
func (s Status) Selectable() bool {
	return s != StatusInactive
}

// Color returns the hex colour used for entity markers.
func (s Status) Color() string {
	switch s {
	case StatusActive:
		return "#10b981"
	case StatusMaintenance:
		return "#f59e0b"
	default:
		return "#ef4444"
	}
}

// MarshalJSON encodes the status as its text form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes "active", "maintenance" or "inactive".
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// OrbitalElements is the reference geographic position of an object at the
// catalog epoch plus observed scalars. Azimuth, elevation, range and velocity
// are display-only and never feed propagation.
type OrbitalElements struct {
	Latitude    float64
	Longitude   float64
	AltitudeKm  float64
	Azimuth     float64
	Elevation   float64
	RangeKm     float64
	VelocityKmS float64
}

// Frequency holds the radio plan of an object.
type Frequency struct {
	Uplink   string `json:"uplink,omitempty"`
	Downlink string `json:"downlink,omitempty"`
}

// TLE is an optional two-line element set. When both lines are present the
// object is propagated with SGP4 instead of the synthetic circular orbit.
type TLE struct {
	Line1 string `json:"line1,omitempty"`
	Line2 string `json:"line2,omitempty"`
}

// Valid reports whether both lines are set.
func (t TLE) Valid() bool {
	return t.Line1 != "" && t.Line2 != ""
}

// TrackedObject is a catalog entry. Objects are created when the catalog is
// loaded and are treated as read-only afterwards.
type TrackedObject struct {
	ID           string
	Name         string
	Organization string
	Purpose      string
	Status       Status
	Elements     OrbitalElements
	Frequency    Frequency
	TLE          TLE
}
