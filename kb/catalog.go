package kb

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/signalsfoundry/orbit-visualizer/model"
)

var (
	// ErrInvalidObject indicates a catalog entry failed validation.
	ErrInvalidObject = errors.New("invalid tracked object")
	// ErrDuplicateObject indicates two entries share an ID.
	ErrDuplicateObject = errors.New("duplicate tracked object")
	// ErrEmptyCatalog indicates a catalog with no entries.
	ErrEmptyCatalog = errors.New("catalog is empty")
)

//go:embed default_catalog.json
var defaultCatalogJSON []byte

// Catalog is the immutable set of tracked objects. Ordering is the load
// order and defines each object's catalog index.
type Catalog struct {
	objects []model.TrackedObject
	index   map[string]int
}

// NewCatalog validates objects and builds a catalog. The input slice is
// copied; later changes to it are not observed.
func NewCatalog(objects []model.TrackedObject) (*Catalog, error) {
	if len(objects) == 0 {
		return nil, ErrEmptyCatalog
	}
	c := &Catalog{
		objects: make([]model.TrackedObject, len(objects)),
		index:   make(map[string]int, len(objects)),
	}
	copy(c.objects, objects)
	for i, obj := range c.objects {
		if err := Validate(obj); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if prev, exists := c.index[obj.ID]; exists {
			return nil, fmt.Errorf("object %q at entries %d and %d: %w", obj.ID, prev, i, ErrDuplicateObject)
		}
		c.index[obj.ID] = i
	}
	return c, nil
}

// Validate checks the invariants of a single catalog entry.
func Validate(obj model.TrackedObject) error {
	el := obj.Elements
	switch {
	case obj.ID == "":
		return fmt.Errorf("missing id: %w", ErrInvalidObject)
	case !finite(el.Latitude) || el.Latitude < -90 || el.Latitude > 90:
		return fmt.Errorf("object %q: latitude %v out of range [-90, 90]: %w", obj.ID, el.Latitude, ErrInvalidObject)
	case !finite(el.Longitude) || el.Longitude < -180 || el.Longitude > 180:
		return fmt.Errorf("object %q: longitude %v out of range [-180, 180]: %w", obj.ID, el.Longitude, ErrInvalidObject)
	case !finite(el.AltitudeKm) || el.AltitudeKm <= 0:
		return fmt.Errorf("object %q: altitude %v km must be positive: %w", obj.ID, el.AltitudeKm, ErrInvalidObject)
	case obj.Status < model.StatusActive || obj.Status > model.StatusInactive:
		return fmt.Errorf("object %q: unknown status %d: %w", obj.ID, obj.Status, ErrInvalidObject)
	case (obj.TLE.Line1 == "") != (obj.TLE.Line2 == ""):
		return fmt.Errorf("object %q: TLE needs both lines: %w", obj.ID, ErrInvalidObject)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Len returns the number of objects.
func (c *Catalog) Len() int {
	return len(c.objects)
}

// Objects returns a copy of all objects in catalog order.
func (c *Catalog) Objects() []model.TrackedObject {
	out := make([]model.TrackedObject, len(c.objects))
	copy(out, c.objects)
	return out
}

// Get returns the object with the given ID.
func (c *Catalog) Get(id string) (model.TrackedObject, bool) {
	i, ok := c.index[id]
	if !ok {
		return model.TrackedObject{}, false
	}
	return c.objects[i], true
}

// Index returns the catalog index of id.
func (c *Catalog) Index(id string) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

// At returns the object at catalog index i.
func (c *Catalog) At(i int) model.TrackedObject {
	return c.objects[i]
}

// catalogEntry is the on-disk JSON layout, which keeps the reference
// coordinates and the observed scalars in separate blocks.
type catalogEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Purpose      string `json:"purpose"`
	Coordinates  struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Altitude  float64 `json:"altitude"`
	} `json:"coordinates"`
	Orbital struct {
		Azimuth   float64 `json:"azimuth"`
		Elevation float64 `json:"elevation"`
		Range     float64 `json:"range"`
		Velocity  float64 `json:"velocity"`
	} `json:"orbital"`
	Status    model.Status    `json:"status"`
	Frequency model.Frequency `json:"frequency"`
	TLE       model.TLE       `json:"tle"`
}

func (e catalogEntry) toObject() model.TrackedObject {
	return model.TrackedObject{
		ID:           e.ID,
		Name:         e.Name,
		Organization: e.Organization,
		Purpose:      e.Purpose,
		Status:       e.Status,
		Elements: model.OrbitalElements{
			Latitude:    e.Coordinates.Latitude,
			Longitude:   e.Coordinates.Longitude,
			AltitudeKm:  e.Coordinates.Altitude,
			Azimuth:     e.Orbital.Azimuth,
			Elevation:   e.Orbital.Elevation,
			RangeKm:     e.Orbital.Range,
			VelocityKmS: e.Orbital.Velocity,
		},
		Frequency: e.Frequency,
		TLE:       e.TLE,
	}
}

// LoadCatalog decodes a JSON array of catalog entries and validates it.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var entries []catalogEntry
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	objects := make([]model.TrackedObject, 0, len(entries))
	for _, e := range entries {
		objects = append(objects, e.toObject())
	}
	return NewCatalog(objects)
}

// LoadCatalogFile reads a catalog from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", path, err)
	}
	return c, nil
}

// DefaultCatalog returns the built-in four-satellite catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(bytes.NewReader(defaultCatalogJSON))
	if err != nil {
		panic(fmt.Errorf("embedded catalog: %w", err))
	}
	return c
}
