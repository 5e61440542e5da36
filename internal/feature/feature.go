package feature

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature is one geolocated record. Slug is unique within a Store.
// Properties is shared between copies handed out by the Store and must be
// treated as read-only.
type Feature struct {
	Slug       string
	Layer      string
	Status     string
	Geometry   orb.Geometry
	Properties map[string]any
}

// Name returns the "name" property when present, else the slug.
func (f Feature) Name() string {
	if v, ok := f.Properties["name"].(string); ok && v != "" {
		return v
	}
	return f.Slug
}

// GeoJSON converts the feature back to the wire shape, with status and layer
// folded into the properties.
func (f Feature) GeoJSON() *geojson.Feature {
	gf := geojson.NewFeature(f.Geometry)
	gf.ID = f.Slug
	for k, v := range f.Properties {
		gf.Properties[k] = v
	}
	gf.Properties["status"] = f.Status
	gf.Properties["layer"] = f.Layer
	return gf
}

type EventKind int

const (
	Added EventKind = iota + 1
	Updated
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is emitted once per feature while a merge or removal is applied.
// Previous is set for Updated events.
type Event struct {
	Kind     EventKind
	Feature  Feature
	Previous *Feature
}

// Settled is emitted after all events of one merge or removal were delivered.
type Settled struct {
	Op       string
	Layer    string
	Added    int
	Updated  int
	Removed  int
	Statuses []string
	Total    int
}

func (s Settled) Changed() bool {
	return s.Added+s.Updated+s.Removed > 0
}
