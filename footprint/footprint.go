package footprint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Footprint is an asset's normalized spatial extent plus its temporal
// interval. The geometry is always expressed in the canonical CRS
// (EPSG:4326, longitude/latitude) and the interval is half-open,
// [Start, End).
type Footprint struct {
	// The asset's spatial extent in the canonical CRS.
	Geometry orb.Geometry
	// The start of the asset's temporal interval (inclusive).
	Start time.Time
	// The end of the asset's temporal interval (exclusive). An instant
	// is represented as End equal to Start.
	End time.Time
}

// Error is returned when an asset's georeference is missing, malformed
// or can not be normalized to the canonical CRS.
type Error struct {
	// The path of the asset whose footprint could not be derived.
	Path string
	// A short human-readable reason.
	Reason string

	err error
}

func (e *Error) Error() string {

	if e.err != nil {
		return fmt.Sprintf("Invalid footprint for %s: %s, %v", e.Path, e.Reason, e.err)
	}

	return fmt.Sprintf("Invalid footprint for %s: %s", e.Path, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewError returns a new footprint Error for path wrapping err.
func NewError(path string, reason string, err error) *Error {
	return &Error{Path: path, Reason: reason, err: err}
}

// Bound returns the bounding box of the footprint's geometry.
func (f Footprint) Bound() orb.Bound {
	return f.Geometry.Bound()
}

// Validate checks the footprint's invariants: a non-empty geometry
// inside the canonical CRS's valid range and Start not after End.
func (f Footprint) Validate() error {

	if f.Geometry == nil {
		return fmt.Errorf("Missing geometry")
	}

	b := f.Geometry.Bound()

	switch f.Geometry.(type) {
	case orb.Polygon, orb.MultiPolygon:

		// A geotagged photo has a point footprint and that is fine, but a
		// polygon footprint that encloses no area is a broken georeference.

		if planar.Area(f.Geometry) <= 0 {
			return fmt.Errorf("Polygon geometry encloses no area")
		}
	}

	if b.Min[0] < -180.0 || b.Max[0] > 180.0 || b.Min[1] < -90.0 || b.Max[1] > 90.0 {
		return fmt.Errorf("Geometry outside canonical CRS range")
	}

	if f.Start.IsZero() {
		return fmt.Errorf("Missing temporal interval")
	}

	if f.End.Before(f.Start) {
		return fmt.Errorf("Temporal interval ends before it starts")
	}

	return nil
}

// footprintJSON is the wire form of a Footprint.
type footprintJSON struct {
	Geometry *geojson.Geometry `json:"geometry"`
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
}

func (f Footprint) MarshalJSON() ([]byte, error) {

	enc := footprintJSON{
		Geometry: geojson.NewGeometry(f.Geometry),
		Start:    f.Start,
		End:      f.End,
	}

	return json.Marshal(enc)
}

func (f *Footprint) UnmarshalJSON(body []byte) error {

	var enc footprintJSON

	err := json.Unmarshal(body, &enc)

	if err != nil {
		return err
	}

	if enc.Geometry == nil {
		return fmt.Errorf("Missing geometry")
	}

	f.Geometry = enc.Geometry.Geometry()
	f.Start = enc.Start
	f.End = enc.End

	return nil
}
