package tiling

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
	"github.com/sfomuseum/go-metamosaic/footprint"
)

// Cell identifies a single discretized spatial cell and temporal bucket.
// Cells are pure values; two assets whose footprints land in the same
// grid square and time bucket produce equal cells.
type Cell struct {
	// The cell's column index in the spatial grid (longitude axis).
	Col int64 `json:"col"`
	// The cell's row index in the spatial grid (latitude axis).
	Row int64 `json:"row"`
	// The cell's temporal bucket index, counted from the Unix epoch.
	Bucket int64 `json:"bucket"`
}

// ID returns the cell's stable string identifier.
func (c Cell) ID() string {
	return fmt.Sprintf("%d_%d_%d", c.Col, c.Row, c.Bucket)
}

// Scheme discretizes footprints in to cells. All of its methods are pure
// functions of their inputs and the scheme parameters.
type Scheme struct {
	// The width and height of a spatial cell, in degrees of the
	// canonical CRS.
	CellSize float64
	// The width of a temporal bucket.
	BucketWidth time.Duration
	// How far, in degrees, a metamosaic's footprint may extend past its
	// cell's extent before the containment invariant is violated.
	Buffer float64
}

// DefaultScheme returns a scheme with roughly 1km cells at the equator
// and calendar-month-scale temporal buckets.
func DefaultScheme() Scheme {

	return Scheme{
		CellSize:    0.01,
		BucketWidth: 30 * 24 * time.Hour,
		Buffer:      0.0,
	}
}

// Validate checks the scheme's parameters.
func (s Scheme) Validate() error {

	if s.CellSize <= 0 {
		return fmt.Errorf("Cell size must be positive")
	}

	if s.BucketWidth <= 0 {
		return fmt.Errorf("Bucket width must be positive")
	}

	if s.Buffer < 0 {
		return fmt.Errorf("Buffer must not be negative")
	}

	return nil
}

// CellBound returns the spatial extent of c.
func (s Scheme) CellBound(c Cell) orb.Bound {

	return orb.Bound{
		Min: orb.Point{float64(c.Col) * s.CellSize, float64(c.Row) * s.CellSize},
		Max: orb.Point{float64(c.Col+1) * s.CellSize, float64(c.Row+1) * s.CellSize},
	}
}

// BufferedBound returns the spatial extent of c extended by the
// configured buffer on every side.
func (s Scheme) BufferedBound(c Cell) orb.Bound {

	b := s.CellBound(c)

	return orb.Bound{
		Min: orb.Point{b.Min[0] - s.Buffer, b.Min[1] - s.Buffer},
		Max: orb.Point{b.Max[0] + s.Buffer, b.Max[1] + s.Buffer},
	}
}

// BucketWindow returns the half-open temporal window [start, end) of c.
func (s Scheme) BucketWindow(c Cell) (time.Time, time.Time) {

	start := time.Unix(0, c.Bucket*int64(s.BucketWidth)).UTC()
	end := start.Add(s.BucketWidth)

	return start, end
}

// CellsFor returns every cell whose extent intersects fp's geometry and
// whose bucket intersects fp's temporal interval. The result is
// deterministic (same footprint, same scheme, same cells in the same
// order), covers the footprint, and contains no cell disjoint from it.
func (s Scheme) CellsFor(fp footprint.Footprint) ([]Cell, error) {

	err := s.Validate()

	if err != nil {
		return nil, err
	}

	err = fp.Validate()

	if err != nil {
		return nil, err
	}

	b := fp.Bound()

	col_min := int64(math.Floor(b.Min[0] / s.CellSize))
	col_max := int64(math.Floor(b.Max[0] / s.CellSize))
	row_min := int64(math.Floor(b.Min[1] / s.CellSize))
	row_max := int64(math.Floor(b.Max[1] / s.CellSize))

	// A footprint whose upper edge sits exactly on a grid line touches
	// the next cell over without entering it. Trim those cells so the
	// result stays minimal.

	if col_max > col_min && b.Max[0] == float64(col_max)*s.CellSize {
		col_max -= 1
	}

	if row_max > row_min && b.Max[1] == float64(row_max)*s.CellSize {
		row_max -= 1
	}

	buckets := s.bucketsFor(fp.Start, fp.End)

	cells := make([]Cell, 0)

	for col := col_min; col <= col_max; col += 1 {

		for row := row_min; row <= row_max; row += 1 {

			cell_b := orb.Bound{
				Min: orb.Point{float64(col) * s.CellSize, float64(row) * s.CellSize},
				Max: orb.Point{float64(col+1) * s.CellSize, float64(row+1) * s.CellSize},
			}

			if !s.intersects(fp.Geometry, cell_b) {
				continue
			}

			for _, bucket := range buckets {

				cells = append(cells, Cell{
					Col:    col,
					Row:    row,
					Bucket: bucket,
				})
			}
		}
	}

	return cells, nil
}

// intersects reports whether geom genuinely enters the cell bound. The
// bounding-box sweep in CellsFor over-approximates concave and diagonal
// geometries, so each candidate cell is verified by clipping.
func (s Scheme) intersects(geom orb.Geometry, cell_b orb.Bound) bool {

	clipped := clip.Geometry(cell_b, orb.Clone(geom))

	if clipped == nil {
		return false
	}

	switch clipped.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return planar.Area(clipped) > 0
	default:
		return true
	}
}

// bucketsFor returns the temporal bucket indices intersecting the
// half-open interval [start, end). An instant (end equal to start)
// occupies the single bucket containing it.
func (s Scheme) bucketsFor(start time.Time, end time.Time) []int64 {

	width := int64(s.BucketWidth)

	first := floorDiv(start.UnixNano(), width)
	last := first

	if end.After(start) {
		last = floorDiv(end.UnixNano()-1, width)
	}

	buckets := make([]int64, 0, last-first+1)

	for b := first; b <= last; b += 1 {
		buckets = append(buckets, b)
	}

	return buckets
}

// floorDiv divides rounding toward negative infinity, so that times
// before the epoch land in the correct bucket.
func floorDiv(a int64, b int64) int64 {

	q := a / b

	if a%b != 0 && (a < 0) != (b < 0) {
		q -= 1
	}

	return q
}
