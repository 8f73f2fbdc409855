package footprint

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
	"github.com/sfomuseum/go-metamosaic/asset"
	"github.com/tidwall/gjson"
	"gocloud.dev/blob"
)

// CanonicalCRS is the coordinate reference system every footprint is
// normalized to before it reaches the tiling scheme or the catalog.
const CanonicalCRS = "EPSG:4326"

// Filenames may carry an acquisition date prefix following the
// YYMMDD_location_... convention, for example 240119_denver_ortho.tif.
var re_namedate = regexp.MustCompile(`^(\d{2})(0[1-9]|1[0-2])(0[1-9]|[12]\d|3[01])`)

// Extractor derives normalized footprints from raw asset metadata. It
// never mutates the assets it is handed.
type Extractor struct {
	// The CRS footprints are normalized to. Only EPSG:4326 is supported
	// as a canonical CRS today.
	Canonical string
}

// NewExtractor returns an Extractor normalizing to the canonical CRS.
func NewExtractor() *Extractor {

	return &Extractor{
		Canonical: CanonicalCRS,
	}
}

// Extract derives a Footprint for a. The source bucket is consulted only
// when the sidecar metadata is insufficient (EXIF georeferences for
// geotagged photos, inline geometries for vector layers).
func (e *Extractor) Extract(ctx context.Context, bucket *blob.Bucket, a *asset.RawAsset) (Footprint, error) {

	if e.Canonical != CanonicalCRS {
		return Footprint{}, NewError(a.Path, fmt.Sprintf("Unsupported canonical CRS %s", e.Canonical), nil)
	}

	var fp Footprint
	var err error

	switch a.Type {
	case asset.Raster:
		fp, err = e.extractRaster(ctx, bucket, a)
	case asset.Vector:
		fp, err = e.extractVector(ctx, bucket, a)
	case asset.Tile:
		fp, err = e.extractTile(ctx, a)
	case asset.Annotation:
		fp, err = e.extractAnnotation(ctx, a)
	default:
		err = NewError(a.Path, fmt.Sprintf("Unknown asset type '%s'", a.Type), nil)
	}

	if err != nil {
		return Footprint{}, err
	}

	err = fp.Validate()

	if err != nil {
		return Footprint{}, NewError(a.Path, "Validation failed", err)
	}

	return fp, nil
}

func (e *Extractor) extractRaster(ctx context.Context, bucket *blob.Bucket, a *asset.RawAsset) (Footprint, error) {

	// A sidecar carrying only temporal keys still leaves the EXIF path
	// open for a geotagged photo.

	if len(a.Metadata) > 0 && hasGeoreference(a.Metadata) {

		geom, err := geometryFromMetadata(a.Path, a.Metadata)

		if err != nil {
			return Footprint{}, err
		}

		start, end, err := e.window(a)

		if err != nil {
			return Footprint{}, err
		}

		return Footprint{Geometry: geom, Start: start, End: end}, nil
	}

	if a.IsImage() {
		return e.extractExif(ctx, bucket, a)
	}

	return Footprint{}, NewError(a.Path, "Missing georeference metadata", nil)
}

func (e *Extractor) extractVector(ctx context.Context, bucket *blob.Bucket, a *asset.RawAsset) (Footprint, error) {

	body := a.Metadata

	if len(body) == 0 {

		// A vector layer is itself a GeoJSON document. Read it and treat
		// the document as the metadata.

		r, err := a.ContentReader(ctx, bucket)

		if err != nil {
			return Footprint{}, NewError(a.Path, "Failed to read vector content", err)
		}

		defer r.Close()

		body, err = io.ReadAll(r)

		if err != nil {
			return Footprint{}, NewError(a.Path, "Failed to read vector content", err)
		}
	}

	geom, err := geometryFromMetadata(a.Path, body)

	if err != nil {
		return Footprint{}, err
	}

	start, end, err := e.windowFromMetadata(a, body)

	if err != nil {
		return Footprint{}, err
	}

	return Footprint{Geometry: geom, Start: start, End: end}, nil
}

func (e *Extractor) extractTile(ctx context.Context, a *asset.RawAsset) (Footprint, error) {

	z, x, y, err := tileCoordinates(a)

	if err != nil {
		return Footprint{}, err
	}

	t := maptile.New(x, y, maptile.Zoom(z))

	start, end, err := e.window(a)

	if err != nil {
		return Footprint{}, err
	}

	return Footprint{
		Geometry: t.Bound().ToPolygon(),
		Start:    start,
		End:      end,
	}, nil
}

func (e *Extractor) extractAnnotation(ctx context.Context, a *asset.RawAsset) (Footprint, error) {

	if len(a.Metadata) == 0 {
		return Footprint{}, NewError(a.Path, "Annotation is missing metadata", nil)
	}

	geom, err := geometryFromMetadata(a.Path, a.Metadata)

	if err != nil {
		return Footprint{}, err
	}

	start, end, err := e.window(a)

	if err != nil {
		return Footprint{}, err
	}

	return Footprint{Geometry: geom, Start: start, End: end}, nil
}

// geometryFromMetadata derives a geometry, in the canonical CRS, from a
// JSON metadata document. Recognized properties, in order of preference:
// "geometry" (GeoJSON), "corners" (a ring of [x, y] positions), "bbox"
// ([minx, miny, maxx, maxy]). The geometry's source CRS is read from
// "crs" or "srid" and defaults to the canonical CRS.
func geometryFromMetadata(path string, body []byte) (orb.Geometry, error) {

	var geom orb.Geometry

	geom_rsp := gjson.GetBytes(body, "geometry")

	bbox_rsp := gjson.GetBytes(body, "bbox")
	corners_rsp := gjson.GetBytes(body, "corners")

	switch {
	case geom_rsp.Exists():

		g, err := geojson.UnmarshalGeometry([]byte(geom_rsp.Raw))

		if err != nil {
			return nil, NewError(path, "Malformed GeoJSON geometry", err)
		}

		geom = g.Geometry()

	case corners_rsp.Exists():

		ring := make(orb.Ring, 0)

		for _, pt := range corners_rsp.Array() {

			pos := pt.Array()

			if len(pos) != 2 {
				return nil, NewError(path, "Malformed corner position", nil)
			}

			ring = append(ring, orb.Point{pos[0].Float(), pos[1].Float()})
		}

		if len(ring) < 3 {
			return nil, NewError(path, "Corner ring has fewer than three positions", nil)
		}

		if !ring.Closed() {
			ring = append(ring, ring[0])
		}

		geom = orb.Polygon{ring}

	case bbox_rsp.Exists():

		pos := bbox_rsp.Array()

		if len(pos) != 4 {
			return nil, NewError(path, "Malformed bbox", nil)
		}

		b := orb.Bound{
			Min: orb.Point{pos[0].Float(), pos[1].Float()},
			Max: orb.Point{pos[2].Float(), pos[3].Float()},
		}

		geom = b.ToPolygon()

	default:
		return nil, NewError(path, "Missing georeference metadata", nil)
	}

	crs := crsFromMetadata(body)

	return normalizeCRS(path, geom, crs)
}

// hasGeoreference reports whether a metadata document carries any of
// the recognized georeference properties.
func hasGeoreference(body []byte) bool {

	for _, path := range []string{"geometry", "corners", "bbox"} {

		if gjson.GetBytes(body, path).Exists() {
			return true
		}
	}

	return false
}

// crsFromMetadata reads a CRS identifier from metadata, normalizing
// numeric SRIDs to the EPSG:<code> form.
func crsFromMetadata(body []byte) string {

	crs_rsp := gjson.GetBytes(body, "crs")

	if crs_rsp.Exists() {
		return strings.ToUpper(crs_rsp.String())
	}

	srid_rsp := gjson.GetBytes(body, "srid")

	if srid_rsp.Exists() {
		return fmt.Sprintf("EPSG:%s", srid_rsp.String())
	}

	return CanonicalCRS
}

// normalizeCRS reprojects geom from crs to the canonical CRS.
func normalizeCRS(path string, geom orb.Geometry, crs string) (orb.Geometry, error) {

	switch crs {
	case CanonicalCRS, "CRS:84", "":
		return geom, nil
	case "EPSG:3857", "EPSG:900913":
		return project.Geometry(geom, project.Mercator.ToWGS84), nil
	default:
		return nil, NewError(path, fmt.Sprintf("Unresolvable CRS '%s'", crs), nil)
	}
}

// window derives the temporal interval for a from its metadata, falling
// back to the filename date convention.
func (e *Extractor) window(a *asset.RawAsset) (time.Time, time.Time, error) {
	return e.windowFromMetadata(a, a.Metadata)
}

func (e *Extractor) windowFromMetadata(a *asset.RawAsset, body []byte) (time.Time, time.Time, error) {

	if len(body) > 0 {

		start_rsp := gjson.GetBytes(body, "start")
		end_rsp := gjson.GetBytes(body, "end")

		if start_rsp.Exists() {

			start, err := parseTime(start_rsp.String())

			if err != nil {
				return time.Time{}, time.Time{}, NewError(a.Path, "Malformed start time", err)
			}

			end := start

			if end_rsp.Exists() {

				end, err = parseTime(end_rsp.String())

				if err != nil {
					return time.Time{}, time.Time{}, NewError(a.Path, "Malformed end time", err)
				}
			}

			return start, end, nil
		}

		acquired_rsp := gjson.GetBytes(body, "acquired_at")

		if acquired_rsp.Exists() {

			t, err := parseTime(acquired_rsp.String())

			if err != nil {
				return time.Time{}, time.Time{}, NewError(a.Path, "Malformed acquired_at time", err)
			}

			return t, t, nil
		}
	}

	t, ok := parseNameDate(a.Path)

	if !ok {
		return time.Time{}, time.Time{}, NewError(a.Path, "Missing capture time", nil)
	}

	return t, t, nil
}

func parseTime(s string) (time.Time, error) {

	t, err := time.Parse(time.RFC3339, s)

	if err == nil {
		return t.UTC(), nil
	}

	t, err = time.Parse("2006-01-02", s)

	if err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("Unrecognized time format '%s'", s)
}

// parseNameDate parses a YYMMDD_ filename prefix in to a UTC date.
func parseNameDate(path string) (time.Time, bool) {

	name := filepath.Base(path)

	m := re_namedate.FindStringSubmatch(name)

	if m == nil {
		return time.Time{}, false
	}

	yy, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	dd, _ := strconv.Atoi(m[3])

	return time.Date(2000+yy, time.Month(mm), dd, 0, 0, 0, 0, time.UTC), true
}

// tileCoordinates derives z/x/y tile coordinates from sidecar metadata
// or, failing that, from a .../z/x/y.ext path layout.
func tileCoordinates(a *asset.RawAsset) (uint32, uint32, uint32, error) {

	if len(a.Metadata) > 0 {

		z_rsp := gjson.GetBytes(a.Metadata, "tile.z")
		x_rsp := gjson.GetBytes(a.Metadata, "tile.x")
		y_rsp := gjson.GetBytes(a.Metadata, "tile.y")

		if z_rsp.Exists() && x_rsp.Exists() && y_rsp.Exists() {
			return uint32(z_rsp.Uint()), uint32(x_rsp.Uint()), uint32(y_rsp.Uint()), nil
		}
	}

	parts := strings.Split(a.Path, "/")

	if len(parts) < 3 {
		return 0, 0, 0, NewError(a.Path, "Unable to derive tile coordinates", nil)
	}

	base := strings.TrimSuffix(parts[len(parts)-1], filepath.Ext(parts[len(parts)-1]))

	z, z_err := strconv.ParseUint(parts[len(parts)-3], 10, 32)
	x, x_err := strconv.ParseUint(parts[len(parts)-2], 10, 32)
	y, y_err := strconv.ParseUint(base, 10, 32)

	if z_err != nil || x_err != nil || y_err != nil {
		return 0, 0, 0, NewError(a.Path, "Unable to derive tile coordinates", nil)
	}

	return uint32(z), uint32(x), uint32(y), nil
}
