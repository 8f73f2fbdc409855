package asset

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
)

// Type is the tag assigned to a raw asset, derived from its filename
// or declared in its sidecar metadata.
type Type string

const (
	// Raster denotes a georeferenced raster image (GeoTIFF, COG, geotagged photo).
	Raster Type = "raster"
	// Vector denotes a vector layer (GeoJSON and friends).
	Vector Type = "vector"
	// Tile denotes a single z/x/y map tile.
	Tile Type = "tile"
	// Annotation denotes a file annotating some other extent (reports, masks, sidecar documents).
	Annotation Type = "annotation"
)

// ParseType parses a string label in to a known asset Type.
func ParseType(s string) (Type, error) {

	switch strings.ToLower(s) {
	case "raster":
		return Raster, nil
	case "vector":
		return Vector, nil
	case "tile":
		return Tile, nil
	case "annotation":
		return Annotation, nil
	default:
		return "", fmt.Errorf("Unknown asset type '%s'", s)
	}
}

// RawAsset is the ephemeral, pre-catalog form of a discovered asset. It
// exists only for the duration of an ingestion unit.
type RawAsset struct {
	// The key of the asset within its source bucket.
	Path string `json:"path"`
	// The tagged asset variant.
	Type Type `json:"type"`
	// Raw sidecar metadata (JSON), if any was discovered next to the asset.
	Metadata []byte `json:"metadata,omitempty"`
	// The size of the asset, in bytes, as reported by the source bucket.
	Size int64 `json:"size"`
}

// ID returns a deterministic identifier for the asset derived from its
// source path (a v5 UUID in the URL namespace). Re-scanning the same
// bucket yields the same identifiers.
func (a *RawAsset) ID() string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(a.Path)).String()
}

// ContentReader returns a reader over the asset's canonical byte content
// as stored in bucket. The caller is responsible for closing the reader.
func (a *RawAsset) ContentReader(ctx context.Context, bucket *blob.Bucket) (io.ReadCloser, error) {

	r, err := bucket.NewReader(ctx, a.Path, nil)

	if err != nil {
		return nil, fmt.Errorf("Failed to open reader for %s, %w", a.Path, err)
	}

	return r, nil
}

// TypeForPath derives an asset Type from a path's filename extension.
// Returns false if the extension does not map to a known asset type.
func TypeForPath(path string) (Type, bool) {

	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff", ".jpg", ".jpeg", ".png":
		return Raster, true
	case ".geojson":
		return Vector, true
	case ".mvt", ".pbf":
		return Tile, true
	case ".json":
		return Annotation, true
	default:
		return "", false
	}
}

// IsImage reports whether the asset is a plain raster image that Go's
// image package can decode (as opposed to a GeoTIFF or other container).
func (a *RawAsset) IsImage() bool {

	switch strings.ToLower(filepath.Ext(a.Path)) {
	case ".jpg", ".jpeg", ".png":
		return true
	default:
		return false
	}
}
