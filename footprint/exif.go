package footprint

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/mknote"
	"github.com/sfomuseum/go-metamosaic/asset"
	"gocloud.dev/blob"
)

func init() {
	exif.RegisterParsers(mknote.All...)
}

// extractExif derives a point footprint and capture instant from a
// geotagged photo's EXIF block. Photos without a GPS block fail with a
// footprint Error; the extractor does not guess.
func (e *Extractor) extractExif(ctx context.Context, bucket *blob.Bucket, a *asset.RawAsset) (Footprint, error) {

	r, err := a.ContentReader(ctx, bucket)

	if err != nil {
		return Footprint{}, NewError(a.Path, "Failed to read image content", err)
	}

	defer r.Close()

	x, err := exif.Decode(r)

	if err != nil {
		return Footprint{}, NewError(a.Path, "Failed to decode EXIF block", err)
	}

	lat, lon, err := x.LatLong()

	if err != nil {
		return Footprint{}, NewError(a.Path, "Missing EXIF georeference", err)
	}

	t, err := x.DateTime()

	if err != nil {

		// Some cameras geotag without a clock. Fall back to the filename
		// date convention before giving up.

		named, ok := parseNameDate(a.Path)

		if !ok {
			return Footprint{}, NewError(a.Path, "Missing EXIF capture time", err)
		}

		t = named
	}

	t = t.UTC()

	return Footprint{
		Geometry: orb.Point{lon, lat},
		Start:    t,
		End:      t,
	}, nil
}
