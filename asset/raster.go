package asset

import (
	"github.com/tidwall/gjson"
)

// RasterInfo carries descriptive raster properties lifted from sidecar
// metadata. These are informational; nothing in the catalog depends on
// them being present.
type RasterInfo struct {
	// The raster's width, in pixels.
	PixelWidth int `json:"pixel_width,omitempty"`
	// The raster's height, in pixels.
	PixelHeight int `json:"pixel_height,omitempty"`
	// The number of bands in the raster.
	BandCount int `json:"band_count,omitempty"`
	// The data type of the raster's representative band, as a readable
	// string (for example "UInt16").
	DataType string `json:"dtype,omitempty"`
	// The nodata value of the representative band, as a string.
	NoData string `json:"nodata,omitempty"`
	// The raster's source CRS identifier, before normalization.
	SourceCRS string `json:"crs,omitempty"`
}

// RasterInfoFromMetadata lifts raster properties out of a sidecar
// metadata document. Returns nil when none of the recognized properties
// are present.
func RasterInfoFromMetadata(body []byte) *RasterInfo {

	if len(body) == 0 {
		return nil
	}

	info := &RasterInfo{
		PixelWidth:  int(gjson.GetBytes(body, "pixel_width").Int()),
		PixelHeight: int(gjson.GetBytes(body, "pixel_height").Int()),
		BandCount:   int(gjson.GetBytes(body, "band_count").Int()),
		DataType:    gjson.GetBytes(body, "dtype").String(),
		NoData:      gjson.GetBytes(body, "nodata").String(),
		SourceCRS:   gjson.GetBytes(body, "crs").String(),
	}

	if *info == (RasterInfo{}) {
		return nil
	}

	return info
}
