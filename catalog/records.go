package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/sfomuseum/go-metamosaic/asset"
	"github.com/sfomuseum/go-metamosaic/footprint"
	"github.com/sfomuseum/go-metamosaic/tiling"
)

// Extent is a bounding box in the canonical CRS, stored as
// [minx, miny, maxx, maxy].
type Extent [4]float64

// NewExtent returns the Extent for b.
func NewExtent(b orb.Bound) Extent {
	return Extent{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// Bound returns e as an orb.Bound.
func (e Extent) Bound() orb.Bound {

	return orb.Bound{
		Min: orb.Point{e[0], e[1]},
		Max: orb.Point{e[2], e[3]},
	}
}

// Metamosaic is the primary catalog entity: a datacube grouping every
// asset that shares a tile cell and temporal bucket. Metamosaics are
// created exactly once per (cell, version) pair and are only ever
// mutated through the catalog's atomic operations.
type Metamosaic struct {
	// The metamosaic's primary key, derived from its cell and version.
	PK string `json:"pk"`
	// The tile cell the metamosaic occupies.
	Cell tiling.Cell `json:"cell"`
	// The metamosaic's monotonic version for its cell.
	Version uint64 `json:"version"`
	// The spatial extent of the metamosaic's cell at creation time.
	Extent Extent `json:"extent"`
	// How far, in degrees, member footprints may extend past the extent.
	Buffer float64 `json:"buffer"`
	// The union of the member assets' footprints, clipped to the
	// buffered extent. Nil until the first relation is added.
	Coverage *Extent `json:"coverage,omitempty"`
	// The start of the metamosaic's temporal window (inclusive).
	WindowStart time.Time `json:"window_start"`
	// The end of the metamosaic's temporal window (exclusive).
	WindowEnd time.Time `json:"window_end"`
	// When the metamosaic was created.
	CreatedAt time.Time `json:"created_at"`
}

// MetamosaicPK derives the primary key for a (cell, version) pair. The
// version is zero-padded so that keys for a cell sort by version.
func MetamosaicPK(cell tiling.Cell, version uint64) string {
	return fmt.Sprintf("%s@%08d", cell.ID(), version)
}

// BufferedBound returns the metamosaic's extent extended by its buffer.
func (m *Metamosaic) BufferedBound() orb.Bound {

	b := m.Extent.Bound()

	return orb.Bound{
		Min: orb.Point{b.Min[0] - m.Buffer, b.Min[1] - m.Buffer},
		Max: orb.Point{b.Max[0] + m.Buffer, b.Max[1] + m.Buffer},
	}
}

// AssetRecord is the durable, catalog-committed form of a raw asset.
// Records are unique on their content address.
type AssetRecord struct {
	// The record's primary key (the raw asset's deterministic ID).
	PK string `json:"pk"`
	// The digest of the asset's canonical byte content, prefixed with
	// the digest algorithm, for example "sha256:ab12...".
	ContentAddress string `json:"content_address"`
	// The asset's normalized footprint.
	Footprint footprint.Footprint `json:"footprint"`
	// The opaque handle returned by the storage collaborator.
	StorageRef string `json:"storage_ref"`
	// The path the asset was discovered at.
	SourcePath string `json:"source_path"`
	// The tagged asset variant.
	Type asset.Type `json:"type"`
	// Descriptive raster properties, when the asset is a raster.
	Raster *asset.RasterInfo `json:"raster,omitempty"`
	// Advisory perceptual hashes for plain raster images. These are
	// never used for deduplication, only recorded for later review.
	ImageHashes map[string]string `json:"image_hashes,omitempty"`
	// When the record was committed to the catalog.
	IngestedAt time.Time `json:"ingested_at"`
}

// Relation is a membership edge between an asset record and a
// metamosaic. An asset whose footprint spans multiple cells belongs to
// multiple metamosaics.
type Relation struct {
	// The primary key of the member asset.
	AssetPK string `json:"asset_pk"`
	// The primary key of the metamosaic.
	MetamosaicPK string `json:"metamosaic_pk"`
	// The fraction of the asset's footprint falling inside the
	// metamosaic's cell, in the range (0, 1].
	OverlapFraction float64 `json:"overlap_fraction"`
	// When the relation was created.
	CreatedAt time.Time `json:"created_at"`
}

// TargetType names the kind of record a label is attached to.
type TargetType string

const (
	// TargetAsset labels an asset record.
	TargetAsset TargetType = "asset"
	// TargetMetamosaic labels a metamosaic.
	TargetMetamosaic TargetType = "metamosaic"
)

// LabelRecord is a versioned annotation attached to an asset record or
// a metamosaic. Labels never mutate in place; new versions are appended.
type LabelRecord struct {
	// The kind of record the label is attached to.
	TargetType TargetType `json:"target_type"`
	// The primary key of the labeled record.
	TargetPK string `json:"target_pk"`
	// The name of the label set this label belongs to.
	LabelSet string `json:"label_set"`
	// The label's version within its (target, label set) lineage.
	Version uint64 `json:"version"`
	// The label payload (JSON).
	Payload json.RawMessage `json:"payload"`
	// When the label was attached.
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetter records an asset parked after exhausting its retry budget,
// pending manual handling.
type DeadLetter struct {
	// The deterministic ID of the parked asset.
	AssetID string `json:"asset_id"`
	// The path the asset was discovered at.
	Path string `json:"path"`
	// Why the asset was parked.
	Reason string `json:"reason"`
	// How many attempts were made before parking.
	Attempts int `json:"attempts"`
	// When the asset was parked.
	ParkedAt time.Time `json:"parked_at"`
}

// Conflict records an (asset, cell) pair whose relation would have
// required merging metamosaics that were not designed to merge, for
// example after the tiling grid changed between runs. Conflicts are
// queued for manual review and never resolved automatically.
type Conflict struct {
	// The primary key of the asset whose relation was refused.
	AssetPK string `json:"asset_pk"`
	// The cell the asset's footprint mapped to.
	Cell tiling.Cell `json:"cell"`
	// The primary key of the existing, incompatible metamosaic.
	MetamosaicPK string `json:"metamosaic_pk"`
	// Why the relation was refused.
	Reason string `json:"reason"`
	// When the conflict was recorded.
	RecordedAt time.Time `json:"recorded_at"`
}

// IntegrityError signals a dangling reference or a divergence between
// the catalog's tables and indexes. It is fatal for the transaction
// that encountered it.
type IntegrityError struct {
	// The catalog operation that failed.
	Op string
	// The record reference that failed the check.
	Ref string
	// Why the check failed.
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("Integrity violation in %s for %s: %s", e.Op, e.Ref, e.Reason)
}
