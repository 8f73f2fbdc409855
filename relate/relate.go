package relate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/sfomuseum/go-metamosaic/tiling"
)

// Policy controls how the engine picks a metamosaic version for a cell.
type Policy string

const (
	// PolicyAppend attaches assets to the cell's current version,
	// creating version 1 when the cell is empty.
	PolicyAppend Policy = "append"
	// PolicyNewVersion opens a fresh version for each cell touched by
	// the run, leaving the prior version's relations untouched. Used
	// when reprocessing.
	PolicyNewVersion Policy = "new-version"
)

// ParsePolicy parses a string label in to a known Policy.
func ParsePolicy(s string) (Policy, error) {

	switch strings.ToLower(s) {
	case "append", "":
		return PolicyAppend, nil
	case "new-version":
		return PolicyNewVersion, nil
	default:
		return "", fmt.Errorf("Unknown versioning policy '%s'", s)
	}
}

// ConflictError is returned when relating an asset would require
// merging metamosaics that were not designed to merge, typically
// because the tiling grid changed between runs. Conflicts are queued
// for manual review, never auto-resolved.
type ConflictError struct {
	// The primary key of the asset whose relation was refused.
	AssetPK string
	// The cell the asset's footprint mapped to.
	Cell tiling.Cell
	// The primary key of the existing, incompatible metamosaic.
	MetamosaicPK string
	// Why the relation was refused.
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("Relation conflict for asset %s in cell %s: %s", e.AssetPK, e.Cell.ID(), e.Reason)
}

// Engine attaches asset records to metamosaics. For each (asset, cell)
// pair it finds or creates the cell's metamosaic through the catalog's
// atomic operation and then creates the membership edge. The engine
// holds no cross-worker locks: all coordination is delegated to the
// catalog, so it is correct for any number of concurrent workers, in
// this process or others sharing the same catalog.
type Engine struct {
	// The catalog the engine reads and writes.
	Catalog *catalog.Catalog
	// The tiling scheme footprints are discretized with.
	Scheme tiling.Scheme
	// The versioning policy for this run.
	Policy Policy

	// Versions resolved for this run, keyed by cell ID. A new-version
	// run bumps each cell once, not once per asset.
	versions sync.Map
}

// NewEngine returns an Engine for one ingestion (or re-relation) run.
func NewEngine(cat *catalog.Catalog, scheme tiling.Scheme, policy Policy) *Engine {

	return &Engine{
		Catalog: cat,
		Scheme:  scheme,
		Policy:  policy,
	}
}

// Relate discretizes rec's footprint and creates one relation per
// intersecting cell, finding or creating each cell's metamosaic along
// the way. A *ConflictError is recorded in the catalog's review queue
// before being returned.
func (e *Engine) Relate(ctx context.Context, rec *catalog.AssetRecord) ([]*catalog.Relation, error) {

	cells, err := e.Scheme.CellsFor(rec.Footprint)

	if err != nil {
		return nil, fmt.Errorf("Failed to discretize footprint for %s, %w", rec.PK, err)
	}

	rels := make([]*catalog.Relation, 0, len(cells))

	for _, cell := range cells {

		rel, err := e.relateCell(ctx, rec, cell)

		if err != nil {
			return nil, err
		}

		rels = append(rels, rel)
	}

	return rels, nil
}

func (e *Engine) relateCell(ctx context.Context, rec *catalog.AssetRecord, cell tiling.Cell) (*catalog.Relation, error) {

	version, err := e.versionFor(ctx, cell)

	if err != nil {
		return nil, err
	}

	window_start, window_end := e.Scheme.BucketWindow(cell)

	proto := &catalog.Metamosaic{
		Cell:        cell,
		Version:     version,
		Extent:      catalog.NewExtent(e.Scheme.CellBound(cell)),
		Buffer:      e.Scheme.Buffer,
		WindowStart: window_start,
		WindowEnd:   window_end,
	}

	mm, created, err := e.Catalog.FindOrCreateMetamosaic(ctx, proto)

	if err != nil {
		return nil, fmt.Errorf("Failed to find or create metamosaic for cell %s, %w", cell.ID(), err)
	}

	if !created && mm.Extent != proto.Extent {

		// The cell's recorded extent disagrees with what the current
		// scheme computes. Attaching here would silently merge two
		// different grids, so escalate instead.

		conflict_err := &ConflictError{
			AssetPK:      rec.PK,
			Cell:         cell,
			MetamosaicPK: mm.PK,
			Reason:       fmt.Sprintf("cell extent %v does not match the scheme's %v", mm.Extent, proto.Extent),
		}

		record_err := e.Catalog.RecordConflict(ctx, &catalog.Conflict{
			AssetPK:      rec.PK,
			Cell:         cell,
			MetamosaicPK: mm.PK,
			Reason:       conflict_err.Reason,
		})

		if record_err != nil {
			return nil, fmt.Errorf("Failed to record relation conflict, %w", record_err)
		}

		return nil, conflict_err
	}

	overlap := overlapFraction(rec.Footprint.Geometry, mm.Extent.Bound())

	err = e.Catalog.AddRelation(ctx, rec.PK, mm.PK, overlap)

	if err != nil {
		return nil, err
	}

	return &catalog.Relation{
		AssetPK:         rec.PK,
		MetamosaicPK:    mm.PK,
		OverlapFraction: overlap,
	}, nil
}

// versionFor resolves the metamosaic version this run uses for a cell,
// caching the answer so repeated assets in the same cell agree.
func (e *Engine) versionFor(ctx context.Context, cell tiling.Cell) (uint64, error) {

	id := cell.ID()

	if v, ok := e.versions.Load(id); ok {
		return v.(uint64), nil
	}

	latest, found, err := e.Catalog.LatestVersion(ctx, id)

	if err != nil {
		return 0, err
	}

	var version uint64

	switch {
	case !found:
		version = 1
	case e.Policy == PolicyNewVersion:
		version = latest + 1
	default:
		version = latest
	}

	actual, _ := e.versions.LoadOrStore(id, version)
	return actual.(uint64), nil
}

// overlapFraction returns the fraction of the asset's footprint falling
// inside the cell's extent. Footprints with no area (points, lines)
// count as wholly inside any cell they intersect.
func overlapFraction(geom orb.Geometry, cell orb.Bound) float64 {

	total := planar.Area(geom)

	if total <= 0 {
		return 1.0
	}

	clipped := clip.Geometry(cell, orb.Clone(geom))

	if clipped == nil {
		return 0.0
	}

	frac := planar.Area(clipped) / total

	if frac < 0.0 {
		return 0.0
	}

	if frac > 1.0 {
		return 1.0
	}

	return frac
}
