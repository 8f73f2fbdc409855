package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/paulmach/orb"
	"github.com/sfomuseum/go-metamosaic/footprint"
	"github.com/sfomuseum/go-metamosaic/tiling"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {

	ctx := context.Background()

	c, err := Open(ctx, &Options{InMemory: true})
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
	})

	return c
}

func testWindow() (time.Time, time.Time) {

	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.Add(30 * 24 * time.Hour)
}

func testMetamosaicProto(cell tiling.Cell) *Metamosaic {

	start, end := testWindow()

	b := orb.Bound{
		Min: orb.Point{float64(cell.Col) * 0.01, float64(cell.Row) * 0.01},
		Max: orb.Point{float64(cell.Col+1) * 0.01, float64(cell.Row+1) * 0.01},
	}

	return &Metamosaic{
		Cell:        cell,
		Version:     1,
		Extent:      NewExtent(b),
		WindowStart: start,
		WindowEnd:   end,
	}
}

func testAssetRecord(pk string, address string, b orb.Bound) *AssetRecord {

	start, _ := testWindow()

	return &AssetRecord{
		PK:             pk,
		ContentAddress: address,
		SourcePath:     pk + ".tif",
		Type:           "raster",
		Footprint: footprint.Footprint{
			Geometry: b.ToPolygon(),
			Start:    start,
			End:      start,
		},
	}
}

func TestFindOrCreateMetamosaicExactlyOnce(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	proto := testMetamosaicProto(tiling.Cell{Col: 3, Row: 7, Bucket: 657})

	workers := 16

	var created_count int64
	pks := make([]string, workers)
	errs := make([]error, workers)

	wg := new(sync.WaitGroup)
	wg.Add(workers)

	for i := 0; i < workers; i++ {

		go func(i int) {

			defer wg.Done()

			mm, created, err := c.FindOrCreateMetamosaic(ctx, proto)

			if err != nil {
				errs[i] = err
				return
			}

			if created {
				atomic.AddInt64(&created_count, 1)
			}

			pks[i] = mm.PK
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int64(1), created_count)

	for _, pk := range pks {
		require.Equal(t, pks[0], pk)
	}

	mm, err := c.Metamosaic(ctx, pks[0])
	require.NoError(t, err)
	require.Equal(t, uint64(1), mm.Version)
	require.False(t, mm.CreatedAt.IsZero())
}

func TestLatestVersion(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	cell := tiling.Cell{Col: 1, Row: 1, Bucket: 657}

	_, found, err := c.LatestVersion(ctx, cell.ID())
	require.NoError(t, err)
	require.False(t, found)

	for v := uint64(1); v <= 3; v++ {

		proto := testMetamosaicProto(cell)
		proto.Version = v

		_, created, err := c.FindOrCreateMetamosaic(ctx, proto)
		require.NoError(t, err)
		require.True(t, created)
	}

	latest, found, err := c.LatestVersion(ctx, cell.ID())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(3), latest)
}

func TestUpsertAssetRecordIdempotent(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	b := orb.Bound{Min: orb.Point{0.002, 0.002}, Max: orb.Point{0.008, 0.008}}

	first, created, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-1", "sha256:aaaa", b))
	require.NoError(t, err)
	require.True(t, created)
	require.False(t, first.IngestedAt.IsZero())

	// A second record with the same content address returns the first
	// record unchanged, whatever its own primary key says.
	second, created, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-2", "sha256:aaaa", b))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.PK, second.PK)

	looked_up, err := c.AssetByContentAddress(ctx, "sha256:aaaa")
	require.NoError(t, err)
	require.Equal(t, first.PK, looked_up.PK)

	absent, err := c.AssetByContentAddress(ctx, "sha256:bbbb")
	require.NoError(t, err)
	require.Nil(t, absent)
}

func TestUpsertAssetRecordSupersededContentAddress(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	b := orb.Bound{Min: orb.Point{0.002, 0.002}, Max: orb.Point{0.008, 0.008}}

	_, created, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-1", "sha256:aaaa", b))
	require.NoError(t, err)
	require.True(t, created)

	// The same path re-ingested with changed bytes.
	_, created, err = c.UpsertAssetRecord(ctx, testAssetRecord("asset-1", "sha256:bbbb", b))
	require.NoError(t, err)
	require.True(t, created)

	// The superseded content address no longer resolves.
	stale, err := c.AssetByContentAddress(ctx, "sha256:aaaa")
	require.NoError(t, err)
	require.Nil(t, stale)

	current, err := c.AssetByContentAddress(ctx, "sha256:bbbb")
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, "asset-1", current.PK)
	require.Equal(t, "sha256:bbbb", current.ContentAddress)

	report, err := c.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Violations)
}

func TestVerifyIntegrityStaleContentIndex(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	b := orb.Bound{Min: orb.Point{0.002, 0.002}, Max: orb.Point{0.008, 0.008}}

	_, _, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-1", "sha256:aaaa", b))
	require.NoError(t, err)

	// Plant an index entry pointing at an asset whose content address
	// disagrees with the index key.
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefix_content+"sha256:zzzz"), []byte("asset-1"))
	})
	require.NoError(t, err)

	report, err := c.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	require.Contains(t, report.Violations[0], "sha256:zzzz")
}

func TestUpsertAssetRecordRequiresContentAddress(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0.01, 0.01}}

	_, _, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-1", "", b))
	require.Error(t, err)

	var i_err *IntegrityError
	require.ErrorAs(t, err, &i_err)
}

func TestAddRelationIntegrity(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	cell := tiling.Cell{Col: 0, Row: 0, Bucket: 657}

	mm, _, err := c.FindOrCreateMetamosaic(ctx, testMetamosaicProto(cell))
	require.NoError(t, err)

	// Both endpoints must exist.
	err = c.AddRelation(ctx, "no-such-asset", mm.PK, 1.0)
	require.Error(t, err)

	var i_err *IntegrityError
	require.ErrorAs(t, err, &i_err)

	b := orb.Bound{Min: orb.Point{0.002, 0.002}, Max: orb.Point{0.008, 0.008}}

	rec, _, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-1", "sha256:aaaa", b))
	require.NoError(t, err)

	err = c.AddRelation(ctx, rec.PK, "no-such-metamosaic", 1.0)
	require.ErrorAs(t, err, &i_err)

	// A footprint disjoint from the metamosaic extent is refused.
	far := orb.Bound{Min: orb.Point{10.0, 10.0}, Max: orb.Point{10.01, 10.01}}

	far_rec, _, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-2", "sha256:bbbb", far))
	require.NoError(t, err)

	err = c.AddRelation(ctx, far_rec.PK, mm.PK, 1.0)
	require.ErrorAs(t, err, &i_err)
}

func TestAddRelationCoverage(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	cell := tiling.Cell{Col: 0, Row: 0, Bucket: 657}

	mm, _, err := c.FindOrCreateMetamosaic(ctx, testMetamosaicProto(cell))
	require.NoError(t, err)

	b1 := orb.Bound{Min: orb.Point{0.002, 0.002}, Max: orb.Point{0.005, 0.005}}

	rec1, _, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-1", "sha256:aaaa", b1))
	require.NoError(t, err)

	err = c.AddRelation(ctx, rec1.PK, mm.PK, 1.0)
	require.NoError(t, err)

	reloaded, err := c.Metamosaic(ctx, mm.PK)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Coverage)
	require.Equal(t, NewExtent(b1), *reloaded.Coverage)

	// A second member grows the coverage to the union, clipped to the
	// buffered extent.
	b2 := orb.Bound{Min: orb.Point{0.006, 0.006}, Max: orb.Point{0.009, 0.009}}

	rec2, _, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-2", "sha256:bbbb", b2))
	require.NoError(t, err)

	err = c.AddRelation(ctx, rec2.PK, mm.PK, 1.0)
	require.NoError(t, err)

	reloaded, err = c.Metamosaic(ctx, mm.PK)
	require.NoError(t, err)

	cov := reloaded.Coverage.Bound()
	require.InDelta(t, 0.002, cov.Min[0], 1e-12)
	require.InDelta(t, 0.009, cov.Max[0], 1e-12)

	// The containment invariant: coverage never escapes the buffered
	// extent.
	buffered := reloaded.BufferedBound()
	require.True(t, buffered.Contains(cov.Min))
	require.True(t, buffered.Contains(cov.Max))

	// Relations are readable from both directions.
	rels, err := c.RelationsForMetamosaic(ctx, mm.PK)
	require.NoError(t, err)
	require.Len(t, rels, 2)

	rels, err = c.RelationsForAsset(ctx, rec1.PK)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.Equal(t, mm.PK, rels[0].MetamosaicPK)
}

func TestAttachLabelAppendOnly(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	b := orb.Bound{Min: orb.Point{0.002, 0.002}, Max: orb.Point{0.008, 0.008}}

	rec, _, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-1", "sha256:aaaa", b))
	require.NoError(t, err)

	label := &LabelRecord{
		TargetType: TargetAsset,
		TargetPK:   rec.PK,
		LabelSet:   "landcover",
		Version:    1,
		Payload:    []byte(`{"class": "forest"}`),
	}

	attached, err := c.AttachLabel(ctx, label)
	require.NoError(t, err)
	require.False(t, attached.CreatedAt.IsZero())

	// The same version can not be attached twice.
	_, err = c.AttachLabel(ctx, label)
	require.ErrorIs(t, err, ErrLabelVersionExists)

	// A new version appends.
	label2 := *label
	label2.Version = 2
	label2.Payload = []byte(`{"class": "meadow"}`)

	_, err = c.AttachLabel(ctx, &label2)
	require.NoError(t, err)

	labels, err := c.Labels(ctx, TargetAsset, rec.PK)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	require.Equal(t, uint64(1), labels[0].Version)
	require.Equal(t, uint64(2), labels[1].Version)

	// Labels can not dangle.
	orphan := &LabelRecord{
		TargetType: TargetAsset,
		TargetPK:   "no-such-asset",
		LabelSet:   "landcover",
		Version:    1,
	}

	_, err = c.AttachLabel(ctx, orphan)
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestCheckpoints(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	last, err := c.Checkpoint(ctx, "ingest")
	require.NoError(t, err)
	require.Equal(t, "", last)

	err = c.SaveCheckpoint(ctx, "ingest", "asset-42")
	require.NoError(t, err)

	last, err = c.Checkpoint(ctx, "ingest")
	require.NoError(t, err)
	require.Equal(t, "asset-42", last)
}

func TestDeadLetters(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	err := c.ParkDeadLetter(ctx, &DeadLetter{
		AssetID:  "asset-1",
		Path:     "imagery/scene.tif",
		Reason:   "storage write failed",
		Attempts: 3,
	})
	require.NoError(t, err)

	parked, err := c.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	require.Equal(t, "asset-1", parked[0].AssetID)
	require.False(t, parked[0].ParkedAt.IsZero())
}

func TestConflicts(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	cell := tiling.Cell{Col: 0, Row: 0, Bucket: 657}

	err := c.RecordConflict(ctx, &Conflict{
		AssetPK:      "asset-1",
		Cell:         cell,
		MetamosaicPK: MetamosaicPK(cell, 1),
		Reason:       "cell extent mismatch",
	})
	require.NoError(t, err)

	conflicts, err := c.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "asset-1", conflicts[0].AssetPK)
}

func TestReindexAndVerify(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	for i := 0; i < 3; i++ {

		cell := tiling.Cell{Col: int64(i), Row: 0, Bucket: 657}

		mm, _, err := c.FindOrCreateMetamosaic(ctx, testMetamosaicProto(cell))
		require.NoError(t, err)

		b := orb.Bound{
			Min: orb.Point{float64(i) * 0.01, 0.002},
			Max: orb.Point{float64(i)*0.01 + 0.008, 0.008},
		}

		rec, _, err := c.UpsertAssetRecord(ctx, testAssetRecord(fmt.Sprintf("asset-%d", i), fmt.Sprintf("sha256:%04d", i), b))
		require.NoError(t, err)

		err = c.AddRelation(ctx, rec.PK, mm.PK, 1.0)
		require.NoError(t, err)
	}

	err := c.Reindex(ctx)
	require.NoError(t, err)

	report, err := c.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Metamosaics)
	require.Equal(t, 3, report.Assets)
	require.Equal(t, 3, report.Relations)
	require.Empty(t, report.Violations)
}
