package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/sfomuseum/go-metamosaic/dedup"
	"github.com/sfomuseum/go-metamosaic/footprint"
	"github.com/sfomuseum/go-metamosaic/label"
	"github.com/sfomuseum/go-metamosaic/relate"
	"github.com/sfomuseum/go-metamosaic/tiling"
	"github.com/sfomuseum/go-metamosaic/wrangle"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

func testScheme() tiling.Scheme {

	return tiling.Scheme{
		CellSize:    0.01,
		BucketWidth: 30 * 24 * time.Hour,
	}
}

func testBuckets(t *testing.T) (*blob.Bucket, *blob.Bucket) {

	ctx := context.Background()

	source, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)

	archive, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)

	t.Cleanup(func() {
		source.Close()
		archive.Close()
	})

	return source, archive
}

func testPipelineOptions(t *testing.T, source *blob.Bucket, archive *blob.Bucket) (*Options, *catalog.Catalog) {

	ctx := context.Background()

	cat, err := catalog.Open(ctx, &catalog.Options{InMemory: true})
	require.NoError(t, err)

	t.Cleanup(func() {
		cat.Close()
	})

	opts := &Options{
		Source:       source,
		Catalog:      cat,
		Extractor:    footprint.NewExtractor(),
		Deduplicator: dedup.NewDeduplicator(cat, dedup.SHA256),
		Engine:       relate.NewEngine(cat, testScheme(), relate.PolicyAppend),
		Writer:       wrangle.NewWriter(archive),
		PoolSize:     2,
		Checkpoint:   true,
	}

	return opts, cat
}

func seedSource(t *testing.T, source *blob.Bucket) {

	ctx := context.Background()

	sidecar := `{"bbox": [-106.705, 39.105, -106.702, 39.108], "start": "2024-01-19"}`

	files := map[string]string{
		"240119_scene_a.tif":           "raster bytes alpha",
		"240119_scene_a.tif.meta.json": sidecar,
		"240119_scene_b.tif":           "raster bytes alpha",
		"240119_scene_b.tif.meta.json": sidecar,
		"999_unreferenced.tif":         "raster bytes beta",
	}

	for key, body := range files {
		err := source.WriteAll(ctx, key, []byte(body), nil)
		require.NoError(t, err)
	}
}

func TestPipelineRun(t *testing.T) {

	ctx := context.Background()

	source, archive := testBuckets(t)
	seedSource(t, source)

	opts, cat := testPipelineOptions(t, source, archive)

	p, err := NewPipeline(opts)
	require.NoError(t, err)

	summary, err := p.Run(ctx)
	require.NoError(t, err)

	// scene_a commits, scene_b is byte-identical content, the
	// unreferenced raster has no georeference at all.
	require.Equal(t, 1, summary.Committed)
	require.Len(t, summary.Duplicates, 1)
	require.Len(t, summary.Skipped, 1)
	require.True(t, summary.Clean())

	// The committed record is addressable by content and archived at
	// its storage reference.
	address, err := dedup.DigestBlob(ctx, dedup.SHA256, source, "240119_scene_a.tif")
	require.NoError(t, err)

	rec, err := cat.AssetByContentAddress(ctx, address)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotEmpty(t, rec.StorageRef)

	exists, err := archive.Exists(ctx, rec.StorageRef)
	require.NoError(t, err)
	require.True(t, exists)

	rels, err := cat.RelationsForAsset(ctx, rec.PK)
	require.NoError(t, err)
	require.NotEmpty(t, rels)
}

func TestPipelineCheckpointResume(t *testing.T) {

	ctx := context.Background()

	source, archive := testBuckets(t)
	seedSource(t, source)

	opts, cat := testPipelineOptions(t, source, archive)

	p, err := NewPipeline(opts)
	require.NoError(t, err)

	_, err = p.Run(ctx)
	require.NoError(t, err)

	// The checkpoint holds the last asset in discovery order.
	last, err := cat.Checkpoint(ctx, CheckpointName)
	require.NoError(t, err)
	require.NotEmpty(t, last)

	// A second run resumes past everything already processed.
	p2, err := NewPipeline(opts)
	require.NoError(t, err)

	summary, err := p2.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 0, summary.Committed)
	require.Empty(t, summary.Duplicates)
	require.Empty(t, summary.Skipped)
}

func TestPipelineResumeMarkerMissing(t *testing.T) {

	ctx := context.Background()

	source, archive := testBuckets(t)
	seedSource(t, source)

	opts, cat := testPipelineOptions(t, source, archive)

	// A checkpoint naming an asset that no longer exists in the source
	// bucket fails the run instead of silently skipping everything.
	err := cat.SaveCheckpoint(ctx, CheckpointName, "no-such-asset")
	require.NoError(t, err)

	p, err := NewPipeline(opts)
	require.NoError(t, err)

	_, err = p.Run(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no-such-asset")
}

func TestPipelineDeadLetter(t *testing.T) {

	ctx := context.Background()

	source, archive := testBuckets(t)

	sidecar := `{"bbox": [-106.705, 39.105, -106.702, 39.108], "start": "2024-01-19"}`

	err := source.WriteAll(ctx, "240119_scene_a.tif", []byte("raster bytes"), nil)
	require.NoError(t, err)

	err = source.WriteAll(ctx, "240119_scene_a.tif.meta.json", []byte(sidecar), nil)
	require.NoError(t, err)

	opts, cat := testPipelineOptions(t, source, archive)
	opts.Checkpoint = false
	opts.Writer.MaxAttempts = 1

	// A closed archive bucket fails every storage write.
	archive.Close()

	p, err := NewPipeline(opts)
	require.NoError(t, err)

	summary, err := p.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 0, summary.Committed)
	require.Len(t, summary.DeadLettered, 1)
	require.False(t, summary.Clean())

	parked, err := cat.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	require.Equal(t, "240119_scene_a.tif", parked[0].Path)

	// Nothing was committed: storage comes before the catalog.
	address, err := dedup.DigestBlob(ctx, dedup.SHA256, source, "240119_scene_a.tif")
	require.NoError(t, err)

	rec, err := cat.AssetByContentAddress(ctx, address)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestPipelineProvenanceLabels(t *testing.T) {

	ctx := context.Background()

	source, archive := testBuckets(t)
	seedSource(t, source)

	opts, cat := testPipelineOptions(t, source, archive)
	opts.Labels = label.NewStore(cat)
	opts.LabelSet = "provenance"

	p, err := NewPipeline(opts)
	require.NoError(t, err)

	_, err = p.Run(ctx)
	require.NoError(t, err)

	address, err := dedup.DigestBlob(ctx, dedup.SHA256, source, "240119_scene_a.tif")
	require.NoError(t, err)

	rec, err := cat.AssetByContentAddress(ctx, address)
	require.NoError(t, err)
	require.NotNil(t, rec)

	labels, err := cat.Labels(ctx, catalog.TargetAsset, rec.PK)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	require.Equal(t, "provenance", labels[0].LabelSet)
}
