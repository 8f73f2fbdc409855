package label

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/sfomuseum/go-metamosaic/footprint"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func testStore(t *testing.T) (*Store, *catalog.AssetRecord) {

	ctx := context.Background()

	c, err := catalog.Open(ctx, &catalog.Options{InMemory: true})
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
	})

	t0 := time.Date(2024, time.January, 19, 0, 0, 0, 0, time.UTC)

	rec := &catalog.AssetRecord{
		PK:             "asset-1",
		ContentAddress: "sha256:aaaa",
		SourcePath:     "imagery/scene.tif",
		Type:           "raster",
		Footprint: footprint.Footprint{
			Geometry: orb.Point{-106.65, 39.15},
			Start:    t0,
			End:      t0,
		},
	}

	committed, _, err := c.UpsertAssetRecord(ctx, rec)
	require.NoError(t, err)

	return NewStore(c), committed
}

func TestAttachStampsPayload(t *testing.T) {

	ctx := context.Background()
	s, rec := testStore(t)

	attached, err := s.Attach(ctx, catalog.TargetAsset, rec.PK, "landcover", 1, []byte(`{"class": "forest"}`))
	require.NoError(t, err)

	require.Equal(t, "forest", gjson.GetBytes(attached.Payload, "class").String())
	require.Equal(t, "landcover", gjson.GetBytes(attached.Payload, "label:set").String())
	require.Equal(t, uint64(1), gjson.GetBytes(attached.Payload, "label:version").Uint())
}

func TestAttachValidation(t *testing.T) {

	ctx := context.Background()
	s, rec := testStore(t)

	_, err := s.Attach(ctx, catalog.TargetAsset, rec.PK, "", 1, nil)
	require.Error(t, err)

	_, err = s.Attach(ctx, catalog.TargetAsset, rec.PK, "landcover", 0, nil)
	require.Error(t, err)

	_, err = s.Attach(ctx, catalog.TargetAsset, rec.PK, "landcover", 1, []byte(`not json`))
	require.Error(t, err)

	var unknown *UnknownTargetError

	_, err = s.Attach(ctx, catalog.TargetAsset, "no-such-asset", "landcover", 1, nil)
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "no-such-asset", unknown.TargetPK)
}

func TestAttachAppendOnly(t *testing.T) {

	ctx := context.Background()
	s, rec := testStore(t)

	_, err := s.Attach(ctx, catalog.TargetAsset, rec.PK, "landcover", 1, []byte(`{"class": "forest"}`))
	require.NoError(t, err)

	// Re-attaching the same version never overwrites.
	_, err = s.Attach(ctx, catalog.TargetAsset, rec.PK, "landcover", 1, []byte(`{"class": "meadow"}`))
	require.Error(t, err)

	labels, err := s.Catalog.Labels(ctx, catalog.TargetAsset, rec.PK)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	require.Equal(t, "forest", gjson.GetBytes(labels[0].Payload, "class").String())
}

func TestNextVersion(t *testing.T) {

	ctx := context.Background()
	s, rec := testStore(t)

	v, err := s.NextVersion(ctx, catalog.TargetAsset, rec.PK, "landcover")
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)

	_, err = s.Attach(ctx, catalog.TargetAsset, rec.PK, "landcover", v, nil)
	require.NoError(t, err)

	v, err = s.NextVersion(ctx, catalog.TargetAsset, rec.PK, "landcover")
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	// Versions are scoped per label set.
	v, err = s.NextVersion(ctx, catalog.TargetAsset, rec.PK, "quality")
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
}
