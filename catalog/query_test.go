package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/sfomuseum/go-metamosaic/tiling"
	"github.com/stretchr/testify/require"
)

func collect(ctx context.Context, t *testing.T, c *Catalog, f *QueryFilter) []*QueryResult {

	results := make([]*QueryResult, 0)

	err := c.Query(ctx, f, func(ctx context.Context, r *QueryResult) error {
		results = append(results, r)
		return nil
	})

	require.NoError(t, err)
	return results
}

func TestQuerySpatial(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	near := tiling.Cell{Col: 0, Row: 0, Bucket: 657}
	far := tiling.Cell{Col: 500, Row: 500, Bucket: 657}

	for _, cell := range []tiling.Cell{near, far} {
		_, _, err := c.FindOrCreateMetamosaic(ctx, testMetamosaicProto(cell))
		require.NoError(t, err)
	}

	window := orb.Bound{Min: orb.Point{0.001, 0.001}, Max: orb.Point{0.009, 0.009}}

	results := collect(ctx, t, c, &QueryFilter{Spatial: &window})
	require.Len(t, results, 1)
	require.Equal(t, MetamosaicPK(near, 1), results[0].Metamosaic.PK)
}

func TestQueryTemporal(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	early := testMetamosaicProto(tiling.Cell{Col: 0, Row: 0, Bucket: 657})

	late := testMetamosaicProto(tiling.Cell{Col: 0, Row: 0, Bucket: 700})
	late.WindowStart = early.WindowStart.Add(365 * 24 * time.Hour)
	late.WindowEnd = late.WindowStart.Add(30 * 24 * time.Hour)

	for _, proto := range []*Metamosaic{early, late} {
		_, _, err := c.FindOrCreateMetamosaic(ctx, proto)
		require.NoError(t, err)
	}

	// An instant inside the early window.
	instant := early.WindowStart.Add(time.Hour)

	results := collect(ctx, t, c, &QueryFilter{TemporalStart: &instant})
	require.Len(t, results, 1)
	require.Equal(t, MetamosaicPK(early.Cell, 1), results[0].Metamosaic.PK)

	// A range spanning both windows.
	end := late.WindowEnd

	results = collect(ctx, t, c, &QueryFilter{TemporalStart: &instant, TemporalEnd: &end})
	require.Len(t, results, 2)

	// The half-open window: a query starting exactly at the early
	// window's end does not match it.
	boundary := early.WindowEnd

	results = collect(ctx, t, c, &QueryFilter{TemporalStart: &boundary})
	require.Empty(t, results)

	// An end with no start matches everything before the end.
	cutoff := early.WindowEnd

	results = collect(ctx, t, c, &QueryFilter{TemporalEnd: &cutoff})
	require.Len(t, results, 1)
	require.Equal(t, MetamosaicPK(early.Cell, 1), results[0].Metamosaic.PK)
}

func TestQueryComposedFilters(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	match := testMetamosaicProto(tiling.Cell{Col: 0, Row: 0, Bucket: 657})

	wrong_place := testMetamosaicProto(tiling.Cell{Col: 500, Row: 500, Bucket: 657})

	wrong_time := testMetamosaicProto(tiling.Cell{Col: 0, Row: 1, Bucket: 700})
	wrong_time.WindowStart = match.WindowStart.Add(365 * 24 * time.Hour)
	wrong_time.WindowEnd = wrong_time.WindowStart.Add(30 * 24 * time.Hour)

	for _, proto := range []*Metamosaic{match, wrong_place, wrong_time} {
		_, _, err := c.FindOrCreateMetamosaic(ctx, proto)
		require.NoError(t, err)
	}

	window := orb.Bound{Min: orb.Point{0.0, 0.0}, Max: orb.Point{0.05, 0.05}}
	instant := match.WindowStart.Add(time.Hour)

	results := collect(ctx, t, c, &QueryFilter{Spatial: &window, TemporalStart: &instant})
	require.Len(t, results, 1)
	require.Equal(t, MetamosaicPK(match.Cell, 1), results[0].Metamosaic.PK)
}

func TestQueryContentAddress(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	b := orb.Bound{Min: orb.Point{0.002, 0.002}, Max: orb.Point{0.008, 0.008}}

	rec, _, err := c.UpsertAssetRecord(ctx, testAssetRecord("asset-1", "sha256:aaaa", b))
	require.NoError(t, err)

	results := collect(ctx, t, c, &QueryFilter{ContentAddress: "sha256:aaaa"})
	require.Len(t, results, 1)
	require.Nil(t, results[0].Metamosaic)
	require.Equal(t, rec.PK, results[0].Asset.PK)

	results = collect(ctx, t, c, &QueryFilter{ContentAddress: "sha256:absent"})
	require.Empty(t, results)
}

func TestQueryUnfiltered(t *testing.T) {

	ctx := context.Background()
	c := testCatalog(t)

	for i := int64(0); i < 3; i++ {
		_, _, err := c.FindOrCreateMetamosaic(ctx, testMetamosaicProto(tiling.Cell{Col: i, Row: 0, Bucket: 657}))
		require.NoError(t, err)
	}

	results := collect(ctx, t, c, nil)
	require.Len(t, results, 3)
}
