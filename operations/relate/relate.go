// Package relate re-runs the relation engine over every asset record
// already committed to the catalog. This is how relations are rebuilt
// after a tiling scheme change (with a new-version policy) or completed
// after a partially failed ingestion run.
package relate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/sfomuseum/go-metamosaic/relate"
	"golang.org/x/sync/errgroup"
)

// Options configure a re-relation run.
type Options struct {
	// The catalog whose asset records are re-related.
	Catalog *catalog.Catalog
	// The engine assets are attached with.
	Engine *relate.Engine
	// How many assets are related concurrently.
	PoolSize int
	// Optional logger. Defaults to slog.Default.
	Logger *slog.Logger
}

// Result reports a re-relation run.
type Result struct {
	// How many asset records were processed.
	Assets int `json:"assets"`
	// How many relations were created.
	Relations int `json:"relations"`
	// How many assets hit a relation conflict. Each conflict is also
	// recorded in the catalog's review queue.
	Conflicts int `json:"conflicts"`
}

// RelateAll walks every asset record in the catalog and attaches it
// through the engine. Conflicts are counted and queued for review;
// other per-asset failures are collected and returned together after
// the walk completes.
func RelateAll(ctx context.Context, opts *Options) (*Result, error) {

	logger := opts.Logger

	if logger == nil {
		logger = slog.Default()
	}

	pool_size := opts.PoolSize

	if pool_size <= 0 {
		pool_size = 1
	}

	result := new(Result)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pool_size)

	var failed *multierror.Error

	results_ch := make(chan int)
	conflicts_ch := make(chan *relate.ConflictError)
	errors_ch := make(chan error)
	done_ch := make(chan struct{})

	go func() {

		defer close(done_ch)

		for {
			select {
			case n, ok := <-results_ch:

				if !ok {
					return
				}

				result.Assets += 1
				result.Relations += n

			case cf_err := <-conflicts_ch:

				result.Assets += 1
				result.Conflicts += 1

				logger.Warn("Relation conflict queued for review", "asset", cf_err.AssetPK, "cell", cf_err.Cell.ID())

			case err := <-errors_ch:

				result.Assets += 1
				failed = multierror.Append(failed, err)
			}
		}
	}()

	walk_err := opts.Catalog.Assets(ctx, func(ctx context.Context, rec *catalog.AssetRecord) error {

		select {
		case <-gctx.Done():
			return gctx.Err()
		default:
			// pass
		}

		g.Go(func() error {

			rels, err := opts.Engine.Relate(gctx, rec)

			if err != nil {

				var cf_err *relate.ConflictError

				if errors.As(err, &cf_err) {
					conflicts_ch <- cf_err
					return nil
				}

				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}

				errors_ch <- fmt.Errorf("Failed to relate asset %s, %w", rec.PK, err)
				return nil
			}

			results_ch <- len(rels)
			return nil
		})

		return nil
	})

	wait_err := g.Wait()
	close(results_ch)
	<-done_ch

	if walk_err != nil {
		return result, fmt.Errorf("Failed to walk asset records, %w", walk_err)
	}

	if wait_err != nil {
		return result, wait_err
	}

	return result, failed.ErrorOrNil()
}
