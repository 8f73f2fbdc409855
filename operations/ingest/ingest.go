// Package ingest drives the end to end pipeline: discover raw assets in
// a source bucket, extract and normalize their footprints, deduplicate
// on content address, archive the bytes, commit asset records and
// attach them to metamosaics.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sfomuseum/go-metamosaic/asset"
	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/sfomuseum/go-metamosaic/common"
	"github.com/sfomuseum/go-metamosaic/dedup"
	"github.com/sfomuseum/go-metamosaic/footprint"
	"github.com/sfomuseum/go-metamosaic/label"
	"github.com/sfomuseum/go-metamosaic/metrics"
	"github.com/sfomuseum/go-metamosaic/operations/scan"
	"github.com/sfomuseum/go-metamosaic/relate"
	"github.com/sfomuseum/go-metamosaic/wrangle"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
)

// CheckpointName is the catalog checkpoint the pipeline saves its
// progress under.
const CheckpointName = "ingest"

// Options configure an ingestion run.
type Options struct {
	// The bucket raw assets are discovered in.
	Source *blob.Bucket
	// The catalog records are committed to.
	Catalog *catalog.Catalog
	// Extracts and normalizes footprints.
	Extractor *footprint.Extractor
	// Resolves content addresses against the catalog.
	Deduplicator *dedup.Deduplicator
	// Attaches committed records to metamosaics.
	Engine *relate.Engine
	// Archives asset bytes before the catalog commit.
	Writer *wrangle.Writer
	// Optional label store. When set together with LabelSet, each
	// committed asset gets a provenance label appended.
	Labels *label.Store
	// The label set provenance labels are appended to.
	LabelSet string
	// How many assets are processed concurrently.
	PoolSize int
	// Whether to resume from (and save) the catalog checkpoint.
	Checkpoint bool
	// Whether to compute advisory perceptual hashes for plain images.
	HashImages bool
	// Optional pipeline metrics.
	Metrics *metrics.PipelineMetrics
	// Optional logger. Defaults to slog.Default.
	Logger *slog.Logger
}

type unit struct {
	seq int
	a   *asset.RawAsset
}

// Pipeline processes discovered assets through a bounded worker pool.
// Per-asset failures are recorded in the run summary and never stop the
// run; cancelling the context stops the run between units.
type Pipeline struct {
	opts      *Options
	logger    *slog.Logger
	summary   *Summary
	watermark *watermark
	savedSeq  int
	saveMu    sync.Mutex
}

// NewPipeline returns a Pipeline for opts, or an error when a required
// collaborator is missing.
func NewPipeline(opts *Options) (*Pipeline, error) {

	switch {
	case opts.Source == nil:
		return nil, fmt.Errorf("Missing source bucket")
	case opts.Catalog == nil:
		return nil, fmt.Errorf("Missing catalog")
	case opts.Extractor == nil:
		return nil, fmt.Errorf("Missing footprint extractor")
	case opts.Deduplicator == nil:
		return nil, fmt.Errorf("Missing deduplicator")
	case opts.Engine == nil:
		return nil, fmt.Errorf("Missing relation engine")
	case opts.Writer == nil:
		return nil, fmt.Errorf("Missing storage writer")
	}

	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}

	logger := opts.Logger

	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		opts:      opts,
		logger:    logger,
		summary:   new(Summary),
		watermark: newWatermark(),
		savedSeq:  -1,
	}

	return p, nil
}

// Run scans the source bucket and processes every discovered asset.
// The returned summary enumerates every asset that did not commit
// cleanly. Run returns an error only when the scan itself fails, the
// resume checkpoint no longer appears in the source bucket or the
// context is cancelled; per-asset failures are summary entries.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {

	resume := ""

	if p.opts.Checkpoint {

		last, err := p.opts.Catalog.Checkpoint(ctx, CheckpointName)

		if err != nil {
			return nil, fmt.Errorf("Failed to read checkpoint, %w", err)
		}

		resume = last

		if resume != "" {
			p.logger.Info("Resuming from checkpoint", "asset", resume)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	unit_ch := make(chan *unit)

	g.Go(func() error {

		defer close(unit_ch)

		seq := 0
		passed := resume == ""

		cb := func(ctx context.Context, a *asset.RawAsset) error {

			if !passed {

				if a.ID() == resume {
					passed = true
				}

				return nil
			}

			u := &unit{seq: seq, a: a}
			seq += 1

			select {
			case unit_ch <- u:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err := scan.ScanBucket(gctx, p.opts.Source, &scan.Options{
			Callback: cb,
		})

		if err != nil {
			return fmt.Errorf("Failed to scan source bucket, %w", err)
		}

		if !passed {

			// The checkpointed asset is gone from the source bucket and
			// the whole scan was skipped waiting for it. Surfacing this
			// is better than reporting a clean empty run; clearing the
			// checkpoint is the operator's call.

			return fmt.Errorf("Checkpoint asset %s was not seen in the source bucket", resume)
		}

		return nil
	})

	for i := 0; i < p.opts.PoolSize; i++ {

		g.Go(func() error {

			for u := range unit_ch {

				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
					// pass
				}

				err := p.processUnit(gctx, u)

				if err != nil {
					return err
				}
			}

			return nil
		})
	}

	err := g.Wait()

	if err != nil {
		return p.summary, err
	}

	return p.summary, nil
}

func (p *Pipeline) processUnit(ctx context.Context, u *unit) error {

	t1 := time.Now()

	outcome, err := p.processAsset(ctx, u.a)

	if err != nil {
		return err
	}

	p.opts.Metrics.Observe(outcome, time.Since(t1).Seconds())

	id, seq, advanced := p.watermark.complete(u.seq, u.a.ID())

	if advanced && p.opts.Checkpoint {
		p.saveCheckpoint(ctx, id, seq)
	}

	return nil
}

// saveCheckpoint persists the watermark. Saves are serialized and an
// older watermark never overwrites a newer one.
func (p *Pipeline) saveCheckpoint(ctx context.Context, id string, seq int) {

	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	if seq <= p.savedSeq {
		return
	}

	err := p.opts.Catalog.SaveCheckpoint(ctx, CheckpointName, id)

	if err != nil {
		p.logger.Warn("Failed to save checkpoint", "asset", id, "error", err)
		return
	}

	p.savedSeq = seq
}

// processAsset runs one asset through the pipeline. Every failure mode
// maps to an outcome in the summary; the only error returned is a
// context cancellation, which stops the run.
func (p *Pipeline) processAsset(ctx context.Context, a *asset.RawAsset) (string, error) {

	logger := p.logger.With("path", a.Path, "id", a.ID())

	fp, err := p.opts.Extractor.Extract(ctx, p.opts.Source, a)

	if err != nil {

		if cancelled(err) {
			return "", err
		}

		var fp_err *footprint.Error

		if errors.As(err, &fp_err) {
			logger.Info("Skipping asset without a usable footprint", "reason", fp_err.Reason)
			p.summary.skip(a.ID(), a.Path, fp_err.Reason)
			return OutcomeSkipped, nil
		}

		logger.Warn("Failed to extract footprint", "error", err)
		p.summary.skip(a.ID(), a.Path, err.Error())
		return OutcomeSkipped, nil
	}

	res, err := p.opts.Deduplicator.Resolve(ctx, p.opts.Source, a.Path)

	if err != nil {

		if cancelled(err) {
			return "", err
		}

		logger.Warn("Failed to resolve content address", "error", err)
		p.summary.skip(a.ID(), a.Path, err.Error())
		return OutcomeSkipped, nil
	}

	if res.IsDuplicate() {
		logger.Debug("Skipping duplicate content", "existing", res.Existing.PK)
		p.summary.duplicate(a.ID(), a.Path, fmt.Sprintf("duplicate of %s", res.Existing.PK))
		return OutcomeDuplicate, nil
	}

	rec := &catalog.AssetRecord{
		PK:             a.ID(),
		ContentAddress: res.ContentAddress,
		Footprint:      fp,
		SourcePath:     a.Path,
		Type:           a.Type,
	}

	if a.Type == asset.Raster {
		rec.Raster = asset.RasterInfoFromMetadata(a.Metadata)
	}

	if p.opts.HashImages && a.IsImage() {

		hashes, err := common.ImageHashes(ctx, p.opts.Source, a.Path)

		if err != nil {
			// Perceptual hashes are advisory.
			logger.Warn("Failed to compute image hashes", "error", err)
		} else {
			rec.ImageHashes = hashes
		}
	}

	storage_ref, err := p.opts.Writer.Write(ctx, rec, func(ctx context.Context) (io.ReadCloser, error) {
		return a.ContentReader(ctx, p.opts.Source)
	})

	if err != nil {

		if cancelled(err) {
			return "", err
		}

		var st_err *wrangle.StorageError

		if errors.As(err, &st_err) {

			dl := &catalog.DeadLetter{
				AssetID:  a.ID(),
				Path:     a.Path,
				Reason:   st_err.Error(),
				Attempts: st_err.Attempts,
			}

			park_err := p.opts.Catalog.ParkDeadLetter(ctx, dl)

			if park_err != nil {
				logger.Error("Failed to park dead letter", "error", park_err)
			}

			logger.Warn("Parked asset after storage retries", "attempts", st_err.Attempts)
			p.summary.deadLetter(a.ID(), a.Path, st_err.Error())
			return OutcomeDeadLetter, nil
		}

		logger.Warn("Failed to archive asset", "error", err)
		p.summary.skip(a.ID(), a.Path, err.Error())
		return OutcomeSkipped, nil
	}

	rec.StorageRef = storage_ref

	committed, created, err := p.opts.Catalog.UpsertAssetRecord(ctx, rec)

	if err != nil {

		if cancelled(err) {
			return "", err
		}

		// An integrity error aborts this unit only.

		logger.Error("Failed to commit asset record", "error", err)
		p.summary.skip(a.ID(), a.Path, err.Error())
		return OutcomeSkipped, nil
	}

	if !created {
		logger.Debug("Content committed concurrently", "existing", committed.PK)
		p.summary.duplicate(a.ID(), a.Path, fmt.Sprintf("duplicate of %s", committed.PK))
		return OutcomeDuplicate, nil
	}

	rels, err := p.opts.Engine.Relate(ctx, committed)

	if err != nil {

		if cancelled(err) {
			return "", err
		}

		var cf_err *relate.ConflictError

		if errors.As(err, &cf_err) {
			logger.Warn("Relation conflict queued for review", "cell", cf_err.Cell.ID(), "metamosaic", cf_err.MetamosaicPK)
			p.summary.conflict(a.ID(), a.Path, cf_err.Reason)
			return OutcomeConflict, nil
		}

		// The record is committed but some relations are missing. A
		// re-relation run will complete them.

		logger.Error("Failed to relate asset", "error", err)
		p.summary.skip(a.ID(), a.Path, err.Error())
		return OutcomeSkipped, nil
	}

	if p.opts.Metrics != nil {
		p.opts.Metrics.RelationsCreated.Add(float64(len(rels)))
	}

	if p.opts.Labels != nil && p.opts.LabelSet != "" {

		err := p.attachProvenance(ctx, committed, len(rels))

		if err != nil {
			logger.Warn("Failed to attach provenance label", "error", err)
		}
	}

	logger.Debug("Committed asset", "relations", len(rels))
	p.summary.commit()

	return OutcomeCommitted, nil
}

func (p *Pipeline) attachProvenance(ctx context.Context, rec *catalog.AssetRecord, relations int) error {

	version, err := p.opts.Labels.NextVersion(ctx, catalog.TargetAsset, rec.PK, p.opts.LabelSet)

	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"source_path": rec.SourcePath,
		"storage_ref": rec.StorageRef,
		"relations":   relations,
	})

	if err != nil {
		return err
	}

	_, err = p.opts.Labels.Attach(ctx, catalog.TargetAsset, rec.PK, p.opts.LabelSet, version, payload)
	return err
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
