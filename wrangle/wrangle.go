package wrangle

// Normalize where an asset's bytes live: a deterministic canonical path
// derived from its catalog record, and an idempotent write to the
// storage collaborator. The catalog commit happens only after this
// write succeeds, so a failure here never leaves a partially committed
// asset behind.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/sfomuseum/go-metamosaic/catalog"
	"gocloud.dev/blob"
)

// StorageError wraps a storage collaborator failure that survived the
// retry budget. Assets failing this way are parked dead-letter rather
// than dropped.
type StorageError struct {
	// The canonical path the write was aimed at.
	Path string
	// How many attempts were made.
	Attempts int

	err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("Storage write to %s failed after %d attempts, %v", e.Path, e.Attempts, e.err)
}

func (e *StorageError) Unwrap() error {
	return e.err
}

// CanonicalPathFor derives the canonical storage path for an asset
// record. The path is a pure function of the record's fields, so
// re-wrangling the same record always lands on the same object.
func CanonicalPathFor(rec *catalog.AssetRecord) string {

	address := strings.ReplaceAll(rec.ContentAddress, ":", "-")
	ext := filepath.Ext(rec.SourcePath)

	t := rec.Footprint.Start.UTC()

	return fmt.Sprintf("%s/%04d/%02d/%s%s", rec.Type, t.Year(), int(t.Month()), address, ext)
}

// Writer copies asset bytes to their canonical path in the archive
// bucket with bounded retries.
type Writer struct {
	// The archive bucket written to.
	Bucket *blob.Bucket
	// The total number of attempts before giving up. Defaults to 3.
	MaxAttempts int
}

// NewWriter returns a Writer with the default retry budget.
func NewWriter(bucket *blob.Bucket) *Writer {

	return &Writer{
		Bucket:      bucket,
		MaxAttempts: 3,
	}
}

// Write copies the bytes produced by open to rec's canonical path and
// returns the storage reference. Idempotent: if the canonical path
// already holds an object it is left alone, since the content address
// embedded in the path guarantees the bytes match. Transient failures
// are retried with exponential backoff; exhaustion returns a
// *StorageError.
func (w *Writer) Write(ctx context.Context, rec *catalog.AssetRecord, open func(context.Context) (io.ReadCloser, error)) (string, error) {

	path := CanonicalPathFor(rec)

	attempts := 0

	op := func() error {

		attempts += 1

		exists, err := w.Bucket.Exists(ctx, path)

		if err != nil {
			return err
		}

		if exists {
			return nil
		}

		r, err := open(ctx)

		if err != nil {
			return err
		}

		defer r.Close()

		wr, err := w.Bucket.NewWriter(ctx, path, nil)

		if err != nil {
			return err
		}

		_, err = io.Copy(wr, r)

		if err != nil {
			wr.Close()
			return err
		}

		return wr.Close()
	}

	max_attempts := w.MaxAttempts

	if max_attempts <= 0 {
		max_attempts = 3
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max_attempts-1))
	bo = backoff.WithContext(bo, ctx)

	err := backoff.Retry(op, bo)

	if err != nil {

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}

		return "", &StorageError{Path: path, Attempts: attempts, err: err}
	}

	return path, nil
}

// Read opens the bytes behind a storage reference produced by Write.
func Read(ctx context.Context, bucket *blob.Bucket, storage_ref string) (io.ReadCloser, error) {

	r, err := bucket.NewReader(ctx, storage_ref, nil)

	if err != nil {
		return nil, fmt.Errorf("Failed to open storage reference %s, %w", storage_ref, err)
	}

	return r, nil
}
