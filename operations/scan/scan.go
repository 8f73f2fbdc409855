package scan

import (
	"context"
	"io"
	"strings"

	"github.com/sfomuseum/go-metamosaic/asset"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// SidecarSuffix is appended to an asset's path to locate its sidecar
// metadata document, for example 240119_denver_ortho.tif.meta.json.
const SidecarSuffix = ".meta.json"

// CallbackFunc is invoked once per discovered raw asset, in bucket
// listing order. Returning an error stops the scan.
type CallbackFunc func(context.Context, *asset.RawAsset) error

// Options configure a scan.
type Options struct {
	// Invoked once per discovered asset.
	Callback CallbackFunc
	// How many of the largest files to track in the scan report. Zero
	// disables the report.
	TopN int
}

// ScanBucket walks every item stored in a blob.Bucket instance,
// classifies the files that look like geospatial assets, pairs them
// with their sidecar metadata and dispatches them to the callback.
// Listing order is stable for a given bucket, which is what makes
// checkpointed resumption possible downstream.
func ScanBucket(ctx context.Context, bucket *blob.Bucket, opts *Options) (*Stats, error) {

	stats := NewStats(opts.TopN)

	var list func(context.Context, *blob.Bucket, string) error

	list = func(ctx context.Context, b *blob.Bucket, prefix string) error {

		iter := b.List(&blob.ListOptions{
			Delimiter: "/",
			Prefix:    prefix,
		})

		for {

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				// pass
			}

			obj, err := iter.Next(ctx)

			if err == io.EOF {
				break
			}

			if err != nil {
				return err
			}

			if obj.IsDir {

				stats.Prefixes += 1

				err := list(ctx, b, obj.Key)

				if err != nil {
					return err
				}

				continue
			}

			if strings.HasSuffix(obj.Key, SidecarSuffix) {
				stats.Sidecars += 1
				continue
			}

			stats.addFile(obj.Key, obj.Size)

			a, err := RawAssetWithPath(ctx, bucket, obj.Key, obj.Size)

			if err != nil {
				return err
			}

			if a == nil {
				continue
			}

			stats.Assets += 1

			if opts.Callback != nil {

				err = opts.Callback(ctx, a)

				if err != nil {
					return err
				}
			}
		}

		return nil
	}

	err := list(ctx, bucket, "")

	if err != nil {
		return stats, err
	}

	return stats, nil
}

// RawAssetWithPath classifies the file at path and pairs it with its
// sidecar metadata, if any. Returns nil (and no error) for files that
// do not look like geospatial assets.
func RawAssetWithPath(ctx context.Context, bucket *blob.Bucket, path string, size int64) (*asset.RawAsset, error) {

	t, ok := asset.TypeForPath(path)

	if !ok {
		return nil, nil
	}

	a := &asset.RawAsset{
		Path: path,
		Type: t,
		Size: size,
	}

	meta, err := readSidecar(ctx, bucket, path+SidecarSuffix)

	if err != nil {
		return nil, err
	}

	a.Metadata = meta

	return a, nil
}

func readSidecar(ctx context.Context, bucket *blob.Bucket, key string) ([]byte, error) {

	r, err := bucket.NewReader(ctx, key, nil)

	if err != nil {

		// Sidecars are optional; only real read failures are errors.

		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}

		return nil, err
	}

	defer r.Close()

	return io.ReadAll(r)
}
