package common

import (
	"context"
	"fmt"
	"image"

	"github.com/corona10/goimagehash"
	"gocloud.dev/blob"
)

// ImageHashes generates advisory perceptual hashes for an image stored
// in a blob.Bucket instance, keyed by approach ("avg", "diff"). These
// are recorded on asset records for later near-duplicate review; exact
// deduplication only ever uses content addresses.
func ImageHashes(ctx context.Context, bucket *blob.Bucket, im_path string) (map[string]string, error) {

	r, err := bucket.NewReader(ctx, im_path, nil)

	if err != nil {
		return nil, fmt.Errorf("Failed to create reader for %s, %w", im_path, err)
	}

	defer r.Close()

	im, _, err := image.Decode(r)

	if err != nil {
		return nil, fmt.Errorf("Failed to decode image from %s, %w", im_path, err)
	}

	avg, err := goimagehash.AverageHash(im)

	if err != nil {
		return nil, fmt.Errorf("Failed to compute average hash for %s, %w", im_path, err)
	}

	diff, err := goimagehash.DifferenceHash(im)

	if err != nil {
		return nil, fmt.Errorf("Failed to compute difference hash for %s, %w", im_path, err)
	}

	hashes := map[string]string{
		"avg":  avg.ToString(),
		"diff": diff.ToString(),
	}

	return hashes, nil
}
