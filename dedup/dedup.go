package dedup

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/zeebo/blake3"
	"gocloud.dev/blob"
)

// Algorithm names a supported content digest function.
type Algorithm string

const (
	// SHA1 is retained for compatibility with fingerprints produced by
	// earlier tooling.
	SHA1 Algorithm = "sha1"
	// SHA256 is the default content address algorithm.
	SHA256 Algorithm = "sha256"
	// BLAKE3 is the fast option for large rasters.
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm parses a string label in to a known Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {

	switch strings.ToLower(s) {
	case "sha1":
		return SHA1, nil
	case "sha256", "":
		return SHA256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("Unknown digest algorithm '%s'", s)
	}
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {

	switch a {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("Unknown digest algorithm '%s'", a)
	}
}

// Digest consumes r and returns the content address of its bytes, in
// the form "<algorithm>:<hex>". Identical byte content always yields an
// identical address, regardless of ingestion order, which is what makes
// re-ingestion idempotent.
func Digest(alg Algorithm, r io.Reader) (string, error) {

	h, err := alg.New()

	if err != nil {
		return "", err
	}

	_, err = io.Copy(h, r)

	if err != nil {
		return "", fmt.Errorf("Failed to digest content, %w", err)
	}

	return fmt.Sprintf("%s:%s", alg, hex.EncodeToString(h.Sum(nil))), nil
}

// DigestBlob returns the content address of a file stored in a
// blob.Bucket instance.
func DigestBlob(ctx context.Context, alg Algorithm, bucket *blob.Bucket, path string) (string, error) {

	fh, err := bucket.NewReader(ctx, path, nil)

	if err != nil {
		return "", fmt.Errorf("Failed to open %s for reading, %w", path, err)
	}

	defer fh.Close()

	return Digest(alg, fh)
}

// Resolution classifies an asset's content as new or a duplicate of
// content already in the catalog.
type Resolution struct {
	// The asset's content address.
	ContentAddress string
	// The already-cataloged record carrying the same content address,
	// or nil when the content is new. Only exact, byte-identical
	// duplication is detected here; perceptually-similar content is not.
	Existing *catalog.AssetRecord
}

// IsDuplicate reports whether the content is already cataloged.
func (r *Resolution) IsDuplicate() bool {
	return r.Existing != nil
}

// Deduplicator computes content addresses and probes the catalog's
// content-address unique index.
type Deduplicator struct {
	// The catalog whose unique index is probed.
	Catalog *catalog.Catalog
	// The digest algorithm addresses are computed with.
	Algorithm Algorithm
}

// NewDeduplicator returns a Deduplicator probing cat with alg.
func NewDeduplicator(cat *catalog.Catalog, alg Algorithm) *Deduplicator {

	return &Deduplicator{
		Catalog:   cat,
		Algorithm: alg,
	}
}

// Resolve digests the file at path in bucket and classifies it.
func (d *Deduplicator) Resolve(ctx context.Context, bucket *blob.Bucket, path string) (*Resolution, error) {

	address, err := DigestBlob(ctx, d.Algorithm, bucket, path)

	if err != nil {
		return nil, err
	}

	existing, err := d.Catalog.AssetByContentAddress(ctx, address)

	if err != nil {
		return nil, fmt.Errorf("Failed to probe content address %s, %w", address, err)
	}

	return &Resolution{
		ContentAddress: address,
		Existing:       existing,
	}, nil
}
