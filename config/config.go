package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sfomuseum/go-metamosaic/dedup"
	"github.com/sfomuseum/go-metamosaic/footprint"
	"github.com/sfomuseum/go-metamosaic/relate"
	"github.com/sfomuseum/go-metamosaic/tiling"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "720h" or "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {

	var s string

	err := value.Decode(&s)

	if err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)

	if err != nil {
		return fmt.Errorf("Failed to parse duration '%s', %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Config is the recognized configuration surface for the metamosaic
// tools.
type Config struct {
	Tiling     TilingConfig     `yaml:"tiling"`
	CRS        CRSConfig        `yaml:"crs"`
	Versioning VersioningConfig `yaml:"versioning"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Worker     WorkerConfig     `yaml:"worker"`
	Storage    StorageConfig    `yaml:"storage"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

// TilingConfig parameterizes the tiling scheme.
type TilingConfig struct {
	// The spatial cell size, in degrees of the canonical CRS.
	CellSize float64 `yaml:"cell_size"`
	// The temporal bucket width.
	BucketWidth Duration `yaml:"bucket_width"`
	// The spatial buffer allowed around a cell's extent, in degrees.
	Buffer float64 `yaml:"buffer"`
}

// CRSConfig names the canonical coordinate reference system.
type CRSConfig struct {
	Canonical string `yaml:"canonical"`
}

// VersioningConfig selects the metamosaic versioning policy.
type VersioningConfig struct {
	Policy string `yaml:"policy"`
}

// DedupConfig selects the content address digest function.
type DedupConfig struct {
	HashAlgorithm string `yaml:"hash_algorithm"`
}

// WorkerConfig bounds the ingestion worker pool.
type WorkerConfig struct {
	PoolSize int `yaml:"pool_size"`
}

// StorageConfig names the source and archive buckets, as
// gocloud.dev/blob URIs.
type StorageConfig struct {
	SourceURI  string `yaml:"source_uri"`
	ArchiveURI string `yaml:"archive_uri"`
}

// CatalogConfig locates the catalog store.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is supplied:
// roughly 1km cells, 30 day buckets, sha256 addressing and an
// append-mode ingest with a small pool.
func Default() *Config {

	return &Config{
		Tiling: TilingConfig{
			CellSize:    0.01,
			BucketWidth: Duration(30 * 24 * time.Hour),
			Buffer:      0.0,
		},
		CRS: CRSConfig{
			Canonical: footprint.CanonicalCRS,
		},
		Versioning: VersioningConfig{
			Policy: string(relate.PolicyAppend),
		},
		Dedup: DedupConfig{
			HashAlgorithm: string(dedup.SHA256),
		},
		Worker: WorkerConfig{
			PoolSize: 8,
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {

	cfg := Default()

	body, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("Failed to read config %s, %w", path, err)
	}

	err = yaml.Unmarshal(body, cfg)

	if err != nil {
		return nil, fmt.Errorf("Failed to parse config %s, %w", path, err)
	}

	err = cfg.Validate()

	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration's invariants.
func (c *Config) Validate() error {

	if c.CRS.Canonical != footprint.CanonicalCRS {
		return fmt.Errorf("Unsupported canonical CRS '%s', only %s is supported", c.CRS.Canonical, footprint.CanonicalCRS)
	}

	err := c.Scheme().Validate()

	if err != nil {
		return fmt.Errorf("Invalid tiling parameters, %w", err)
	}

	_, err = relate.ParsePolicy(c.Versioning.Policy)

	if err != nil {
		return err
	}

	_, err = dedup.ParseAlgorithm(c.Dedup.HashAlgorithm)

	if err != nil {
		return err
	}

	if c.Worker.PoolSize < 1 {
		return fmt.Errorf("Worker pool size must be at least 1")
	}

	return nil
}

// Scheme returns the tiling scheme described by the configuration.
func (c *Config) Scheme() tiling.Scheme {

	return tiling.Scheme{
		CellSize:    c.Tiling.CellSize,
		BucketWidth: time.Duration(c.Tiling.BucketWidth),
		Buffer:      c.Tiling.Buffer,
	}
}

// Policy returns the configured versioning policy.
func (c *Config) Policy() relate.Policy {

	p, _ := relate.ParsePolicy(c.Versioning.Policy)
	return p
}

// HashAlgorithm returns the configured digest algorithm.
func (c *Config) HashAlgorithm() dedup.Algorithm {

	a, _ := dedup.ParseAlgorithm(c.Dedup.HashAlgorithm)
	return a
}
