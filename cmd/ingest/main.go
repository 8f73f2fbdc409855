// ingest runs the full pipeline: scan a source bucket, extract and
// normalize footprints, deduplicate on content address, archive asset
// bytes and commit records and relations to the catalog.
//
// Exit status is 0 for a clean run, 1 when any asset was dead-lettered
// or hit a relation conflict, and 2 when the run failed outright.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/sfomuseum/go-metamosaic/common"
	"github.com/sfomuseum/go-metamosaic/config"
	"github.com/sfomuseum/go-metamosaic/dedup"
	"github.com/sfomuseum/go-metamosaic/footprint"
	"github.com/sfomuseum/go-metamosaic/label"
	"github.com/sfomuseum/go-metamosaic/metrics"
	"github.com/sfomuseum/go-metamosaic/operations/ingest"
	"github.com/sfomuseum/go-metamosaic/relate"
	"github.com/sfomuseum/go-metamosaic/wrangle"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	_ "image/jpeg"
	_ "image/png"
)

func main() {

	config_path := flag.String("config", "", "An optional path to a YAML config file.")
	source_uri := flag.String("source-uri", "", "A valid gocloud.dev/blob URI to scan for assets.")
	archive_uri := flag.String("archive-uri", "", "A valid gocloud.dev/blob URI to archive asset bytes to.")
	catalog_path := flag.String("catalog", "", "The path to the catalog database.")
	pool_size := flag.Int("pool-size", 0, "How many assets to process concurrently.")
	policy := flag.String("policy", "", "The versioning policy (append, new-version).")
	checkpoint := flag.Bool("checkpoint", true, "Resume from (and save) the catalog checkpoint.")
	hash_images := flag.Bool("hash-images", false, "Compute advisory perceptual hashes for plain images.")
	label_set := flag.String("label-set", "", "An optional label set to append provenance labels to.")
	verbose := flag.Bool("verbose", false, "Enable debug logging.")

	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg := config.Default()

	if *config_path != "" {

		var err error
		cfg, err = config.Load(*config_path)

		if err != nil {
			log.Fatalf("Failed to load config, %v", err)
		}
	}

	if *source_uri != "" {
		cfg.Storage.SourceURI = *source_uri
	}

	if *archive_uri != "" {
		cfg.Storage.ArchiveURI = *archive_uri
	}

	if *catalog_path != "" {
		cfg.Catalog.Path = *catalog_path
	}

	if *pool_size > 0 {
		cfg.Worker.PoolSize = *pool_size
	}

	if *policy != "" {
		cfg.Versioning.Policy = *policy
	}

	if cfg.Storage.SourceURI == "" {
		log.Fatalf("Missing -source-uri flag")
	}

	if cfg.Storage.ArchiveURI == "" {
		log.Fatalf("Missing -archive-uri flag")
	}

	if cfg.Catalog.Path == "" {
		log.Fatalf("Missing -catalog flag")
	}

	run_policy, err := relate.ParsePolicy(cfg.Versioning.Policy)

	if err != nil {
		log.Fatalf("Failed to parse versioning policy, %v", err)
	}

	alg, err := dedup.ParseAlgorithm(cfg.Dedup.HashAlgorithm)

	if err != nil {
		log.Fatalf("Failed to parse hash algorithm, %v", err)
	}

	ctx := context.Background()

	source, err := common.OpenBucket(ctx, cfg.Storage.SourceURI)

	if err != nil {
		log.Fatalf("Failed to open source bucket, %v", err)
	}

	defer source.Close()

	archive, err := common.OpenBucket(ctx, cfg.Storage.ArchiveURI)

	if err != nil {
		log.Fatalf("Failed to open archive bucket, %v", err)
	}

	defer archive.Close()

	cat, err := catalog.Open(ctx, catalog.DefaultOptions(cfg.Catalog.Path))

	if err != nil {
		log.Fatalf("Failed to open catalog, %v", err)
	}

	defer cat.Close()

	p, err := ingest.NewPipeline(&ingest.Options{
		Source:       source,
		Catalog:      cat,
		Extractor:    footprint.NewExtractor(),
		Deduplicator: dedup.NewDeduplicator(cat, alg),
		Engine:       relate.NewEngine(cat, cfg.Scheme(), run_policy),
		Writer:       wrangle.NewWriter(archive),
		Labels:       label.NewStore(cat),
		LabelSet:     *label_set,
		PoolSize:     cfg.Worker.PoolSize,
		Checkpoint:   *checkpoint,
		HashImages:   *hash_images,
		Metrics:      metrics.NewPipelineMetrics(prometheus.DefaultRegisterer),
	})

	if err != nil {
		log.Fatalf("Failed to create pipeline, %v", err)
	}

	summary, err := p.Run(ctx)

	if err != nil {
		log.Printf("Ingestion run failed, %v", err)
		os.Exit(2)
	}

	summary.Report(os.Stdout)

	if !summary.Clean() {
		os.Exit(1)
	}
}
