// relate re-runs the relation engine over every asset record in the
// catalog. Run it with -policy new-version after changing the tiling
// scheme, or with the default policy to complete relations left behind
// by a partially failed ingestion run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/sfomuseum/go-metamosaic/config"
	op "github.com/sfomuseum/go-metamosaic/operations/relate"
	"github.com/sfomuseum/go-metamosaic/relate"
)

func main() {

	config_path := flag.String("config", "", "An optional path to a YAML config file.")
	catalog_path := flag.String("catalog", "", "The path to the catalog database.")
	policy := flag.String("policy", "", "The versioning policy (append, new-version).")
	pool_size := flag.Int("pool-size", 0, "How many assets to relate concurrently.")

	flag.Parse()

	cfg := config.Default()

	if *config_path != "" {

		var err error
		cfg, err = config.Load(*config_path)

		if err != nil {
			log.Fatalf("Failed to load config, %v", err)
		}
	}

	if *catalog_path != "" {
		cfg.Catalog.Path = *catalog_path
	}

	if *policy != "" {
		cfg.Versioning.Policy = *policy
	}

	if *pool_size > 0 {
		cfg.Worker.PoolSize = *pool_size
	}

	if cfg.Catalog.Path == "" {
		log.Fatalf("Missing -catalog flag")
	}

	run_policy, err := relate.ParsePolicy(cfg.Versioning.Policy)

	if err != nil {
		log.Fatalf("Failed to parse versioning policy, %v", err)
	}

	ctx := context.Background()

	cat, err := catalog.Open(ctx, catalog.DefaultOptions(cfg.Catalog.Path))

	if err != nil {
		log.Fatalf("Failed to open catalog, %v", err)
	}

	defer cat.Close()

	result, err := op.RelateAll(ctx, &op.Options{
		Catalog:  cat,
		Engine:   relate.NewEngine(cat, cfg.Scheme(), run_policy),
		PoolSize: cfg.Worker.PoolSize,
	})

	if err != nil {
		log.Printf("Re-relation run failed, %v", err)
		os.Exit(2)
	}

	fmt.Printf("assets\t%d\n", result.Assets)
	fmt.Printf("relations\t%d\n", result.Relations)
	fmt.Printf("conflicts\t%d\n", result.Conflicts)

	if result.Conflicts > 0 {
		os.Exit(1)
	}
}
