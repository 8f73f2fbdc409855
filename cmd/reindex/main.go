// reindex rebuilds the catalog's spatial and temporal indexes and
// verifies referential integrity.
//
// Exit status is 0 when the catalog is sound and 2 when verification
// found violations.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/sfomuseum/go-metamosaic/operations/reindex"
)

func main() {

	catalog_path := flag.String("catalog", "", "The path to the catalog database.")
	verify := flag.Bool("verify", true, "Verify referential integrity after rebuilding.")

	flag.Parse()

	if *catalog_path == "" {
		log.Fatalf("Missing -catalog flag")
	}

	ctx := context.Background()

	cat, err := catalog.Open(ctx, catalog.DefaultOptions(*catalog_path))

	if err != nil {
		log.Fatalf("Failed to open catalog, %v", err)
	}

	defer cat.Close()

	result, err := reindex.Reindex(ctx, &reindex.Options{
		Catalog: cat,
		Verify:  *verify,
	})

	if err != nil {
		log.Fatalf("Failed to reindex catalog, %v", err)
	}

	result.WriteReport(os.Stdout)

	if !result.Clean() {
		os.Exit(2)
	}
}
