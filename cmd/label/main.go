// label attaches a versioned annotation to an asset record or a
// metamosaic. The payload is read from -payload or from STDIN. With
// -version 0 the next version in the lineage is assigned.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/sfomuseum/go-metamosaic/label"
)

func main() {

	catalog_path := flag.String("catalog", "", "The path to the catalog database.")
	target_type := flag.String("target-type", "asset", "The kind of record to label (asset, metamosaic).")
	target_pk := flag.String("target-pk", "", "The primary key of the record to label.")
	label_set := flag.String("label-set", "", "The label set the label belongs to.")
	version := flag.Uint64("version", 0, "The label version. Zero assigns the next version in the lineage.")
	payload := flag.String("payload", "", "The JSON payload. Read from STDIN when empty.")
	list := flag.Bool("list", false, "Print the target's label lineage instead of attaching.")

	flag.Parse()

	if *catalog_path == "" {
		log.Fatalf("Missing -catalog flag")
	}

	if *target_pk == "" {
		log.Fatalf("Missing -target-pk flag")
	}

	var tt catalog.TargetType

	switch *target_type {
	case "asset":
		tt = catalog.TargetAsset
	case "metamosaic":
		tt = catalog.TargetMetamosaic
	default:
		log.Fatalf("Unknown target type '%s'", *target_type)
	}

	ctx := context.Background()

	cat, err := catalog.Open(ctx, catalog.DefaultOptions(*catalog_path))

	if err != nil {
		log.Fatalf("Failed to open catalog, %v", err)
	}

	defer cat.Close()

	if *list {

		labels, err := cat.Labels(ctx, tt, *target_pk)

		if err != nil {
			log.Fatalf("Failed to list labels, %v", err)
		}

		for _, l := range labels {

			enc, err := json.Marshal(l)

			if err != nil {
				log.Fatalf("Failed to marshal label, %v", err)
			}

			fmt.Println(string(enc))
		}

		return
	}

	if *label_set == "" {
		log.Fatalf("Missing -label-set flag")
	}

	body := []byte(*payload)

	if len(body) == 0 {

		body, err = io.ReadAll(os.Stdin)

		if err != nil {
			log.Fatalf("Failed to read payload from STDIN, %v", err)
		}
	}

	store := label.NewStore(cat)

	v := *version

	if v == 0 {

		v, err = store.NextVersion(ctx, tt, *target_pk, *label_set)

		if err != nil {
			log.Fatalf("Failed to resolve next label version, %v", err)
		}
	}

	rec, err := store.Attach(ctx, tt, *target_pk, *label_set, v, body)

	if err != nil {
		log.Fatalf("Failed to attach label, %v", err)
	}

	enc, err := json.Marshal(rec)

	if err != nil {
		log.Fatalf("Failed to marshal label, %v", err)
	}

	fmt.Println(string(enc))
}
