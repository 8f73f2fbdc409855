// scan walks a source bucket, classifies the geospatial assets it
// finds and prints a summary report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sfomuseum/go-metamosaic/asset"
	"github.com/sfomuseum/go-metamosaic/common"
	"github.com/sfomuseum/go-metamosaic/operations/scan"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
)

func main() {

	source_uri := flag.String("source-uri", "", "A valid gocloud.dev/blob URI to scan.")
	top_n := flag.Int("top-n", 10, "How many of the largest files to report. Zero disables the report.")
	list_assets := flag.Bool("list", false, "Print each discovered asset as a JSON record.")

	flag.Parse()

	if *source_uri == "" {
		log.Fatalf("Missing -source-uri flag")
	}

	ctx := context.Background()

	bucket, err := common.OpenBucket(ctx, *source_uri)

	if err != nil {
		log.Fatalf("Failed to open source bucket, %v", err)
	}

	defer bucket.Close()

	opts := &scan.Options{
		TopN: *top_n,
	}

	if *list_assets {

		opts.Callback = func(ctx context.Context, a *asset.RawAsset) error {

			enc, err := json.Marshal(a)

			if err != nil {
				return err
			}

			fmt.Println(string(enc))
			return nil
		}
	}

	stats, err := scan.ScanBucket(ctx, bucket, opts)

	if err != nil {
		log.Fatalf("Failed to scan %s, %v", *source_uri, err)
	}

	stats.Report(os.Stdout)
}
