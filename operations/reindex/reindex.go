// Package reindex rebuilds the catalog's derived indexes from its
// tables and verifies referential integrity.
package reindex

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/sfomuseum/go-metamosaic/catalog"
)

// Options configure a reindex run.
type Options struct {
	// The catalog to reindex.
	Catalog *catalog.Catalog
	// Whether to verify referential integrity after rebuilding.
	Verify bool
	// Optional logger. Defaults to slog.Default.
	Logger *slog.Logger
}

// Result reports a reindex run.
type Result struct {
	// The integrity report, when verification ran.
	Report *catalog.IntegrityReport `json:"report,omitempty"`
}

// Clean returns true when verification either did not run or found no
// violations.
func (r *Result) Clean() bool {
	return r.Report == nil || len(r.Report.Violations) == 0
}

// WriteReport writes a human-readable integrity report to w.
func (r *Result) WriteReport(w io.Writer) {

	if r.Report == nil {
		return
	}

	fmt.Fprintf(w, "metamosaics\t%d\n", r.Report.Metamosaics)
	fmt.Fprintf(w, "assets\t%d\n", r.Report.Assets)
	fmt.Fprintf(w, "relations\t%d\n", r.Report.Relations)
	fmt.Fprintf(w, "violations\t%d\n", len(r.Report.Violations))

	for _, v := range r.Report.Violations {
		fmt.Fprintf(w, "\t%s\n", v)
	}
}

// Reindex rebuilds the catalog's spatial and temporal indexes and, when
// asked, verifies that tables and indexes agree.
func Reindex(ctx context.Context, opts *Options) (*Result, error) {

	logger := opts.Logger

	if logger == nil {
		logger = slog.Default()
	}

	err := opts.Catalog.Reindex(ctx)

	if err != nil {
		return nil, fmt.Errorf("Failed to rebuild indexes, %w", err)
	}

	logger.Info("Rebuilt catalog indexes")

	result := new(Result)

	if !opts.Verify {
		return result, nil
	}

	report, err := opts.Catalog.VerifyIntegrity(ctx)

	if err != nil {
		return nil, fmt.Errorf("Failed to verify catalog integrity, %w", err)
	}

	result.Report = report

	if len(report.Violations) > 0 {
		logger.Error("Catalog integrity verification failed", "violations", len(report.Violations))
	}

	return result, nil
}
