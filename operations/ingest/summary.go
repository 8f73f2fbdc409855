package ingest

import (
	"fmt"
	"io"
	"sync"
)

const (
	// OutcomeCommitted marks an asset committed to the catalog.
	OutcomeCommitted = "committed"
	// OutcomeSkipped marks an asset skipped with a reason, typically
	// because no footprint could be extracted.
	OutcomeSkipped = "skipped"
	// OutcomeDuplicate marks an asset whose content address was already
	// committed.
	OutcomeDuplicate = "duplicate"
	// OutcomeDeadLetter marks an asset parked after exhausting its
	// storage retry budget.
	OutcomeDeadLetter = "dead-letter"
	// OutcomeConflict marks an asset whose relation was refused and
	// queued for manual review.
	OutcomeConflict = "conflict"
)

// Item is one asset's entry in a run summary.
type Item struct {
	// The asset's deterministic ID.
	AssetID string `json:"asset_id"`
	// The path the asset was discovered at.
	Path string `json:"path"`
	// Why the asset did not commit cleanly.
	Reason string `json:"reason,omitempty"`
}

// Summary reports the outcome of an ingestion run, enumerating every
// asset that did not commit cleanly by identifier and reason.
type Summary struct {
	// How many assets committed.
	Committed int `json:"committed"`
	// Assets skipped, with reasons.
	Skipped []Item `json:"skipped,omitempty"`
	// Assets whose content was already committed.
	Duplicates []Item `json:"duplicates,omitempty"`
	// Assets parked after exhausting their retry budget.
	DeadLettered []Item `json:"dead_lettered,omitempty"`
	// Assets whose relations were refused and queued for review.
	Conflicted []Item `json:"conflicted,omitempty"`

	mu sync.Mutex
}

func (s *Summary) commit() {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Committed += 1
}

func (s *Summary) skip(id string, path string, reason string) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Skipped = append(s.Skipped, Item{AssetID: id, Path: path, Reason: reason})
}

func (s *Summary) duplicate(id string, path string, reason string) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Duplicates = append(s.Duplicates, Item{AssetID: id, Path: path, Reason: reason})
}

func (s *Summary) deadLetter(id string, path string, reason string) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.DeadLettered = append(s.DeadLettered, Item{AssetID: id, Path: path, Reason: reason})
}

func (s *Summary) conflict(id string, path string, reason string) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Conflicted = append(s.Conflicted, Item{AssetID: id, Path: path, Reason: reason})
}

// Clean returns true when every processed asset either committed or was
// a duplicate or an explicable skip.
func (s *Summary) Clean() bool {

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.DeadLettered) == 0 && len(s.Conflicted) == 0
}

// Report writes a human-readable run summary to w.
func (s *Summary) Report(w io.Writer) {

	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(w, "committed\t%d\n", s.Committed)
	fmt.Fprintf(w, "skipped\t%d\n", len(s.Skipped))
	fmt.Fprintf(w, "duplicates\t%d\n", len(s.Duplicates))
	fmt.Fprintf(w, "dead-lettered\t%d\n", len(s.DeadLettered))
	fmt.Fprintf(w, "conflicts\t%d\n", len(s.Conflicted))

	report := func(title string, items []Item) {

		if len(items) == 0 {
			return
		}

		fmt.Fprintf(w, "%s:\n", title)

		for _, i := range items {
			fmt.Fprintf(w, "\t%s\t%s\t%s\n", i.AssetID, i.Path, i.Reason)
		}
	}

	report("skipped", s.Skipped)
	report("duplicates", s.Duplicates)
	report("dead-lettered", s.DeadLettered)
	report("conflicts", s.Conflicted)
}
