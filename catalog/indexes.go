package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"
)

// spatialIndex is the derived R-tree over metamosaic extents. Entries
// are keyed by the buffered cell extent, which contains the metamosaic's
// coverage by the containment invariant, so the index never produces a
// false negative and never needs updating when coverage grows.
type spatialIndex struct {
	mu sync.RWMutex
	tr rtree.RTree
}

func newSpatialIndex() *spatialIndex {
	return &spatialIndex{}
}

func (s *spatialIndex) insert(pk string, b orb.Bound) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tr.Insert([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]}, pk)
}

func (s *spatialIndex) search(b orb.Bound) []string {

	s.mu.RLock()
	defer s.mu.RUnlock()

	pks := make([]string, 0)

	s.tr.Search([2]float64{b.Min[0], b.Min[1]}, [2]float64{b.Max[0], b.Max[1]}, func(min [2]float64, max [2]float64, value interface{}) bool {
		pks = append(pks, value.(string))
		return true
	})

	return pks
}

func (s *spatialIndex) reset() {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tr = rtree.RTree{}
}

func (s *spatialIndex) count() int {

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tr.Len()
}

// temporalIndex is the derived index over metamosaic windows, kept
// sorted by window start.
type temporalIndex struct {
	mu      sync.RWMutex
	entries []temporalEntry
}

type temporalEntry struct {
	pk    string
	start time.Time
	end   time.Time
}

func newTemporalIndex() *temporalIndex {
	return &temporalIndex{
		entries: make([]temporalEntry, 0),
	}
}

func (t *temporalIndex) insert(pk string, start time.Time, end time.Time) {

	t.mu.Lock()
	defer t.mu.Unlock()

	e := temporalEntry{pk: pk, start: start, end: end}

	idx := sort.Search(len(t.entries), func(i int) bool {
		return !t.entries[i].start.Before(start)
	})

	t.entries = append(t.entries, temporalEntry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
}

// search returns the primary keys of every window intersecting the
// half-open interval [start, end). An instant query (end not after
// start) matches windows containing that instant.
func (t *temporalIndex) search(start time.Time, end time.Time) []string {

	if !end.After(start) {
		end = start.Add(time.Nanosecond)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	pks := make([]string, 0)

	for _, e := range t.entries {

		if !e.start.Before(end) {
			break
		}

		if e.end.After(start) {
			pks = append(pks, e.pk)
		}
	}

	return pks
}

func (t *temporalIndex) reset() {

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = t.entries[:0]
}

func (t *temporalIndex) count() int {

	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

// Reindex rebuilds the derived spatial and temporal indexes from the
// authoritative metamosaic table. The indexes are never independently
// authoritative so this is always safe.
func (c *Catalog) Reindex(ctx context.Context) error {

	c.spatial.reset()
	c.temporal.reset()

	return c.iterate([]byte(prefix_metamosaic), func(item *badger.Item) error {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			// pass
		}

		var mm Metamosaic
		err := decodeItemValue(item, &mm)

		if err != nil {
			return fmt.Errorf("Failed to decode metamosaic %s, %w", string(item.Key()), err)
		}

		c.spatial.insert(mm.PK, mm.BufferedBound())
		c.temporal.insert(mm.PK, mm.WindowStart, mm.WindowEnd)

		return nil
	})
}

// IntegrityReport summarizes a full verification pass over the
// catalog's tables and indexes.
type IntegrityReport struct {
	// How many metamosaics were checked.
	Metamosaics int `json:"metamosaics"`
	// How many asset records were checked.
	Assets int `json:"assets"`
	// How many relations were checked.
	Relations int `json:"relations"`
	// Every integrity violation found. An empty slice means the catalog
	// is consistent.
	Violations []string `json:"violations,omitempty"`
}

// VerifyIntegrity walks the catalog checking the referential and
// uniqueness invariants: every relation endpoint exists, the content
// index and asset table agree in both directions, and the in-memory
// indexes cover every metamosaic.
func (c *Catalog) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {

	report := &IntegrityReport{
		Violations: make([]string, 0),
	}

	err := c.db.View(func(txn *badger.Txn) error {

		// Metamosaics and relations.

		it_opts := badger.DefaultIteratorOptions
		it_opts.Prefix = []byte(prefix_metamosaic)

		it := txn.NewIterator(it_opts)

		for it.Rewind(); it.Valid(); it.Next() {
			report.Metamosaics += 1
		}

		it.Close()

		rel_opts := badger.DefaultIteratorOptions
		rel_opts.Prefix = []byte(prefix_relation)

		rel_it := txn.NewIterator(rel_opts)

		for rel_it.Rewind(); rel_it.Valid(); rel_it.Next() {

			var rel Relation
			err := decodeItemValue(rel_it.Item(), &rel)

			if err != nil {
				rel_it.Close()
				return err
			}

			report.Relations += 1

			_, err = txn.Get([]byte(prefix_asset + rel.AssetPK))

			if err != nil {
				report.Violations = append(report.Violations, fmt.Sprintf("relation %s -> %s references a missing asset", rel.AssetPK, rel.MetamosaicPK))
			}

			_, err = txn.Get([]byte(prefix_metamosaic + rel.MetamosaicPK))

			if err != nil {
				report.Violations = append(report.Violations, fmt.Sprintf("relation %s -> %s references a missing metamosaic", rel.AssetPK, rel.MetamosaicPK))
			}
		}

		rel_it.Close()

		// Assets and the content-address index, both directions.

		seen := make(map[string]string)

		a_opts := badger.DefaultIteratorOptions
		a_opts.Prefix = []byte(prefix_asset)

		a_it := txn.NewIterator(a_opts)

		for a_it.Rewind(); a_it.Valid(); a_it.Next() {

			var rec AssetRecord
			err := decodeItemValue(a_it.Item(), &rec)

			if err != nil {
				a_it.Close()
				return err
			}

			report.Assets += 1

			if prior, ok := seen[rec.ContentAddress]; ok {
				report.Violations = append(report.Violations, fmt.Sprintf("content address %s is shared by assets %s and %s", rec.ContentAddress, prior, rec.PK))
			}

			seen[rec.ContentAddress] = rec.PK

			item, err := txn.Get([]byte(prefix_content + rec.ContentAddress))

			if err != nil {
				report.Violations = append(report.Violations, fmt.Sprintf("asset %s is missing its content index entry", rec.PK))
				continue
			}

			indexed, err := itemString(item)

			if err != nil {
				a_it.Close()
				return err
			}

			if indexed != rec.PK {
				report.Violations = append(report.Violations, fmt.Sprintf("content index for %s points at %s, not %s", rec.ContentAddress, indexed, rec.PK))
			}
		}

		a_it.Close()

		ca_opts := badger.DefaultIteratorOptions
		ca_opts.Prefix = []byte(prefix_content)

		ca_it := txn.NewIterator(ca_opts)
		defer ca_it.Close()

		for ca_it.Rewind(); ca_it.Valid(); ca_it.Next() {

			pk, err := itemString(ca_it.Item())

			if err != nil {
				return err
			}

			address := strings.TrimPrefix(string(ca_it.Item().Key()), prefix_content)

			var rec AssetRecord
			err = getJSON(txn, []byte(prefix_asset+pk), &rec)

			if err != nil {
				report.Violations = append(report.Violations, fmt.Sprintf("content index entry %s references a missing asset %s", address, pk))
				continue
			}

			if rec.ContentAddress != address {
				report.Violations = append(report.Violations, fmt.Sprintf("content index entry %s references asset %s whose content address is %s", address, pk, rec.ContentAddress))
			}
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("Failed to verify catalog, %w", err)
	}

	if c.spatial.count() != report.Metamosaics {
		report.Violations = append(report.Violations, fmt.Sprintf("spatial index holds %d entries for %d metamosaics", c.spatial.count(), report.Metamosaics))
	}

	if c.temporal.count() != report.Metamosaics {
		report.Violations = append(report.Violations, fmt.Sprintf("temporal index holds %d entries for %d metamosaics", c.temporal.count(), report.Metamosaics))
	}

	return report, nil
}
