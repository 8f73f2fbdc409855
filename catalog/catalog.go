package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/paulmach/orb"
)

// Key prefixes for the catalog's tables. The content-address index
// lives in the transactional keyspace, alongside the tables it indexes,
// because uniqueness has to be enforced by the same commit that writes
// the asset row. The spatial and temporal indexes are derived in-memory
// structures, rebuilt on open and on Reindex.
const (
	prefix_metamosaic = "m:"
	prefix_asset      = "a:"
	prefix_content    = "ca:"
	prefix_relation   = "r:"
	prefix_rel_asset  = "ra:"
	prefix_label      = "l:"
	prefix_checkpoint = "ck:"
	prefix_deadletter = "dl:"
	prefix_conflict   = "cf:"
)

var (
	// ErrUnknownTarget is returned when a label's target record is not
	// in the catalog.
	ErrUnknownTarget = errors.New("unknown label target")
	// ErrLabelVersionExists is returned when a label version has
	// already been attached; labels are append-only.
	ErrLabelVersionExists = errors.New("label version already exists")
)

// Options configure a Catalog.
type Options struct {
	// The directory the catalog's tables are stored in. Ignored when
	// InMemory is set.
	Path string
	// InMemory keeps the catalog entirely in memory. Useful for tests.
	InMemory bool
	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool
}

// DefaultOptions returns production options for a catalog at path.
func DefaultOptions(path string) *Options {

	return &Options{
		Path:       path,
		SyncWrites: true,
	}
}

// Catalog is the authoritative, indexed store of metamosaics, assets,
// relations and labels. It is the sole shared mutable resource during
// ingestion: all cross-worker coordination happens through its atomic
// find-or-create and unique-insert operations, never through in-process
// locks, so workers in separate processes sharing one catalog behave the
// same as goroutines in one.
type Catalog struct {
	db       *badger.DB
	spatial  *spatialIndex
	temporal *temporalIndex
}

// Open opens (or creates) a catalog and rebuilds its derived indexes.
// The returned handle must be passed explicitly to every component that
// needs it and closed when done.
func Open(ctx context.Context, opts *Options) (*Catalog, error) {

	var bopts badger.Options

	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Path)
	}

	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)

	if err != nil {
		return nil, fmt.Errorf("Failed to open catalog store, %w", err)
	}

	c := &Catalog{
		db:       db,
		spatial:  newSpatialIndex(),
		temporal: newTemporalIndex(),
	}

	err = c.Reindex(ctx)

	if err != nil {
		db.Close()
		return nil, fmt.Errorf("Failed to build catalog indexes, %w", err)
	}

	return c, nil
}

// Close flushes and closes the catalog.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// FindOrCreateMetamosaic atomically finds the metamosaic for proto's
// (cell, version) pair or creates it. The boolean result reports
// whether a new metamosaic was created. Safe under arbitrary concurrent
// callers: creation races are resolved by the store's conflict
// detection, with the loser re-reading the winner's row.
func (c *Catalog) FindOrCreateMetamosaic(ctx context.Context, proto *Metamosaic) (*Metamosaic, bool, error) {

	pk := MetamosaicPK(proto.Cell, proto.Version)
	key := []byte(prefix_metamosaic + pk)

	for {

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
			// pass
		}

		txn := c.db.NewTransaction(true)

		item, err := txn.Get(key)

		if err == nil {

			var existing Metamosaic
			err = decodeItemValue(item, &existing)

			txn.Discard()

			if err != nil {
				return nil, false, err
			}

			return &existing, false, nil
		}

		if !errors.Is(err, badger.ErrKeyNotFound) {
			txn.Discard()
			return nil, false, fmt.Errorf("Failed to read metamosaic %s, %w", pk, err)
		}

		mm := *proto
		mm.PK = pk
		mm.CreatedAt = time.Now().UTC()

		err = setJSON(txn, key, &mm)

		if err != nil {
			txn.Discard()
			return nil, false, err
		}

		err = txn.Commit()

		if errors.Is(err, badger.ErrConflict) {

			// Another worker created this metamosaic between our read and
			// our commit. That is a retry, not a failure: loop and return
			// the row they wrote.

			continue
		}

		if err != nil {
			return nil, false, fmt.Errorf("Failed to commit metamosaic %s, %w", pk, err)
		}

		c.spatial.insert(pk, mm.BufferedBound())
		c.temporal.insert(pk, mm.WindowStart, mm.WindowEnd)

		return &mm, true, nil
	}
}

// LatestVersion returns the highest version recorded for a cell. The
// boolean result reports whether any version exists.
func (c *Catalog) LatestVersion(ctx context.Context, cellID string) (uint64, bool, error) {

	var latest uint64
	found := false

	prefix := []byte(prefix_metamosaic + cellID + "@")

	err := c.db.View(func(txn *badger.Txn) error {

		it_opts := badger.DefaultIteratorOptions
		it_opts.Prefix = prefix
		it_opts.PrefetchValues = false

		it := txn.NewIterator(it_opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {

			var mm Metamosaic
			err := decodeItemValue(it.Item(), &mm)

			if err != nil {
				return err
			}

			if !found || mm.Version > latest {
				latest = mm.Version
				found = true
			}
		}

		return nil
	})

	if err != nil {
		return 0, false, fmt.Errorf("Failed to resolve latest version for cell %s, %w", cellID, err)
	}

	return latest, found, nil
}

// UpsertAssetRecord commits rec, or returns the existing record
// unchanged when rec's content address is already cataloged. Idempotent
// under re-ingestion. Re-ingesting a path whose bytes changed replaces
// the record and retires the superseded content index entry. A
// differing storage reference on an existing record is reported as a
// warning-level inconsistency, not an error.
func (c *Catalog) UpsertAssetRecord(ctx context.Context, rec *AssetRecord) (*AssetRecord, bool, error) {

	if rec.ContentAddress == "" {
		return nil, false, &IntegrityError{Op: "upsert-asset", Ref: rec.PK, Reason: "missing content address"}
	}

	ca_key := []byte(prefix_content + rec.ContentAddress)

	for {

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
			// pass
		}

		txn := c.db.NewTransaction(true)

		item, err := txn.Get(ca_key)

		if err == nil {

			existing_pk, err := itemString(item)

			if err != nil {
				txn.Discard()
				return nil, false, err
			}

			var existing AssetRecord
			err = getJSON(txn, []byte(prefix_asset+existing_pk), &existing)

			txn.Discard()

			if err != nil {

				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil, false, &IntegrityError{Op: "upsert-asset", Ref: existing_pk, Reason: "content index references a missing asset"}
				}

				return nil, false, err
			}

			if existing.StorageRef != rec.StorageRef {
				slog.Warn("Content address already cataloged with a different storage reference", "content_address", rec.ContentAddress, "cataloged", existing.StorageRef, "offered", rec.StorageRef)
			}

			return &existing, false, nil
		}

		if !errors.Is(err, badger.ErrKeyNotFound) {
			txn.Discard()
			return nil, false, fmt.Errorf("Failed to probe content address %s, %w", rec.ContentAddress, err)
		}

		committed := *rec

		if committed.IngestedAt.IsZero() {
			committed.IngestedAt = time.Now().UTC()
		}

		// The same path may have been cataloged before with different
		// bytes. Overwriting the asset row must also retire the index
		// entry for its old content address.

		var prior AssetRecord
		prior_err := getJSON(txn, []byte(prefix_asset+committed.PK), &prior)

		if prior_err != nil && !errors.Is(prior_err, badger.ErrKeyNotFound) {
			txn.Discard()
			return nil, false, prior_err
		}

		if prior_err == nil && prior.ContentAddress != committed.ContentAddress {

			err = txn.Delete([]byte(prefix_content + prior.ContentAddress))

			if err != nil {
				txn.Discard()
				return nil, false, err
			}
		}

		err = setJSON(txn, []byte(prefix_asset+committed.PK), &committed)

		if err == nil {
			err = txn.Set(ca_key, []byte(committed.PK))
		}

		if err != nil {
			txn.Discard()
			return nil, false, err
		}

		err = txn.Commit()

		if errors.Is(err, badger.ErrConflict) {
			continue
		}

		if err != nil {
			return nil, false, fmt.Errorf("Failed to commit asset %s, %w", committed.PK, err)
		}

		return &committed, true, nil
	}
}

// AddRelation creates the membership edge between an asset record and a
// metamosaic, both of which must already exist, and folds the asset's
// footprint in to the metamosaic's coverage. The asset's footprint must
// intersect the metamosaic's buffered extent.
func (c *Catalog) AddRelation(ctx context.Context, assetPK string, metamosaicPK string, overlap float64) error {

	for {

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			// pass
		}

		txn := c.db.NewTransaction(true)

		var rec AssetRecord
		err := getJSON(txn, []byte(prefix_asset+assetPK), &rec)

		if err != nil {

			txn.Discard()

			if errors.Is(err, badger.ErrKeyNotFound) {
				return &IntegrityError{Op: "add-relation", Ref: assetPK, Reason: "asset record does not exist"}
			}

			return err
		}

		var mm Metamosaic
		err = getJSON(txn, []byte(prefix_metamosaic+metamosaicPK), &mm)

		if err != nil {

			txn.Discard()

			if errors.Is(err, badger.ErrKeyNotFound) {
				return &IntegrityError{Op: "add-relation", Ref: metamosaicPK, Reason: "metamosaic does not exist"}
			}

			return err
		}

		buffered := mm.BufferedBound()
		fp_b := rec.Footprint.Bound()

		if !buffered.Intersects(fp_b) {
			txn.Discard()
			return &IntegrityError{Op: "add-relation", Ref: assetPK, Reason: "asset footprint is disjoint from the metamosaic extent"}
		}

		contained := clipBound(fp_b, buffered)

		if mm.Coverage == nil {
			cov := NewExtent(contained)
			mm.Coverage = &cov
		} else {
			cov := NewExtent(mm.Coverage.Bound().Union(contained))
			mm.Coverage = &cov
		}

		rel := Relation{
			AssetPK:         assetPK,
			MetamosaicPK:    metamosaicPK,
			OverlapFraction: overlap,
			CreatedAt:       time.Now().UTC(),
		}

		err = setJSON(txn, relationKey(metamosaicPK, assetPK), &rel)

		if err == nil {
			err = txn.Set(reverseRelationKey(assetPK, metamosaicPK), []byte(metamosaicPK))
		}

		if err == nil {
			err = setJSON(txn, []byte(prefix_metamosaic+metamosaicPK), &mm)
		}

		if err != nil {
			txn.Discard()
			return err
		}

		err = txn.Commit()

		if errors.Is(err, badger.ErrConflict) {
			continue
		}

		if err != nil {
			return fmt.Errorf("Failed to commit relation %s -> %s, %w", assetPK, metamosaicPK, err)
		}

		return nil
	}
}

// AttachLabel appends rec to its target's label lineage. The target
// must exist and rec's (label set, version) pair must not have been
// attached before.
func (c *Catalog) AttachLabel(ctx context.Context, rec *LabelRecord) (*LabelRecord, error) {

	var target_key []byte

	switch rec.TargetType {
	case TargetAsset:
		target_key = []byte(prefix_asset + rec.TargetPK)
	case TargetMetamosaic:
		target_key = []byte(prefix_metamosaic + rec.TargetPK)
	default:
		return nil, fmt.Errorf("Unknown label target type '%s'", rec.TargetType)
	}

	key := labelKey(rec.TargetType, rec.TargetPK, rec.LabelSet, rec.Version)

	for {

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			// pass
		}

		txn := c.db.NewTransaction(true)

		_, err := txn.Get(target_key)

		if err != nil {

			txn.Discard()

			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil, fmt.Errorf("%w: %s %s", ErrUnknownTarget, rec.TargetType, rec.TargetPK)
			}

			return nil, err
		}

		_, err = txn.Get(key)

		if err == nil {
			txn.Discard()
			return nil, fmt.Errorf("%w: %s %s %s v%d", ErrLabelVersionExists, rec.TargetType, rec.TargetPK, rec.LabelSet, rec.Version)
		}

		if !errors.Is(err, badger.ErrKeyNotFound) {
			txn.Discard()
			return nil, err
		}

		attached := *rec
		attached.CreatedAt = time.Now().UTC()

		err = setJSON(txn, key, &attached)

		if err != nil {
			txn.Discard()
			return nil, err
		}

		err = txn.Commit()

		if errors.Is(err, badger.ErrConflict) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("Failed to commit label, %w", err)
		}

		return &attached, nil
	}
}

// Metamosaic returns the metamosaic with pk.
func (c *Catalog) Metamosaic(ctx context.Context, pk string) (*Metamosaic, error) {

	var mm Metamosaic
	err := c.view(ctx, []byte(prefix_metamosaic+pk), &mm)

	if err != nil {
		return nil, err
	}

	return &mm, nil
}

// Asset returns the asset record with pk.
func (c *Catalog) Asset(ctx context.Context, pk string) (*AssetRecord, error) {

	var rec AssetRecord
	err := c.view(ctx, []byte(prefix_asset+pk), &rec)

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// Assets invokes cb once for every asset record in the catalog, in key
// order. Returning an error stops the walk.
func (c *Catalog) Assets(ctx context.Context, cb func(context.Context, *AssetRecord) error) error {

	return c.iterate([]byte(prefix_asset), func(item *badger.Item) error {

		var rec AssetRecord
		err := decodeItemValue(item, &rec)

		if err != nil {
			return err
		}

		return cb(ctx, &rec)
	})
}

// AssetByContentAddress probes the content-address unique index.
// Returns (nil, nil) when the address is not cataloged.
func (c *Catalog) AssetByContentAddress(ctx context.Context, address string) (*AssetRecord, error) {

	var rec *AssetRecord

	err := c.db.View(func(txn *badger.Txn) error {

		item, err := txn.Get([]byte(prefix_content + address))

		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		pk, err := itemString(item)

		if err != nil {
			return err
		}

		var found AssetRecord
		err = getJSON(txn, []byte(prefix_asset+pk), &found)

		if err != nil {

			if errors.Is(err, badger.ErrKeyNotFound) {
				return &IntegrityError{Op: "content-lookup", Ref: pk, Reason: "content index references a missing asset"}
			}

			return err
		}

		rec = &found
		return nil
	})

	if err != nil {
		return nil, err
	}

	return rec, nil
}

// RelationsForMetamosaic returns every relation whose metamosaic is pk.
func (c *Catalog) RelationsForMetamosaic(ctx context.Context, pk string) ([]*Relation, error) {
	return c.relations([]byte(prefix_relation + pk + ":"))
}

// RelationsForAsset returns every relation whose asset is pk.
func (c *Catalog) RelationsForAsset(ctx context.Context, pk string) ([]*Relation, error) {

	rels := make([]*Relation, 0)

	err := c.db.View(func(txn *badger.Txn) error {

		it_opts := badger.DefaultIteratorOptions
		it_opts.Prefix = []byte(prefix_rel_asset + pk + ":")
		it_opts.PrefetchValues = true

		it := txn.NewIterator(it_opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {

			mm_pk, err := itemString(it.Item())

			if err != nil {
				return err
			}

			var rel Relation
			err = getJSON(txn, relationKey(mm_pk, pk), &rel)

			if err != nil {
				return err
			}

			rels = append(rels, &rel)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return rels, nil
}

// Labels returns the label lineage attached to a target, oldest version
// first.
func (c *Catalog) Labels(ctx context.Context, target_type TargetType, target_pk string) ([]*LabelRecord, error) {

	labels := make([]*LabelRecord, 0)
	prefix := []byte(fmt.Sprintf("%s%s:%s:", prefix_label, target_type, target_pk))

	err := c.iterate(prefix, func(item *badger.Item) error {

		var rec LabelRecord
		err := decodeItemValue(item, &rec)

		if err != nil {
			return err
		}

		labels = append(labels, &rec)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return labels, nil
}

// SaveCheckpoint records the identifier of the last fully processed
// asset for a named ingestion stream.
func (c *Catalog) SaveCheckpoint(ctx context.Context, name string, assetID string) error {

	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefix_checkpoint+name), []byte(assetID))
	})
}

// Checkpoint returns the recorded checkpoint for a named ingestion
// stream, or the empty string when none exists.
func (c *Catalog) Checkpoint(ctx context.Context, name string) (string, error) {

	var id string

	err := c.db.View(func(txn *badger.Txn) error {

		item, err := txn.Get([]byte(prefix_checkpoint + name))

		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		id, err = itemString(item)
		return err
	})

	if err != nil {
		return "", err
	}

	return id, nil
}

// ParkDeadLetter records an asset parked after exhausting its retries.
func (c *Catalog) ParkDeadLetter(ctx context.Context, dl *DeadLetter) error {

	if dl.ParkedAt.IsZero() {
		dl.ParkedAt = time.Now().UTC()
	}

	return c.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefix_deadletter+dl.AssetID), dl)
	})
}

// DeadLetters returns every parked asset.
func (c *Catalog) DeadLetters(ctx context.Context) ([]*DeadLetter, error) {

	parked := make([]*DeadLetter, 0)

	err := c.iterate([]byte(prefix_deadletter), func(item *badger.Item) error {

		var dl DeadLetter
		err := decodeItemValue(item, &dl)

		if err != nil {
			return err
		}

		parked = append(parked, &dl)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return parked, nil
}

// RecordConflict queues a relation conflict for manual review.
func (c *Catalog) RecordConflict(ctx context.Context, cf *Conflict) error {

	if cf.RecordedAt.IsZero() {
		cf.RecordedAt = time.Now().UTC()
	}

	key := []byte(fmt.Sprintf("%s%s:%s", prefix_conflict, cf.AssetPK, cf.Cell.ID()))

	return c.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, key, cf)
	})
}

// Conflicts returns every queued relation conflict.
func (c *Catalog) Conflicts(ctx context.Context) ([]*Conflict, error) {

	conflicts := make([]*Conflict, 0)

	err := c.iterate([]byte(prefix_conflict), func(item *badger.Item) error {

		var cf Conflict
		err := decodeItemValue(item, &cf)

		if err != nil {
			return err
		}

		conflicts = append(conflicts, &cf)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return conflicts, nil
}

func (c *Catalog) relations(prefix []byte) ([]*Relation, error) {

	rels := make([]*Relation, 0)

	err := c.iterate(prefix, func(item *badger.Item) error {

		var rel Relation
		err := decodeItemValue(item, &rel)

		if err != nil {
			return err
		}

		rels = append(rels, &rel)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return rels, nil
}

func (c *Catalog) iterate(prefix []byte, cb func(*badger.Item) error) error {

	return c.db.View(func(txn *badger.Txn) error {

		it_opts := badger.DefaultIteratorOptions
		it_opts.Prefix = prefix

		it := txn.NewIterator(it_opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {

			err := cb(it.Item())

			if err != nil {
				return err
			}
		}

		return nil
	})
}

func (c *Catalog) view(ctx context.Context, key []byte, v interface{}) error {

	return c.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key, v)
	})
}

func relationKey(metamosaicPK string, assetPK string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefix_relation, metamosaicPK, assetPK))
}

func reverseRelationKey(assetPK string, metamosaicPK string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefix_rel_asset, assetPK, metamosaicPK))
}

func labelKey(target_type TargetType, target_pk string, label_set string, version uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s:%08d", prefix_label, target_type, target_pk, label_set, version))
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {

	body, err := json.Marshal(v)

	if err != nil {
		return fmt.Errorf("Failed to encode %s, %w", string(key), err)
	}

	return txn.Set(key, body)
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {

	item, err := txn.Get(key)

	if err != nil {
		return err
	}

	return decodeItemValue(item, v)
}

func decodeItemValue(item *badger.Item, v interface{}) error {

	return item.Value(func(body []byte) error {
		return json.Unmarshal(body, v)
	})
}

func itemString(item *badger.Item) (string, error) {

	body, err := item.ValueCopy(nil)

	if err != nil {
		return "", err
	}

	return string(body), nil
}

// clipBound returns the intersection of two bounds.
func clipBound(b orb.Bound, to orb.Bound) orb.Bound {

	return orb.Bound{
		Min: orb.Point{max(b.Min[0], to.Min[0]), max(b.Min[1], to.Min[1])},
		Max: orb.Point{min(b.Max[0], to.Max[0]), min(b.Max[1], to.Max[1])},
	}
}
