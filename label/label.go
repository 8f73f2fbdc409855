package label

import (
	"context"
	"errors"
	"fmt"

	"github.com/sfomuseum/go-metamosaic/catalog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// UnknownTargetError is returned when a label's target record is not in
// the catalog.
type UnknownTargetError struct {
	// The kind of record the label was aimed at.
	TargetType catalog.TargetType
	// The primary key that was not found.
	TargetPK string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("Unknown label target %s %s", e.TargetType, e.TargetPK)
}

// Store attaches versioned label sets to asset records and metamosaics.
// Labels are append-only: a prior version is never overwritten, new
// versions are appended on top.
type Store struct {
	// The catalog labels are attached in.
	Catalog *catalog.Catalog
}

// NewStore returns a Store attaching labels in cat.
func NewStore(cat *catalog.Catalog) *Store {

	return &Store{
		Catalog: cat,
	}
}

// Attach appends a label version to a target's lineage. The payload
// must be valid JSON; the label set name and version are stamped in to
// it so the payload is self-describing when exported. Fails with an
// *UnknownTargetError when the target is not cataloged and with
// catalog.ErrLabelVersionExists when the version was already attached.
func (s *Store) Attach(ctx context.Context, target_type catalog.TargetType, target_pk string, label_set string, version uint64, payload []byte) (*catalog.LabelRecord, error) {

	if label_set == "" {
		return nil, fmt.Errorf("Missing label set name")
	}

	if version == 0 {
		return nil, fmt.Errorf("Label versions start at 1")
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}

	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("Label payload is not valid JSON")
	}

	payload, err := sjson.SetBytes(payload, "label:set", label_set)

	if err != nil {
		return nil, fmt.Errorf("Failed to stamp label set, %w", err)
	}

	payload, err = sjson.SetBytes(payload, "label:version", version)

	if err != nil {
		return nil, fmt.Errorf("Failed to stamp label version, %w", err)
	}

	rec := &catalog.LabelRecord{
		TargetType: target_type,
		TargetPK:   target_pk,
		LabelSet:   label_set,
		Version:    version,
		Payload:    payload,
	}

	attached, err := s.Catalog.AttachLabel(ctx, rec)

	if err != nil {

		if errors.Is(err, catalog.ErrUnknownTarget) {
			return nil, &UnknownTargetError{TargetType: target_type, TargetPK: target_pk}
		}

		return nil, err
	}

	return attached, nil
}

// NextVersion returns the version number a new label in the lineage
// should use: one past the highest attached version, or 1 for a fresh
// lineage. Callers racing each other will collide on AttachLabel, which
// is the intended behavior for an append-only store.
func (s *Store) NextVersion(ctx context.Context, target_type catalog.TargetType, target_pk string, label_set string) (uint64, error) {

	labels, err := s.Catalog.Labels(ctx, target_type, target_pk)

	if err != nil {
		return 0, err
	}

	var latest uint64

	for _, rec := range labels {

		if rec.LabelSet == label_set && rec.Version > latest {
			latest = rec.Version
		}
	}

	return latest + 1, nil
}
