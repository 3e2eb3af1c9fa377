package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names a logical, independently versioned set of records.
type Collection string

const (
	Accounts      Collection = "accounts"
	Institutions  Collection = "institutions"
	Cases         Collection = "cases"
	AuthEvents    Collection = "auth_events"
	DecisionDiary Collection = "decision_diary"
)

// All lists every collection the workflow reads or writes.
var All = []Collection{Accounts, Institutions, Cases, AuthEvents, DecisionDiary}

var (
	// ErrVersionConflict means a write was based on a stale snapshot. Nothing
	// from the commit was applied.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrCorrupt means a persisted collection could not be decoded. Callers
	// must not retry load-modify-save on a corrupt collection.
	ErrCorrupt = errors.New("store: corrupt collection")
	// ErrInvalidWrite rejects malformed commits (empty or duplicate collections).
	ErrInvalidWrite = errors.New("store: invalid write")
)

// Snapshot is the state of one collection at Version.
type Snapshot struct {
	Collection Collection
	Records    []json.RawMessage
	Version    uint64
}

// Write replaces the full contents of Collection, provided the stored version
// still equals ExpectedVersion.
type Write struct {
	Collection      Collection
	Records         []json.RawMessage
	ExpectedVersion uint64
}

// Store is the durable record store consumed by the workflow. Every write
// replaces a whole collection; Commit applies several such writes atomically.
type Store interface {
	// Load returns the collection, or its seed at version 0 if never written.
	Load(ctx context.Context, c Collection) (Snapshot, error)
	// Save is Commit with a single write.
	Save(ctx context.Context, w Write) error
	// Commit applies every write or none of them.
	Commit(ctx context.Context, writes ...Write) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Next returns the write replacing this snapshot's records.
func (s Snapshot) Next(records []json.RawMessage) Write {
	return Write{Collection: s.Collection, Records: records, ExpectedVersion: s.Version}
}

// Decode unmarshals every record of the snapshot into T.
func Decode[T any](s Snapshot) ([]T, error) {
	out := make([]T, 0, len(s.Records))
	for i, raw := range s.Records {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %s record %d: %v", ErrCorrupt, s.Collection, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode marshals records for a Write.
func Encode[T any](records []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("store: encode record: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// ValidateWrites rejects empty commits and commits writing one collection twice.
func ValidateWrites(writes []Write) error {
	if len(writes) == 0 {
		return fmt.Errorf("%w: no writes", ErrInvalidWrite)
	}
	seen := make(map[Collection]struct{}, len(writes))
	for _, w := range writes {
		if w.Collection == "" {
			return fmt.Errorf("%w: collection name is empty", ErrInvalidWrite)
		}
		if _, dup := seen[w.Collection]; dup {
			return fmt.Errorf("%w: %s written twice", ErrInvalidWrite, w.Collection)
		}
		seen[w.Collection] = struct{}{}
	}
	return nil
}

// MarshalPayload encodes records as the JSON array persisted by backends.
func MarshalPayload(records []json.RawMessage) ([]byte, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	return json.Marshal(records)
}

// UnmarshalPayload decodes a persisted JSON array of records.
func UnmarshalPayload(c Collection, payload []byte) ([]json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, c, err)
	}
	return records, nil
}
