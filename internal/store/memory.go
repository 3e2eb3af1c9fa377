package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

var _ Store = (*Memory)(nil)

type entry struct {
	payload []byte
	version uint64
}

// Memory implements Store in process. Collections are kept as encoded
// payloads so callers never share backing arrays with the store.
type Memory struct {
	mu    sync.RWMutex
	data  map[Collection]entry
	seeds map[Collection][]byte
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithSeed sets the records Load returns for c before it is first written.
func WithSeed(c Collection, records []json.RawMessage) MemoryOption {
	return func(m *Memory) {
		payload, err := MarshalPayload(records)
		if err != nil {
			return
		}
		m.seeds[c] = payload
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data:  make(map[Collection]entry),
		seeds: make(map[Collection][]byte),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Load(ctx context.Context, c Collection) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	e, ok := m.data[c]
	if !ok {
		e = entry{payload: m.seeds[c]}
	}
	m.mu.RUnlock()

	records, err := UnmarshalPayload(c, e.payload)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Collection: c, Records: records, Version: e.version}, nil
}

func (m *Memory) Save(ctx context.Context, w Write) error {
	return m.Commit(ctx, w)
}

func (m *Memory) Commit(ctx context.Context, writes ...Write) error {
	if err := ValidateWrites(writes); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payloads := make([][]byte, len(writes))
	for i, w := range writes {
		p, err := MarshalPayload(w.Records)
		if err != nil {
			return fmt.Errorf("store: encode %s: %w", w.Collection, err)
		}
		payloads[i] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		if m.data[w.Collection].version != w.ExpectedVersion {
			return fmt.Errorf("%w: %s at version %d, expected %d",
				ErrVersionConflict, w.Collection, m.data[w.Collection].version, w.ExpectedVersion)
		}
	}
	for i, w := range writes {
		m.data[w.Collection] = entry{payload: payloads[i], version: w.ExpectedVersion + 1}
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}
