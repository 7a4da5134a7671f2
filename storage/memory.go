package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryEngine keeps records in a map and hands them back already decoded,
// the way a database with a native JSON column type would.
type MemoryEngine struct {
	mu     sync.RWMutex
	schema Schema
	table  bool
	closed bool
	data   map[string]json.RawMessage
}

// NewMemoryEngine returns an empty in-memory engine. The table does not
// exist until CreateTable is called.
func NewMemoryEngine(schema Schema) *MemoryEngine {
	return &MemoryEngine{
		schema: schema.WithDefaults(),
		data:   make(map[string]json.RawMessage),
	}
}

func (m *MemoryEngine) Schema() Schema { return m.schema }

func (m *MemoryEngine) TableExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.table, nil
}

func (m *MemoryEngine) CreateTable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.table = true
	return nil
}

func (m *MemoryEngine) SelectByKey(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.RLock()
	raw, ok := m.data[key]
	err := m.usableLocked()
	m.mu.RUnlock()
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		return Record{}, false, nil
	}

	// Decode on every read so callers never share the stored value.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Record{}, false, fmt.Errorf("memory engine: corrupt value for %q: %w", key, err)
	}
	return Record{Key: key, Encoding: EncodingNative, Native: v}, true, nil
}

func (m *MemoryEngine) Insert(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := nativeValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	if _, ok := m.data[key]; ok {
		return ErrDuplicateKey
	}
	m.data[key] = raw
	return nil
}

func (m *MemoryEngine) UpdateByKey(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := nativeValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	if _, ok := m.data[key]; !ok {
		return ErrNotFound
	}
	m.data[key] = raw
	return nil
}

func (m *MemoryEngine) Upsert(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := nativeValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

func (m *MemoryEngine) DeleteByKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

// Destroy drops all records. Later calls fail with ErrClosed.
func (m *MemoryEngine) Destroy(ctx context.Context) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.data = nil
	return nil
}

// Len reports the number of live records.
func (m *MemoryEngine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryEngine) usableLocked() error {
	if m.closed {
		return ErrClosed
	}
	if !m.table {
		return ErrTableMissing
	}
	return nil
}

// nativeValue validates the incoming text and keeps a private copy of it.
func nativeValue(value []byte) (json.RawMessage, error) {
	if !json.Valid(value) {
		return nil, fmt.Errorf("memory engine: value is not valid JSON")
	}
	return append(json.RawMessage(nil), value...), nil
}
