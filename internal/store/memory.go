package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
// Transactions use optimistic concurrency: reads pin the store version at
// begin, and commit validates that nothing the transaction observed or
// writes has moved past that version.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memRecord
	version uint64
}

type memRecord struct {
	data    json.RawMessage // nil marks a tombstone
	version uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memRecord)}
}

func (m *MemoryStore) Get(ctx context.Context, path Path, out any) error {
	m.mu.RLock()
	rec, ok := m.records[path.String()]
	m.mu.RUnlock()
	if !ok || rec.data == nil {
		return ErrNotFound
	}
	return unmarshalValue(rec.data, out)
}

func (m *MemoryStore) Put(ctx context.Context, path Path, value any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	m.records[path.String()] = memRecord{data: data, version: m.version}
	return nil
}

func (m *MemoryStore) Create(ctx context.Context, path Path, value any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[path.String()]; ok && rec.data != nil {
		return ErrExists
	}
	m.version++
	m.records[path.String()] = memRecord{data: data, version: m.version}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, path Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[path.String()]
	if !ok || rec.data == nil {
		return ErrNotFound
	}
	m.version++
	m.records[path.String()] = memRecord{version: m.version}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix Path) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(prefix.String() + "/")
}

func (m *MemoryStore) listLocked(prefix string) ([]Record, error) {
	var out []Record
	for key, rec := range m.records {
		if rec.data == nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, Record{
			Path:  Path(strings.Split(key, "/")),
			Value: append(json.RawMessage(nil), rec.data...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out, nil
}

func (m *MemoryStore) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.RLock()
	tx := &memTx{
		store:  m,
		start:  m.version,
		reads:  make(map[string]struct{}),
		writes: make(map[string]json.RawMessage),
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// memTx buffers writes and records every key and prefix the body observed.
type memTx struct {
	store  *MemoryStore
	start  uint64
	reads  map[string]struct{}
	scans  []string
	writes map[string]json.RawMessage // nil value marks a pending delete
}

func (t *memTx) Get(path Path, out any) error {
	key := path.String()
	if data, ok := t.writes[key]; ok {
		if data == nil {
			return ErrNotFound
		}
		return unmarshalValue(data, out)
	}
	t.reads[key] = struct{}{}

	t.store.mu.RLock()
	rec, ok := t.store.records[key]
	t.store.mu.RUnlock()
	if ok && rec.version > t.start {
		return ErrConflict
	}
	if !ok || rec.data == nil {
		return ErrNotFound
	}
	return unmarshalValue(rec.data, out)
}

func (t *memTx) Put(path Path, value any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	t.writes[path.String()] = append(json.RawMessage(nil), data...)
	return nil
}

func (t *memTx) Create(path Path, value any) error {
	var existing json.RawMessage
	err := t.Get(path, &existing)
	if err == nil {
		return ErrExists
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return t.Put(path, value)
}

func (t *memTx) Delete(path Path) error {
	var existing json.RawMessage
	if err := t.Get(path, &existing); err != nil {
		return err
	}
	t.writes[path.String()] = nil
	return nil
}

func (t *memTx) List(prefix Path) ([]Record, error) {
	pre := prefix.String() + "/"
	t.scans = append(t.scans, pre)

	t.store.mu.RLock()
	for key, rec := range t.store.records {
		if strings.HasPrefix(key, pre) && rec.version > t.start {
			t.store.mu.RUnlock()
			return nil, ErrConflict
		}
	}
	records, err := t.store.listLocked(pre)
	t.store.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	// Overlay buffered writes.
	merged := make(map[string]json.RawMessage, len(records))
	for _, rec := range records {
		merged[rec.Path.String()] = rec.Value
	}
	for key, data := range t.writes {
		if !strings.HasPrefix(key, pre) {
			continue
		}
		if data == nil {
			delete(merged, key)
		} else {
			merged[key] = data
		}
	}

	out := make([]Record, 0, len(merged))
	for key, data := range merged {
		out = append(out, Record{Path: Path(strings.Split(key, "/")), Value: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out, nil
}

// commit validates the read and write sets against the live store and,
// if nothing moved past the transaction's start version, applies the
// buffered writes atomically.
func (t *memTx) commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for key := range t.reads {
		if rec, ok := t.store.records[key]; ok && rec.version > t.start {
			return ErrConflict
		}
	}
	for key := range t.writes {
		if rec, ok := t.store.records[key]; ok && rec.version > t.start {
			return ErrConflict
		}
	}
	for _, pre := range t.scans {
		for key, rec := range t.store.records {
			if strings.HasPrefix(key, pre) && rec.version > t.start {
				return ErrConflict
			}
		}
	}

	if len(t.writes) == 0 {
		return nil
	}
	t.store.version++
	for key, data := range t.writes {
		t.store.records[key] = memRecord{data: data, version: t.store.version}
	}
	return nil
}
