package storage

import (
	"context"
	"sync"

	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// MemoryStore implements Store with an in-memory map, for tests and for
// nodes that opt out of persistence. It is safe for concurrent use, though
// the chain synchronization core only ever touches it from the scheduler
// goroutine.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[datastore.Key][]byte
}

// NewMemory creates a new in-memory Store.
func NewMemory() *MemoryStore {
	return &MemoryStore{values: make(map[datastore.Key][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key datastore.Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Has(_ context.Context, key datastore.Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok, nil
}

func (m *MemoryStore) GetSize(ctx context.Context, key datastore.Key) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return -1, datastore.ErrNotFound
	}
	return len(v), nil
}

func (m *MemoryStore) Put(_ context.Context, key datastore.Key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key datastore.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) Sync(_ context.Context, _ datastore.Key) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) Query(_ context.Context, q dsq.Query) (dsq.Results, error) {
	m.mu.RLock()
	entries := make([]dsq.Entry, 0, len(m.values))
	for k, v := range m.values {
		e := dsq.Entry{Key: k.String(), Size: len(v)}
		if !q.KeysOnly {
			val := make([]byte, len(v))
			copy(val, v)
			e.Value = val
		}
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	r := dsq.ResultsWithEntries(q, entries)
	return dsq.NaiveQueryApply(q, r), nil
}

// Batch returns a write batch that stages puts/deletes and applies them
// atomically under the store's lock on Commit.
func (m *MemoryStore) Batch(_ context.Context) (datastore.Batch, error) {
	return &memBatch{store: m}, nil
}

type memBatch struct {
	store *MemoryStore
	puts  map[datastore.Key][]byte
	dels  map[datastore.Key]struct{}
}

func (b *memBatch) Put(_ context.Context, key datastore.Key, value []byte) error {
	if b.puts == nil {
		b.puts = make(map[datastore.Key][]byte)
	}
	v := make([]byte, len(value))
	copy(v, value)
	b.puts[key] = v
	delete(b.dels, key)
	return nil
}

func (b *memBatch) Delete(_ context.Context, key datastore.Key) error {
	if b.dels == nil {
		b.dels = make(map[datastore.Key]struct{})
	}
	b.dels[key] = struct{}{}
	delete(b.puts, key)
	return nil
}

func (b *memBatch) Commit(_ context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for k, v := range b.puts {
		b.store.values[k] = v
	}
	for k := range b.dels {
		delete(b.store.values, k)
	}
	return nil
}
