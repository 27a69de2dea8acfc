package state

import (
	"context"
	"sync"

	"github.com/opencapa/capa-engine/internal/capa"
)

// MemoryStore is the in-process Store, for tests and single-node runs.
// Update holds a per-key lock for the whole read-modify-write cycle.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[Key][]byte
	locks map[Key]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  map[Key][]byte{},
		locks: map[Key]*sync.Mutex{},
	}
}

func (m *MemoryStore) keyLock(key Key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*capa.State, error) {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return capa.ParseState(raw)
}

func (m *MemoryStore) Put(_ context.Context, key Key, st *capa.State) error {
	raw, err := capa.MarshalState(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, key Key, fn func(prior *capa.State) (*capa.State, error)) error {
	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()

	var prior *capa.State
	st, err := m.Get(ctx, key)
	if err == nil {
		prior = st
	} else if err != ErrNotFound {
		return err
	}
	next, err := fn(prior)
	if err != nil {
		return err
	}
	return m.Put(ctx, key, next)
}
