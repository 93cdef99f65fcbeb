package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docsync/internal/crdt"
)

// MemoryStore keeps update logs in process memory. It is used by tests and
// by the memory backend, where nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][][]byte)}
}

func (m *MemoryStore) ListDocuments(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.logs))
	for id := range m.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) CreateDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.logs[id]; ok {
		return fmt.Errorf("create %q: %w", id, ErrDocumentExists)
	}
	m.logs[id] = nil
	return nil
}

func (m *MemoryStore) LoadDocument(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	log, ok := m.logs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load %q: %w", id, ErrDocumentNotFound)
	}
	return crdt.MergeUpdates(log...)
}

func (m *MemoryStore) AppendUpdate(ctx context.Context, id string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[id]
	if !ok {
		return fmt.Errorf("append %q: %w", id, ErrDocumentNotFound)
	}
	m.logs[id] = append(log, append([]byte(nil), update...))
	return nil
}

func (m *MemoryStore) Compact(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[id]
	if !ok {
		return fmt.Errorf("compact %q: %w", id, ErrDocumentNotFound)
	}
	merged, err := crdt.MergeUpdates(log...)
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	m.logs[id] = [][]byte{merged}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// LogLength returns the number of entries in a document's log.
func (m *MemoryStore) LogLength(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs[id])
}
