package store

import (
	"fmt"
	"sort"
	"sync"

	"irbt-go/internal/cloud"
)

// MemoryStore is a Store that keeps everything in process memory.
type MemoryStore struct {
	*cloud.MemoryMapStore

	mu     sync.RWMutex
	status map[string]*StatusRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryMapStore: cloud.NewMemoryMapStore(),
		status:         make(map[string]*StatusRecord),
	}
}

func (m *MemoryStore) SaveStatus(rec *StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *rec
	if prev, ok := m.status[rec.DeviceID]; ok && rec.Delta {
		next.Reported = mergeReported(prev.Reported, rec.Reported)
		next.Delta = false
	}
	m.status[rec.DeviceID] = &next
	return nil
}

func (m *MemoryStore) GetStatus(deviceID string) (*StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.status[deviceID]
	if !ok {
		return nil, fmt.Errorf("status %s: %w", deviceID, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListStatus() ([]*StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*StatusRecord, 0, len(m.status))
	for _, rec := range m.status {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
