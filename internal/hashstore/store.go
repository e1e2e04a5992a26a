package hashstore

import (
	"sort"
	"sync"
	"time"

	"github.com/vk/assetgrid/internal/assetid"
)

// Record is the cached metadata of one path.
type Record struct {
	Hash          uint32
	Size          int64
	LastWriteTime time.Time
}

// Store is a key-value store of hash records keyed by logical path.
type Store interface {
	GetFile(path string) (Record, bool)
	SetFile(path string, rec Record)
}

// BlobKey synthesizes the key of a named data blob attached to an instance.
func BlobKey(instancePath, blob string) string {
	return instancePath + "$" + blob
}

// OutputKey is the key under which the last built combined hash of an output is recorded.
func OutputKey(id assetid.OutputID) string {
	return "@output/" + id.String()
}

// Memory is an in-memory Store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// GetFile implements Store.
func (m *Memory) GetFile(path string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[path]
	return rec, ok
}

// SetFile implements Store.
func (m *Memory) SetFile(path string, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[path] = rec
}

// Len returns the number of records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Keys returns all keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]Record, len(m.records))
	for k, v := range m.records {
		cp[k] = v
	}
	return cp
}
