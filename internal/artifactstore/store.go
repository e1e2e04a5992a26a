// Package artifactstore persists built outputs keyed by output id.
package artifactstore

import (
	"context"
	"errors"
	"sync"

	"github.com/vk/assetgrid/internal/assetid"
)

// ErrNotFound is returned by Get when no artifact exists for an id.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts. Every Store also serves as the output database
// the graph builder consults for synthesized ids.
type Store interface {
	Put(ctx context.Context, id assetid.OutputID, data []byte) error
	Get(ctx context.Context, id assetid.OutputID) ([]byte, error)
	Has(id assetid.OutputID) bool
}

// Memory is a Store held in memory.
type Memory struct {
	mu   sync.RWMutex
	data map[assetid.OutputID][]byte
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[assetid.OutputID][]byte)}
}

func (m *Memory) Put(_ context.Context, id assetid.OutputID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = append([]byte{}, data...)
	return nil
}

func (m *Memory) Get(_ context.Context, id assetid.OutputID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, data...), nil
}

func (m *Memory) Has(id assetid.OutputID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[id]
	return ok
}

// Len returns the number of stored artifacts.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
