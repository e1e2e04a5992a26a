package sourcedb

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/assetgrid/internal/assetid"
)

// MemoryInstance is an Instance whose blobs live in memory.
type MemoryInstance struct {
	InstanceID   assetid.OutputID
	InstanceName string
	InstancePath string
	Type         assetid.TypeID
	Blobs        map[string][]byte
	MTimes       map[string]time.Time
	// Content is returned by Checkout. When nil a *Record is synthesized.
	Content     Asset
	CheckoutErr error

	reads atomic.Int64
}

func (m *MemoryInstance) ID() assetid.OutputID   { return m.InstanceID }
func (m *MemoryInstance) Name() string           { return m.InstanceName }
func (m *MemoryInstance) Path() string           { return m.InstancePath }
func (m *MemoryInstance) TypeID() assetid.TypeID { return m.Type }

// DataNames returns the blob names in sorted order.
func (m *MemoryInstance) DataNames() []string {
	names := make([]string, 0, len(m.Blobs))
	for n := range m.Blobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadData opens a blob and counts the read.
func (m *MemoryInstance) ReadData(name string) (io.ReadCloser, error) {
	data, ok := m.Blobs[name]
	if !ok {
		return nil, fmt.Errorf("blob %q of %s: %w", name, m.InstancePath, ErrNotFound)
	}
	m.reads.Add(1)
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DataLastWriteTime returns the recorded mtime of a blob.
func (m *MemoryInstance) DataLastWriteTime(name string) (time.Time, error) {
	if _, ok := m.Blobs[name]; !ok {
		return time.Time{}, fmt.Errorf("blob %q of %s: %w", name, m.InstancePath, ErrNotFound)
	}
	return m.MTimes[name], nil
}

// Checkout implements Instance.
func (m *MemoryInstance) Checkout() (Asset, error) {
	if m.CheckoutErr != nil {
		return nil, m.CheckoutErr
	}
	if m.Content != nil {
		return m.Content, nil
	}
	return &Record{Type: m.Type, Name: m.InstanceName, ID: m.InstanceID}, nil
}

// Reads returns how many times any blob was opened.
func (m *MemoryInstance) Reads() int64 { return m.reads.Load() }

// Memory is an in-memory Database.
type Memory struct {
	mu        sync.RWMutex
	instances map[assetid.OutputID]Instance
}

// NewMemory creates a Memory database holding the given instances.
func NewMemory(instances ...Instance) *Memory {
	m := &Memory{instances: make(map[assetid.OutputID]Instance)}
	for _, inst := range instances {
		m.Put(inst)
	}
	return m
}

// Put adds or replaces an instance.
func (m *Memory) Put(inst Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID()] = inst
}

// GetInstance implements Database.
func (m *Memory) GetInstance(id assetid.OutputID) (Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return inst, nil
}

// IDs returns all ids ordered by instance path.
func (m *Memory) IDs() []assetid.OutputID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		all = append(all, inst)
	}
	return sortedIDs(all)
}

func sortedIDs(all []Instance) []assetid.OutputID {
	sort.Slice(all, func(i, j int) bool {
		if all[i].Path() != all[j].Path() {
			return all[i].Path() < all[j].Path()
		}
		return all[i].ID().String() < all[j].ID().String()
	})
	ids := make([]assetid.OutputID, len(all))
	for i, inst := range all {
		ids[i] = inst.ID()
	}
	return ids
}
