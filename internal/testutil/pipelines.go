package testutil

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/depset"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
)

// MockPipeline is a configurable pipeline for graph and scheduling tests. By
// default it follows the Refs of a *sourcedb.Record via AddID and outputs the
// node path followed by the ids of its children.
type MockPipeline struct {
	PipelineName string
	Types        []assetid.TypeID
	Version      uint32
	// Sleep delays every BuildOutput call.
	Sleep time.Duration
	// Expand overrides BuildDependencies when set.
	Expand func(d pipeline.Depends, inst sourcedb.Instance, asset sourcedb.Asset, path string, id assetid.OutputID) bool
	// FailBuild makes BuildOutput fail for the listed ids.
	FailBuild map[assetid.OutputID]bool

	mu          sync.Mutex
	expansions  map[assetid.OutputID]int
	builds      map[assetid.OutputID]int
	order       []assetid.OutputID
	building    map[assetid.OutputID]bool
	overlapping atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

var _ pipeline.Pipeline = (*MockPipeline)(nil)

// NewMockPipeline creates a pipeline named name handling the given types.
func NewMockPipeline(name string, types ...assetid.TypeID) *MockPipeline {
	return &MockPipeline{PipelineName: name, Types: types, Version: 1}
}

// Register implements pipeline.Module.
func (m *MockPipeline) Register(r *pipeline.Registry) { r.MustRegister(m) }

func (m *MockPipeline) Name() string                 { return m.PipelineName }
func (m *MockPipeline) AssetTypes() []assetid.TypeID { return m.Types }
func (m *MockPipeline) StructuralHash() uint32       { return pipeline.VersionHash(m.PipelineName, fmt.Sprint(m.Version)) }

// HashAsset fingerprints the record name, refs and attributes.
func (m *MockPipeline) HashAsset(a sourcedb.Asset) uint32 {
	rec, ok := a.(*sourcedb.Record)
	if !ok {
		return 0
	}
	refs := make([]string, len(rec.Refs))
	for i, r := range rec.Refs {
		refs[i] = r.String()
	}
	return pipeline.HashFields(append([]string{rec.Name}, refs...), rec.Attrs)
}

// BuildDependencies implements pipeline.Pipeline.
func (m *MockPipeline) BuildDependencies(d pipeline.Depends, inst sourcedb.Instance, asset sourcedb.Asset, path string, id assetid.OutputID) bool {
	m.mu.Lock()
	if m.expansions == nil {
		m.expansions = make(map[assetid.OutputID]int)
	}
	m.expansions[id]++
	m.mu.Unlock()

	if m.Expand != nil {
		return m.Expand(d, inst, asset, path, id)
	}
	rec, ok := asset.(*sourcedb.Record)
	if !ok {
		return true
	}
	result := true
	for _, ref := range rec.Refs {
		if !d.AddID(ref, 0) {
			result = false
		}
	}
	return result
}

// BuildOutput implements pipeline.Pipeline.
func (m *MockPipeline) BuildOutput(ctx context.Context, req *pipeline.BuildRequest) ([]byte, error) {
	m.mu.Lock()
	if m.building == nil {
		m.building = make(map[assetid.OutputID]bool)
		m.builds = make(map[assetid.OutputID]int)
	}
	if m.building[req.OutputID] {
		m.overlapping.Add(1)
	}
	m.building[req.OutputID] = true
	m.builds[req.OutputID]++
	m.mu.Unlock()

	n := m.inFlight.Add(1)
	for {
		prev := m.maxInFlight.Load()
		if n <= prev || m.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}
	defer func() {
		m.inFlight.Add(-1)
		m.mu.Lock()
		m.building[req.OutputID] = false
		m.order = append(m.order, req.OutputID)
		m.mu.Unlock()
	}()

	if m.Sleep > 0 {
		select {
		case <-time.After(m.Sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.FailBuild[req.OutputID] {
		return nil, fmt.Errorf("mock build of %s failed", req.OutputPath)
	}

	var buf bytes.Buffer
	buf.WriteString(req.OutputPath)
	for _, c := range req.Children {
		buf.WriteByte('\n')
		buf.WriteString(c.String())
	}
	return buf.Bytes(), nil
}

// Expansions returns how often BuildDependencies ran for id.
func (m *MockPipeline) Expansions(id assetid.OutputID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expansions[id]
}

// Builds returns how often BuildOutput ran for id.
func (m *MockPipeline) Builds(id assetid.OutputID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.builds[id]
}

// TotalBuilds returns the number of BuildOutput calls.
func (m *MockPipeline) TotalBuilds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.builds {
		total += n
	}
	return total
}

// Order returns the ids in build completion order.
func (m *MockPipeline) Order() []assetid.OutputID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]assetid.OutputID(nil), m.order...)
}

// Overlaps returns how many builds started while the same id was still building.
func (m *MockPipeline) Overlaps() int64 { return m.overlapping.Load() }

// MaxInFlight returns the highest number of concurrent BuildOutput calls observed.
func (m *MockPipeline) MaxInFlight() int64 { return m.maxInFlight.Load() }

// Asset returns a memory instance of type t whose record references refs.
func Asset(name string, t assetid.TypeID, refs ...assetid.OutputID) *sourcedb.MemoryInstance {
	id := assetid.Derive(assetid.Nil, name)
	return &sourcedb.MemoryInstance{
		InstanceID:   id,
		InstanceName: name,
		InstancePath: name,
		Type:         t,
		Blobs:        map[string][]byte{},
		MTimes:       map[string]time.Time{},
		Content:      &sourcedb.Record{Type: t, Name: name, ID: id, Refs: refs},
	}
}

// WithBlob attaches a data blob to inst and returns it.
func WithBlob(inst *sourcedb.MemoryInstance, name string, data []byte, mtime time.Time) *sourcedb.MemoryInstance {
	inst.Blobs[name] = data
	inst.MTimes[name] = mtime
	return inst
}

// ID is the id Asset assigns to name.
func ID(name string) assetid.OutputID { return assetid.Derive(assetid.Nil, name) }

// Flags returns the flags of the node for name in set.
func Flags(set *depset.Set, name string) depset.Flags {
	n := set.Get(ID(name))
	if n == nil {
		return 0
	}
	return n.Flags
}
