// Package copy provides the pass-through pipeline: an output is the
// concatenation of its source instance's data blobs.
package copy

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
)

// Version is folded into the structural hash. Bump it when the output format changes.
const Version = "1"

// DefaultTypes are the asset types handled when Module.Types is empty.
var DefaultTypes = []assetid.TypeID{"raw", "text"}

// Module registers the copy pipeline.
type Module struct {
	Types []assetid.TypeID
}

// Register implements pipeline.Module.
func (m *Module) Register(r *pipeline.Registry) {
	types := m.Types
	if len(types) == 0 {
		types = DefaultTypes
	}
	r.MustRegister(&Pipeline{types: types})
}

// Pipeline copies data blobs.
type Pipeline struct {
	types []assetid.TypeID
}

func (p *Pipeline) Name() string                 { return "copy" }
func (p *Pipeline) AssetTypes() []assetid.TypeID { return p.types }
func (p *Pipeline) StructuralHash() uint32       { return pipeline.VersionHash("copy", Version) }

// HashAsset fingerprints the record's name, refs and attributes.
func (p *Pipeline) HashAsset(a sourcedb.Asset) uint32 {
	rec, ok := a.(*sourcedb.Record)
	if !ok {
		return 0
	}
	fields := []string{string(rec.Type), rec.Name}
	for _, r := range rec.Refs {
		fields = append(fields, r.String())
	}
	return pipeline.HashFields(fields, rec.Attrs)
}

// BuildDependencies makes every ref a child.
func (p *Pipeline) BuildDependencies(d pipeline.Depends, _ sourcedb.Instance, asset sourcedb.Asset, _ string, _ assetid.OutputID) bool {
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

// BuildOutput concatenates the blobs in the order the instance lists them.
func (p *Pipeline) BuildOutput(ctx context.Context, req *pipeline.BuildRequest) ([]byte, error) {
	if req.Instance == nil {
		return nil, fmt.Errorf("copy: '%s' has no source instance", req.OutputPath)
	}
	var buf bytes.Buffer
	for _, name := range req.Instance.DataNames() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := appendBlob(&buf, req.Instance, name); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func appendBlob(buf *bytes.Buffer, inst sourcedb.Instance, name string) error {
	rc, err := inst.ReadData(name)
	if err != nil {
		return fmt.Errorf("copy: opening blob %q: %w", name, err)
	}
	defer rc.Close()
	if _, err := io.Copy(buf, rc); err != nil {
		return fmt.Errorf("copy: reading blob %q: %w", name, err)
	}
	return nil
}
