// Package bundle groups referenced assets into one manifest output.
//
// Every ref of a bundle becomes a MustBuild child. A bundle whose `index`
// attribute is "true" also synthesizes an index output that has no source
// instance of its own.
package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/vk/assetgrid/internal/artifactstore"
	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/depset"
	"github.com/vk/assetgrid/internal/hashstore"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
)

const (
	Version = "1"

	Type      assetid.TypeID = "bundle"
	IndexType assetid.TypeID = "bundle-index"
)

// Module registers the bundle pipeline.
type Module struct {
	// Folds lists asset types whose pipeline version every bundle depends
	// on. Defaults to "raw".
	Folds []assetid.TypeID
}

// Register implements pipeline.Module.
func (m *Module) Register(r *pipeline.Registry) {
	folds := m.Folds
	if folds == nil {
		folds = []assetid.TypeID{"raw"}
	}
	r.MustRegister(&Pipeline{folds: folds})
}

// Index is the synthesized asset listing a bundle's members.
type Index struct {
	Bundle *sourcedb.Record
}

func (i *Index) AssetType() assetid.TypeID { return IndexType }

// IndexID is the output id of a bundle's index.
func IndexID(bundle assetid.OutputID) assetid.OutputID {
	return assetid.Derive(bundle, "index")
}

// Pipeline builds bundles and their indexes.
type Pipeline struct {
	folds []assetid.TypeID
}

func (p *Pipeline) Name() string                 { return "bundle" }
func (p *Pipeline) AssetTypes() []assetid.TypeID { return []assetid.TypeID{Type, IndexType} }
func (p *Pipeline) StructuralHash() uint32       { return pipeline.VersionHash("bundle", Version) }

func (p *Pipeline) HashAsset(a sourcedb.Asset) uint32 {
	var rec *sourcedb.Record
	switch v := a.(type) {
	case *sourcedb.Record:
		rec = v
	case *Index:
		rec = v.Bundle
	default:
		return 0
	}
	fields := []string{string(a.AssetType()), rec.Name}
	for _, r := range rec.Refs {
		fields = append(fields, r.String())
	}
	return pipeline.HashFields(fields, rec.Attrs)
}

func (p *Pipeline) BuildDependencies(d pipeline.Depends, _ sourcedb.Instance, asset sourcedb.Asset, path string, id assetid.OutputID) bool {
	rec, ok := asset.(*sourcedb.Record)
	if !ok {
		return true
	}
	for _, t := range p.folds {
		if !d.AddType(t) {
			return false
		}
	}
	result := true
	for _, ref := range rec.Refs {
		if !d.AddID(ref, depset.MustBuild) {
			result = false
		}
	}
	if rec.Attr("index") == "true" {
		if !d.AddOutput(&Index{Bundle: rec}, path+".index", IndexID(id), depset.MustBuild) {
			result = false
		}
	}
	return result
}

func (p *Pipeline) BuildOutput(ctx context.Context, req *pipeline.BuildRequest) ([]byte, error) {
	var buf bytes.Buffer
	switch a := req.Asset.(type) {
	case *Index:
		fmt.Fprintf(&buf, "index %s\n", a.Bundle.Name)
		for _, ref := range a.Bundle.Refs {
			fmt.Fprintf(&buf, "%s\n", ref)
		}
	case *sourcedb.Record:
		fmt.Fprintf(&buf, "bundle %s\n", a.Name)
		for _, child := range req.Children {
			data, err := req.Inputs.Get(ctx, child)
			if errors.Is(err, artifactstore.ErrNotFound) {
				fmt.Fprintf(&buf, "%s missing\n", child)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("bundle: reading member %s: %w", child, err)
			}
			fmt.Fprintf(&buf, "%s %d %08x\n", child, len(data), hashstore.Checksum(data))
		}
	default:
		return nil, fmt.Errorf("bundle: unexpected asset %T for '%s'", req.Asset, req.OutputPath)
	}
	return buf.Bytes(), nil
}
