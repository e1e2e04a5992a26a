package depset

import (
	"strings"
	"time"

	"github.com/vk/assetgrid/internal/assetid"
)

// Flags is the per-node flag set.
type Flags uint8

const (
	// MustBuild marks a node that has to be built even when it is only referenced.
	MustBuild Flags = 1 << iota
	// IsResource marks a node whose output is a standalone runtime resource.
	IsResource
	// Failed marks a node whose expansion or build failed.
	Failed
	// UseOnly marks a node that contributes hashes to its parents but is not built.
	UseOnly
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, e := range []struct {
		flag Flags
		name string
	}{
		{MustBuild, "MustBuild"},
		{IsResource, "IsResource"},
		{Failed, "Failed"},
		{UseOnly, "UseOnly"},
	} {
		if f.Has(e.flag) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// ExternalFile is a file on disk the node was built from.
type ExternalFile struct {
	Path          string
	LastWriteTime time.Time
}

// Dependency is one buildable node.
type Dependency struct {
	OutputID assetid.OutputID
	// SourceInstance is assetid.Nil for synthesized outputs.
	SourceInstance assetid.OutputID
	OutputPath     string
	AssetType      assetid.TypeID
	// PipelineType names the pipeline that builds this node.
	PipelineType string

	PipelineHash    uint32
	SourceAssetHash uint32
	SourceDataHash  uint32
	FilesHash       uint32

	Flags    Flags
	Files    []ExternalFile
	Children []int

	// Asset holds the in-memory source object of synthesized outputs, which
	// have no source instance to check out again at build time.
	Asset any

	// Err is the I/O error recorded for this node while the graph was built.
	// A node carrying one is failed without being dispatched.
	Err error
}

// CombinedHash folds the four hashes into the value recorded after a
// successful build and compared on the next run.
func (d *Dependency) CombinedHash() uint32 {
	return d.PipelineHash ^ d.SourceAssetHash ^ d.SourceDataHash ^ d.FilesHash
}

// HasSource reports whether the node was created from a source instance.
func (d *Dependency) HasSource() bool {
	return d.SourceInstance != assetid.Nil
}
