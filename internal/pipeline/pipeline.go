package pipeline

import (
	"context"

	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/depset"
	"github.com/vk/assetgrid/internal/sourcedb"
)

// Depends is the callback surface a pipeline uses while declaring the
// dependencies of the node currently being expanded. Every method is a no-op
// returning false once the traversal has been stopped or has hit a sticky
// configuration error.
type Depends interface {
	// AddAsset folds the structural hash of the pipeline owning asset into the
	// current node without creating a node.
	AddAsset(asset sourcedb.Asset) bool
	// AddOutput creates or updates the node for id, built from an in-memory asset.
	AddOutput(asset sourcedb.Asset, outputPath string, id assetid.OutputID, flags depset.Flags) bool
	// AddInstance creates or updates the node built from a source instance.
	AddInstance(inst sourcedb.Instance, flags depset.Flags) bool
	// AddID resolves id through the source database and adds it as an instance.
	AddID(id assetid.OutputID, flags depset.Flags) bool
	// AddFile registers an external file of the current node.
	AddFile(basePath, fileName string) bool
	// AddType folds the structural hash of the pipeline handling t into the current node.
	AddType(t assetid.TypeID) bool
}

// ArtifactReader gives BuildOutput access to already built outputs.
type ArtifactReader interface {
	Get(ctx context.Context, id assetid.OutputID) ([]byte, error)
}

// BuildRequest carries everything BuildOutput needs for one node.
type BuildRequest struct {
	OutputID   assetid.OutputID
	OutputPath string
	// Instance is nil for synthesized outputs.
	Instance sourcedb.Instance
	Asset    sourcedb.Asset
	Children []assetid.OutputID
	Inputs   ArtifactReader
}

// Pipeline is the capability set of a pipeline plugin.
type Pipeline interface {
	// Name identifies the pipeline in logs and in the dependency set.
	Name() string
	AssetTypes() []assetid.TypeID
	// StructuralHash is the version fingerprint of the pipeline logic.
	StructuralHash() uint32
	BuildDependencies(d Depends, inst sourcedb.Instance, asset sourcedb.Asset, outputPath string, id assetid.OutputID) bool
	HashAsset(asset sourcedb.Asset) uint32
	BuildOutput(ctx context.Context, req *BuildRequest) ([]byte, error)
}
