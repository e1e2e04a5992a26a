// Package worker builds a single dependency node. It is shared by the
// orchestrator's local slots and by remote agent hosts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/assetgrid/internal/artifactstore"
	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/vk/assetgrid/internal/depset"
	"github.com/vk/assetgrid/internal/hashstore"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
)

// ErrNoSource is returned for a synthesized node whose asset is not available.
var ErrNoSource = errors.New("node has no source instance and no in-memory asset")

// Request describes one node to build. It is the payload sent to remote agents.
type Request struct {
	OutputID       assetid.OutputID   `json:"output_id"`
	SourceInstance assetid.OutputID   `json:"source_instance"`
	OutputPath     string             `json:"output_path"`
	AssetType      assetid.TypeID     `json:"asset_type"`
	Children       []assetid.OutputID `json:"children,omitempty"`
	// Hash is the combined hash the orchestrator computed for the node.
	Hash uint32 `json:"hash"`

	// Asset is set for synthesized nodes, which are only built locally.
	Asset sourcedb.Asset `json:"-"`
}

// NewRequest describes node idx of set.
func NewRequest(set *depset.Set, idx int) *Request {
	n := set.At(idx)
	req := &Request{
		OutputID:       n.OutputID,
		SourceInstance: n.SourceInstance,
		OutputPath:     n.OutputPath,
		AssetType:      n.AssetType,
		Hash:           n.CombinedHash(),
	}
	if a, ok := n.Asset.(sourcedb.Asset); ok {
		req.Asset = a
	}
	for _, c := range n.Children {
		req.Children = append(req.Children, set.At(c).OutputID)
	}
	return req
}

// Result is the outcome of a successful build.
type Result struct {
	// Hash is the CRC-32 of the artifact.
	Hash     uint32
	Size     int
	Duration time.Duration
	Artifact []byte
}

// Local builds nodes in-process.
type Local struct {
	Registry  *pipeline.Registry
	Sources   sourcedb.Database
	Artifacts artifactstore.Store
}

// Build resolves the node's asset, runs its pipeline and stores the artifact.
func (w *Local) Build(ctx context.Context, req *Request) (*Result, error) {
	logger := ctxlog.FromContext(ctx).With("output_id", req.OutputID, "path", req.OutputPath)
	start := time.Now()

	var inst sourcedb.Instance
	asset := req.Asset
	if asset == nil {
		if req.SourceInstance == assetid.Nil {
			return nil, ErrNoSource
		}
		var err error
		inst, err = w.Sources.GetInstance(req.SourceInstance)
		if err != nil {
			return nil, fmt.Errorf("resolving source of '%s': %w", req.OutputPath, err)
		}
		asset, err = inst.Checkout()
		if err != nil {
			return nil, fmt.Errorf("checking out '%s': %w", req.OutputPath, err)
		}
	}

	t := req.AssetType
	if t == "" {
		t = asset.AssetType()
	}
	p, ok := w.Registry.ForType(t)
	if !ok {
		return nil, fmt.Errorf("no pipeline registered for asset type '%s'", t)
	}

	logger.Debug("Building output.", "pipeline", p.Name())
	data, err := p.BuildOutput(ctx, &pipeline.BuildRequest{
		OutputID:   req.OutputID,
		OutputPath: req.OutputPath,
		Instance:   inst,
		Asset:      asset,
		Children:   req.Children,
		Inputs:     w.Artifacts,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline '%s' failed on '%s': %w", p.Name(), req.OutputPath, err)
	}
	if err := w.Artifacts.Put(ctx, req.OutputID, data); err != nil {
		return nil, fmt.Errorf("storing artifact of '%s': %w", req.OutputPath, err)
	}

	res := &Result{
		Hash:     hashstore.Checksum(data),
		Size:     len(data),
		Duration: time.Since(start),
		Artifact: data,
	}
	logger.Debug("Output built.", "bytes", res.Size, "duration", res.Duration)
	return res, nil
}
