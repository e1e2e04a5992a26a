package graphbuilder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/vk/assetgrid/internal/depset"
	"github.com/vk/assetgrid/internal/hashstore"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
)

// DefaultMaxDepth bounds the recursion into BuildDependencies.
const DefaultMaxDepth = 256

// Options configures a Builder.
type Options struct {
	Registry *pipeline.Registry
	Sources  sourcedb.Database
	// Outputs is consulted for ids with no source record. May be nil.
	Outputs sourcedb.OutputDatabase
	Hashes  *hashstore.Checksummer
	// MaxDepth is the recursion budget. Nodes beyond it are kept but not expanded.
	MaxDepth int
}

// Builder produces a dependency set. It implements pipeline.Depends and is
// not safe for concurrent use.
type Builder struct {
	opts Options

	ctx    context.Context
	logger *slog.Logger
	set    *depset.Set

	current int
	depth   int

	ok        bool
	stop      atomic.Bool
	cancelled bool
	truncated int
	errs      []error
}

var _ pipeline.Depends = (*Builder)(nil)

// New creates a Builder. A nil Hashes gets an in-memory store.
func New(opts Options) *Builder {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Hashes == nil {
		opts.Hashes = hashstore.NewChecksummer(hashstore.NewMemory())
	}
	return &Builder{
		opts:    opts,
		ctx:     context.Background(),
		logger:  slog.Default(),
		set:     depset.New(),
		current: -1,
		ok:      true,
	}
}

// Build expands every root and returns the resulting set. Roots are added
// with MustBuild. Calling Build again on the same Builder extends the set.
func (b *Builder) Build(ctx context.Context, roots ...assetid.OutputID) *depset.Set {
	b.ctx = ctx
	b.logger = ctxlog.FromContext(ctx)
	b.logger.Debug("Building dependency graph.", "roots", len(roots))

	for _, id := range roots {
		b.current, b.depth = -1, 0
		b.AddID(id, depset.MustBuild)
	}
	b.current, b.depth = -1, 0

	b.logger.Info("Dependency graph built.",
		"nodes", b.set.Len(), "edges", b.set.EdgeCount(), "ok", b.OK(), "truncated", b.truncated)
	return b.set
}

// Set returns the set built so far.
func (b *Builder) Set() *depset.Set { return b.set }

// Stop requests the traversal to end. It may be called from any goroutine.
func (b *Builder) Stop() { b.stop.Store(true) }

// OK reports whether no sticky error was recorded and the traversal ran to completion.
func (b *Builder) OK() bool { return b.ok && !b.cancelled }

// Cancelled reports whether the traversal observed a stop request.
func (b *Builder) Cancelled() bool { return b.cancelled }

// Truncated returns how many nodes were left unexpanded by the depth budget.
func (b *Builder) Truncated() int { return b.truncated }

// Errors returns every error recorded so far, in order.
func (b *Builder) Errors() []error { return b.errs }

// halted is evaluated before every unit of work.
func (b *Builder) halted() bool {
	if b.cancelled {
		return true
	}
	if b.stop.Load() || b.ctx.Err() != nil {
		b.cancelled = true
		b.logger.Warn("Dependency graph traversal cancelled.")
		return true
	}
	return !b.ok
}

// AddAsset implements pipeline.Depends.
func (b *Builder) AddAsset(asset sourcedb.Asset) bool {
	if b.halted() {
		return false
	}
	if asset == nil {
		return false
	}
	return b.AddType(asset.AssetType())
}

// AddType implements pipeline.Depends.
func (b *Builder) AddType(t assetid.TypeID) bool {
	if b.halted() {
		return false
	}
	p, ok := b.opts.Registry.ForType(t)
	if !ok {
		var (
			id   assetid.OutputID
			path string
		)
		if b.current >= 0 {
			n := b.set.At(b.current)
			id, path = n.OutputID, n.OutputPath
			n.Flags |= depset.Failed
		}
		b.fatal(&ConfigurationError{Type: t, OutputID: id, Path: path})
		return false
	}
	if b.current >= 0 {
		b.set.At(b.current).PipelineHash += p.StructuralHash()
	}
	return true
}

// AddOutput implements pipeline.Depends.
func (b *Builder) AddOutput(asset sourcedb.Asset, outputPath string, id assetid.OutputID, flags depset.Flags) bool {
	if b.halted() {
		return false
	}
	if asset == nil || id == assetid.Nil {
		return false
	}
	if b.linkExisting(id, flags) {
		return true
	}
	dep := depset.Dependency{
		OutputID:   id,
		OutputPath: outputPath,
		AssetType:  asset.AssetType(),
		Flags:      flags,
		Asset:      asset,
	}
	return b.expand(dep, nil, asset)
}

// AddInstance implements pipeline.Depends.
func (b *Builder) AddInstance(inst sourcedb.Instance, flags depset.Flags) bool {
	if b.halted() {
		return false
	}
	if inst == nil {
		return false
	}
	if b.linkExisting(inst.ID(), flags) {
		return true
	}
	dep := depset.Dependency{
		OutputID:       inst.ID(),
		SourceInstance: inst.ID(),
		OutputPath:     inst.Path(),
		AssetType:      inst.TypeID(),
		Flags:          flags,
	}
	asset, err := inst.Checkout()
	if err != nil {
		dep.Flags |= depset.Failed
		idx := b.insert(dep)
		b.nodeError(idx, err)
		return false
	}
	return b.expand(dep, inst, asset)
}

// AddID implements pipeline.Depends.
func (b *Builder) AddID(id assetid.OutputID, flags depset.Flags) bool {
	if b.halted() {
		return false
	}
	if b.linkExisting(id, flags) {
		return true
	}
	inst, err := b.opts.Sources.GetInstance(id)
	if err != nil {
		if errors.Is(err, sourcedb.ErrNotFound) {
			if b.opts.Outputs != nil && b.opts.Outputs.Has(id) {
				b.logger.Debug("Reference resolved to an existing output.", "output_id", id)
				return true
			}
			b.fatal(&DanglingReferenceError{ID: id, Referrer: b.currentPath()})
			return false
		}
		ioErr := &IOError{OutputID: id, Path: b.currentPath(), Err: err}
		if b.current >= 0 {
			n := b.set.At(b.current)
			n.Flags |= depset.Failed
			n.Err = ioErr
		}
		b.record(ioErr)
		return false
	}
	return b.AddInstance(inst, flags)
}

// AddFile implements pipeline.Depends.
func (b *Builder) AddFile(basePath, fileName string) bool {
	if b.halted() {
		return false
	}
	if b.current < 0 {
		return false
	}
	n := b.set.At(b.current)
	path := filepath.Join(basePath, fileName)
	for _, f := range n.Files {
		if f.Path == path {
			return true
		}
	}
	sum, mtime, err := b.opts.Hashes.SumFile(path)
	if err != nil {
		b.nodeError(b.current, err)
		return false
	}
	n.Files = append(n.Files, depset.ExternalFile{Path: path, LastWriteTime: mtime})
	n.FilesHash += sum
	return true
}

// linkExisting unions flags into an existing node and links it under the
// current parent. It reports whether the node existed.
func (b *Builder) linkExisting(id assetid.OutputID, flags depset.Flags) bool {
	idx, ok := b.set.Index(id)
	if !ok {
		return false
	}
	b.set.Add(depset.Dependency{OutputID: id, Flags: flags})
	b.set.Link(b.current, idx)
	return true
}

func (b *Builder) insert(dep depset.Dependency) int {
	idx, _ := b.set.Add(dep)
	b.set.Link(b.current, idx)
	return idx
}

// expand creates the node, hashes it and recurses into its pipeline.
func (b *Builder) expand(dep depset.Dependency, inst sourcedb.Instance, asset sourcedb.Asset) bool {
	p, ok := b.opts.Registry.ForType(dep.AssetType)
	if !ok {
		dep.Flags |= depset.Failed
		b.insert(dep)
		b.fatal(&ConfigurationError{Type: dep.AssetType, OutputID: dep.OutputID, Path: dep.OutputPath})
		return false
	}

	dep.PipelineType = p.Name()
	dep.PipelineHash = p.StructuralHash()
	dep.SourceAssetHash = p.HashAsset(asset)
	idx := b.insert(dep)
	n := b.set.At(idx)

	result := true
	if inst != nil {
		sum, err := b.dataHash(inst)
		n.SourceDataHash = sum
		if err != nil {
			b.nodeError(idx, err)
			result = false
		}
	}

	if b.depth >= b.opts.MaxDepth {
		b.truncated++
		b.logger.Warn("Recursion depth budget exhausted; node not expanded.",
			"output_id", n.OutputID, "path", n.OutputPath, "depth", b.depth)
		return result
	}

	parent, depth := b.current, b.depth
	b.current, b.depth = idx, depth+1
	expanded := p.BuildDependencies(b, inst, asset, n.OutputPath, n.OutputID)
	b.current, b.depth = parent, depth

	if !expanded {
		n.Flags |= depset.Failed
		b.logger.Debug("Pipeline reported a dependency failure.",
			"output_id", n.OutputID, "path", n.OutputPath, "pipeline", n.PipelineType)
		result = false
	}
	return result
}

// dataHash sums the checksums of every data blob of inst.
func (b *Builder) dataHash(inst sourcedb.Instance) (uint32, error) {
	var sum uint32
	for _, name := range inst.DataNames() {
		mtime, err := inst.DataLastWriteTime(name)
		if err != nil {
			return sum, err
		}
		blob := name
		c, err := b.opts.Hashes.Sum(hashstore.BlobKey(inst.Path(), blob), mtime, func() (io.ReadCloser, error) {
			return inst.ReadData(blob)
		})
		if err != nil {
			return sum, err
		}
		sum += c
	}
	return sum, nil
}

func (b *Builder) currentPath() string {
	if b.current < 0 {
		return ""
	}
	return b.set.At(b.current).OutputPath
}

// nodeError fails one node without stopping the traversal. The first error
// is kept on the node.
func (b *Builder) nodeError(idx int, err error) {
	n := b.set.At(idx)
	ioErr := &IOError{OutputID: n.OutputID, Path: n.OutputPath, Err: err}
	n.Flags |= depset.Failed
	if n.Err == nil {
		n.Err = ioErr
	}
	b.record(ioErr)
}

// fatal records a sticky error.
func (b *Builder) fatal(err error) {
	b.ok = false
	b.record(err)
}

func (b *Builder) record(err error) {
	b.errs = append(b.errs, err)
	b.logger.Error("Dependency graph error.", "error", err)
}
