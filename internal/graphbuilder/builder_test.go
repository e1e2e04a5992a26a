package graphbuilder

import (
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/depset"
	"github.com/vk/assetgrid/internal/hashstore"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
	"github.com/vk/assetgrid/internal/testutil"
)

type fixture struct {
	registry *pipeline.Registry
	sources  *sourcedb.Memory
	mesh     *testutil.MockPipeline
	texture  *testutil.MockPipeline
}

func newFixture(t *testing.T, instances ...sourcedb.Instance) *fixture {
	t.Helper()
	f := &fixture{
		registry: pipeline.NewRegistry(),
		sources:  sourcedb.NewMemory(instances...),
		mesh:     testutil.NewMockPipeline("mesh", "mesh"),
		texture:  testutil.NewMockPipeline("texture", "texture"),
	}
	f.registry.Install(context.Background(), f.mesh, f.texture)
	return f
}

func (f *fixture) builder(opts Options) *Builder {
	opts.Registry = f.registry
	opts.Sources = f.sources
	return New(opts)
}

type outputSet map[assetid.OutputID]bool

func (o outputSet) Has(id assetid.OutputID) bool { return o[id] }

func childIDs(set *depset.Set, n *depset.Dependency) []assetid.OutputID {
	var ids []assetid.OutputID
	for _, c := range n.Children {
		ids = append(ids, set.At(c).OutputID)
	}
	return ids
}

func TestBuilder_Basics(t *testing.T) {
	t.Run("expands refs into nodes and edges", func(t *testing.T) {
		f := newFixture(t,
			testutil.Asset("A", "mesh", testutil.ID("B"), testutil.ID("C")),
			testutil.Asset("B", "texture"),
			testutil.Asset("C", "texture"),
		)
		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"))

		require.True(t, b.OK())
		require.Equal(t, 3, set.Len())
		assert.Equal(t, 2, set.EdgeCount())

		a := set.Get(testutil.ID("A"))
		require.NotNil(t, a)
		assert.Equal(t, []assetid.OutputID{testutil.ID("B"), testutil.ID("C")}, childIDs(set, a))
		assert.Equal(t, "mesh", a.PipelineType)
		assert.Equal(t, f.mesh.StructuralHash(), a.PipelineHash)
		assert.True(t, a.Flags.Has(depset.MustBuild))
		assert.True(t, a.HasSource())

		c := set.Get(testutil.ID("C"))
		require.NotNil(t, c)
		assert.Equal(t, "texture", c.PipelineType)
		assert.Equal(t, depset.Flags(0), c.Flags)
		assert.Empty(t, c.Children)
	})

	t.Run("shared child yields one node with two edges and unioned flags", func(t *testing.T) {
		d := testutil.Asset("D", "texture")
		f := newFixture(t,
			testutil.Asset("A", "mesh", testutil.ID("B"), testutil.ID("C")),
			testutil.Asset("B", "mesh"),
			testutil.Asset("C", "mesh"),
			d,
		)
		f.mesh.Expand = func(dep pipeline.Depends, inst sourcedb.Instance, asset sourcedb.Asset, _ string, _ assetid.OutputID) bool {
			switch inst.Name() {
			case "B":
				return dep.AddID(testutil.ID("D"), depset.MustBuild)
			case "C":
				return dep.AddInstance(d, depset.IsResource)
			}
			rec := asset.(*sourcedb.Record)
			for _, ref := range rec.Refs {
				dep.AddID(ref, 0)
			}
			return true
		}

		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"))

		require.True(t, b.OK())
		assert.Equal(t, 4, set.Len())
		assert.Equal(t, 4, set.EdgeCount())
		assert.Equal(t, depset.MustBuild|depset.IsResource, testutil.Flags(set, "D"))
		assert.Equal(t, 1, f.texture.Expansions(testutil.ID("D")), "an existing node is never re-expanded")

		di, _ := set.Index(testutil.ID("D"))
		assert.Len(t, set.Parents()[di], 2)
	})

	t.Run("cycles are expanded once", func(t *testing.T) {
		f := newFixture(t,
			testutil.Asset("A", "mesh", testutil.ID("B")),
			testutil.Asset("B", "mesh", testutil.ID("A")),
		)
		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"))

		require.True(t, b.OK())
		assert.Equal(t, 2, set.Len())
		assert.Equal(t, []int{0, 1}, set.Cycles())
		assert.Equal(t, 1, f.mesh.Expansions(testutil.ID("A")))
		assert.Equal(t, 1, f.mesh.Expansions(testutil.ID("B")))
	})

	t.Run("depth budget truncates expansion", func(t *testing.T) {
		f := newFixture(t,
			testutil.Asset("A", "mesh", testutil.ID("B")),
			testutil.Asset("B", "mesh", testutil.ID("C")),
			testutil.Asset("C", "mesh"),
		)
		b := f.builder(Options{MaxDepth: 1})
		set := b.Build(context.Background(), testutil.ID("A"))

		assert.True(t, b.OK())
		assert.Equal(t, 2, set.Len())
		assert.Nil(t, set.Get(testutil.ID("C")))
		assert.Equal(t, 1, b.Truncated())
		assert.Equal(t, 0, f.mesh.Expansions(testutil.ID("B")))
	})

	t.Run("synthesized outputs carry their asset", func(t *testing.T) {
		f := newFixture(t, testutil.Asset("A", "mesh"))
		gen := &sourcedb.Record{Type: "texture", Name: "A.lightmap"}
		genID := assetid.Derive(testutil.ID("A"), "lightmap")
		f.mesh.Expand = func(dep pipeline.Depends, _ sourcedb.Instance, _ sourcedb.Asset, path string, id assetid.OutputID) bool {
			return dep.AddOutput(gen, path+".lightmap", assetid.Derive(id, "lightmap"), depset.MustBuild)
		}

		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"))

		require.True(t, b.OK())
		n := set.Get(genID)
		require.NotNil(t, n)
		assert.False(t, n.HasSource())
		assert.Equal(t, "A.lightmap", n.OutputPath)
		assert.Same(t, gen, n.Asset)
		assert.Equal(t, "texture", n.PipelineType)
	})
}

func TestBuilder_Hashing(t *testing.T) {
	mtime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("source data hash reuses recorded checksums", func(t *testing.T) {
		inst := testutil.WithBlob(testutil.Asset("A", "mesh"), "geometry", []byte("vertices"), mtime)
		testutil.WithBlob(inst, "normals", []byte("normals"), mtime)
		f := newFixture(t, inst)
		store := hashstore.NewMemory()

		first := f.builder(Options{Hashes: hashstore.NewChecksummer(store)})
		set := first.Build(context.Background(), inst.ID())
		require.True(t, first.OK())
		want := crc32.ChecksumIEEE([]byte("vertices")) + crc32.ChecksumIEEE([]byte("normals"))
		assert.Equal(t, want, set.Get(inst.ID()).SourceDataHash)
		assert.Equal(t, int64(2), inst.Reads())

		rec, ok := store.GetFile(hashstore.BlobKey("A", "geometry"))
		require.True(t, ok)
		assert.Equal(t, int64(len("vertices")), rec.Size)

		second := f.builder(Options{Hashes: hashstore.NewChecksummer(store)})
		set = second.Build(context.Background(), inst.ID())
		assert.Equal(t, want, set.Get(inst.ID()).SourceDataHash)
		assert.Equal(t, int64(2), inst.Reads(), "unchanged blobs must not be read again")

		inst.Blobs["geometry"] = []byte("more vertices")
		inst.MTimes["geometry"] = mtime.Add(time.Second)
		third := f.builder(Options{Hashes: hashstore.NewChecksummer(store)})
		set = third.Build(context.Background(), inst.ID())
		assert.Equal(t, int64(3), inst.Reads())
		assert.NotEqual(t, want, set.Get(inst.ID()).SourceDataHash)
	})

	t.Run("type-only dependency folds the structural hash", func(t *testing.T) {
		f := newFixture(t, testutil.Asset("A", "mesh"))
		f.mesh.Expand = func(dep pipeline.Depends, _ sourcedb.Instance, _ sourcedb.Asset, _ string, _ assetid.OutputID) bool {
			return dep.AddType("texture")
		}
		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"))

		require.True(t, b.OK())
		assert.Equal(t, 1, set.Len())
		assert.Equal(t, f.mesh.StructuralHash()+f.texture.StructuralHash(), set.Get(testutil.ID("A")).PipelineHash)
	})

	t.Run("asset dependency folds the owning pipeline", func(t *testing.T) {
		f := newFixture(t, testutil.Asset("A", "mesh"))
		f.mesh.Expand = func(dep pipeline.Depends, _ sourcedb.Instance, _ sourcedb.Asset, _ string, _ assetid.OutputID) bool {
			return dep.AddAsset(&sourcedb.Record{Type: "texture"})
		}
		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"))

		require.True(t, b.OK())
		assert.Equal(t, 1, set.Len())
		assert.Equal(t, f.mesh.StructuralHash()+f.texture.StructuralHash(), set.Get(testutil.ID("A")).PipelineHash)
	})

	t.Run("external files", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "shader.glsl"), []byte("void main(){}"), 0o644))

		f := newFixture(t, testutil.Asset("A", "mesh"), testutil.Asset("B", "mesh"))
		f.mesh.Expand = func(dep pipeline.Depends, inst sourcedb.Instance, _ sourcedb.Asset, _ string, _ assetid.OutputID) bool {
			if inst.Name() == "A" {
				ok := dep.AddFile(dir, "shader.glsl")
				return dep.AddFile(dir, "shader.glsl") && ok
			}
			return dep.AddFile(dir, "missing.glsl")
		}
		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"), testutil.ID("B"))

		a := set.Get(testutil.ID("A"))
		require.Len(t, a.Files, 1)
		assert.Equal(t, filepath.Join(dir, "shader.glsl"), a.Files[0].Path)
		assert.False(t, a.Files[0].LastWriteTime.IsZero())
		assert.Equal(t, crc32.ChecksumIEEE([]byte("void main(){}")), a.FilesHash)
		assert.False(t, a.Flags.Has(depset.Failed))

		assert.True(t, testutil.Flags(set, "B").Has(depset.Failed))
		assert.True(t, b.OK(), "an unreadable file only fails its node")
		require.Len(t, b.Errors(), 1)
		var ioErr *IOError
		require.ErrorAs(t, b.Errors()[0], &ioErr)
		assert.Equal(t, testutil.ID("B"), ioErr.OutputID)
	})
}

func TestBuilder_Failures(t *testing.T) {
	t.Run("missing pipeline is sticky and skips children", func(t *testing.T) {
		x := testutil.Asset("X", "texture")
		x.Blobs["pixels"] = []byte("rgba")
		f := newFixture(t,
			testutil.Asset("R", "mesh", testutil.ID("D"), testutil.ID("S")),
			testutil.Asset("D", "unknown", testutil.ID("X")),
			testutil.Asset("S", "texture"),
			x,
		)
		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("R"))

		assert.False(t, b.OK())
		assert.True(t, testutil.Flags(set, "D").Has(depset.Failed))
		assert.Nil(t, set.Get(testutil.ID("X")), "children of an unbuildable node are never visited")
		assert.Equal(t, int64(0), x.Reads())
		assert.Nil(t, set.Get(testutil.ID("S")), "later calls are no-ops after a sticky error")

		require.NotEmpty(t, b.Errors())
		var cfgErr *ConfigurationError
		require.ErrorAs(t, b.Errors()[0], &cfgErr)
		assert.Equal(t, assetid.TypeID("unknown"), cfgErr.Type)
		assert.Equal(t, "D", cfgErr.Path)

		assert.False(t, b.AddID(testutil.ID("S"), 0))
		assert.False(t, b.AddType("texture"))
	})

	t.Run("dangling reference", func(t *testing.T) {
		missing := assetid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
		f := newFixture(t, testutil.Asset("A", "mesh", missing))
		b := f.builder(Options{})
		b.Build(context.Background(), testutil.ID("A"))

		assert.False(t, b.OK())
		var dangling *DanglingReferenceError
		require.ErrorAs(t, b.Errors()[0], &dangling)
		assert.Equal(t, missing, dangling.ID)
		assert.Equal(t, "A", dangling.Referrer)
	})

	t.Run("reference to an existing output is tolerated", func(t *testing.T) {
		synthesized := assetid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
		f := newFixture(t, testutil.Asset("A", "mesh", synthesized))
		b := f.builder(Options{Outputs: outputSet{synthesized: true}})
		set := b.Build(context.Background(), testutil.ID("A"))

		assert.True(t, b.OK())
		assert.Equal(t, 1, set.Len())
		assert.Nil(t, set.Get(synthesized))
	})

	t.Run("checkout failure fails the node", func(t *testing.T) {
		broken := testutil.Asset("B", "texture")
		broken.CheckoutErr = os.ErrPermission
		f := newFixture(t, testutil.Asset("A", "mesh", testutil.ID("B"), testutil.ID("C")), broken, testutil.Asset("C", "texture"))
		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"))

		assert.True(t, b.OK())
		assert.True(t, testutil.Flags(set, "B").Has(depset.Failed))
		assert.True(t, testutil.Flags(set, "A").Has(depset.Failed), "the pipeline reported the failed child")
		assert.ErrorIs(t, set.Get(testutil.ID("B")).Err, os.ErrPermission)
		assert.NoError(t, set.Get(testutil.ID("A")).Err, "a failed child is not the parent's own error")
		assert.NotNil(t, set.Get(testutil.ID("C")), "siblings are still expanded")
		require.Len(t, b.Errors(), 1)
		assert.ErrorIs(t, b.Errors()[0], os.ErrPermission)
	})

	t.Run("unreadable blob fails the node", func(t *testing.T) {
		f := newFixture(t, &brokenBlobs{MemoryInstance: testutil.Asset("A", "mesh")})

		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"))

		assert.True(t, b.OK())
		assert.True(t, testutil.Flags(set, "A").Has(depset.Failed))
		require.Len(t, b.Errors(), 1)
		assert.ErrorIs(t, b.Errors()[0], sourcedb.ErrNotFound)
		assert.ErrorIs(t, set.Get(testutil.ID("A")).Err, sourcedb.ErrNotFound)
	})
}

// brokenBlobs lists a blob it cannot read.
type brokenBlobs struct {
	*sourcedb.MemoryInstance
}

func (b *brokenBlobs) DataNames() []string { return []string{"ghost"} }

func (b *brokenBlobs) DataLastWriteTime(string) (time.Time, error) {
	return time.Time{}, sourcedb.ErrNotFound
}

func TestBuilder_Cancellation(t *testing.T) {
	t.Run("cancelled context does nothing", func(t *testing.T) {
		f := newFixture(t, testutil.Asset("A", "mesh"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		b := f.builder(Options{})
		set := b.Build(ctx, testutil.ID("A"))
		assert.Equal(t, 0, set.Len())
		assert.True(t, b.Cancelled())
		assert.False(t, b.OK())
	})

	t.Run("stop during expansion", func(t *testing.T) {
		f := newFixture(t,
			testutil.Asset("A", "mesh", testutil.ID("B"), testutil.ID("C")),
			testutil.Asset("B", "texture"),
			testutil.Asset("C", "texture"),
		)
		f.mesh.Expand = func(dep pipeline.Depends, _ sourcedb.Instance, _ sourcedb.Asset, _ string, _ assetid.OutputID) bool {
			ok := dep.AddID(testutil.ID("B"), 0)
			dep.(*Builder).Stop()
			return dep.AddID(testutil.ID("C"), 0) && ok
		}
		b := f.builder(Options{})
		set := b.Build(context.Background(), testutil.ID("A"))

		assert.True(t, b.Cancelled())
		assert.NotNil(t, set.Get(testutil.ID("B")))
		assert.Nil(t, set.Get(testutil.ID("C")))
		assert.Empty(t, b.Errors())
	})
}
