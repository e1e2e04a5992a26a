package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/assetgrid/internal/agent"
	"github.com/vk/assetgrid/internal/artifactstore"
	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/cas"
	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/vk/assetgrid/internal/depset"
	"github.com/vk/assetgrid/internal/graphbuilder"
	"github.com/vk/assetgrid/internal/hashstore"
	"github.com/vk/assetgrid/internal/orchestrator"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
	"github.com/vk/assetgrid/internal/testutil"
	"github.com/vk/assetgrid/internal/worker"
)

func quietContext() context.Context {
	return ctxlog.WithLogger(context.Background(), ctxlog.Discard())
}

type fixture struct {
	registry  *pipeline.Registry
	sources   *sourcedb.Memory
	mesh      *testutil.MockPipeline
	hashes    *hashstore.Memory
	artifacts *artifactstore.Memory
	local     *worker.Local
}

func newFixture(t *testing.T, instances ...sourcedb.Instance) *fixture {
	t.Helper()
	f := &fixture{
		registry:  pipeline.NewRegistry(),
		sources:   sourcedb.NewMemory(instances...),
		mesh:      testutil.NewMockPipeline("mesh", "mesh"),
		hashes:    hashstore.NewMemory(),
		artifacts: artifactstore.NewMemory(),
	}
	f.registry.Install(quietContext(), f.mesh)
	f.local = &worker.Local{Registry: f.registry, Sources: f.sources, Artifacts: f.artifacts}
	return f
}

func (f *fixture) graph(t *testing.T, roots ...string) *depset.Set {
	t.Helper()
	b := graphbuilder.New(graphbuilder.Options{
		Registry: f.registry,
		Sources:  f.sources,
		Hashes:   hashstore.NewChecksummer(f.hashes),
	})
	ids := make([]assetid.OutputID, len(roots))
	for i, r := range roots {
		ids[i] = testutil.ID(r)
	}
	return b.Build(quietContext(), ids...)
}

func (f *fixture) orchestrator(opts orchestrator.Options, agents ...*agent.Agent) *orchestrator.Orchestrator {
	return orchestrator.New(f.local, f.hashes, opts, agents...)
}

func abc(t *testing.T) *fixture {
	return newFixture(t,
		testutil.Asset("A", "mesh", testutil.ID("B"), testutil.ID("C")),
		testutil.Asset("B", "mesh"),
		testutil.Asset("C", "mesh"),
	)
}

type progress struct {
	mu    sync.Mutex
	calls [][2]int
}

func (p *progress) Notify(current, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, [2]int{current, total})
}

func TestBuild_ChildrenBeforeParents(t *testing.T) {
	f := abc(t)
	var prog progress
	res := f.orchestrator(orchestrator.Options{Workers: 2, Progress: &prog}).Build(quietContext(), f.graph(t, "A"), false)

	require.True(t, res.OK(), res.Summary())
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.Dispatched)

	order := f.mesh.Order()
	require.Len(t, order, 3)
	assert.Equal(t, testutil.ID("A"), order[2])
	assert.ElementsMatch(t, []assetid.OutputID{testutil.ID("B"), testutil.ID("C")}, order[:2])

	require.Len(t, prog.calls, 3)
	for i, c := range prog.calls {
		assert.Equal(t, [2]int{i + 1, 3}, c)
	}

	for _, name := range []string{"A", "B", "C"} {
		_, ok := f.hashes.GetFile(hashstore.OutputKey(testutil.ID(name)))
		assert.True(t, ok, name)
		assert.True(t, f.artifacts.Has(testutil.ID(name)), name)
	}
}

func TestBuild_Incremental(t *testing.T) {
	f := abc(t)
	o := f.orchestrator(orchestrator.Options{Workers: 2})
	require.True(t, o.Build(quietContext(), f.graph(t, "A"), false).OK())

	t.Run("unchanged sources dispatch nothing", func(t *testing.T) {
		res := o.Build(quietContext(), f.graph(t, "A"), false)
		require.True(t, res.OK())
		assert.Equal(t, 0, res.Dispatched)
		assert.Equal(t, 3, res.UpToDate)
		assert.Equal(t, 3, res.Succeeded)
		assert.Equal(t, 3, f.mesh.TotalBuilds())
	})

	t.Run("force rebuilds everything", func(t *testing.T) {
		res := o.Build(quietContext(), f.graph(t, "A"), true)
		require.True(t, res.OK())
		assert.Equal(t, 3, res.Dispatched)
		assert.Equal(t, 6, f.mesh.TotalBuilds())
	})

	t.Run("a changed blob rebuilds its node and the parents", func(t *testing.T) {
		f.sources.Put(testutil.WithBlob(testutil.Asset("C", "mesh"), "verts", []byte("v1"), time.Unix(100, 0)))
		res := o.Build(quietContext(), f.graph(t, "A"), false)
		require.True(t, res.OK())
		assert.Equal(t, 2, res.Dispatched)
		assert.Equal(t, 3, f.mesh.Builds(testutil.ID("C")))
		assert.Equal(t, 3, f.mesh.Builds(testutil.ID("A")))
		assert.Equal(t, 2, f.mesh.Builds(testutil.ID("B")))

		res = o.Build(quietContext(), f.graph(t, "A"), false)
		require.True(t, res.OK())
		assert.Equal(t, 0, res.Dispatched)
	})
}

func TestBuild_ParentRebuildsAfterChildBuiltAlone(t *testing.T) {
	f := abc(t)
	require.True(t, f.orchestrator(orchestrator.Options{Workers: 2}).Build(quietContext(), f.graph(t, "A"), false).OK())

	// Only C is rebuilt after its blob changed, as in a run stopped before A.
	f.sources.Put(testutil.WithBlob(testutil.Asset("C", "mesh"), "verts", []byte("v2"), time.Unix(200, 0)))
	require.True(t, f.orchestrator(orchestrator.Options{Workers: 1}).Build(quietContext(), f.graph(t, "C"), false).OK())
	assert.Equal(t, 2, f.mesh.Builds(testutil.ID("C")))

	res := f.orchestrator(orchestrator.Options{Workers: 1}).Build(quietContext(), f.graph(t, "A"), false)
	require.True(t, res.OK())
	assert.Equal(t, 1, res.Dispatched, "A's hash covers C's new content")
	assert.Equal(t, 2, f.mesh.Builds(testutil.ID("A")))
	assert.Equal(t, 2, f.mesh.Builds(testutil.ID("C")))
}

func TestBuild_GraphIOErrorFailsNode(t *testing.T) {
	f := abc(t)
	dir := t.TempDir()
	f.mesh.Expand = func(d pipeline.Depends, _ sourcedb.Instance, _ sourcedb.Asset, path string, _ assetid.OutputID) bool {
		if path == "A" {
			return d.AddFile(dir, "missing.glsl")
		}
		return true
	}
	set := f.graph(t, "A")
	require.Error(t, set.Get(testutil.ID("A")).Err)

	res := f.orchestrator(orchestrator.Options{Workers: 1}).Build(quietContext(), set, false)
	assert.False(t, res.OK())
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, []string{"A"}, res.FailedNodes)
	assert.Equal(t, 0, res.Dispatched)
	assert.Equal(t, 0, f.mesh.Builds(testutil.ID("A")))
	_, ok := f.hashes.GetFile(hashstore.OutputKey(testutil.ID("A")))
	assert.False(t, ok)
}

func TestBuild_AtMostOnce(t *testing.T) {
	const leaves = 24
	var refs []assetid.OutputID
	instances := []sourcedb.Instance{}
	for i := 0; i < leaves; i++ {
		name := fmt.Sprintf("L%02d", i)
		refs = append(refs, testutil.ID(name))
		instances = append(instances, testutil.Asset(name, "mesh"))
	}
	instances = append(instances, testutil.Asset("R", "mesh", refs...))
	f := newFixture(t, instances...)
	f.mesh.Sleep = 2 * time.Millisecond

	res := f.orchestrator(orchestrator.Options{Workers: 4}).Build(quietContext(), f.graph(t, "R"), false)
	require.True(t, res.OK(), res.Summary())
	assert.Equal(t, leaves+1, res.Succeeded)
	assert.Equal(t, int64(0), f.mesh.Overlaps())
	assert.LessOrEqual(t, f.mesh.MaxInFlight(), int64(4))
	for _, id := range refs {
		assert.Equal(t, 1, f.mesh.Builds(id))
	}
	assert.Equal(t, testutil.ID("R"), f.mesh.Order()[leaves])
}

func TestBuild_MissingPipeline(t *testing.T) {
	newDFixture := func(t *testing.T) *fixture {
		return newFixture(t,
			testutil.Asset("A", "mesh", testutil.ID("D")),
			testutil.Asset("D", "unknown", testutil.ID("X")),
			testutil.Asset("X", "mesh"),
		)
	}

	t.Run("parents still build with partial inputs", func(t *testing.T) {
		f := newDFixture(t)
		res := f.orchestrator(orchestrator.Options{Workers: 1}).Build(quietContext(), f.graph(t, "A"), false)
		assert.False(t, res.OK())
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, []string{"D"}, res.FailedNodes)
		assert.Equal(t, 1, res.Succeeded)
		assert.Equal(t, 0, f.mesh.Builds(testutil.ID("X")))
		assert.Equal(t, 1, f.mesh.Builds(testutil.ID("A")))
	})

	t.Run("skip on child failure", func(t *testing.T) {
		f := newDFixture(t)
		res := f.orchestrator(orchestrator.Options{Workers: 1, SkipOnChildFailure: true}).Build(quietContext(), f.graph(t, "A"), false)
		assert.False(t, res.OK())
		assert.Equal(t, 2, res.Failed)
		assert.ElementsMatch(t, []string{"A", "D"}, res.FailedNodes)
		assert.Equal(t, 0, f.mesh.TotalBuilds())
		assert.Contains(t, res.Summary(), "failed: ")
	})
}

func TestBuild_PipelineFailure(t *testing.T) {
	f := abc(t)
	f.mesh.FailBuild = map[assetid.OutputID]bool{testutil.ID("B"): true}
	set := f.graph(t, "A")
	res := f.orchestrator(orchestrator.Options{Workers: 2}).Build(quietContext(), set, false)

	assert.False(t, res.OK())
	assert.Equal(t, []string{"B"}, res.FailedNodes)
	assert.True(t, testutil.Flags(set, "B").Has(depset.Failed))
	_, ok := f.hashes.GetFile(hashstore.OutputKey(testutil.ID("B")))
	assert.False(t, ok, "failed builds record no hash")

	f.mesh.FailBuild = nil
	res = f.orchestrator(orchestrator.Options{Workers: 2}).Build(quietContext(), f.graph(t, "A"), false)
	require.True(t, res.OK())
	assert.Equal(t, 2, res.Dispatched, "B lacks a recorded hash and A was built without it")
	assert.Equal(t, 1, f.mesh.Builds(testutil.ID("C")))
}

func TestBuild_Cycle(t *testing.T) {
	f := newFixture(t,
		testutil.Asset("R", "mesh", testutil.ID("A")),
		testutil.Asset("A", "mesh", testutil.ID("B")),
		testutil.Asset("B", "mesh", testutil.ID("A")),
	)
	res := f.orchestrator(orchestrator.Options{Workers: 2}).Build(quietContext(), f.graph(t, "R"), false)
	assert.False(t, res.OK())
	assert.ElementsMatch(t, []string{"A", "B"}, res.FailedNodes)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, f.mesh.Builds(testutil.ID("A")))
	assert.Equal(t, 1, f.mesh.Builds(testutil.ID("R")))
}

func TestBuild_UseOnly(t *testing.T) {
	f := abc(t)
	f.mesh.Expand = func(d pipeline.Depends, _ sourcedb.Instance, _ sourcedb.Asset, path string, _ assetid.OutputID) bool {
		if path == "A" {
			return d.AddID(testutil.ID("B"), depset.UseOnly)
		}
		return true
	}
	res := f.orchestrator(orchestrator.Options{Workers: 2}).Build(quietContext(), f.graph(t, "A"), false)
	require.True(t, res.OK())
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 0, f.mesh.Builds(testutil.ID("B")))
}

func connectAgent(t *testing.T, tr *testutil.FakeTransport) *agent.Agent {
	t.Helper()
	a, err := agent.Connect(quietContext(), &testutil.FakeDialer{Transport: tr}, "build-01", 7070, "build-01", agent.Options{})
	require.NoError(t, err)
	return a
}

func TestBuild_Agents(t *testing.T) {
	t.Run("remote builds", func(t *testing.T) {
		f := abc(t)
		tr := testutil.NewFakeTransport(2, testutil.LocalHandler(f.local))
		a := connectAgent(t, tr)

		res := f.orchestrator(orchestrator.Options{Workers: 1}, a).Build(quietContext(), f.graph(t, "A"), false)
		require.True(t, res.OK(), res.Summary())
		assert.Equal(t, 3, res.Succeeded)
		assert.NotEmpty(t, tr.Sent())
		assert.Equal(t, 3, f.mesh.TotalBuilds())
		assert.Equal(t, int64(0), f.mesh.Overlaps())
	})

	t.Run("disconnect fails the node in flight", func(t *testing.T) {
		f := newFixture(t, testutil.Asset("E", "mesh"))
		tr := testutil.NewFakeTransport(1, nil)
		a := connectAgent(t, tr)
		go func() {
			if tr.WaitSent(1, 5*time.Second) {
				tr.Drop()
			}
		}()

		res := f.orchestrator(orchestrator.Options{Workers: 1}, a).Build(quietContext(), f.graph(t, "E"), false)
		assert.False(t, res.OK())
		assert.Equal(t, []string{"E"}, res.FailedNodes)
		assert.Equal(t, 1, res.Dispatched)
		assert.Equal(t, 0, f.mesh.TotalBuilds(), "no automatic retry")
		assert.False(t, a.IsConnected())
	})

	t.Run("retry policy rebuilds locally after a disconnect", func(t *testing.T) {
		f := newFixture(t, testutil.Asset("E", "mesh"))
		tr := testutil.NewFakeTransport(1, nil)
		a := connectAgent(t, tr)
		go func() {
			if tr.WaitSent(1, 5*time.Second) {
				tr.Drop()
			}
		}()

		opts := orchestrator.Options{Workers: 1, Retry: orchestrator.RetryPolicy{MaxAttempts: 2, RemoteOnly: true}}
		res := f.orchestrator(opts, a).Build(quietContext(), f.graph(t, "E"), false)
		require.True(t, res.OK(), res.Summary())
		assert.Equal(t, 2, res.Dispatched)
		assert.Equal(t, 1, f.mesh.Builds(testutil.ID("E")))
	})

	t.Run("a malformed response loses the agent and is retried", func(t *testing.T) {
		f := newFixture(t, testutil.Asset("E", "mesh"))
		tr := testutil.NewFakeTransport(1, nil)
		a := connectAgent(t, tr)
		go func() {
			if tr.WaitSent(1, 5*time.Second) {
				tr.Push(agent.Message{Kind: agent.KindResponse, Response: &agent.Response{OutputID: testutil.ID("Z"), OK: true}})
			}
		}()

		opts := orchestrator.Options{Workers: 1, Retry: orchestrator.RetryPolicy{MaxAttempts: 2, RemoteOnly: true}}
		res := f.orchestrator(opts, a).Build(quietContext(), f.graph(t, "E"), false)
		require.True(t, res.OK(), res.Summary())
		assert.Equal(t, 2, res.Dispatched)
		assert.Equal(t, 1, f.mesh.Builds(testutil.ID("E")))
		assert.False(t, a.IsConnected())
	})

	t.Run("remote-only retry ignores failures reported by the agent", func(t *testing.T) {
		f := newFixture(t, testutil.Asset("E", "mesh"))
		tr := testutil.NewFakeTransport(1, func(req *worker.Request) agent.Response {
			return agent.Response{OutputID: req.OutputID, Error: "pipeline exploded"}
		})
		a := connectAgent(t, tr)

		opts := orchestrator.Options{Workers: 1, Retry: orchestrator.RetryPolicy{MaxAttempts: 2, RemoteOnly: true}}
		res := f.orchestrator(opts, a).Build(quietContext(), f.graph(t, "E"), false)
		assert.False(t, res.OK())
		assert.Equal(t, 1, res.Dispatched)
		assert.Equal(t, []string{"E"}, res.FailedNodes)
		assert.True(t, a.IsConnected())
	})
}

func startCache(t *testing.T) *cas.Client {
	t.Helper()
	srv, err := cas.NewServer(cas.ServerOptions{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(quietContext(), ln) }()
	client := cas.NewClient(ln.Addr().String(), cas.ClientOptions{BlockSize: 8})
	t.Cleanup(func() {
		client.Close()
		srv.Close()
		<-done
	})
	return client
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, cas.Key) ([]byte, error) {
	return nil, fmt.Errorf("%w: garbage", cas.ErrProtocol)
}

func (brokenCache) Put(context.Context, cas.Key, []byte) error {
	return errors.New("connection reset")
}

func TestBuild_Cache(t *testing.T) {
	t.Run("artifacts are shared between machines", func(t *testing.T) {
		cache := startCache(t)

		writer := abc(t)
		res := writer.orchestrator(orchestrator.Options{Workers: 2, Cache: cache, CacheWrite: true}).
			Build(quietContext(), writer.graph(t, "A"), false)
		require.True(t, res.OK())
		assert.Equal(t, 0, res.CacheHits)

		reader := abc(t)
		res = reader.orchestrator(orchestrator.Options{Workers: 2, Cache: cache, CacheRead: true}).
			Build(quietContext(), reader.graph(t, "A"), false)
		require.True(t, res.OK(), res.Summary())
		assert.Equal(t, 3, res.CacheHits)
		assert.Equal(t, 0, res.Dispatched)
		assert.Equal(t, 0, reader.mesh.TotalBuilds())

		want, err := writer.artifacts.Get(quietContext(), testutil.ID("A"))
		require.NoError(t, err)
		got, err := reader.artifacts.Get(quietContext(), testutil.ID("A"))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("cache errors fall back to building", func(t *testing.T) {
		f := abc(t)
		opts := orchestrator.Options{Workers: 2, Cache: brokenCache{}, CacheRead: true, CacheWrite: true}
		res := f.orchestrator(opts).Build(quietContext(), f.graph(t, "A"), false)
		require.True(t, res.OK())
		assert.Equal(t, 3, res.Dispatched)
		assert.Equal(t, 0, res.CacheHits)
	})
}

func TestBuild_Cancellation(t *testing.T) {
	t.Run("cancelled context", func(t *testing.T) {
		f := abc(t)
		set := f.graph(t, "A")
		ctx, cancel := context.WithCancel(quietContext())
		cancel()
		res := f.orchestrator(orchestrator.Options{Workers: 2}).Build(ctx, set, false)
		assert.True(t, res.Cancelled)
		assert.False(t, res.OK())
		assert.Equal(t, 0, res.Dispatched)
		assert.Contains(t, res.Summary(), "cancelled")
	})

	t.Run("stop discards late results", func(t *testing.T) {
		f := abc(t)
		f.mesh.Sleep = 50 * time.Millisecond
		o := f.orchestrator(orchestrator.Options{Workers: 2})
		go func() {
			time.Sleep(10 * time.Millisecond)
			o.Stop()
		}()
		res := o.Build(quietContext(), f.graph(t, "A"), false)
		assert.True(t, res.Cancelled)
		assert.Equal(t, 0, res.Succeeded)
		_, ok := f.hashes.GetFile(hashstore.OutputKey(testutil.ID("B")))
		assert.False(t, ok)

		res = o.Build(quietContext(), f.graph(t, "A"), false)
		require.True(t, res.OK(), "a stop does not outlive its run")
		assert.Equal(t, 3, res.Succeeded)
	})
}
