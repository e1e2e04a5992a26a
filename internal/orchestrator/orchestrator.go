package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/vk/assetgrid/internal/agent"
	"github.com/vk/assetgrid/internal/cas"
	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/vk/assetgrid/internal/depset"
	"github.com/vk/assetgrid/internal/hashstore"
	"github.com/vk/assetgrid/internal/worker"
)

// DefaultPollInterval is how long the loop waits for a completion before
// polling the agents again.
const DefaultPollInterval = 20 * time.Millisecond

// Cache is a content-addressed artifact cache shared between machines.
type Cache interface {
	Get(ctx context.Context, key cas.Key) ([]byte, error)
	Put(ctx context.Context, key cas.Key, data []byte) error
}

// ProgressListener receives (completed, total) after every node reaches a
// terminal state. completed never decreases.
type ProgressListener interface {
	Notify(current, total int)
}

// ProgressFunc adapts a function to ProgressListener.
type ProgressFunc func(current, total int)

func (f ProgressFunc) Notify(current, total int) { f(current, total) }

// RetryPolicy decides whether a failed build is dispatched again.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per node. Zero and one
	// both mean no retry.
	MaxAttempts int
	// RemoteOnly limits retries to requests lost with their agent,
	// whatever the cause of the disconnect.
	RemoteOnly bool
}

func (p RetryPolicy) retry(attempts int, err error) bool {
	if attempts >= p.MaxAttempts {
		return false
	}
	if p.RemoteOnly {
		var remote *agent.RemoteAgentError
		return errors.As(err, &remote) && remote.Lost
	}
	return true
}

// Options configures an Orchestrator.
type Options struct {
	// Workers is the number of local build slots; defaults to the CPU count.
	Workers      int
	PollInterval time.Duration
	// SkipOnChildFailure fails a node without building it when any of its
	// children failed. By default parents still build with partial inputs.
	SkipOnChildFailure bool
	Retry              RetryPolicy

	Cache      Cache
	CacheRead  bool
	CacheWrite bool

	Progress ProgressListener
}

// Orchestrator builds dependency sets.
type Orchestrator struct {
	local  *worker.Local
	hashes hashstore.Store
	agents []*agent.Agent
	opts   Options
	stop   atomic.Bool
}

// New creates an orchestrator that builds on local and on the given agents.
// Successful builds record their combined hash in hashes.
func New(local *worker.Local, hashes hashstore.Store, opts Options, agents ...*agent.Agent) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Orchestrator{local: local, hashes: hashes, agents: agents, opts: opts}
}

// Stop asks a running Build to stop dispatching. Late results are discarded.
// The next Build starts afresh.
func (o *Orchestrator) Stop() { o.stop.Store(true) }

type completion struct {
	idx      int
	ok       bool
	remote   bool
	hash     uint32
	artifact []byte
	err      error
}

type run struct {
	o      *Orchestrator
	ctx    context.Context
	logger *slog.Logger
	set    *depset.Set
	force  bool

	states    []atomic.Int32
	remaining []atomic.Int32
	parents   [][]int
	needs     []bool
	built     []bool
	tree      []uint32
	attempts  []int

	queue       []int
	completions chan completion
	slots       chan struct{}
	inflight    int
	done        int

	res *Result
}

// Build schedules every node of set and waits until all of them reached a
// terminal state or the run is stopped. With force every node is rebuilt
// regardless of its recorded hash.
func (o *Orchestrator) Build(ctx context.Context, set *depset.Set, force bool) *Result {
	o.stop.Store(false)
	start := time.Now()
	n := set.Len()
	r := &run{
		o:           o,
		ctx:         ctx,
		logger:      ctxlog.FromContext(ctx),
		set:         set,
		force:       force,
		states:      make([]atomic.Int32, n),
		remaining:   make([]atomic.Int32, n),
		parents:     set.Parents(),
		needs:       make([]bool, n),
		built:       make([]bool, n),
		tree:        set.TreeHashes(),
		attempts:    make([]int, n),
		completions: make(chan completion, max(n, 1)),
		slots:       make(chan struct{}, o.opts.Workers),
		res:         &Result{Total: n},
	}
	r.logger.Info("🚀 Starting build.", "nodes", n, "workers", o.opts.Workers, "agents", len(o.agents), "force", force)
	r.loop()
	r.res.Duration = time.Since(start)
	r.logger.Info("Build finished.", "succeeded", r.res.Succeeded, "failed", r.res.Failed,
		"dispatched", r.res.Dispatched, "up_to_date", r.res.UpToDate, "cache_hits", r.res.CacheHits,
		"cancelled", r.res.Cancelled, "duration", r.res.Duration)
	return r.res
}

func (r *run) state(i int) State { return State(r.states[i].Load()) }

func (r *run) halted() bool {
	return r.o.stop.Load() || r.ctx.Err() != nil
}

func (r *run) loop() {
	for i := 0; i < r.set.Len(); i++ {
		node := r.set.At(i)
		r.remaining[i].Store(int32(len(node.Children)))
		r.needs[i] = r.needsBuild(i)
	}

	for _, i := range r.set.Cycles() {
		r.states[i].Store(int32(Failed))
		r.fail(i, fmt.Errorf("'%s' is part of a dependency cycle", r.set.At(i).OutputPath))
	}
	for i := 0; i < r.set.Len(); i++ {
		if r.remaining[i].Load() == 0 {
			r.promote(i)
		}
	}

	for r.done < r.set.Len() {
		if r.halted() {
			r.res.Cancelled = true
			r.logger.Warn("Build cancelled; discarding in-flight results.", "in_flight", r.inflight, "remaining", r.set.Len()-r.done)
			return
		}

		r.drain()
		for _, a := range r.o.agents {
			a.Update(0)
		}
		r.drain()
		r.dispatch()
		if r.done >= r.set.Len() {
			return
		}

		select {
		case c := <-r.completions:
			r.complete(c)
		case <-time.After(r.o.opts.PollInterval):
		case <-r.ctx.Done():
		}
	}
}

// needsBuild compares the recorded hash against the node's tree hash, so a
// change in any descendant rebuilds the node.
func (r *run) needsBuild(i int) bool {
	node := r.set.At(i)
	if r.force || node.Flags.Has(depset.Failed) {
		return true
	}
	rec, ok := r.o.hashes.GetFile(hashstore.OutputKey(node.OutputID))
	return !ok || rec.Hash != r.tree[i]
}

// promote moves a Pending node whose children are all terminal to Ready. A
// node with a child produced during this run is rebuilt.
func (r *run) promote(i int) {
	if !r.states[i].CompareAndSwap(int32(Pending), int32(Ready)) {
		return
	}
	for _, c := range r.set.At(i).Children {
		if r.o.opts.SkipOnChildFailure && r.state(c) == Failed {
			r.states[i].Store(int32(Failed))
			r.fail(i, fmt.Errorf("skipped due to failure of '%s'", r.set.At(c).OutputPath))
			return
		}
		if r.built[c] {
			r.needs[i] = true
		}
	}
	r.queue = append(r.queue, i)
}

// settle propagates a terminal node to its parents.
func (r *run) settle(i int) {
	r.done++
	if r.o.opts.Progress != nil {
		r.o.opts.Progress.Notify(r.done, r.set.Len())
	}
	for _, p := range r.parents[i] {
		if r.remaining[p].Add(-1) == 0 {
			r.promote(p)
		}
	}
}

func (r *run) succeed(i int) {
	r.states[i].Store(int32(Succeeded))
	r.res.Succeeded++
	r.settle(i)
}

func (r *run) fail(i int, err error) {
	node := r.set.At(i)
	node.Flags |= depset.Failed
	r.states[i].Store(int32(Failed))
	r.res.Failed++
	r.res.FailedNodes = append(r.res.FailedNodes, node.OutputPath)
	r.logger.Error("Node failed.", "output_id", node.OutputID, "path", node.OutputPath, "error", err)
	r.settle(i)
}

func (r *run) drain() {
	for {
		select {
		case c := <-r.completions:
			r.complete(c)
		default:
			return
		}
	}
}

// dispatch walks the ready queue once. Nodes that cannot be placed stay queued.
func (r *run) dispatch() {
	queue := r.queue
	r.queue = nil
	for qi, i := range queue {
		if r.halted() {
			r.queue = append(r.queue, queue[qi:]...)
			return
		}
		if !r.place(i) {
			r.queue = append(r.queue, i)
		}
	}
}

// place handles one Ready node and reports whether it left the queue.
func (r *run) place(i int) bool {
	node := r.set.At(i)
	logger := r.logger.With("output_id", node.OutputID, "path", node.OutputPath)

	if _, ok := r.o.local.Registry.ForType(node.AssetType); !ok {
		r.fail(i, fmt.Errorf("no pipeline registered for asset type '%s'", node.AssetType))
		return true
	}
	if node.Err != nil {
		r.fail(i, node.Err)
		return true
	}
	if node.Flags.Has(depset.UseOnly) && !node.Flags.Has(depset.MustBuild) {
		logger.Debug("Use-only node, not built.")
		r.res.UpToDate++
		r.succeed(i)
		return true
	}
	if !r.needs[i] {
		logger.Debug("Node up to date.")
		r.res.UpToDate++
		r.succeed(i)
		return true
	}
	if r.cacheHit(i) {
		r.res.CacheHits++
		r.built[i] = true
		r.succeed(i)
		return true
	}

	req := worker.NewRequest(r.set, i)
	if node.HasSource() && req.Asset == nil {
		for _, a := range r.o.agents {
			if !r.states[i].CompareAndSwap(int32(Ready), int32(Dispatched)) {
				return true
			}
			if a.Submit(req, r.remoteDone(i)) {
				r.states[i].CompareAndSwap(int32(Dispatched), int32(Building))
				r.attempts[i]++
				r.inflight++
				r.res.Dispatched++
				logger.Debug("Dispatched to agent.", "agent", a.Description())
				return true
			}
			r.states[i].Store(int32(Ready))
		}
	}

	select {
	case r.slots <- struct{}{}:
	default:
		return false
	}
	if !r.states[i].CompareAndSwap(int32(Ready), int32(Dispatched)) {
		<-r.slots
		return true
	}
	r.attempts[i]++
	r.inflight++
	r.res.Dispatched++
	logger.Debug("Dispatched to local worker.")
	go r.buildLocal(i, req)
	return true
}

func (r *run) remoteDone(i int) func(agent.Result) {
	return func(res agent.Result) {
		r.completions <- completion{idx: i, ok: res.OK, remote: true, hash: res.Hash, err: res.Err}
	}
}

func (r *run) buildLocal(i int, req *worker.Request) {
	defer func() { <-r.slots }()
	r.states[i].CompareAndSwap(int32(Dispatched), int32(Building))
	res, err := r.o.local.Build(r.ctx, req)
	if err != nil {
		r.completions <- completion{idx: i, err: err}
		return
	}
	r.completions <- completion{idx: i, ok: true, hash: res.Hash, artifact: res.Artifact}
}

func (r *run) complete(c completion) {
	r.inflight--
	if r.halted() {
		return
	}
	node := r.set.At(c.idx)
	if !c.ok {
		if r.o.opts.Retry.retry(r.attempts[c.idx], c.err) {
			r.logger.Warn("Build failed; retrying.", "path", node.OutputPath, "attempt", r.attempts[c.idx], "error", c.err)
			r.states[c.idx].Store(int32(Ready))
			r.queue = append(r.queue, c.idx)
			return
		}
		if c.err == nil {
			c.err = errors.New("build failed")
		}
		r.fail(c.idx, c.err)
		return
	}

	r.o.hashes.SetFile(hashstore.OutputKey(node.OutputID), hashstore.Record{Hash: r.tree[c.idx], Size: int64(len(c.artifact))})
	r.cacheStore(c)
	r.logger.Info("✅ Built.", "path", node.OutputPath, "remote", c.remote)
	r.built[c.idx] = true
	r.succeed(c.idx)
}

// cacheHit fetches a node's artifact from the shared cache. Any cache error
// counts as a miss.
func (r *run) cacheHit(i int) bool {
	if r.o.opts.Cache == nil || !r.o.opts.CacheRead {
		return false
	}
	node := r.set.At(i)
	key := cas.KeyFor(node.OutputID, r.tree[i])
	data, err := r.o.opts.Cache.Get(r.ctx, key)
	if err != nil {
		if !errors.Is(err, cas.ErrMiss) {
			r.logger.Debug("Cache lookup failed; rebuilding.", "path", node.OutputPath, "error", err)
		}
		return false
	}
	if err := r.o.local.Artifacts.Put(r.ctx, node.OutputID, data); err != nil {
		r.logger.Warn("Storing cached artifact failed; rebuilding.", "path", node.OutputPath, "error", err)
		return false
	}
	r.o.hashes.SetFile(hashstore.OutputKey(node.OutputID), hashstore.Record{Hash: r.tree[i], Size: int64(len(data))})
	r.logger.Info("📦 Restored from cache.", "path", node.OutputPath, "key", key)
	return true
}

func (r *run) cacheStore(c completion) {
	if r.o.opts.Cache == nil || !r.o.opts.CacheWrite {
		return
	}
	node := r.set.At(c.idx)
	data := c.artifact
	if c.remote {
		var err error
		if data, err = r.o.local.Artifacts.Get(r.ctx, node.OutputID); err != nil {
			r.logger.Debug("Remote artifact not visible locally; not caching.", "path", node.OutputPath, "error", err)
			return
		}
	}
	key := cas.KeyFor(node.OutputID, r.tree[c.idx])
	if err := r.o.opts.Cache.Put(r.ctx, key, data); err != nil {
		r.logger.Warn("Cache write failed.", "path", node.OutputPath, "error", err)
	}
}
