package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/assetgrid/internal/agent"
	"github.com/vk/assetgrid/internal/agenthost"
	"github.com/vk/assetgrid/internal/artifactstore"
	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/cas"
	"github.com/vk/assetgrid/internal/config"
	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/vk/assetgrid/internal/graphbuilder"
	"github.com/vk/assetgrid/internal/hashstore"
	"github.com/vk/assetgrid/internal/orchestrator"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
	"github.com/vk/assetgrid/internal/worker"
	"golang.org/x/sync/errgroup"
)

// ErrBuildFailed is returned by Build when the graph could not be built or
// any node failed.
var ErrBuildFailed = errors.New("build failed")

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	cfg      *Config
	file     *config.Config
	registry *pipeline.Registry

	httpServer *http.Server
	done       atomic.Int64
	total      atomic.Int64
}

// NewApp loads the configuration file and registers the pipeline modules.
// Without modules the core modules are installed.
func NewApp(outW io.Writer, cfg *Config, modules ...pipeline.Module) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	file, err := loadConfig(ctx, cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.Workers > 0 {
		file.Build.Workers = cfg.Workers
	}

	reg := pipeline.NewRegistry()
	if len(modules) == 0 {
		modules = coreModules
	}
	reg.Install(ctx, modules...)

	return &App{
		outW:     outW,
		logger:   logger,
		cfg:      cfg,
		file:     file,
		registry: reg,
	}, nil
}

func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultFile); err != nil {
			ctxlog.FromContext(ctx).Debug("No configuration file found; using defaults.")
			return config.Default(), nil
		}
		path = config.DefaultFile
	}
	return config.Load(ctx, path)
}

// Registry returns the application's pipeline registry.
func (a *App) Registry() *pipeline.Registry { return a.registry }

// FileConfig returns the loaded configuration file.
func (a *App) FileConfig() *config.Config { return a.file }

// Notify implements orchestrator.ProgressListener.
func (a *App) Notify(current, total int) {
	a.done.Store(int64(current))
	a.total.Store(int64(total))
	a.logger.Debug("Build progress.", "done", current, "total", total)
}

// Build builds the given roots, or every source asset when roots is empty.
// The summary is written to the output writer. A build with failed nodes
// returns its result together with ErrBuildFailed.
func (a *App) Build(ctx context.Context, roots []string, force bool) (*orchestrator.Result, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	bc := a.file.Build

	a.startHealthcheckServer(ctx)
	defer a.closeHealthcheckServer(ctx)

	sources, err := sourcedb.LoadHCL(ctx, bc.Content)
	if err != nil {
		return nil, err
	}
	hashes, err := hashstore.Open(bc.Hashes)
	if err != nil {
		return nil, err
	}
	artifacts, err := a.openArtifacts(ctx)
	if err != nil {
		return nil, err
	}

	ids := sources.IDs()
	if len(roots) > 0 {
		if ids, err = assetid.ParseAll(roots); err != nil {
			return nil, fmt.Errorf("invalid root: %w", err)
		}
	}
	a.logger.Info("Source database loaded.", "assets", sources.Len(), "roots", len(ids))

	builder := graphbuilder.New(graphbuilder.Options{
		Registry: a.registry,
		Sources:  sources,
		Outputs:  artifacts,
		Hashes:   hashstore.NewChecksummer(hashes),
		MaxDepth: bc.MaxDepth,
	})
	set := builder.Build(ctx, ids...)
	if !builder.OK() {
		for _, err := range builder.Errors() {
			a.logger.Error("Dependency graph error.", "error", err)
		}
		return nil, fmt.Errorf("%w: dependency graph has %d error(s)", ErrBuildFailed, len(builder.Errors()))
	}
	a.logger.Debug("Dependency graph built.", "nodes", set.Len(), "edges", set.EdgeCount(), "truncated", builder.Truncated())

	agents := a.connectAgents(ctx)
	defer func() {
		for _, ag := range agents {
			ag.Close()
		}
	}()

	opts := orchestrator.Options{
		Workers:            bc.Workers,
		PollInterval:       bc.PollInterval,
		SkipOnChildFailure: bc.SkipOnChildFailure,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: bc.RetryAttempts,
			RemoteOnly:  bc.RetryRemoteOnly,
		},
		Progress: a,
	}
	if cc := a.file.Cache; cc != nil && !a.cfg.NoCache {
		client := cas.NewClient(cc.Address, cas.ClientOptions{
			BlockSize: cc.BlockSize,
			Timeout:   cc.Timeout,
			Expiry:    cc.Expiry,
		})
		defer client.Close()
		opts.Cache = client
		opts.CacheRead = cc.Read
		opts.CacheWrite = cc.Write
	}

	local := &worker.Local{Registry: a.registry, Sources: sources, Artifacts: artifacts}
	res := orchestrator.New(local, hashes, opts, agents...).Build(ctx, set, force)

	if err := hashes.Save(); err != nil {
		return res, fmt.Errorf("saving hash store: %w", err)
	}
	fmt.Fprintln(a.outW, res.Summary())
	if !res.OK() {
		return res, ErrBuildFailed
	}
	return res, nil
}

func (a *App) openArtifacts(ctx context.Context) (artifactstore.Store, error) {
	if a.file.S3 != nil {
		ctxlog.FromContext(ctx).Debug("Using S3 artifact store.", "endpoint", a.file.S3.Endpoint, "bucket", a.file.S3.Bucket)
		s3, err := artifactstore.NewS3(*a.file.S3)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	disk, err := artifactstore.NewDisk(a.file.Build.Output)
	if err != nil {
		return nil, err
	}
	return disk, nil
}

// connectAgents dials every configured agent concurrently. Unreachable
// agents are logged and left out.
func (a *App) connectAgents(ctx context.Context) []*agent.Agent {
	var (
		mu     sync.Mutex
		agents []*agent.Agent
		g      errgroup.Group
	)
	for _, ac := range a.file.Agents {
		g.Go(func() error {
			dialer := &agent.SocketIODialer{
				Path:               ac.Path,
				Secure:             ac.Secure,
				InsecureSkipVerify: ac.InsecureSkipVerify,
				ConnectTimeout:     ac.ConnectTimeout,
			}
			ag, err := agent.Connect(ctx, dialer, ac.Host, ac.Port, ac.Name, agent.Options{Slots: ac.Slots})
			if err != nil {
				a.logger.Warn("Agent unavailable; building without it.", "agent", ac.Name, "error", err)
				return nil
			}
			mu.Lock()
			agents = append(agents, ag)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(agents, func(i, j int) bool { return agents[i].Description() < agents[j].Description() })
	return agents
}

// AgentOptions configures ServeAgent.
type AgentOptions struct {
	Addr  string
	Slots int
	Name  string
}

// ServeAgent runs a remote build agent until ctx is done. It builds from the
// configured content directory into the configured artifact store.
func (a *App) ServeAgent(ctx context.Context, opts AgentOptions) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	sources, err := sourcedb.LoadHCL(ctx, a.file.Build.Content)
	if err != nil {
		return err
	}
	artifacts, err := a.openArtifacts(ctx)
	if err != nil {
		return err
	}
	if opts.Slots <= 0 {
		opts.Slots = a.file.Build.Workers
	}

	host := agenthost.New(&worker.Local{Registry: a.registry, Sources: sources, Artifacts: artifacts}, agenthost.Options{
		Addr:        opts.Addr,
		Slots:       opts.Slots,
		Description: opts.Name,
	})
	return host.ListenAndServe(ctx)
}

// CacheOptions configures ServeCache.
type CacheOptions struct {
	Addr        string
	Capacity    int
	IdleTimeout time.Duration
}

// ServeCache runs the content-addressed cache server until ctx is done.
func (a *App) ServeCache(ctx context.Context, opts CacheOptions) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	srv, err := cas.NewServer(cas.ServerOptions{
		Capacity:    opts.Capacity,
		IdleTimeout: opts.IdleTimeout,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, opts.Addr)
}
