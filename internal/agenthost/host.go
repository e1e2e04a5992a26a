// Package agenthost runs a remote build agent: a socket.io server that
// accepts build requests from an orchestrator and executes them with a local
// worker, bounded by a fixed number of slots.
package agenthost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/vk/assetgrid/internal/agent"
	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/vk/assetgrid/internal/worker"
	"github.com/zishang520/socket.io/v2/socket"
)

// Options configures a Host.
type Options struct {
	Addr        string
	Path        string
	Slots       int
	Description string
}

// Host serves build requests.
type Host struct {
	opts   Options
	worker *worker.Local
	sem    chan struct{}

	builds   atomic.Int64
	failures atomic.Int64
	sessions atomic.Int64

	io         *socket.Server
	httpServer *http.Server
}

// New creates a host around w.
func New(w *worker.Local, opts Options) *Host {
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.Path == "" {
		opts.Path = "/socket.io/"
	}
	if opts.Description == "" {
		opts.Description = "agent"
	}
	return &Host{opts: opts, worker: w, sem: make(chan struct{}, opts.Slots)}
}

// Handle decodes one build request, runs it and returns the reply.
func (h *Host) Handle(ctx context.Context, payload []byte) agent.Response {
	var req worker.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		h.failures.Add(1)
		return agent.Response{Error: fmt.Sprintf("decoding build request: %v", err)}
	}

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return agent.Response{OutputID: req.OutputID, Error: ctx.Err().Error()}
	}
	defer func() { <-h.sem }()

	res, err := h.worker.Build(ctx, &req)
	h.builds.Add(1)
	if err != nil {
		h.failures.Add(1)
		ctxlog.FromContext(ctx).Error("Build failed.", "output_id", req.OutputID, "path", req.OutputPath, "error", err)
		return agent.Response{OutputID: req.OutputID, Error: err.Error()}
	}
	return agent.Response{OutputID: req.OutputID, OK: true, ResultHash: res.Hash}
}

// Builds returns how many requests were executed.
func (h *Host) Builds() int64 { return h.builds.Load() }

// Failures returns how many requests failed.
func (h *Host) Failures() int64 { return h.failures.Load() }

// Handler returns the HTTP handler serving socket.io and /health.
func (h *Host) Handler(ctx context.Context) http.Handler {
	logger := ctxlog.FromContext(ctx).With("agent", h.opts.Description)
	h.io = socket.NewServer(nil, nil)

	h.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		h.sessions.Add(1)
		logger.Info("Orchestrator connected.", "sid", client.Id())

		ready, _ := json.Marshal(agent.Ready{Slots: h.opts.Slots, Description: h.opts.Description})
		client.Emit(agent.EventReady, string(ready))

		client.On(agent.EventBuild, func(data ...any) {
			payload := payloadOf(data)
			go h.serveBuild(ctx, logger, client, payload)
		})
		client.On("disconnect", func(reason ...any) {
			h.sessions.Add(-1)
			logger.Info("Orchestrator disconnected.", "sid", client.Id(), "reason", reason)
		})
	})

	mux := http.NewServeMux()
	mux.Handle(h.opts.Path, h.io.ServeHandler(nil))
	mux.HandleFunc("/health", h.healthHandler)
	return mux
}

func (h *Host) serveBuild(ctx context.Context, logger *slog.Logger, client *socket.Socket, payload []byte) {
	start := time.Now()
	resp := h.Handle(ctx, payload)
	if !resp.OK {
		rec, _ := json.Marshal(agent.LogRecord{Level: "error", Message: resp.Error, OutputID: resp.OutputID})
		client.Emit(agent.EventLog, string(rec))
	}
	b, _ := json.Marshal(resp)
	client.Emit(agent.EventResult, string(b))

	counter, _ := json.Marshal(agent.Counter{Name: "build_seconds", Value: time.Since(start).Seconds()})
	client.Emit(agent.EventCounter, string(counter))
	logger.Debug("Build request served.", "output_id", resp.OutputID, "ok", resp.OK)
}

func (h *Host) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK slots=%d busy=%d sessions=%d\n", h.opts.Slots, len(h.sem), h.sessions.Load())
}

// ListenAndServe serves until ctx is done.
func (h *Host) ListenAndServe(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	h.httpServer = &http.Server{
		Addr:    h.opts.Addr,
		Handler: h.Handler(ctx),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🛠️ Build agent listening.", "address", h.opts.Addr, "slots", h.opts.Slots)
		if err := h.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("agent host: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("Shutting down build agent...")
	h.io.Close(nil)
	if err := h.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("agent host shutdown: %w", err)
	}
	return nil
}

func payloadOf(data []any) []byte {
	if len(data) == 0 {
		return nil
	}
	switch v := data[0].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		b, _ := json.Marshal(v)
		return b
	}
}
