package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/vk/assetgrid/internal/worker"
)

// State is the connection state of an Agent.
type State int

const (
	Disconnected State = iota
	// Connected means the transport is up but the agent has not announced its slots.
	Connected
	Idle
	Busy
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transport is a bidirectional channel to one agent host.
type Transport interface {
	Send(req *worker.Request) error
	// Recv waits up to timeout for the next message. It returns ErrTimeout
	// when nothing arrived; any other error means the channel is broken.
	Recv(timeout time.Duration) (Message, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Transport, error)
}

// Result is delivered to the onResult callback of Submit.
type Result struct {
	OutputID assetid.OutputID
	OK       bool
	Hash     uint32
	Err      error
}

// Options configures Connect.
type Options struct {
	// Slots is used until the agent announces its own capacity.
	Slots int
	// ReadyTimeout bounds the wait for the agent's ready announcement.
	ReadyTimeout time.Duration
}

type pending struct {
	onResult func(Result)
	sent     time.Time
}

// Agent is a session to one remote build host.
type Agent struct {
	description string
	logger      *slog.Logger

	mu        sync.Mutex
	transport Transport
	connected bool
	announced bool
	slots     int
	inflight  map[assetid.OutputID]pending
	counters  map[string]float64
}

// Connect dials host:port and waits for the agent to announce its slots.
func Connect(ctx context.Context, dialer Dialer, host string, port int, description string, opts Options) (*Agent, error) {
	logger := ctxlog.FromContext(ctx).With("agent", description)
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}

	t, err := dialer.Dial(ctx, host, port)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent '%s' at %s:%d: %w", description, host, port, err)
	}
	a := &Agent{
		description: description,
		logger:      logger,
		transport:   t,
		connected:   true,
		slots:       opts.Slots,
		inflight:    make(map[assetid.OutputID]pending),
		counters:    make(map[string]float64),
	}

	deadline := time.Now().Add(opts.ReadyTimeout)
	for !a.announced {
		if err := ctx.Err(); err != nil {
			t.Close()
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Warn("Agent did not announce its slots; using the configured count.", "slots", a.slots)
			break
		}
		msg, err := t.Recv(min(remaining, 100*time.Millisecond))
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("agent '%s' handshake: %w", description, err)
		}
		if msg.Kind == KindResponse {
			t.Close()
			return nil, fmt.Errorf("agent '%s' handshake: %w: unexpected build response", description, ErrMalformed)
		}
		a.handleTelemetry(msg)
	}

	logger.Info("Agent connected.", "host", host, "port", port, "slots", a.slots)
	return a, nil
}

// Description returns the agent's name.
func (a *Agent) Description() string { return a.description }

// IsConnected reports whether the session is usable.
func (a *Agent) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// IsIdle reports whether the agent is connected with nothing in flight.
func (a *Agent) IsIdle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && len(a.inflight) == 0
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case !a.connected:
		return Disconnected
	case len(a.inflight) > 0:
		return Busy
	case !a.announced:
		return Connected
	default:
		return Idle
	}
}

// InFlight returns the number of outstanding builds.
func (a *Agent) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// Slots returns the concurrency limit.
func (a *Agent) Slots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots
}

// Counter returns the last reported value of a performance counter.
func (a *Agent) Counter(name string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[name]
}

// Submit sends req. It returns false without side effects when the agent is
// disconnected, at its slot limit, or already building the same output.
func (a *Agent) Submit(req *worker.Request, onResult func(Result)) bool {
	a.mu.Lock()
	if !a.connected || len(a.inflight) >= a.slots {
		a.mu.Unlock()
		return false
	}
	if _, dup := a.inflight[req.OutputID]; dup {
		a.mu.Unlock()
		return false
	}
	a.inflight[req.OutputID] = pending{onResult: onResult, sent: time.Now()}
	t := a.transport
	a.mu.Unlock()

	if err := t.Send(req); err != nil {
		a.disconnect(fmt.Errorf("sending build request: %w", err))
		return true
	}
	a.logger.Debug("Build submitted to agent.", "output_id", req.OutputID, "path", req.OutputPath)
	return true
}

// Update waits up to timeout for the first message, then drains whatever
// else is queued. Completions are delivered to their callbacks. It returns
// the number of completions delivered.
func (a *Agent) Update(timeout time.Duration) int {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return 0
	}
	t := a.transport
	a.mu.Unlock()

	delivered := 0
	wait := timeout
	for {
		msg, err := t.Recv(wait)
		if errors.Is(err, ErrTimeout) {
			return delivered
		}
		if err != nil {
			return delivered + a.disconnect(err)
		}
		wait = 0

		if msg.Kind != KindResponse {
			a.handleTelemetry(msg)
			continue
		}
		if msg.Response == nil {
			return delivered + a.disconnect(fmt.Errorf("%w: empty response", ErrMalformed))
		}
		resp := msg.Response
		a.mu.Lock()
		p, ok := a.inflight[resp.OutputID]
		delete(a.inflight, resp.OutputID)
		a.mu.Unlock()
		if !ok {
			return delivered + a.disconnect(fmt.Errorf("%w: response for unknown output %s", ErrMalformed, resp.OutputID))
		}

		res := Result{OutputID: resp.OutputID, OK: resp.OK, Hash: resp.ResultHash}
		if !resp.OK {
			res.Err = &RemoteAgentError{Agent: a.description, Err: errors.New(resp.Error)}
		}
		a.logger.Debug("Agent build finished.", "output_id", resp.OutputID, "ok", resp.OK, "duration", time.Since(p.sent))
		if p.onResult != nil {
			p.onResult(res)
		}
		delivered++
	}
}

// Close ends the session, failing whatever is still in flight.
func (a *Agent) Close() error {
	a.disconnect(ErrDisconnected)
	return nil
}

func (a *Agent) handleTelemetry(msg Message) {
	switch msg.Kind {
	case KindReady:
		if msg.Ready == nil {
			return
		}
		a.mu.Lock()
		a.announced = true
		if msg.Ready.Slots > 0 {
			a.slots = msg.Ready.Slots
		}
		a.mu.Unlock()
	case KindLog:
		if msg.Log == nil {
			return
		}
		level := slog.LevelInfo
		_ = level.UnmarshalText([]byte(msg.Log.Level))
		attrs := []any{"remote", true}
		if msg.Log.OutputID != assetid.Nil {
			attrs = append(attrs, "output_id", msg.Log.OutputID)
		}
		a.logger.Log(context.Background(), level, msg.Log.Message, attrs...)
	case KindCounter:
		if msg.Counter == nil {
			return
		}
		a.mu.Lock()
		a.counters[msg.Counter.Name] = msg.Counter.Value
		a.mu.Unlock()
	}
}

// disconnect fails every in-flight request and returns how many there were.
func (a *Agent) disconnect(cause error) int {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return 0
	}
	a.connected = false
	lost := a.inflight
	a.inflight = make(map[assetid.OutputID]pending)
	t := a.transport
	a.mu.Unlock()

	t.Close()
	if errors.Is(cause, ErrDisconnected) && len(lost) == 0 {
		a.logger.Info("Agent session closed.")
	} else {
		a.logger.Error("Agent disconnected.", "error", cause, "in_flight", len(lost))
	}

	err := &RemoteAgentError{Agent: a.description, Lost: true, Err: cause}
	for id, p := range lost {
		a.logger.Error("Build lost with agent.", "output_id", id)
		if p.onResult != nil {
			p.onResult(Result{OutputID: id, Err: err})
		}
	}
	return len(lost)
}
