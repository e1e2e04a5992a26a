package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/vk/assetgrid/internal/agent"
	"github.com/vk/assetgrid/internal/worker"
)

// FakeTransport is an in-memory agent.Transport. Requests are answered by
// Handle on a separate goroutine; a nil Handle leaves them pending forever.
type FakeTransport struct {
	Handle func(req *worker.Request) agent.Response

	inbox     chan agent.Message
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent []*worker.Request
}

var _ agent.Transport = (*FakeTransport)(nil)

// NewFakeTransport queues a ready announcement for slots.
func NewFakeTransport(slots int, handle func(req *worker.Request) agent.Response) *FakeTransport {
	f := &FakeTransport{
		Handle: handle,
		inbox:  make(chan agent.Message, 1024),
		closed: make(chan struct{}),
	}
	if slots > 0 {
		f.inbox <- agent.Message{Kind: agent.KindReady, Ready: &agent.Ready{Slots: slots}}
	}
	return f
}

// LocalHandler answers requests by running them on w.
func LocalHandler(w *worker.Local) func(req *worker.Request) agent.Response {
	return func(req *worker.Request) agent.Response {
		res, err := w.Build(context.Background(), req)
		if err != nil {
			return agent.Response{OutputID: req.OutputID, Error: err.Error()}
		}
		return agent.Response{OutputID: req.OutputID, OK: true, ResultHash: res.Hash}
	}
}

func (f *FakeTransport) Send(req *worker.Request) error {
	select {
	case <-f.closed:
		return agent.ErrDisconnected
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	if f.Handle != nil {
		go func() {
			resp := f.Handle(req)
			f.Push(agent.Message{Kind: agent.KindResponse, Response: &resp})
		}()
	}
	return nil
}

func (f *FakeTransport) Recv(timeout time.Duration) (agent.Message, error) {
	select {
	case msg := <-f.inbox:
		return msg, nil
	default:
	}
	select {
	case <-f.closed:
		return agent.Message{}, agent.ErrDisconnected
	default:
	}
	if timeout <= 0 {
		return agent.Message{}, agent.ErrTimeout
	}
	select {
	case msg := <-f.inbox:
		return msg, nil
	case <-f.closed:
		return agent.Message{}, agent.ErrDisconnected
	case <-time.After(timeout):
		return agent.Message{}, agent.ErrTimeout
	}
}

func (f *FakeTransport) Close() error {
	f.Drop()
	return nil
}

// Push delivers msg as if the agent had sent it.
func (f *FakeTransport) Push(msg agent.Message) {
	select {
	case <-f.closed:
	case f.inbox <- msg:
	}
}

// Drop simulates a lost connection.
func (f *FakeTransport) Drop() {
	f.closeOnce.Do(func() { close(f.closed) })
}

// Sent returns every request received so far.
func (f *FakeTransport) Sent() []*worker.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*worker.Request(nil), f.sent...)
}

// WaitSent blocks until at least n requests arrived or timeout passes.
func (f *FakeTransport) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(f.Sent()) >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// FakeDialer hands out a prepared transport.
type FakeDialer struct {
	Transport *FakeTransport
	Err       error
}

func (d *FakeDialer) Dial(context.Context, string, int) (agent.Transport, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Transport, nil
}
