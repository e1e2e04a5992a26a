package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/vk/assetgrid/internal/worker"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// inboxSize bounds the messages buffered between Update calls.
const inboxSize = 1024

// SocketIODialer connects to agent hosts over socket.io websockets.
type SocketIODialer struct {
	Path               string
	Namespace          string
	Secure             bool
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// Dial opens a websocket session and waits for the connect event.
func (d *SocketIODialer) Dial(ctx context.Context, host string, port int) (Transport, error) {
	logger := ctxlog.FromContext(ctx).With("host", host, "port", port)

	scheme := "http"
	if d.Secure {
		scheme = "https"
	}
	baseURL := fmt.Sprintf("%s://%s:%d", scheme, host, port)

	opts := socket.DefaultOptions()
	if d.Path != "" {
		opts.SetPath(d.Path)
	}
	if d.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	namespace := d.Namespace
	if namespace == "" {
		namespace = "/"
	}

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace, opts)
	t := &socketIOTransport{
		io:     io,
		inbox:  make(chan Message, inboxSize),
		closed: make(chan struct{}),
	}

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Agent socket connected.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})
	io.On(types.EventName("disconnect"), func(reason ...any) {
		logger.Debug("Agent socket disconnected.", "reason", reason)
		t.fail(fmt.Errorf("%w: %v", ErrDisconnected, reason))
	})
	for _, event := range []string{EventReady, EventResult, EventLog, EventCounter} {
		io.On(types.EventName(event), func(data ...any) {
			t.receive(event, data)
		})
	}

	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return t, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}
}

type socketIOTransport struct {
	io *socket.Socket

	inbox     chan Message
	closed    chan struct{}
	closeOnce sync.Once
	cause     atomic.Value
}

func (t *socketIOTransport) receive(event string, data []any) {
	var payload []byte
	if len(data) > 0 {
		switch v := data[0].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			payload, _ = json.Marshal(v)
		}
	}
	msg, err := Decode(event, payload)
	if err != nil {
		t.fail(err)
		return
	}
	select {
	case t.inbox <- msg:
	default:
		t.fail(fmt.Errorf("%w: inbox overflow", ErrMalformed))
	}
}

func (t *socketIOTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.cause.Store(err)
		close(t.closed)
	})
}

func (t *socketIOTransport) err() error {
	if err, ok := t.cause.Load().(error); ok {
		return err
	}
	return ErrDisconnected
}

// Send emits the request as a JSON string.
func (t *socketIOTransport) Send(req *worker.Request) error {
	select {
	case <-t.closed:
		return t.err()
	default:
	}
	if !t.io.Connected() {
		return ErrDisconnected
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	t.io.Emit(EventBuild, string(b))
	return nil
}

// Recv prefers queued messages over a pending failure so results that
// arrived before a disconnect are still delivered.
func (t *socketIOTransport) Recv(timeout time.Duration) (Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	default:
	}
	if timeout <= 0 {
		select {
		case <-t.closed:
			return Message{}, t.err()
		default:
			return Message{}, ErrTimeout
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closed:
		select {
		case msg := <-t.inbox:
			return msg, nil
		default:
		}
		return Message{}, t.err()
	case <-timer.C:
		return Message{}, ErrTimeout
	}
}

func (t *socketIOTransport) Close() error {
	t.fail(ErrDisconnected)
	t.io.Disconnect()
	return nil
}
