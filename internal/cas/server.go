package cas

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vk/assetgrid/internal/ctxlog"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Capacity is the number of blocks kept before LRU eviction.
	Capacity int
	// MaxValueSize rejects larger blocks. Zero means DefaultBlockSize.
	MaxValueSize int
	// IdleTimeout closes sessions that send nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	// ReapInterval is how often finished sessions are removed.
	ReapInterval time.Duration
}

// Server accepts cache sessions and serves them against one Dictionary.
type Server struct {
	opts ServerOptions
	dict *Dictionary

	mu       sync.Mutex
	ln       net.Listener
	sessions []*Connection
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server with its own dictionary.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.MaxValueSize <= 0 {
		opts.MaxValueSize = DefaultBlockSize
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Second
	}
	dict, err := NewDictionary(opts.Capacity)
	if err != nil {
		return nil, err
	}
	return &Server{opts: opts, dict: dict}, nil
}

// Dictionary exposes the shared store.
func (s *Server) Dictionary() *Dictionary { return s.dict }

// ListenAndServe listens on addr and serves until ctx is done or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cache server listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts sessions on ln. It returns nil after a graceful shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := ctxlog.FromContext(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	go s.reapLoop(ctx)

	logger.Info("📦 Cache server listening.", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				logger.Info("Cache server stopped.")
				return nil
			}
			return fmt.Errorf("cache server accept: %w", err)
		}

		session := newConnection(conn, s.dict, s.opts, logger)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.sessions = append(s.sessions, session)
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			session.Serve(ctx)
		}()
	}
}

func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

// reap drops sessions whose Update reports them finished.
func (s *Server) reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.sessions[:0]
	for _, c := range s.sessions {
		if c.Update() {
			live = append(live, c)
		}
	}
	for i := len(live); i < len(s.sessions); i++ {
		s.sessions[i] = nil
	}
	reaped := len(s.sessions) - len(live)
	s.sessions = live
	return reaped
}

// Sessions returns the number of sessions not yet reaped.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting and shuts every session down.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for _, c := range s.sessions {
		c.Shutdown()
	}
	return err
}
