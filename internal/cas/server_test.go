package cas

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/assetgrid/internal/ctxlog"
)

func quietContext() context.Context {
	return ctxlog.WithLogger(context.Background(), ctxlog.Discard())
}

func startServer(t *testing.T, opts ServerOptions) (*Server, string) {
	t.Helper()
	srv, err := NewServer(opts)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(quietContext(), ln) }()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})
	return srv, ln.Addr().String()
}

type rawSession struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawSession {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &rawSession{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (s *rawSession) send(raw string) {
	s.t.Helper()
	_, err := io.WriteString(s.conn, raw)
	require.NoError(s.t, err)
}

func (s *rawSession) expect(lines ...string) {
	s.t.Helper()
	for _, want := range lines {
		got, err := s.r.ReadString('\n')
		require.NoError(s.t, err)
		assert.Equal(s.t, want+"\r\n", got)
	}
}

func TestServerProtocol(t *testing.T) {
	t.Run("set get delete", func(t *testing.T) {
		_, addr := startServer(t, ServerOptions{})
		s := dialRaw(t, addr)

		s.send("set k:0 5 0 3\r\nabc\r\n")
		s.expect("STORED")

		s.send("get k:0 missing:0\r\n")
		s.expect("VALUE k:0 5 3", "abc", "END")

		s.send("get missing:0\r\n")
		s.expect("END")

		s.send("set empty:0 1 0 0\r\n\r\n")
		s.expect("STORED")
		s.send("get empty:0\r\n")
		s.expect("VALUE empty:0 1 0", "", "END")

		s.send("delete k:0\r\n")
		s.expect("DELETED")
		s.send("delete k:0\r\n")
		s.expect("NOT_FOUND")

		s.send("set quiet:0 0 0 1 noreply\r\nq\r\nversion\r\n")
		s.expect("VERSION assetgrid")
	})

	t.Run("payload may contain CRLF", func(t *testing.T) {
		_, addr := startServer(t, ServerOptions{})
		s := dialRaw(t, addr)

		s.send("set bin:0 0 0 4\r\n\r\n\r\n\r\n")
		s.expect("STORED")
		s.send("get bin:0\r\n")
		s.expect("VALUE bin:0 0 4", "", "", "", "END")
	})

	t.Run("errors", func(t *testing.T) {
		_, addr := startServer(t, ServerOptions{MaxValueSize: 4})
		s := dialRaw(t, addr)

		s.send("bogus\r\n")
		s.expect("ERROR")

		s.send("get\r\n")
		s.expect("ERROR")

		s.send("set k 0 0 x\r\n")
		s.expect("CLIENT_ERROR bad command line format")

		s.send("set k:0 0 0 2\r\nabcd\r\n")
		s.expect("CLIENT_ERROR bad data chunk", "ERROR")

		s.send("set big:0 0 0 10\r\n0123456789\r\n")
		s.expect("SERVER_ERROR object too large for cache")

		s.send("set ok:0 0 0 2\r\nok\r\n")
		s.expect("STORED")
	})

	t.Run("quit ends the session and it is reaped", func(t *testing.T) {
		srv, addr := startServer(t, ServerOptions{ReapInterval: 5 * time.Millisecond})
		s := dialRaw(t, addr)
		s.send("version\r\n")
		s.expect("VERSION assetgrid")
		require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)

		s.send("quit\r\n")
		_, err := s.r.ReadString('\n')
		assert.ErrorIs(t, err, io.EOF)
		require.Eventually(t, func() bool { return srv.Sessions() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("close stops serving", func(t *testing.T) {
		srv, err := NewServer(ServerOptions{})
		require.NoError(t, err)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() { done <- srv.Serve(quietContext(), ln) }()

		s := dialRaw(t, ln.Addr().String())
		s.send("version\r\n")
		s.expect("VERSION assetgrid")

		require.NoError(t, srv.Close())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
		_, err = s.r.ReadString('\n')
		assert.Error(t, err)
	})
}

func TestClient(t *testing.T) {
	const blockSize = 16
	ctx := context.Background()

	t.Run("round trips across block boundaries", func(t *testing.T) {
		srv, addr := startServer(t, ServerOptions{})
		client, err := Dial(ctx, addr, ClientOptions{BlockSize: blockSize})
		require.NoError(t, err)
		defer client.Close()

		cases := map[string]struct {
			size   int
			blocks int
		}{
			"empty":                 {0, 1},
			"one block":             {blockSize, 1},
			"exactly three blocks":  {3 * blockSize, 3},
			"three blocks plus one": {3*blockSize + 1, 4},
		}
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				key := Key{1, 2, 3, uint32(tc.size)}
				payload := bytes.Repeat([]byte{0xab}, tc.size)
				for i := range payload {
					payload[i] = byte(i)
				}
				require.NoError(t, client.Put(ctx, key, payload))

				got, err := client.Get(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, payload, got)
				assert.NotNil(t, got)

				for b := 0; b < tc.blocks; b++ {
					flags, _, ok := srv.Dictionary().Get(blockKey(key, b))
					require.True(t, ok, "block %d", b)
					assert.Equal(t, uint32(tc.blocks), flags)
				}
				_, _, ok := srv.Dictionary().Get(blockKey(key, tc.blocks))
				assert.False(t, ok)
			})
		}
	})

	t.Run("miss", func(t *testing.T) {
		_, addr := startServer(t, ServerOptions{})
		client := NewClient(addr, ClientOptions{BlockSize: blockSize})
		defer client.Close()

		_, err := client.Get(ctx, Key{9, 9, 9, 9})
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("shrinking overwrite ignores stale trailing blocks", func(t *testing.T) {
		_, addr := startServer(t, ServerOptions{})
		client := NewClient(addr, ClientOptions{BlockSize: blockSize})
		defer client.Close()

		key := Key{4, 4, 4, 4}
		require.NoError(t, client.Put(ctx, key, bytes.Repeat([]byte("x"), 3*blockSize)))
		require.NoError(t, client.Put(ctx, key, []byte("short")))
		got, err := client.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("short"), got)
	})

	t.Run("mixed writes are a miss", func(t *testing.T) {
		srv, addr := startServer(t, ServerOptions{})
		client := NewClient(addr, ClientOptions{BlockSize: blockSize})
		defer client.Close()

		key := Key{5, 5, 5, 5}
		srv.Dictionary().Set(blockKey(key, 0), 2, 0, []byte("a"))
		srv.Dictionary().Set(blockKey(key, 1), 3, 0, []byte("b"))
		_, err := client.Get(ctx, key)
		assert.ErrorIs(t, err, ErrMiss)

		srv.Dictionary().Delete(blockKey(key, 1))
		_, err = client.Get(ctx, key)
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("server errors surface as protocol errors", func(t *testing.T) {
		_, addr := startServer(t, ServerOptions{MaxValueSize: 8})
		client := NewClient(addr, ClientOptions{BlockSize: blockSize})
		defer client.Close()

		err := client.Put(ctx, Key{6, 6, 6, 6}, bytes.Repeat([]byte("y"), blockSize))
		require.ErrorIs(t, err, ErrProtocol)
		assert.True(t, strings.Contains(err.Error(), "SERVER_ERROR"))

		require.NoError(t, client.Put(ctx, Key{6, 6, 6, 7}, []byte("fits")))
	})

	t.Run("redials after the session is dropped", func(t *testing.T) {
		srv, addr := startServer(t, ServerOptions{})
		client := NewClient(addr, ClientOptions{BlockSize: blockSize})
		defer client.Close()

		key := Key{7, 7, 7, 7}
		require.NoError(t, client.Put(ctx, key, []byte("persisted")))

		srv.mu.Lock()
		for _, s := range srv.sessions {
			s.Shutdown()
		}
		srv.mu.Unlock()

		_, _ = client.Get(ctx, key)
		got, err := client.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("persisted"), got)
	})

	t.Run("dial failure", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		ln.Close()

		_, err = Dial(ctx, addr, ClientOptions{Timeout: time.Second})
		assert.Error(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		_, addr := startServer(t, ServerOptions{})
		client := NewClient(addr, ClientOptions{})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := client.Get(cctx, Key{1, 1, 1, 1})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
