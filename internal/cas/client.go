package cas

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultBlockSize is the largest payload stored under one block index.
const DefaultBlockSize = 512 * 1024

// DefaultTimeout bounds every request round trip.
const DefaultTimeout = 5 * time.Second

var (
	// ErrMiss is returned by Get when the key is not cached.
	ErrMiss = errors.New("cache miss")
	// ErrProtocol wraps malformed replies and server error tokens.
	ErrProtocol = errors.New("cache protocol error")
)

// ClientOptions configures a Client.
type ClientOptions struct {
	BlockSize int
	Timeout   time.Duration
	// Expiry is the exptime sent with every block, zero for none.
	Expiry time.Duration
}

// Client talks to one cache server over a single connection. Requests are
// serialized; after an I/O or protocol failure the connection is dropped and
// the next request dials again.
type Client struct {
	addr string
	opts ClientOptions

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	c := NewClient(addr, opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient returns a client that dials lazily on its first request.
func NewClient(addr string, opts ClientOptions) *Client {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{addr: addr, opts: opts}
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Get fetches and reassembles the value stored under key.
func (c *Client) Get(ctx context.Context, key Key) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []byte
	total := 1
	for block := 0; block < total; block++ {
		flags, data, err := c.roundTrip(ctx, func() error { return c.writeGet(key, block) }, c.readValue)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, ErrMiss
		}
		if block == 0 {
			total = int(flags)
			if total < 1 {
				c.drop()
				return nil, fmt.Errorf("%w: block count %d", ErrProtocol, flags)
			}
		} else if int(flags) != total {
			// Block from a different write of the same key.
			return nil, ErrMiss
		}
		out = append(out, data...)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Put splits data into blocks and stores them under key.
func (c *Client) Put(ctx context.Context, key Key, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks := (len(data) + c.opts.BlockSize - 1) / c.opts.BlockSize
	if blocks == 0 {
		blocks = 1
	}
	exptime := int64(c.opts.Expiry / time.Second)
	for block := 0; block < blocks; block++ {
		lo := block * c.opts.BlockSize
		hi := min(lo+c.opts.BlockSize, len(data))
		chunk := data[lo:hi]
		_, _, err := c.roundTrip(ctx,
			func() error { return c.writeSet(key, block, blocks, exptime, chunk) },
			c.readStored)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial cache server %s: %w", c.addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.w = bufio.NewWriter(conn)
	return nil
}

func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// roundTrip sends one request and reads its reply under a deadline. Any
// failure other than a clean miss drops the connection.
func (c *Client) roundTrip(ctx context.Context, send func() error, recv func() (uint32, []byte, error)) (uint32, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return 0, nil, err
		}
	}
	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if err := send(); err != nil {
		c.drop()
		return 0, nil, err
	}
	if err := c.w.Flush(); err != nil {
		c.drop()
		return 0, nil, err
	}
	flags, data, err := recv()
	if err != nil {
		c.drop()
		return 0, nil, err
	}
	return flags, data, nil
}

func blockKey(key Key, block int) string {
	return key.String() + ":" + strconv.Itoa(block)
}

func (c *Client) writeGet(key Key, block int) error {
	_, err := fmt.Fprintf(c.w, "get %s\r\n", blockKey(key, block))
	return err
}

func (c *Client) writeSet(key Key, block, blocks int, exptime int64, chunk []byte) error {
	if _, err := fmt.Fprintf(c.w, "set %s %d %d %d\r\n", blockKey(key, block), blocks, exptime, len(chunk)); err != nil {
		return err
	}
	if _, err := c.w.Write(chunk); err != nil {
		return err
	}
	_, err := c.w.Write(crlf)
	return err
}

func (c *Client) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readValue reads a single-key get reply. A miss returns nil data.
func (c *Client) readValue() (uint32, []byte, error) {
	line, err := c.readLine()
	if err != nil {
		return 0, nil, err
	}
	if line == "END" {
		return 0, nil, nil
	}
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "VALUE" {
		return 0, nil, fmt.Errorf("%w: unexpected reply %q", ErrProtocol, line)
	}
	flags, ferr := strconv.ParseUint(fields[2], 10, 32)
	size, serr := strconv.Atoi(fields[3])
	if ferr != nil || serr != nil || size < 0 || size > c.opts.BlockSize {
		return 0, nil, fmt.Errorf("%w: malformed value header %q", ErrProtocol, line)
	}
	data := make([]byte, size+2)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return 0, nil, err
	}
	if data[size] != '\r' || data[size+1] != '\n' {
		return 0, nil, fmt.Errorf("%w: value not terminated by CRLF", ErrProtocol)
	}
	end, err := c.readLine()
	if err != nil {
		return 0, nil, err
	}
	if end != "END" {
		return 0, nil, fmt.Errorf("%w: expected END, got %q", ErrProtocol, end)
	}
	return uint32(flags), data[:size:size], nil
}

func (c *Client) readStored() (uint32, []byte, error) {
	line, err := c.readLine()
	if err != nil {
		return 0, nil, err
	}
	if line != "STORED" {
		return 0, nil, fmt.Errorf("%w: %s", ErrProtocol, line)
	}
	return 0, nil, nil
}
