package cas

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	maxKeyLength  = 250
	maxLineLength = 2048
)

var crlf = []byte("\r\n")

// errQuit ends a session at the client's request.
var errQuit = errors.New("quit")

// Connection serves one client socket against the shared dictionary.
type Connection struct {
	conn        net.Conn
	dict        *Dictionary
	r           *bufio.Reader
	w           *bufio.Writer
	maxValue    int
	idleTimeout time.Duration
	logger      *slog.Logger

	stop     atomic.Bool
	finished atomic.Bool
}

func newConnection(conn net.Conn, dict *Dictionary, opts ServerOptions, logger *slog.Logger) *Connection {
	return &Connection{
		conn:        conn,
		dict:        dict,
		r:           bufio.NewReaderSize(conn, 64*1024),
		w:           bufio.NewWriterSize(conn, 64*1024),
		maxValue:    opts.MaxValueSize,
		idleTimeout: opts.IdleTimeout,
		logger:      logger.With("remote_addr", conn.RemoteAddr().String()),
	}
}

// Serve handles requests until the client disconnects, sends quit, or the
// session is shut down.
func (c *Connection) Serve(ctx context.Context) {
	defer c.finished.Store(true)
	defer c.conn.Close()
	c.logger.Debug("Cache session opened.")

	for !c.stop.Load() && ctx.Err() == nil {
		if c.idleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		line, err := c.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("Cache session read failed.", "error", err)
			}
			break
		}
		if err := c.dispatch(line); err != nil {
			if !errors.Is(err, errQuit) {
				c.logger.Debug("Cache session ended.", "error", err)
			}
			break
		}
		if err := c.w.Flush(); err != nil {
			break
		}
	}
	c.w.Flush()
	c.logger.Debug("Cache session closed.")
}

// Update reports whether the session is still running.
func (c *Connection) Update() bool { return !c.finished.Load() }

// Shutdown asks the session to end and unblocks a pending read.
func (c *Connection) Shutdown() {
	c.stop.Store(true)
	c.conn.Close()
}

func (c *Connection) readLine() (string, error) {
	line, err := c.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) || len(line) > maxLineLength {
		return "", fmt.Errorf("request line too long")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// dispatch handles one request. A returned error ends the session.
func (c *Connection) dispatch(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return c.reply("ERROR")
	}
	switch fields[0] {
	case "get", "gets":
		return c.handleGet(fields[1:])
	case "set":
		return c.handleSet(fields[1:])
	case "delete":
		return c.handleDelete(fields[1:])
	case "version":
		return c.reply("VERSION assetgrid")
	case "quit":
		return errQuit
	default:
		return c.reply("ERROR")
	}
}

func (c *Connection) handleGet(keys []string) error {
	if len(keys) == 0 {
		return c.reply("ERROR")
	}
	for _, key := range keys {
		if !validKey(key) {
			return c.reply("CLIENT_ERROR bad command line format")
		}
	}
	for _, key := range keys {
		flags, data, ok := c.dict.Get(key)
		if !ok {
			continue
		}
		fmt.Fprintf(c.w, "VALUE %s %d %d\r\n", key, flags, len(data))
		c.w.Write(data)
		c.w.Write(crlf)
	}
	return c.reply("END")
}

func (c *Connection) handleSet(args []string) error {
	noreply := len(args) == 5 && args[4] == "noreply"
	if len(args) != 4 && !noreply {
		return c.reply("CLIENT_ERROR bad command line format")
	}
	key := args[0]
	flags, ferr := strconv.ParseUint(args[1], 10, 32)
	exptime, eerr := strconv.ParseInt(args[2], 10, 64)
	size, serr := strconv.Atoi(args[3])
	if !validKey(key) || ferr != nil || eerr != nil || serr != nil || size < 0 {
		return c.reply("CLIENT_ERROR bad command line format")
	}

	if c.maxValue > 0 && size > c.maxValue {
		// Drain the payload so the stream stays in sync.
		if _, err := io.CopyN(io.Discard, c.r, int64(size)+2); err != nil {
			return err
		}
		return c.reply("SERVER_ERROR object too large for cache")
	}

	data := make([]byte, size+2)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return err
	}
	if data[size] != '\r' || data[size+1] != '\n' {
		return c.reply("CLIENT_ERROR bad data chunk")
	}
	c.dict.Set(key, uint32(flags), exptime, data[:size:size])
	if noreply {
		return nil
	}
	return c.reply("STORED")
}

func (c *Connection) handleDelete(args []string) error {
	noreply := len(args) == 2 && args[1] == "noreply"
	if len(args) != 1 && !noreply {
		return c.reply("CLIENT_ERROR bad command line format")
	}
	if !validKey(args[0]) {
		return c.reply("CLIENT_ERROR bad command line format")
	}
	deleted := c.dict.Delete(args[0])
	if noreply {
		return nil
	}
	if deleted {
		return c.reply("DELETED")
	}
	return c.reply("NOT_FOUND")
}

func (c *Connection) reply(token string) error {
	if _, err := c.w.WriteString(token); err != nil {
		return err
	}
	_, err := c.w.Write(crlf)
	return err
}

func validKey(key string) bool {
	if key == "" || len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}
