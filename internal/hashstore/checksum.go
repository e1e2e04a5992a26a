package hashstore

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"
)

// DefaultChunkSize is the read size used when streaming content.
const DefaultChunkSize = 64 * 1024

// Checksummer computes content checksums, reusing a Store record whenever the
// recorded last-write-time still matches.
type Checksummer struct {
	Store     Store
	ChunkSize int
}

// NewChecksummer returns a Checksummer backed by store.
func NewChecksummer(store Store) *Checksummer {
	return &Checksummer{Store: store, ChunkSize: DefaultChunkSize}
}

// Sum returns the checksum of the stream opened by open, keyed by key. When
// the store holds a record for key with a matching mtime the stream is not
// opened at all.
func (c *Checksummer) Sum(key string, mtime time.Time, open func() (io.ReadCloser, error)) (uint32, error) {
	if rec, ok := c.Store.GetFile(key); ok && rec.LastWriteTime.Equal(mtime) {
		return rec.Hash, nil
	}

	rc, err := open()
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", key, err)
	}
	defer rc.Close()

	sum, size, err := c.stream(rc)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", key, err)
	}
	c.Store.SetFile(key, Record{Hash: sum, Size: size, LastWriteTime: mtime})
	return sum, nil
}

// SumFile checksums a file on disk, keyed by its full path.
func (c *Checksummer) SumFile(path string) (uint32, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	if info.IsDir() {
		return 0, time.Time{}, fmt.Errorf("%s is a directory", path)
	}
	mtime := info.ModTime()
	sum, err := c.Sum(path, mtime, func() (io.ReadCloser, error) { return os.Open(path) })
	return sum, mtime, err
}

func (c *Checksummer) stream(r io.Reader) (uint32, int64, error) {
	size := c.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)
	h := crc32.NewIEEE()
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			return h.Sum32(), total, nil
		}
		if err != nil {
			return 0, total, err
		}
	}
}

// Checksum returns the CRC-32 of data. It is the same function Sum applies to streams.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
