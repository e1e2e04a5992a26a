package cas

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/vk/assetgrid/internal/assetid"
)

// KeySize is the length of the binary form of a Key.
const KeySize = 16

// Key addresses a cache entry. Keys are ordered lexicographically by word.
type Key [4]uint32

// KeyFor derives the cache key of a node's artifact from its output id and
// its combined hash.
func KeyFor(id assetid.OutputID, hash uint32) Key {
	h := sha256.New()
	h.Write(id[:])
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], hash)
	h.Write(b[:])
	sum := h.Sum(nil)

	var k Key
	for i := range k {
		k[i] = binary.BigEndian.Uint32(sum[i*4:])
	}
	return k
}

// Valid reports whether k is not the zero key.
func (k Key) Valid() bool { return k != Key{} }

// Compare returns -1, 0 or +1.
func (k Key) Compare(o Key) int {
	for i := range k {
		switch {
		case k[i] < o[i]:
			return -1
		case k[i] > o[i]:
			return 1
		}
	}
	return 0
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// String returns the canonical form: 32 lowercase hex digits.
func (k Key) String() string {
	return fmt.Sprintf("%08x%08x%08x%08x", k[0], k[1], k[2], k[3])
}

// ParseKey parses the canonical form.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2*KeySize {
		return Key{}, fmt.Errorf("invalid cache key %q: want %d hex digits", s, 2*KeySize)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	var k Key
	if err := k.UnmarshalBinary(raw); err != nil {
		return Key{}, err
	}
	return k, nil
}

// MarshalBinary returns the 16-byte big-endian form.
func (k Key) MarshalBinary() ([]byte, error) {
	b := make([]byte, KeySize)
	for i, w := range k {
		binary.BigEndian.PutUint32(b[i*4:], w)
	}
	return b, nil
}

// UnmarshalBinary reads exactly 16 bytes.
func (k *Key) UnmarshalBinary(b []byte) error {
	if len(b) != KeySize {
		return fmt.Errorf("cache key must be %d bytes, got %d", KeySize, len(b))
	}
	for i := range k {
		k[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return nil
}

// WriteTo writes the binary form.
func (k Key) WriteTo(w io.Writer) (int64, error) {
	b, _ := k.MarshalBinary()
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads the binary form.
func (k *Key) ReadFrom(r io.Reader) (int64, error) {
	var b [KeySize]byte
	n, err := io.ReadFull(r, b[:])
	if err != nil {
		return int64(n), err
	}
	return int64(n), k.UnmarshalBinary(b[:])
}
