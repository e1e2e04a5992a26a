package cas

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of blocks a Dictionary keeps by default.
const DefaultCapacity = 16 * 1024

// relativeExpiryLimit is the largest exptime read as seconds from now; larger
// values are absolute unix times.
const relativeExpiryLimit = 30 * 24 * 60 * 60

type entry struct {
	flags   uint32
	data    []byte
	expires time.Time
}

// Dictionary is the key-value map shared by every server connection. It is
// safe for concurrent use and evicts the least recently used block when full.
type Dictionary struct {
	items *lru.Cache[string, entry]
	now   func() time.Time
}

// NewDictionary creates a Dictionary holding up to capacity blocks.
func NewDictionary(capacity int) (*Dictionary, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	items, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating cache dictionary: %w", err)
	}
	return &Dictionary{items: items, now: time.Now}, nil
}

// Get returns a live entry.
func (d *Dictionary) Get(key string) (uint32, []byte, bool) {
	e, ok := d.items.Get(key)
	if !ok {
		return 0, nil, false
	}
	if !e.expires.IsZero() && !d.now().Before(e.expires) {
		d.items.Remove(key)
		return 0, nil, false
	}
	return e.flags, e.data, true
}

// Set stores data. exptime follows memcached: 0 never expires, values up to
// thirty days are relative seconds, larger values are unix timestamps and
// negative values expire immediately.
func (d *Dictionary) Set(key string, flags uint32, exptime int64, data []byte) {
	e := entry{flags: flags, data: data}
	switch {
	case exptime < 0:
		d.items.Remove(key)
		return
	case exptime == 0:
	case exptime <= relativeExpiryLimit:
		e.expires = d.now().Add(time.Duration(exptime) * time.Second)
	default:
		e.expires = time.Unix(exptime, 0)
	}
	d.items.Add(key, e)
}

// Delete removes key and reports whether it was present.
func (d *Dictionary) Delete(key string) bool {
	return d.items.Remove(key)
}

// Len returns the number of stored blocks, expired ones included.
func (d *Dictionary) Len() int { return d.items.Len() }
