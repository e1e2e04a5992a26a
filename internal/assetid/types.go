package assetid

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// OutputID identifies one node of a dependency set.
type OutputID = uuid.UUID

// Nil is the zero OutputID. It never names a real output.
var Nil = uuid.Nil

// TypeID names an asset type, e.g. "texture" or "bundle".
type TypeID string

// String returns the type name.
func (t TypeID) String() string { return string(t) }

// New returns a random OutputID.
func New() OutputID { return uuid.New() }

// Words splits an id into four big-endian 32-bit words.
func Words(id OutputID) [4]uint32 {
	var w [4]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(id[i*4 : i*4+4])
	}
	return w
}

// Derive returns a stable id computed from a parent id and a name. Pipelines
// use it to name synthesized outputs that have no source record.
func Derive(parent OutputID, name string) OutputID {
	return uuid.NewSHA1(parent, []byte(name))
}
