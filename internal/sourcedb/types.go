package sourcedb

import (
	"errors"
	"io"
	"time"

	"github.com/vk/assetgrid/internal/assetid"
)

// ErrNotFound is returned when an id has no source record.
var ErrNotFound = errors.New("instance not found")

// Asset is a checked-out source object. Pipelines treat it opaquely apart
// from its type.
type Asset interface {
	AssetType() assetid.TypeID
}

// Instance is one record of the source database.
type Instance interface {
	ID() assetid.OutputID
	Name() string
	Path() string
	TypeID() assetid.TypeID
	DataNames() []string
	ReadData(name string) (io.ReadCloser, error)
	DataLastWriteTime(name string) (time.Time, error)
	// Checkout materializes the instance's asset object.
	Checkout() (Asset, error)
}

// Database resolves ids to instances.
type Database interface {
	GetInstance(id assetid.OutputID) (Instance, error)
}

// OutputDatabase reports which outputs have already been produced.
type OutputDatabase interface {
	Has(id assetid.OutputID) bool
}

// Record is the generic asset object produced by the databases in this
// package. Pipelines type-assert to it when they need refs or attributes.
type Record struct {
	Type  assetid.TypeID
	Name  string
	ID    assetid.OutputID
	Refs  []assetid.OutputID
	Attrs map[string]string
	// Dir is the directory data blobs and attribute paths are relative to.
	Dir string
}

// AssetType implements Asset.
func (r *Record) AssetType() assetid.TypeID { return r.Type }

// Attr returns the named attribute or the empty string.
func (r *Record) Attr(name string) string {
	if r.Attrs == nil {
		return ""
	}
	return r.Attrs[name]
}
