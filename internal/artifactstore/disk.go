package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vk/assetgrid/internal/assetid"
)

// Disk stores artifacts as files below a root directory, fanned out by the
// first two hex characters of the id.
type Disk struct {
	root string
}

// NewDisk creates the root directory if needed.
func NewDisk(root string) (*Disk, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &Disk{root: root}, nil
}

// Root returns the artifact directory.
func (d *Disk) Root() string { return d.root }

func (d *Disk) path(id assetid.OutputID) string {
	s := id.String()
	return filepath.Join(d.root, s[:2], s)
}

func (d *Disk) Put(ctx context.Context, id assetid.OutputID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := d.path(id)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (d *Disk) Get(ctx context.Context, id assetid.OutputID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (d *Disk) Has(id assetid.OutputID) bool {
	info, err := os.Stat(d.path(id))
	return err == nil && info.Mode().IsRegular()
}
