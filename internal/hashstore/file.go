package hashstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// fileVersion is bumped whenever the on-disk layout changes. Files written by
// another version are ignored rather than misread.
const fileVersion = 1

// fileRecord stores a zero LastWriteTime as a zero MTimeNs.
type fileRecord struct {
	Hash    uint32 `yaml:"hash"`
	Size    int64  `yaml:"size"`
	MTimeNs int64  `yaml:"mtime_ns"`
}

type fileDoc struct {
	Version int                   `yaml:"version"`
	Records map[string]fileRecord `yaml:"records"`
}

// File is a Store persisted to a YAML document.
type File struct {
	*Memory
	path string
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string) (*File, error) {
	f := &File{Memory: NewMemory(), path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("reading hash store %s: %w", path, err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding hash store %s: %w", path, err)
	}
	if doc.Version != fileVersion {
		return f, nil
	}
	for k, r := range doc.Records {
		rec := Record{Hash: r.Hash, Size: r.Size}
		if r.MTimeNs != 0 {
			rec.LastWriteTime = time.Unix(0, r.MTimeNs)
		}
		f.records[k] = rec
	}
	return f, nil
}

// Path returns the file the store persists to.
func (f *File) Path() string { return f.path }

// Save writes the store to disk atomically.
func (f *File) Save() error {
	doc := fileDoc{Version: fileVersion, Records: make(map[string]fileRecord)}
	for k, r := range f.snapshot() {
		var ns int64
		if !r.LastWriteTime.IsZero() {
			ns = r.LastWriteTime.UnixNano()
		}
		doc.Records[k] = fileRecord{Hash: r.Hash, Size: r.Size, MTimeNs: ns}
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding hash store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating hash store directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".hashes-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp hash store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing hash store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing hash store: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing hash store: %w", err)
	}
	return nil
}
