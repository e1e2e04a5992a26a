package sourcedb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/ctxlog"
	"github.com/vk/assetgrid/internal/fsutil"
)

// assetBlock is the HCL shape of one source asset:
//
//	asset "texture" "hero_diffuse" {
//	  id    = "0b8e3a44-6f5c-4c1e-9f0d-2f1b7e3c9a10"
//	  data  = ["hero_diffuse.png"]
//	  refs  = ["..."]
//	  attrs = { format = "bc7" }
//	}
type assetBlock struct {
	Type   string            `hcl:"type,label"`
	Name   string            `hcl:"name,label"`
	ID     string            `hcl:"id"`
	Data   []string          `hcl:"data,optional"`
	Refs   []string          `hcl:"refs,optional"`
	Attrs  map[string]string `hcl:"attrs,optional"`
	Remain hcl.Body          `hcl:",remain"`
}

type contentRoot struct {
	Assets []*assetBlock `hcl:"asset,block"`
	Remain hcl.Body      `hcl:",remain"`
}

type hclInstance struct {
	record *Record
	path   string
	data   []string
}

func (h *hclInstance) ID() assetid.OutputID   { return h.record.ID }
func (h *hclInstance) Name() string           { return h.record.Name }
func (h *hclInstance) Path() string           { return h.path }
func (h *hclInstance) TypeID() assetid.TypeID { return h.record.Type }
func (h *hclInstance) DataNames() []string    { return append([]string(nil), h.data...) }

func (h *hclInstance) ReadData(name string) (io.ReadCloser, error) {
	if !h.hasData(name) {
		return nil, fmt.Errorf("blob %q of %s: %w", name, h.path, ErrNotFound)
	}
	return os.Open(filepath.Join(h.record.Dir, name))
}

func (h *hclInstance) DataLastWriteTime(name string) (time.Time, error) {
	if !h.hasData(name) {
		return time.Time{}, fmt.Errorf("blob %q of %s: %w", name, h.path, ErrNotFound)
	}
	info, err := os.Stat(filepath.Join(h.record.Dir, name))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Checkout verifies every data blob is present before handing out the record.
func (h *hclInstance) Checkout() (Asset, error) {
	for _, name := range h.data {
		if _, err := os.Stat(filepath.Join(h.record.Dir, name)); err != nil {
			return nil, fmt.Errorf("checking out %s: %w", h.path, err)
		}
	}
	return h.record, nil
}

func (h *hclInstance) hasData(name string) bool {
	for _, d := range h.data {
		if d == name {
			return true
		}
	}
	return false
}

// HCLDatabase is a Database loaded from a content directory.
type HCLDatabase struct {
	root      string
	instances map[assetid.OutputID]*hclInstance
}

// LoadHCL parses every .hcl file under root and indexes its asset blocks.
func LoadHCL(ctx context.Context, root string) (*HCLDatabase, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading source database.", "root", root)

	files, err := fsutil.FindFilesByExtension(root, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("scanning content directory %s: %w", root, err)
	}

	db := &HCLDatabase{root: root, instances: make(map[assetid.OutputID]*hclInstance)}
	parser := hclparse.NewParser()
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var cr contentRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &cr); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		for _, block := range cr.Assets {
			inst, err := db.translate(file, block)
			if err != nil {
				return nil, err
			}
			if prev, dup := db.instances[inst.record.ID]; dup {
				return nil, fmt.Errorf("duplicate asset id %s: %s and %s", inst.record.ID, prev.path, inst.path)
			}
			db.instances[inst.record.ID] = inst
		}
	}

	logger.Debug("Source database loaded.", "files", len(files), "instances", len(db.instances))
	return db, nil
}

func (db *HCLDatabase) translate(file string, block *assetBlock) (*hclInstance, error) {
	id, err := assetid.Parse(block.ID)
	if err != nil {
		return nil, fmt.Errorf("asset %s.%s in %s: %w", block.Type, block.Name, file, err)
	}
	refs, err := assetid.ParseAll(block.Refs)
	if err != nil {
		return nil, fmt.Errorf("asset %s.%s in %s: refs: %w", block.Type, block.Name, file, err)
	}

	dir := filepath.Dir(file)
	rel, err := filepath.Rel(db.root, dir)
	if err != nil || rel == "." {
		rel = ""
	}
	data := append([]string(nil), block.Data...)
	sort.Strings(data)

	return &hclInstance{
		record: &Record{
			Type:  assetid.TypeID(block.Type),
			Name:  block.Name,
			ID:    id,
			Refs:  refs,
			Attrs: block.Attrs,
			Dir:   dir,
		},
		path: filepath.ToSlash(filepath.Join(rel, block.Name)),
		data: data,
	}, nil
}

// GetInstance implements Database.
func (db *HCLDatabase) GetInstance(id assetid.OutputID) (Instance, error) {
	inst, ok := db.instances[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return inst, nil
}

// IDs returns every instance id ordered by instance path.
func (db *HCLDatabase) IDs() []assetid.OutputID {
	all := make([]Instance, 0, len(db.instances))
	for _, inst := range db.instances {
		all = append(all, inst)
	}
	return sortedIDs(all)
}

// Len returns the number of instances.
func (db *HCLDatabase) Len() int { return len(db.instances) }
