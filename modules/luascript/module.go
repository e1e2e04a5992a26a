// Package luascript runs a Lua script per asset to produce its output.
//
// The script is named by the asset's `script` attribute, relative to the
// asset's directory, and is tracked as an external file so editing it
// triggers a rebuild. The script sees three globals:
//
//	inputs    blob name -> blob content
//	attrs     the asset's attributes
//	children  child output id -> built artifact
//
// and must return a string.
package luascript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/internal/sourcedb"
)

const (
	Version                = "1"
	Type    assetid.TypeID = "script"

	DefaultTimeout = 10 * time.Second
)

// ErrNoScript is returned for script assets without a `script` attribute.
var ErrNoScript = errors.New("asset has no script attribute")

// Module registers the Lua pipeline.
type Module struct {
	Timeout time.Duration
}

// Register implements pipeline.Module.
func (m *Module) Register(r *pipeline.Registry) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r.MustRegister(&Pipeline{timeout: timeout})
}

// Pipeline evaluates asset scripts.
type Pipeline struct {
	timeout time.Duration
}

func (p *Pipeline) Name() string                 { return "luascript" }
func (p *Pipeline) AssetTypes() []assetid.TypeID { return []assetid.TypeID{Type} }
func (p *Pipeline) StructuralHash() uint32       { return pipeline.VersionHash("luascript", Version) }

func (p *Pipeline) HashAsset(a sourcedb.Asset) uint32 {
	rec, ok := a.(*sourcedb.Record)
	if !ok {
		return 0
	}
	fields := []string{rec.Name}
	for _, r := range rec.Refs {
		fields = append(fields, r.String())
	}
	return pipeline.HashFields(fields, rec.Attrs)
}

func (p *Pipeline) BuildDependencies(d pipeline.Depends, _ sourcedb.Instance, asset sourcedb.Asset, _ string, _ assetid.OutputID) bool {
	rec, ok := asset.(*sourcedb.Record)
	if !ok || rec.Attr("script") == "" {
		return false
	}
	result := d.AddFile(rec.Dir, rec.Attr("script"))
	for _, ref := range rec.Refs {
		if !d.AddID(ref, 0) {
			result = false
		}
	}
	return result
}

func (p *Pipeline) BuildOutput(ctx context.Context, req *pipeline.BuildRequest) ([]byte, error) {
	rec, ok := req.Asset.(*sourcedb.Record)
	if !ok || rec.Attr("script") == "" {
		return nil, fmt.Errorf("luascript: '%s': %w", req.OutputPath, ErrNoScript)
	}
	scriptPath := filepath.Join(rec.Dir, rec.Attr("script"))
	code, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("luascript: reading %s: %w", scriptPath, err)
	}

	inputs := map[string]string{}
	if req.Instance != nil {
		for _, name := range req.Instance.DataNames() {
			data, err := readBlob(req.Instance, name)
			if err != nil {
				return nil, fmt.Errorf("luascript: '%s': %w", req.OutputPath, err)
			}
			inputs[name] = string(data)
		}
	}
	children := map[string]string{}
	for _, c := range req.Children {
		data, err := req.Inputs.Get(ctx, c)
		if err != nil {
			continue
		}
		children[c.String()] = string(data)
	}

	out, err := run(ctx, p.timeout, string(code), scriptPath, map[string]map[string]string{
		"inputs":   inputs,
		"attrs":    rec.Attrs,
		"children": children,
	})
	if err != nil {
		return nil, fmt.Errorf("luascript: '%s': %w", req.OutputPath, err)
	}
	return []byte(out), nil
}

func readBlob(inst sourcedb.Instance, name string) ([]byte, error) {
	rc, err := inst.ReadData(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
