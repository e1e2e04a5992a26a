package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vk/assetgrid/internal/assetid"
	"github.com/vk/assetgrid/internal/ctxlog"
)

// Module is the interface that all compiled-in pipeline modules implement.
type Module interface {
	Register(r *Registry)
}

// Registry maps asset types to the pipeline that handles them.
type Registry struct {
	byType map[assetid.TypeID]Pipeline
	byName map[string]Pipeline
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[assetid.TypeID]Pipeline),
		byName: make(map[string]Pipeline),
	}
}

// Register adds p for every type it declares. Registering a second pipeline
// for an already claimed type or name is an error.
func (r *Registry) Register(p Pipeline) error {
	if p == nil {
		return fmt.Errorf("nil pipeline")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("pipeline %T has an empty name", p)
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("pipeline with name '%s' already registered", name)
	}
	types := p.AssetTypes()
	if len(types) == 0 {
		return fmt.Errorf("pipeline '%s' declares no asset types", name)
	}
	for _, t := range types {
		if prev, exists := r.byType[t]; exists {
			return fmt.Errorf("asset type '%s' already handled by pipeline '%s'", t, prev.Name())
		}
	}
	r.byName[name] = p
	for _, t := range types {
		r.byType[t] = p
	}
	return nil
}

// MustRegister is Register for module init code; a conflict is a programmer error.
func (r *Registry) MustRegister(p Pipeline) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Install registers every module.
func (r *Registry) Install(ctx context.Context, modules ...Module) {
	logger := ctxlog.FromContext(ctx)
	for _, m := range modules {
		m.Register(r)
	}
	logger.Debug("Pipeline modules registered.", "modules", len(modules), "types", strings.Join(r.typeNames(), ","))
}

// ForType returns the pipeline handling t.
func (r *Registry) ForType(t assetid.TypeID) (Pipeline, bool) {
	p, ok := r.byType[t]
	return p, ok
}

// ByName returns the pipeline registered under name.
func (r *Registry) ByName(name string) (Pipeline, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Types returns all registered asset types in sorted order.
func (r *Registry) Types() []assetid.TypeID {
	out := make([]assetid.TypeID, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) typeNames() []string {
	types := r.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}
