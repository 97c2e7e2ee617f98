package tool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/marketgraph/graph/model"
)

var (
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("tool registry is frozen")
)

// DuplicateToolError names the tool registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered", e.Name)
}

// Is reports whether target is ErrDuplicateTool.
func (e *DuplicateToolError) Is(target error) bool {
	return target == ErrDuplicateTool
}

// Registry maps tool names to tools, preserving registration order.
//
// A registry is populated while the workflow is built and frozen when the
// graph compiles; lookups are safe from concurrent branches.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	frozen bool
}

// NewRegistry returns a registry holding tools. It fails on duplicates.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t under t.Name().
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return errors.New("tool must be non-nil and named")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.tools[t.Name()]; exists {
		return &DuplicateToolError{Name: t.Name()}
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Specs describes every tool for binding to a model, in registration order.
func (r *Registry) Specs() []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]model.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		spec := model.ToolSpec{Name: name, Schema: Schema{}.Map()}
		if d, ok := r.tools[name].(Described); ok {
			spec.Description = d.Description()
			spec.Schema = d.Schema().Map()
		}
		specs = append(specs, spec)
	}
	return specs
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
