package tool

import (
	"fmt"
	"sort"
	"sync"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hupe1980/packbot/model"
)

// Registry maps tool names to descriptors. It is an explicit object owned by
// the process (or test) that builds it; there is no package level state.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Descriptor
	compiled map[string]*sjsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Descriptor),
		compiled: make(map[string]*sjsonschema.Schema),
	}
}

// Register adds a descriptor. Names must be unique.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}

	if d.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}

	desc := d
	r.tools[d.Name] = &desc

	return nil
}

// Unregister removes a tool, reporting whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return false
	}

	delete(r.tools, name)
	delete(r.compiled, name)

	return true
}

// Get returns a copy of the named descriptor.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}

	return *d, true
}

// Enable flips the enabled flag on.
func (r *Registry) Enable(name string) error { return r.setEnabled(name, true) }

// Disable flips the enabled flag off; the tool stays registered.
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	d.Enabled = enabled

	return nil
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// ExportSchemas returns the tools as model function definitions sorted by
// name. With onlyEnabled, disabled tools are skipped.
func (r *Registry) ExportSchemas(onlyEnabled bool) []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for _, d := range r.tools {
		if onlyEnabled && !d.Enabled {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })

	return defs
}

// schemaFor returns the compiled schema of a tool, compiling it on first use.
func (r *Registry) schemaFor(d Descriptor) (*sjsonschema.Schema, error) {
	r.mu.RLock()
	s, ok := r.compiled[d.Name]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := compileSchema(d.Name, d.Parameters)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.compiled[d.Name] = s
	r.mu.Unlock()

	return s, nil
}
