package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry manages the known tools and the active subset offered to the
// model. Mutating the active set bumps a generation counter; the engine
// rebuilds its system prompt when the generation changes.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	active     map[string]bool
	schemas    map[string]*jsonschema.Schema
	generation uint64

	// onActiveChange is invoked after every active-set mutation, outside
	// the registry lock. Used to rebuild the system prompt.
	onActiveChange func()
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		active:  make(map[string]bool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// OnActiveChange sets the callback invoked after active-set mutations.
func (r *Registry) OnActiveChange(fn func()) {
	r.mu.Lock()
	r.onActiveChange = fn
	r.mu.Unlock()
}

// Register adds a tool and activates it. The tool's schema is compiled
// eagerly so malformed schemas fail at registration, not mid-turn.
func (r *Registry) Register(tool Tool) error {
	compiler := jsonschema.NewCompiler()
	name := tool.Name()
	if err := compiler.AddResource(name+".json", bytes.NewReader(tool.Schema())); err != nil {
		return fmt.Errorf("tool %s: add schema: %w", name, err)
	}
	schema, err := compiler.Compile(name + ".json")
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	r.mu.Lock()
	r.tools[name] = tool
	r.active[name] = true
	r.schemas[name] = schema
	r.generation++
	fn := r.onActiveChange
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// Get returns a tool by name if it is registered and active.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.active[name] {
		return nil, false
	}
	tool, ok := r.tools[name]
	return tool, ok
}

// SetActiveByName replaces the active set. Unknown names are an error and
// leave the set unchanged.
func (r *Registry) SetActiveByName(names []string) error {
	r.mu.Lock()
	for _, n := range names {
		if _, ok := r.tools[n]; !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownTool, n)
		}
	}
	r.active = make(map[string]bool, len(names))
	for _, n := range names {
		r.active[n] = true
	}
	r.generation++
	fn := r.onActiveChange
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// ActiveNames returns the active tool names, sorted.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.active))
	for n := range r.active {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Generation returns the active-set generation counter.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Descriptors returns provider-facing declarations of the active tools,
// sorted by name for deterministic requests.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolDescriptor
	for name := range r.active {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, ToolDescriptor{
			Name:        name,
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks tool-call params against the tool's compiled schema.
func (r *Registry) Validate(name string, params []byte) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var doc any
	if err := unmarshalLoose(params, &doc); err != nil {
		return fmt.Errorf("tool %s: invalid params JSON: %w", name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	return nil
}

func unmarshalLoose(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	return json.Unmarshal(data, v)
}
