package tools

import (
	"fmt"
	"sort"
	"sync"
)

// ToolRegistry acts as a central inventory for all tools available to the engine.
// It is filled during startup and frozen before the first turn; after Freeze
// it is read-only and safe to share between concurrent turns.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*compiledSchema
	frozen  bool
}

// NewToolRegistry creates a new tool registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*compiledSchema),
	}
}

// Register adds tools to the registry. The argument schema is compiled here
// so a malformed declaration fails at startup instead of mid-turn.
func (tr *ToolRegistry) Register(tools ...Tool) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.frozen {
		return fmt.Errorf("tool registry is frozen")
	}
	for _, t := range tools {
		if t.Name() == "" {
			return fmt.Errorf("tool with empty name")
		}
		if _, dup := tr.tools[t.Name()]; dup {
			return fmt.Errorf("tool %q registered twice", t.Name())
		}
		cs, err := compileSchema(t)
		if err != nil {
			return fmt.Errorf("tool %q: %w", t.Name(), err)
		}
		tr.tools[t.Name()] = t
		tr.schemas[t.Name()] = cs
	}
	return nil
}

// MustRegister is Register for startup wiring.
func (tr *ToolRegistry) MustRegister(tools ...Tool) *ToolRegistry {
	if err := tr.Register(tools...); err != nil {
		panic(err)
	}
	return tr
}

// Freeze makes the registry read-only.
func (tr *ToolRegistry) Freeze() *ToolRegistry {
	tr.mu.Lock()
	tr.frozen = true
	tr.mu.Unlock()
	return tr
}

// Get retrieves a tool by name
func (tr *ToolRegistry) Get(name string) (Tool, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	tool, ok := tr.tools[name]
	return tool, ok
}

// Has reports whether name is registered.
func (tr *ToolRegistry) Has(name string) bool {
	_, ok := tr.Get(name)
	return ok
}

// GetAll returns all registered tools sorted by name, so prompts built from
// the catalog are stable between turns.
func (tr *ToolRegistry) GetAll() []Tool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	tools := make([]Tool, 0, len(tr.tools))
	for _, tool := range tr.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// ValidateArgs checks args against the tool's declared schema.
func (tr *ToolRegistry) ValidateArgs(name string, args map[string]any) error {
	tr.mu.RLock()
	cs, ok := tr.schemas[name]
	tr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	return cs.validate(args)
}
