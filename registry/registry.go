package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Space names the typed sub-registries. Every registered component lives
// in exactly one space.
type Space string

const (
	SpaceTool           Space = "tool"
	SpaceAgent          Space = "agent"
	SpaceWorkflow       Space = "workflow"
	SpaceLLMOperator    Space = "llm_operator"
	SpaceCode           Space = "code"
	SpaceExecutor       Space = "executor"
	SpaceMonitor        Space = "monitor"
	SpacePromptTemplate Space = "prompt_template"
	SpaceChain          Space = "chain"
)

var validSpaces = map[Space]bool{
	SpaceTool:           true,
	SpaceAgent:          true,
	SpaceWorkflow:       true,
	SpaceLLMOperator:    true,
	SpaceCode:           true,
	SpaceExecutor:       true,
	SpaceMonitor:        true,
	SpacePromptTemplate: true,
	SpaceChain:          true,
}

// ValidSpace reports whether a space name is one of the known spaces.
func ValidSpace(space Space) bool {
	return validSpaces[space]
}

// statefulSpaces always construct a fresh instance per GetInstance call so
// that concurrent executions never share mutable component state.
var statefulSpaces = map[Space]bool{
	SpaceTool: true,
	SpaceCode: true,
}

// Factory constructs a component instance.
type Factory func() (any, error)

// NotRegisteredError reports a lookup miss in a space.
type NotRegisteredError struct {
	Space Space
	Name  string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("%s %q is not registered", e.Space, e.Name)
}

// DuplicateRegistrationError reports a conflicting re-registration.
type DuplicateRegistrationError struct {
	Space Space
	Name  string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("%s %q is already registered with a different factory", e.Space, e.Name)
}

// FactoryError wraps a failure inside a component factory.
type FactoryError struct {
	Space Space
	Name  string
	Err   error
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("factory for %s %q failed: %v", e.Space, e.Name, e.Err)
}

func (e *FactoryError) Unwrap() error { return e.Err }

type entry struct {
	factory  Factory
	instance any
	// token identifies the registration so that re-registering the same
	// factory is a no-op while a different one conflicts.
	token string
}

// Registry holds named component factories partitioned by space. It is
// safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	spaces map[Space]map[string]*entry
}

// New creates an empty registry with all spaces initialized.
func New() *Registry {
	spaces := make(map[Space]map[string]*entry, len(validSpaces))
	for s := range validSpaces {
		spaces[s] = make(map[string]*entry)
	}
	return &Registry{spaces: spaces}
}

// RegisterFactory binds a factory to a name within a space. Registering
// the same name again with the same token is idempotent; a different
// token returns DuplicateRegistrationError unless force is set.
func (r *Registry) RegisterFactory(space Space, name, token string, factory Factory, force bool) error {
	if !validSpaces[space] {
		return fmt.Errorf("unknown registry space %q", space)
	}
	if name == "" {
		return fmt.Errorf("component name is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s %q is nil", space, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.spaces[space][name]
	if exists && !force {
		if existing.token == token && token != "" {
			return nil
		}
		return &DuplicateRegistrationError{Space: space, Name: name}
	}

	r.spaces[space][name] = &entry{factory: factory, token: token}
	return nil
}

// RegisterInstance binds a pre-built singleton to a name within a space.
func (r *Registry) RegisterInstance(space Space, name string, instance any, force bool) error {
	if !validSpaces[space] {
		return fmt.Errorf("unknown registry space %q", space)
	}
	if name == "" {
		return fmt.Errorf("component name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.spaces[space][name]; exists && !force {
		return &DuplicateRegistrationError{Space: space, Name: name}
	}

	r.spaces[space][name] = &entry{instance: instance}
	return nil
}

// GetInstance resolves a component. Spaces holding per-execution state
// (tool, code) get a fresh instance from the factory on every call;
// other spaces construct once and memoize.
func (r *Registry) GetInstance(space Space, name string) (any, error) {
	r.mu.RLock()
	ent, exists := r.spaces[space][name]
	r.mu.RUnlock()

	if !exists {
		return nil, &NotRegisteredError{Space: space, Name: name}
	}

	if ent.factory == nil {
		return ent.instance, nil
	}

	if statefulSpaces[space] {
		inst, err := ent.factory()
		if err != nil {
			return nil, &FactoryError{Space: space, Name: name, Err: err}
		}
		return inst, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-read under the write lock; another goroutine may have built it.
	ent, exists = r.spaces[space][name]
	if !exists {
		return nil, &NotRegisteredError{Space: space, Name: name}
	}
	if ent.instance != nil {
		return ent.instance, nil
	}

	inst, err := ent.factory()
	if err != nil {
		return nil, &FactoryError{Space: space, Name: name, Err: err}
	}
	ent.instance = inst
	return inst, nil
}

// Has reports whether a name is registered in a space.
func (r *Registry) Has(space Space, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.spaces[space][name]
	return exists
}

// List returns the registered names in a space, sorted.
func (r *Registry) List(space Space) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.spaces[space]))
	for name := range r.spaces[space] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a name from a space. Missing names are a no-op.
func (r *Registry) Unregister(space Space, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spaces[space], name)
}
