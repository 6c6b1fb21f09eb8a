package task

import (
	"fmt"
	"sync"
)

// DefinitionError reports a task definition that the registry rejected.
// Definition errors are fatal at registration time: the graph never starts.
type DefinitionError struct {
	TaskID ID
	Reason string
}

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	return fmt.Sprintf("task %q: %s", string(e.TaskID), e.Reason)
}

// Registry holds task definitions in registration order. Because Define only
// accepts dependencies on IDs that are already registered, any graph the
// registry accepts is acyclic by construction; no separate cycle check runs.
type Registry struct {
	mu    sync.RWMutex
	byID  map[ID]*Definition
	order []ID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[ID]*Definition)}
}

// Define validates and registers a task definition. It returns a
// *DefinitionError when the ID is empty or duplicated, when the body tag is
// missing or ambiguous, or when a declared dependency has not been registered
// yet. Dependencies must be defined before their dependents.
func (r *Registry) Define(def Definition) (*Definition, error) {
	if def.ID == "" {
		return nil, &DefinitionError{TaskID: def.ID, Reason: "task ID must not be empty"}
	}
	if def.Run == nil && def.RunProgressive == nil {
		return nil, &DefinitionError{TaskID: def.ID, Reason: "task body is missing: set Run or RunProgressive"}
	}
	if def.Run != nil && def.RunProgressive != nil {
		return nil, &DefinitionError{TaskID: def.ID, Reason: "task body is ambiguous: set exactly one of Run and RunProgressive"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[def.ID]; exists {
		return nil, &DefinitionError{TaskID: def.ID, Reason: "task ID is already registered"}
	}
	for _, dep := range def.DependsOn {
		if _, ok := r.byID[dep]; !ok {
			return nil, &DefinitionError{
				TaskID: def.ID,
				Reason: fmt.Sprintf("depends on task %q which has not been defined yet", string(dep)),
			}
		}
	}

	d := def
	r.byID[d.ID] = &d
	r.order = append(r.order, d.ID)
	return &d, nil
}

// MustDefine is Define for static task tables built at process start, where a
// rejected definition is a programmer error.
func (r *Registry) MustDefine(def Definition) *Definition {
	d, err := r.Define(def)
	if err != nil {
		panic(err)
	}
	return d
}

// Get returns the definition for id.
func (r *Registry) Get(id ID) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// Order returns all task IDs in registration order. The returned slice is a
// copy; callers may mutate it freely.
func (r *Registry) Order() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
