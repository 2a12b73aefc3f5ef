// Package registry maps job names to collector factories.
//
// Wiring is explicit: every collector is registered once at startup
// (Register("cot", cot.New)), so a missing or broken source is a typed
// lookup error instead of a reflection failure at fire time.
package registry

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"marketpulse/internal/collector"
)

var ErrNotRegistered = errors.New("collector not registered")

// ConstructionError wraps a factory failure (error return or panic).
// One broken factory never prevents the registry from serving other jobs.
type ConstructionError struct {
	Name  string
	Cause error
	Stack string // non-empty when the factory panicked
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("constructing collector %q: %v", e.Name, e.Cause)
}

func (e *ConstructionError) Unwrap() error { return e.Cause }

// Descriptor is what List reports per entry.
type Descriptor struct {
	Name string
}

// Registry is a concurrency-safe name -> factory map.
// Lookups are O(1); IsRegistered and List are side-effect-free.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]collector.Factory
}

func New() *Registry {
	return &Registry{entries: map[string]collector.Factory{}}
}

// Register installs a factory under name. Registering the same name twice
// replaces the earlier factory (last registration wins).
func (r *Registry) Register(name string, f collector.Factory) {
	if name == "" || f == nil {
		return
	}
	r.mu.Lock()
	r.entries[name] = f
	r.mu.Unlock()
}

// Get constructs a fresh collector instance for name.
//
// A factory that returns an error or panics yields a *ConstructionError;
// an unknown name yields an error wrapping ErrNotRegistered.
func (r *Registry) Get(name string) (collector.Collector, error) {
	r.mu.RLock()
	f, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}

	var (
		inst collector.Collector
		err  error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = &ConstructionError{
					Name:  name,
					Cause: fmt.Errorf("factory panic: %v", rec),
					Stack: string(debug.Stack()),
				}
			}
		}()
		inst, err = f()
	}()
	if err != nil {
		var ce *ConstructionError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ConstructionError{Name: name, Cause: err}
	}
	if inst == nil {
		return nil, &ConstructionError{Name: name, Cause: errors.New("factory returned nil collector")}
	}
	return inst, nil
}

func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	_, ok := r.entries[name]
	r.mu.RUnlock()
	return ok
}

// List returns all registered entries sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, Descriptor{Name: name})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
