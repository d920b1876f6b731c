// Package funcs keeps the process-wide registry of mappable functions.
// Functions cannot travel between processes, so maps reference them by
// registered name and every executing binary resolves that name against its
// own registry. The submitting and executing binaries must therefore
// register the same names, which is automatic when they are the same binary.
//
// Argument and result values cross the process boundary gob-encoded; types
// beyond the basic ones must be registered with encoding/gob by the caller.
package funcs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Impl is the signature of a mappable function. The context is cancelled
// when the scheduler evicts, holds, or removes the attempt, so long-running
// functions should watch it.
type Impl func(ctx context.Context, args ...any) (any, error)

// Func is a registered function handle.
type Func struct {
	name string
	impl Impl
}

// Name returns the name the function was registered under.
func (f *Func) Name() string { return f.name }

// Call invokes the function.
func (f *Func) Call(ctx context.Context, args ...any) (any, error) {
	return f.impl(ctx, args...)
}

var (
	mu       sync.Mutex
	registry = make(map[string]*Func)
)

// Register binds name to impl. Names must be unique within the process;
// registering a name twice is an error because it would make stored maps
// ambiguous about which code produced them.
func Register(name string, impl Impl) (*Func, error) {
	if name == "" {
		return nil, fmt.Errorf("register function: empty name")
	}
	if impl == nil {
		return nil, fmt.Errorf("register function %q: nil implementation", name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		return nil, fmt.Errorf("register function %q: already registered", name)
	}
	f := &Func{name: name, impl: impl}
	registry[name] = f
	return f, nil
}

// MustRegister is Register for init-time use; it panics on error.
func MustRegister(name string, impl Impl) *Func {
	f, err := Register(name, impl)
	if err != nil {
		panic(err)
	}
	return f
}

// Get resolves a registered name.
func Get(name string) (*Func, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("function %q is not registered in this binary", name)
	}
	return f, nil
}

// Names lists every registered name, sorted.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
