package asynctest

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry is the dependency registry of an Env. Providers are registered
// and looked up by their static type.
type Registry struct {
	mu        sync.RWMutex
	providers map[reflect.Type]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[reflect.Type]any)}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Provide registers provider as the implementation of T. Registering the
// same type twice is a configuration error and panics.
func Provide[T any](r *Registry, provider T) {
	t := typeOf[T]()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[t]; exists {
		panic(fmt.Sprintf("asynctest: duplicate provider for %v", t))
	}
	r.providers[t] = provider
}

// Replace registers provider as the implementation of T, replacing any
// existing registration.
func Replace[T any](r *Registry, provider T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[typeOf[T]()] = provider
}

// Lookup returns the provider of T.
func Lookup[T any](r *Registry) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.providers[typeOf[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// MustLookup is like Lookup but panics when T has no provider.
func MustLookup[T any](r *Registry) T {
	v, ok := Lookup[T](r)
	if !ok {
		panic(fmt.Sprintf("asynctest: no provider for %v", typeOf[T]()))
	}
	return v
}
