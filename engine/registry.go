package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds an engine for one call.
type Constructor func(opts Options) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[Type]Constructor{}
)

// Register makes an engine type available to New. Registering a type twice
// replaces the earlier constructor.
func Register(t Type, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = ctor
}

// New constructs the engine registered for t.
func New(t Type, opts Options) (Engine, error) {
	registryMu.RLock()
	ctor, ok := registry[t]
	registryMu.RUnlock()
	if !ok || ctor == nil {
		return nil, &Error{
			Kind:    KindInit,
			Message: fmt.Sprintf("unsupported engine type: %s", t),
		}
	}
	e, err := ctor(opts)
	if err != nil {
		return nil, &Error{
			Kind:    KindInit,
			Message: fmt.Sprintf("create %s engine", t),
			Cause:   err,
		}
	}
	return e, nil
}

// Registered lists the registered engine types in ascending order.
func Registered() []Type {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
