package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownTarget is returned by Create when no constructor is
// registered for the requested target type.
var ErrUnknownTarget = errors.New("unknown target type")

// Registry maps a target type to a driver constructor.
//
// It is populated once at startup and read-only thereafter; the lock
// only guards against misuse, not expected runtime mutation.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register binds a target type to a constructor. Target types are
// case-insensitive. Registering the same type twice is a programming
// error and fails loudly.
func (r *Registry) Register(targetType string, ctor Constructor) error {
	key := normalizeTarget(targetType)
	if key == "" {
		return errors.New("driver: empty target type")
	}
	if ctor == nil {
		return fmt.Errorf("driver: nil constructor for %q", targetType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ctors[key]; dup {
		return fmt.Errorf("driver: target %q already registered", key)
	}
	r.ctors[key] = ctor
	return nil
}

// Create builds a fresh driver for the target type.
func (r *Registry) Create(ctx context.Context, targetType string) (Driver, error) {
	key := normalizeTarget(targetType)

	r.mu.RLock()
	ctor := r.ctors[key]
	r.mu.RUnlock()

	if ctor == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, targetType)
	}
	return ctor(ctx)
}

// Known reports whether a constructor exists for the target type.
func (r *Registry) Known(targetType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[normalizeTarget(targetType)]
	return ok
}

// Types returns the registered target types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func normalizeTarget(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
