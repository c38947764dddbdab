package scoring

import (
	"github.com/jonathan/pick-agent/internal/errors"
)

// Registry holds one engine per (category, kind).
type Registry struct {
	engines map[string]*Engine
}

// NewRegistry builds engines for every profile. Duplicate keys are rejected.
func NewRegistry(profiles []Profile) (*Registry, error) {
	r := &Registry{engines: make(map[string]*Engine, len(profiles))}
	for _, p := range profiles {
		key := registryKey(p.Category, p.Kind)
		if _, ok := r.engines[key]; ok {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "duplicate scoring profile %s", key)
		}
		engine, err := NewEngine(p)
		if err != nil {
			return nil, err
		}
		r.engines[key] = engine
	}
	return r, nil
}

// Engine returns the engine for a category and kind.
func (r *Registry) Engine(category, kind string) (*Engine, error) {
	if engine, ok := r.engines[registryKey(category, kind)]; ok {
		return engine, nil
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "no scoring profile for %s", registryKey(category, kind))
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	return len(r.engines)
}

func registryKey(category, kind string) string {
	return category + "/" + kind
}
