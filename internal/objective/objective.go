// Package objective turns target outputs into scores.
package objective

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/copyleftdev/paramopt/internal/experiment"
)

var (
	// ErrUnknownObjective is returned when no factory is registered under a name.
	ErrUnknownObjective = errors.New("unknown objective")
	// ErrMissingOutput is returned when a declared output matched no
	// files, or only empty ones.
	ErrMissingOutput = errors.New("missing target output")
)

// Result is one objective's measurement of a target run.
type Result struct {
	// Value is the measurement. Higher is better.
	Value float64 `json:"value"`
	// Optimum is the best achievable value.
	Optimum float64 `json:"optimum"`
	// Max normalises the distance from Optimum. Zero excludes the result
	// from multi-objective reduction.
	Max       float64 `json:"max"`
	Weighting float64 `json:"weighting"`
}

// Objective measures one aspect of a target run.
type Objective interface {
	Name() string
	Run(ctx context.Context, out *experiment.Output) (Result, error)
}

// Factory builds an objective.
type Factory func() Objective

// Registry maps objective names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("objective name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("objective %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// New builds the named objectives in the given order.
func (r *Registry) New(names ...string) ([]Objective, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Objective, 0, len(names))
	for _, name := range names {
		f, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownObjective, name)
		}
		out = append(out, f())
	}
	return out, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
