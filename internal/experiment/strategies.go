package experiment

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/copyleftdev/paramopt/internal/optimization"
	"github.com/copyleftdev/paramopt/internal/optimization/genetic"
	"github.com/copyleftdev/paramopt/internal/optimization/sweep"
	"github.com/copyleftdev/paramopt/internal/optimization/tabu"
)

// DefaultAlgorithm is used when no algorithm is named.
const DefaultAlgorithm = "tabu"

// Factory builds an optimizer for a space.
type Factory func(space *optimization.Space, settings optimization.Settings, logger *zap.Logger) (optimization.Optimizer, error)

// Strategies maps algorithm names to optimizer factories.
type Strategies struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewStrategies returns an empty registry.
func NewStrategies() *Strategies {
	return &Strategies{factories: make(map[string]Factory)}
}

// DefaultStrategies returns a registry holding sweep, tabu and genetic.
func DefaultStrategies() *Strategies {
	r := NewStrategies()
	r.MustRegister("sweep", func(space *optimization.Space, settings optimization.Settings, logger *zap.Logger) (optimization.Optimizer, error) {
		return sweep.New(space, settings, logger)
	})
	r.MustRegister("tabu", func(space *optimization.Space, settings optimization.Settings, logger *zap.Logger) (optimization.Optimizer, error) {
		return tabu.New(space, settings, logger)
	})
	r.MustRegister("genetic", func(space *optimization.Space, settings optimization.Settings, logger *zap.Logger) (optimization.Optimizer, error) {
		return genetic.New(space, settings, logger)
	})
	return r
}

// Register adds a factory under name.
func (r *Strategies) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("strategy name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Strategies) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// New builds the optimizer registered under name. An empty name selects
// DefaultAlgorithm.
func (r *Strategies) New(name string, space *optimization.Space, settings optimization.Settings, logger *zap.Logger) (optimization.Optimizer, error) {
	if name == "" {
		name = DefaultAlgorithm
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", optimization.ErrUnknownAlgorithm, name, r.Names())
	}
	return f(space, settings, logger)
}

// Names returns the registered names in sorted order.
func (r *Strategies) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
