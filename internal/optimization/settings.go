package optimization

import (
	"math/rand/v2"
	"time"
)

// Settings holds the tunable constants of every strategy. It is built once by
// the caller and passed into strategy constructors.
type Settings struct {
	// Seed for the strategy's random source. Zero selects a time-based seed.
	Seed uint64

	Sweep   SweepSettings
	Tabu    TabuSettings
	Genetic GeneticSettings
}

// SweepSettings configures the exhaustive sweep.
type SweepSettings struct {
	// Limit restricts the sweep to a random sample of at most Limit
	// combinations. Zero means no limit.
	Limit int
}

// TabuSettings configures the adaptive tabu search.
type TabuSettings struct {
	// MaxHoodSize is the number of candidates drawn per neighbourhood.
	MaxHoodSize int
	// StartingSDDivisor sets the initial standard deviation of each
	// distribution to domain size / StartingSDDivisor.
	StartingSDDivisor float64
	// SDIncrementProportion is the fraction of the domain size by which a
	// distribution is loosened or tightened in one step.
	SDIncrementProportion float64
	// BacktrackCutoff, multiplied by MaxHoodSize, is the number of
	// iterations without improvement (per backtrack) that triggers a
	// backtrack to the global best.
	BacktrackCutoff float64
	// JumpCutoff is the capacity of the recent best-score history used for
	// the gradient adjustment.
	JumpCutoff int
	// StagnationLimit is the number of iterations without improvement after
	// which the search reports itself finished.
	StagnationLimit int
}

// GeneticSettings configures the genetic algorithm.
type GeneticSettings struct {
	PopulationSize int
	// MutationRate is the probability that a child is mutated.
	MutationRate float64
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Tabu: TabuSettings{
			MaxHoodSize:           5,
			StartingSDDivisor:     5,
			SDIncrementProportion: 0.05,
			BacktrackCutoff:       2,
			JumpCutoff:            10,
			StagnationLimit:       100,
		},
		Genetic: GeneticSettings{
			PopulationSize: 20,
			MutationRate:   0.4,
		},
	}
}

// Validate checks the settings of every strategy.
func (s Settings) Validate() error {
	if err := s.Sweep.Validate(); err != nil {
		return err
	}
	if err := s.Tabu.Validate(); err != nil {
		return err
	}
	return s.Genetic.Validate()
}

// Validate checks the sweep settings.
func (s SweepSettings) Validate() error {
	if s.Limit < 0 {
		return WrapErrorf(ErrInvalidSettings, "sweep limit must be >= 0, got %d", s.Limit)
	}
	return nil
}

// Validate checks the tabu settings.
func (s TabuSettings) Validate() error {
	switch {
	case s.MaxHoodSize < 1:
		return WrapErrorf(ErrInvalidSettings, "max hood size must be >= 1, got %d", s.MaxHoodSize)
	case s.StartingSDDivisor <= 0:
		return WrapErrorf(ErrInvalidSettings, "starting sd divisor must be > 0, got %v", s.StartingSDDivisor)
	case s.SDIncrementProportion <= 0 || s.SDIncrementProportion > 1:
		return WrapErrorf(ErrInvalidSettings, "sd increment proportion must be in (0, 1], got %v", s.SDIncrementProportion)
	case s.BacktrackCutoff <= 0:
		return WrapErrorf(ErrInvalidSettings, "backtrack cutoff must be > 0, got %v", s.BacktrackCutoff)
	case s.JumpCutoff < 1:
		return WrapErrorf(ErrInvalidSettings, "jump cutoff must be >= 1, got %d", s.JumpCutoff)
	case s.StagnationLimit < 1:
		return WrapErrorf(ErrInvalidSettings, "stagnation limit must be >= 1, got %d", s.StagnationLimit)
	}
	return nil
}

// Validate checks the genetic algorithm settings.
func (s GeneticSettings) Validate() error {
	switch {
	case s.PopulationSize < 2:
		return WrapErrorf(ErrInvalidSettings, "population size must be >= 2, got %d", s.PopulationSize)
	case s.MutationRate < 0 || s.MutationRate > 1:
		return WrapErrorf(ErrInvalidSettings, "mutation rate must be in [0, 1], got %v", s.MutationRate)
	}
	return nil
}

// NewRand returns a random source seeded with seed, or with the current time
// when seed is zero.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
