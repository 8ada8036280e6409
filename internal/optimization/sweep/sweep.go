// Package sweep implements an exhaustive parameter sweep over the Cartesian
// product of every parameter domain.
package sweep

import (
	"math/rand/v2"
	"slices"

	"go.uber.org/zap"

	"github.com/copyleftdev/paramopt/internal/optimization"
)

// Sweeper enumerates combinations in odometer order: parameters in space
// order, values in domain order, rightmost parameter varying fastest.
type Sweeper struct {
	space  *optimization.Space
	logger *zap.Logger

	// sample holds the combination ordinals to visit when the sweep is
	// restricted by a limit; nil means every ordinal in [0, total).
	sample []int
	total  int
	pos    int

	best     optimization.BestTracker
	finished bool
}

// New creates a Sweeper over space.
func New(space *optimization.Space, settings optimization.Settings, logger *zap.Logger) (*Sweeper, error) {
	if space == nil {
		return nil, optimization.ErrEmptySpace
	}
	if err := settings.Sweep.Validate(); err != nil {
		return nil, err
	}
	if !space.Countable() {
		return nil, optimization.WrapErrorf(optimization.ErrSpaceTooLarge,
			"%d parameters", space.Len()).WithComponent("sweep")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sweeper{
		space:  space,
		logger: logger.Named("sweep"),
		total:  space.Size(),
	}
	if limit := settings.Sweep.Limit; limit > 0 && limit < s.total {
		s.sample = sampleOrdinals(optimization.NewRand(settings.Seed), s.total, limit)
		s.total = limit
	}
	s.logger.Debug("sweep prepared", zap.Int("combinations", s.total), zap.Bool("sampled", s.sample != nil))
	return s, nil
}

// sampleOrdinals draws k distinct ordinals from [0, n) using Floyd's
// algorithm and returns them in ascending order.
func sampleOrdinals(rng *rand.Rand, n, k int) []int {
	chosen := make(map[int]struct{}, k)
	for j := n - k; j < n; j++ {
		t := rng.IntN(j + 1)
		if _, ok := chosen[t]; ok {
			t = j
		}
		chosen[t] = struct{}{}
	}
	out := make([]int, 0, k)
	for v := range chosen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Combinations returns the number of combinations the sweep will visit.
func (s *Sweeper) Combinations() int {
	return s.total
}

// Setup resets best-tracking. The sweep order does not depend on start.
func (s *Sweeper) Setup(optimization.Candidate) error {
	s.best.Reset()
	return nil
}

// KnowsStartingPoint is always true: the sweep starts at its first combination.
func (s *Sweeper) KnowsStartingPoint() bool {
	return true
}

// SelectStartingPoint pops the first combination.
func (s *Sweeper) SelectStartingPoint() optimization.Candidate {
	return s.pop()
}

// RunOneIteration records the score and returns the next combination, or
// nil once every combination has been handed out.
func (s *Sweeper) RunOneIteration(candidate optimization.Candidate, score float64) optimization.Candidate {
	if s.best.Observe(candidate, score) {
		s.logger.Debug("new best", zap.String("candidate", s.space.Key(candidate)), zap.Float64("score", score))
	}
	return s.pop()
}

// Best returns the best evaluation seen.
func (s *Sweeper) Best() *optimization.Evaluation {
	return s.best.Best()
}

// Finished reports whether the combination pool is exhausted.
func (s *Sweeper) Finished() bool {
	return s.finished
}

func (s *Sweeper) pop() optimization.Candidate {
	if s.pos >= s.total {
		s.finished = true
		return nil
	}
	ordinal := s.pos
	if s.sample != nil {
		ordinal = s.sample[s.pos]
	}
	s.pos++
	return s.space.At(s.decode(ordinal))
}

// decode converts a combination ordinal to domain indices, treating the
// parameters as digits of a mixed-radix number with the last one least
// significant.
func (s *Sweeper) decode(ordinal int) []int {
	indices := make([]int, s.space.Len())
	for i := s.space.Len() - 1; i >= 0; i-- {
		size := s.space.Parameter(i).Size()
		indices[i] = ordinal % size
		ordinal /= size
	}
	return indices
}
