// Package genetic implements a generational genetic algorithm over discrete
// parameter spaces: rank-based stochastic universal sampling, uniform
// crossover between the best quarter and the rest of the best half, and
// domain-weighted point mutation.
package genetic

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/copyleftdev/paramopt/internal/optimization"
)

// maxRank is the rank assigned to the best individual of a population.
const maxRank = 2.0

// Individual is a candidate with its score. After selection Score holds the
// individual's rank rather than its raw objective score.
type Individual struct {
	Candidate optimization.Candidate
	Score     float64
}

// Algorithm is the genetic algorithm optimizer.
type Algorithm struct {
	space    *optimization.Space
	settings optimization.GeneticSettings
	rng      *rand.Rand
	logger   *zap.Logger

	// wheel weights each parameter by its domain size; parameters with a
	// single value cannot mutate and weigh zero.
	wheel []float64

	population []Individual
	pending    []optimization.Candidate
	generation int
	best       optimization.BestTracker
}

// New creates a genetic algorithm over space.
func New(space *optimization.Space, settings optimization.Settings, logger *zap.Logger) (*Algorithm, error) {
	if space == nil {
		return nil, optimization.ErrEmptySpace
	}
	if err := settings.Genetic.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	wheel := make([]float64, space.Len())
	for i, p := range space.Parameters() {
		if p.Size() > 1 {
			wheel[i] = float64(p.Size())
		}
	}
	return &Algorithm{
		space:    space,
		settings: settings.Genetic,
		rng:      optimization.NewRand(settings.Seed),
		logger:   logger.Named("genetic"),
		wheel:    wheel,
	}, nil
}

// Setup starts the first generation: start (evaluated by the caller) plus
// uniformly random candidates to fill the population.
func (a *Algorithm) Setup(optimization.Candidate) error {
	a.best.Reset()
	a.generation = 0
	a.population = make([]Individual, 0, a.settings.PopulationSize)
	a.pending = make([]optimization.Candidate, 0, a.settings.PopulationSize)
	for i := 1; i < a.settings.PopulationSize; i++ {
		a.pending = append(a.pending, a.space.Random(a.rng))
	}
	return nil
}

// KnowsStartingPoint is true: the first individual is uniformly random.
func (a *Algorithm) KnowsStartingPoint() bool {
	return true
}

// SelectStartingPoint returns a uniformly random candidate.
func (a *Algorithm) SelectStartingPoint() optimization.Candidate {
	return a.space.Random(a.rng)
}

// RunOneIteration adds the scored individual to the population, breeds the
// next generation once the population is full, and returns the next
// candidate awaiting evaluation.
func (a *Algorithm) RunOneIteration(candidate optimization.Candidate, score float64) optimization.Candidate {
	if a.best.Observe(candidate, score) {
		a.logger.Debug("new best",
			zap.String("candidate", a.space.Key(candidate)),
			zap.Float64("score", score),
			zap.Int("generation", a.generation))
	}
	a.population = append(a.population, Individual{Candidate: candidate.Clone(), Score: score})

	if len(a.population) >= a.settings.PopulationSize {
		next := a.breed(a.population)
		a.pending = a.pending[:0]
		for _, ind := range next {
			a.pending = append(a.pending, ind.Candidate)
		}
		a.population = make([]Individual, 0, a.settings.PopulationSize)
		a.generation++
		a.logger.Debug("generation complete", zap.Int("generation", a.generation))
	}
	if len(a.pending) == 0 {
		return a.space.Random(a.rng)
	}
	next := a.pending[0]
	a.pending = a.pending[1:]
	return next
}

// Best returns the best evaluation across all generations.
func (a *Algorithm) Best() *optimization.Evaluation {
	return a.best.Best()
}

// Finished is always false; termination is left to the driver.
func (a *Algorithm) Finished() bool {
	return false
}

// Generation returns the number of completed generations.
func (a *Algorithm) Generation() int {
	return a.generation
}

// Population returns the individuals scored so far in the current
// generation.
func (a *Algorithm) Population() []Individual {
	return a.population
}

// breed runs one generation step over a full population and returns the
// next generation, of the same size.
func (a *Algorithm) breed(population []Individual) []Individual {
	next := a.selection(population)
	return a.crossover(next)
}

// selection performs remainder stochastic sampling on rank. Individuals
// are sorted by ascending score and ranked linearly from 0 to 2. Each whole
// unit of rank yields one copy in the next generation and the fractional
// part yields one more copy with that probability. The result is padded or
// trimmed at random to the population size and returned sorted by rank.
func (a *Algorithm) selection(population []Individual) []Individual {
	n := len(population)
	sorted := slices.Clone(population)
	slices.SortStableFunc(sorted, func(x, y Individual) int { return cmp.Compare(x.Score, y.Score) })

	next := make([]Individual, 0, n+n/2)
	for i, ind := range sorted {
		rank := maxRank
		if n > 1 {
			rank = maxRank * float64(i) / float64(n-1)
		}
		ranked := Individual{Candidate: ind.Candidate, Score: rank}
		if rank >= 1 {
			next = append(next, ranked)
		}
		if rank >= 2 {
			next = append(next, ranked)
		}
		if _, frac := math.Modf(rank); frac > 0 && a.rng.Float64() < frac {
			next = append(next, ranked)
		}
	}

	for len(next) < n {
		next = append(next, next[a.rng.IntN(len(next))])
	}
	for len(next) > n {
		i := a.rng.IntN(len(next))
		next = slices.Delete(next, i, i+1)
	}
	slices.SortStableFunc(next, func(x, y Individual) int { return cmp.Compare(x.Score, y.Score) })
	return next
}

// crossover mates each member of the best quarter with a distinct member
// of the next quarter. The two children of each pairing replace the lowest
// ranked members; each child is mutated with probability MutationRate.
func (a *Algorithm) crossover(ranked []Individual) []Individual {
	n := len(ranked)
	quarter := int(math.Round(float64(n) / 4))
	if quarter == 0 {
		return ranked
	}

	fathers := ranked[n-quarter:]
	mothers := slices.Clone(ranked[n-2*quarter : n-quarter])
	a.rng.Shuffle(len(mothers), func(i, j int) { mothers[i], mothers[j] = mothers[j], mothers[i] })

	children := make([]Individual, 0, 2*quarter)
	for i, father := range fathers {
		first, second := a.mate(mothers[i].Candidate, father.Candidate)
		children = append(children, Individual{Candidate: first}, Individual{Candidate: second})
	}
	for i := range children {
		if a.rng.Float64() < a.settings.MutationRate {
			children[i].Candidate = a.mutate(children[i].Candidate)
		}
	}

	next := make([]Individual, 0, n)
	next = append(next, ranked[len(children):]...)
	return append(next, children...)
}

// mate builds two complementary children, taking each parameter from the
// mother or the father with equal probability.
func (a *Algorithm) mate(mother, father optimization.Candidate) (optimization.Candidate, optimization.Candidate) {
	first := make(optimization.Candidate, a.space.Len())
	second := make(optimization.Candidate, a.space.Len())
	for _, name := range a.space.Names() {
		if a.rng.Float64() < 0.5 {
			first[name], second[name] = mother[name], father[name]
		} else {
			first[name], second[name] = father[name], mother[name]
		}
	}
	return first, second
}

// mutate reassigns one parameter, picked with probability proportional to
// its domain size, to a different value drawn uniformly from its domain.
func (a *Algorithm) mutate(c optimization.Candidate) optimization.Candidate {
	i, ok := sampleuv.NewWeighted(a.wheel, a.rng).Take()
	if !ok {
		return c
	}
	p := a.space.Parameter(i)
	current, _ := a.space.IndexOf(p.Name, c[p.Name])
	j := a.rng.IntN(p.Size() - 1)
	if j >= current {
		j++
	}
	mutated := c.Clone()
	mutated[p.Name] = p.Values[j]
	return mutated
}
