// Package tabu implements an adaptive, probabilistic tabu search for
// discrete parameter spaces with a costly objective.
//
// The neighbourhood structure is a set of per-parameter normal
// distributions over domain indices. Each neighbourhood (hood) is a batch of
// never-before-proposed candidates drawn from those distributions. When a
// hood is exhausted the search re-centres: on the hood's best while progress
// continues, adjusting the spread by the trend of recent scores, or on the
// global best (backtracking) once improvement has stalled.
package tabu

import (
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/paramopt/internal/optimization"
)

// flatSlope is the normalized trend below which the score history is
// treated as flat.
const flatSlope = 1e-3

// Search is the tabu search optimizer.
type Search struct {
	space    *optimization.Space
	settings optimization.TabuSettings
	rng      *rand.Rand
	logger   *zap.Logger

	tabu  *Set
	dists []*Distribution
	hood  *Hood
	best  optimization.BestTracker

	hoodNo              int
	backtracks          int
	iterationsSinceBest int
	// recent holds hood best scores, most recent first.
	recent    []float64
	exhausted bool
}

// New creates a tabu search over space. Setup must be called before use.
func New(space *optimization.Space, settings optimization.Settings, logger *zap.Logger) (*Search, error) {
	if space == nil {
		return nil, optimization.ErrEmptySpace
	}
	if err := settings.Tabu.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Search{
		space:    space,
		settings: settings.Tabu,
		rng:      optimization.NewRand(settings.Seed),
		logger:   logger.Named("tabu"),
	}, nil
}

// Setup centres the first neighbourhood on start, or on a random candidate
// when start is nil, and resets all search state.
func (s *Search) Setup(start optimization.Candidate) error {
	if start == nil {
		start = s.space.Random(s.rng)
	}
	indices, err := s.space.Indices(start)
	if err != nil {
		return optimization.WrapError(err, "invalid starting point").WithComponent("tabu").WithOperation("setup")
	}

	s.tabu = NewSet(s.space)
	s.tabu.Add(start)
	s.best.Reset()
	s.hoodNo = 1
	s.backtracks = 1
	s.iterationsSinceBest = 0
	s.recent = make([]float64, 0, s.settings.JumpCutoff)
	s.exhausted = false

	s.dists = make([]*Distribution, s.space.Len())
	for i, p := range s.space.Parameters() {
		sd := float64(p.Size()) / s.settings.StartingSDDivisor
		s.dists[i] = NewDistribution(p.Values, indices[i], sd, s.settings.SDIncrementProportion, s.rng)
	}
	s.hood = newHood(s.space, s.dists, s.settings.MaxHoodSize, s.tabu, s.logger)
	return nil
}

// KnowsStartingPoint is true: the search starts at a uniformly random point.
func (s *Search) KnowsStartingPoint() bool {
	return true
}

// SelectStartingPoint returns a uniformly random candidate.
func (s *Search) SelectStartingPoint() optimization.Candidate {
	return s.space.Random(s.rng)
}

// RunOneIteration records the score, hands out the next hood member and
// moves to a new hood once the current one is empty. It returns nil once
// every candidate in the space has been proposed.
func (s *Search) RunOneIteration(candidate optimization.Candidate, score float64) optimization.Candidate {
	s.hood.observe(candidate, score)
	if s.best.Observe(candidate, score) {
		s.iterationsSinceBest = 0
		s.logger.Debug("new best",
			zap.String("candidate", s.space.Key(candidate)),
			zap.Float64("score", score),
			zap.Int("hood", s.hoodNo))
	} else {
		s.iterationsSinceBest++
	}

	next := s.hood.pop()
	if s.hood.Len() == 0 {
		s.nextHood()
	}
	if next == nil {
		next = s.hood.pop()
	}
	if next == nil {
		s.exhausted = true
		s.logger.Debug("parameter space exhausted", zap.Int("proposed", s.tabu.Len()))
	}
	return next
}

// Best returns the best evaluation seen.
func (s *Search) Best() *optimization.Evaluation {
	return s.best.Best()
}

// Finished reports whether the search has stagnated for StagnationLimit
// iterations or has proposed every candidate in the space.
func (s *Search) Finished() bool {
	return s.exhausted || s.iterationsSinceBest >= s.settings.StagnationLimit
}

// HoodNo returns the number of the current neighbourhood, starting at 1.
func (s *Search) HoodNo() int {
	return s.hoodNo
}

// Backtracks returns how many times the search has backtracked.
func (s *Search) Backtracks() int {
	return s.backtracks - 1
}

// Distributions returns the current per-parameter distributions in space
// order.
func (s *Search) Distributions() []*Distribution {
	return s.dists
}

// Tabu returns the set of proposed candidates.
func (s *Search) Tabu() *Set {
	return s.tabu
}

func (s *Search) nextHood() {
	if s.tabu.Full() {
		return
	}
	s.hoodNo++
	s.logger.Debug("entering hood", zap.Int("hood", s.hoodNo), zap.Int("since_best", s.iterationsSinceBest))
	s.updateNeighbourhoodStructure()
	s.hood = newHood(s.space, s.dists, s.settings.MaxHoodSize, s.tabu, s.logger)
}

// updateNeighbourhoodStructure records the finished hood's best score,
// chooses a new centre and rebuilds the distributions around it, carrying
// over each parameter's standard deviation.
func (s *Search) updateNeighbourhoodStructure() {
	local := s.hood.Best()
	if local == nil {
		local = s.best.Best()
	}
	if local != nil {
		s.pushRecent(local.Score)
	}

	centre := s.backtrackOrContinue(local)
	if centre == nil {
		return
	}
	indices, err := s.space.Indices(centre.Candidate)
	if err != nil {
		s.logger.Warn("cannot re-centre on candidate outside the space", zap.Error(err))
		return
	}
	for i, p := range s.space.Parameters() {
		s.dists[i] = NewDistribution(p.Values, indices[i], s.dists[i].SD(), s.settings.SDIncrementProportion, s.rng)
	}
}

// backtrackOrContinue returns the evaluation to re-centre on. After a long
// enough run without improvement it backtracks to the global best and
// tightens every distribution; each backtrack raises the bar for the next.
// Otherwise it continues from the hood's best and adapts the spread to the
// recent score trend.
func (s *Search) backtrackOrContinue(local *optimization.Evaluation) *optimization.Evaluation {
	stalled := float64(s.iterationsSinceBest) / float64(s.backtracks)
	if stalled >= s.settings.BacktrackCutoff*float64(s.settings.MaxHoodSize) {
		s.backtracks++
		for _, d := range s.dists {
			d.Tighten(1)
		}
		s.logger.Debug("backtracking to best", zap.Int("backtracks", s.backtracks-1))
		return s.best.Best()
	}
	s.adjustByGradient()
	if local == nil {
		return s.best.Best()
	}
	return local
}

func (s *Search) pushRecent(score float64) {
	if len(s.recent) < s.settings.JumpCutoff {
		s.recent = append(s.recent, 0)
	}
	copy(s.recent[1:], s.recent)
	s.recent[0] = score
}

// adjustByGradient fits a line to the recent hood best scores. A rising
// trend tightens every distribution and a falling one loosens it, in
// proportion to the trend's size relative to the spread of the scores.
func (s *Search) adjustByGradient() {
	n := len(s.recent)
	if n < 3 {
		return
	}
	xs := make([]float64, n)
	ys := make([]float64, n)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range ys {
		xs[i] = float64(i)
		ys[i] = s.recent[n-1-i]
		lo = math.Min(lo, ys[i])
		hi = math.Max(hi, ys[i])
	}
	span := hi - lo
	if span == 0 || math.IsInf(span, 0) || math.IsNaN(span) {
		return
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	multiplier := math.Min(1, math.Abs(slope)*float64(n-1)/span)
	if multiplier < flatSlope {
		return
	}
	for _, d := range s.dists {
		if slope > 0 {
			d.Tighten(multiplier)
		} else {
			d.Loosen(multiplier)
		}
	}
}
