package optimization

import "math"

// Optimizer is the contract shared by every search strategy. The driver calls
// RunOneIteration exactly once per evaluated candidate, in evaluation order;
// it is the only method that mutates search state after Setup.
type Optimizer interface {
	// Setup initializes internal state around start and resets best-tracking.
	// A nil start lets the strategy choose its own.
	Setup(start Candidate) error

	// KnowsStartingPoint reports whether SelectStartingPoint yields a
	// strategy-chosen candidate.
	KnowsStartingPoint() bool

	// SelectStartingPoint returns the first candidate to evaluate.
	SelectStartingPoint() Candidate

	// RunOneIteration records the score of candidate and returns the next
	// candidate to evaluate. It returns nil once the strategy has nothing
	// left to propose.
	RunOneIteration(candidate Candidate, score float64) Candidate

	// Best returns the best evaluation observed so far, or nil before the
	// first feedback.
	Best() *Evaluation

	// Finished reports whether the strategy's own stopping condition is met.
	Finished() bool
}

// Evaluation is a candidate paired with its observed score. Higher is better.
type Evaluation struct {
	Candidate Candidate `json:"candidate"`
	Score     float64   `json:"score"`
}

// Clone returns a deep copy of the evaluation.
func (e *Evaluation) Clone() *Evaluation {
	if e == nil {
		return nil
	}
	return &Evaluation{Candidate: e.Candidate.Clone(), Score: e.Score}
}

// BestTracker keeps the highest scoring evaluation seen. Ties keep the first.
type BestTracker struct {
	best *Evaluation
}

// Observe records an evaluation and reports whether it became the new best.
// Non-finite scores are never the best.
func (b *BestTracker) Observe(candidate Candidate, score float64) bool {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return false
	}
	if b.best != nil && score <= b.best.Score {
		return false
	}
	b.best = &Evaluation{Candidate: candidate.Clone(), Score: score}
	return true
}

// Best returns the current best, or nil if nothing was observed.
func (b *BestTracker) Best() *Evaluation {
	return b.best
}

// Reset forgets the current best.
func (b *BestTracker) Reset() {
	b.best = nil
}
