// Package optimizationtest provides helpers shared by the strategy tests.
package optimizationtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/paramopt/internal/optimization"
)

// ScoreFunc scores a candidate.
type ScoreFunc func(optimization.Candidate) float64

// IntRange returns the integers lo..hi inclusive as domain values.
func IntRange(lo, hi int) []any {
	out := make([]any, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		out = append(out, v)
	}
	return out
}

// Ints converts integers to domain values.
func Ints(vs ...int) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

// NegSquaredDistance returns a score that peaks at 0 on target.
func NegSquaredDistance(target map[string]int) ScoreFunc {
	return func(c optimization.Candidate) float64 {
		sum := 0.0
		for k, want := range target {
			d := float64(c[k].(int) - want)
			sum += d * d
		}
		return -sum
	}
}

// Step records one RunOneIteration call.
type Step struct {
	Candidate optimization.Candidate
	Score     float64
	Best      *optimization.Evaluation
}

// Drive runs opt from start for at most n iterations, or until it finishes
// or stops proposing, and returns every step taken. Each proposal is
// checked against space.
func Drive(t testing.TB, space *optimization.Space, opt optimization.Optimizer, start optimization.Candidate, score ScoreFunc, n int) []Step {
	t.Helper()

	steps := make([]Step, 0, n)
	current := start
	for i := 0; i < n && current != nil; i++ {
		require.NoError(t, space.Validate(current), "proposal %d", i)
		s := score(current)
		next := opt.RunOneIteration(current, s)
		steps = append(steps, Step{Candidate: current, Score: s, Best: opt.Best().Clone()})
		if opt.Finished() {
			break
		}
		current = next
	}
	return steps
}

// RequireMonotonicBest fails if the best score ever decreases across steps.
func RequireMonotonicBest(t testing.TB, steps []Step) {
	t.Helper()

	for i := 1; i < len(steps); i++ {
		require.NotNil(t, steps[i].Best)
		require.GreaterOrEqual(t, steps[i].Best.Score, steps[i-1].Best.Score, "best decreased at step %d", i)
	}
}
