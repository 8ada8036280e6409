package sweep

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/paramopt/internal/optimization"
	"github.com/copyleftdev/paramopt/internal/optimization/optimizationtest"
)

func newSweeper(t *testing.T, space *optimization.Space, limit int) *Sweeper {
	t.Helper()
	settings := optimization.DefaultSettings()
	settings.Seed = 42
	settings.Sweep.Limit = limit
	s, err := New(space, settings, nil)
	require.NoError(t, err)
	require.NoError(t, s.Setup(nil))
	return s
}

func collect(t *testing.T, s *Sweeper, score optimizationtest.ScoreFunc) []optimization.Candidate {
	t.Helper()
	var seen []optimization.Candidate
	current := s.SelectStartingPoint()
	for current != nil {
		seen = append(seen, current)
		current = s.RunOneIteration(current, score(current))
		require.LessOrEqual(t, len(seen), s.Combinations(), "sweep overran its pool")
	}
	return seen
}

func TestSweepOdometerOrder(t *testing.T) {
	space := optimization.MustSpace(
		optimization.Parameter{Name: "a", Values: optimizationtest.Ints(1, 2, 3)},
		optimization.Parameter{Name: "b", Values: optimizationtest.Ints(1, 2, 3)},
	)
	s := newSweeper(t, space, 0)

	seen := collect(t, s, func(optimization.Candidate) float64 { return 0 })

	want := []optimization.Candidate{
		{"a": 1, "b": 1}, {"a": 1, "b": 2}, {"a": 1, "b": 3},
		{"a": 2, "b": 1}, {"a": 2, "b": 2}, {"a": 2, "b": 3},
		{"a": 3, "b": 1}, {"a": 3, "b": 2}, {"a": 3, "b": 3},
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("sweep order mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, s.Finished())
}

func TestSweepVisitsEveryCombinationOnce(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
	}{
		{name: "single parameter", sizes: []int{5}},
		{name: "uneven", sizes: []int{2, 3, 4}},
		{name: "singleton domains", sizes: []int{1, 4, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := make([]optimization.Parameter, len(tt.sizes))
			want := 1
			for i, n := range tt.sizes {
				params[i] = optimization.Parameter{Name: string(rune('a' + i)), Values: optimizationtest.IntRange(1, n)}
				want *= n
			}
			space := optimization.MustSpace(params...)
			s := newSweeper(t, space, 0)

			seen := collect(t, s, func(optimization.Candidate) float64 { return 1 })

			keys := make(map[string]struct{}, len(seen))
			for _, c := range seen {
				keys[space.Key(c)] = struct{}{}
			}
			assert.Len(t, seen, want)
			assert.Len(t, keys, want)
			assert.True(t, s.Finished())
		})
	}
}

func TestSweepTracksBest(t *testing.T) {
	space := optimization.MustSpace(
		optimization.Parameter{Name: "a", Values: optimizationtest.IntRange(1, 4)},
		optimization.Parameter{Name: "b", Values: optimizationtest.Ints(4, 6, 3, 2)},
	)
	s := newSweeper(t, space, 0)
	assert.Nil(t, s.Best())

	collect(t, s, optimizationtest.NegSquaredDistance(map[string]int{"a": 4, "b": 4}))

	require.NotNil(t, s.Best())
	assert.Equal(t, optimization.Candidate{"a": 4, "b": 4}, s.Best().Candidate)
	assert.Equal(t, 0.0, s.Best().Score)
}

func TestSweepWithLimit(t *testing.T) {
	space := optimization.MustSpace(
		optimization.Parameter{Name: "a", Values: optimizationtest.IntRange(1, 10)},
		optimization.Parameter{Name: "b", Values: optimizationtest.IntRange(1, 10)},
	)
	s := newSweeper(t, space, 25)
	assert.Equal(t, 25, s.Combinations())

	seen := collect(t, s, func(optimization.Candidate) float64 { return 0 })

	keys := make(map[string]struct{}, len(seen))
	for _, c := range seen {
		require.NoError(t, space.Validate(c))
		keys[space.Key(c)] = struct{}{}
	}
	assert.Len(t, seen, 25)
	assert.Len(t, keys, 25, "sampled combinations must be distinct")
}

func TestSweepLimitLargerThanSpace(t *testing.T) {
	space := optimization.MustSpace(optimization.Parameter{Name: "a", Values: optimizationtest.IntRange(1, 3)})
	s := newSweeper(t, space, 100)
	assert.Equal(t, 3, s.Combinations())
}

func TestSweepRejectsNegativeLimit(t *testing.T) {
	space := optimization.MustSpace(optimization.Parameter{Name: "a", Values: optimizationtest.IntRange(1, 3)})
	settings := optimization.DefaultSettings()
	settings.Sweep.Limit = -1
	_, err := New(space, settings, nil)
	assert.ErrorIs(t, err, optimization.ErrInvalidSettings)
}

func TestSweepRejectsUncountableSpace(t *testing.T) {
	params := make([]optimization.Parameter, 64)
	for i := range params {
		params[i] = optimization.Parameter{Name: fmt.Sprintf("p%d", i), Values: optimizationtest.IntRange(1, 4)}
	}
	settings := optimization.DefaultSettings()
	settings.Sweep.Limit = 10
	_, err := New(optimization.MustSpace(params...), settings, nil)
	assert.ErrorIs(t, err, optimization.ErrSpaceTooLarge)
}

func BenchmarkSweep(b *testing.B) {
	space := optimization.MustSpace(
		optimization.Parameter{Name: "a", Values: optimizationtest.IntRange(1, 20)},
		optimization.Parameter{Name: "b", Values: optimizationtest.IntRange(1, 20)},
		optimization.Parameter{Name: "c", Values: optimizationtest.IntRange(1, 20)},
	)
	for i := 0; i < b.N; i++ {
		s, _ := New(space, optimization.DefaultSettings(), nil)
		for c := s.SelectStartingPoint(); c != nil; {
			c = s.RunOneIteration(c, 0)
		}
	}
}
