package experiment

import (
	"context"
	"time"

	"github.com/copyleftdev/paramopt/internal/optimization"
)

// Output is the raw result of running the target once.
type Output struct {
	Candidate optimization.Candidate
	Stdout    []byte
	Stderr    []byte
	// Files maps each declared output key to the files it matched.
	Files   map[string][]string
	WorkDir string
	Elapsed time.Duration
	// Cleanup, when set, releases the run's working files. The driver
	// calls it once scoring is done.
	Cleanup func() error
}

// Close runs Cleanup if set.
func (o *Output) Close() error {
	if o == nil || o.Cleanup == nil {
		return nil
	}
	err := o.Cleanup()
	o.Cleanup = nil
	return err
}

// Runner runs the target for a candidate.
type Runner interface {
	Run(ctx context.Context, candidate optimization.Candidate) (*Output, error)
}

// Scorer reduces a target output to a single score. Higher is better.
type Scorer interface {
	Score(ctx context.Context, out *Output) (float64, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, candidate optimization.Candidate) (*Output, error)

func (f RunnerFunc) Run(ctx context.Context, candidate optimization.Candidate) (*Output, error) {
	return f(ctx, candidate)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, out *Output) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, out *Output) (float64, error) {
	return f(ctx, out)
}

// FuncEvaluator is a Runner and Scorer pair that scores candidates
// in-process, without running an external target.
type FuncEvaluator func(ctx context.Context, candidate optimization.Candidate) (float64, error)

// Runner returns a Runner that only records the candidate.
func (f FuncEvaluator) Runner() Runner {
	return RunnerFunc(func(_ context.Context, c optimization.Candidate) (*Output, error) {
		return &Output{Candidate: c}, nil
	})
}

// Scorer returns a Scorer that calls f on the output's candidate.
func (f FuncEvaluator) Scorer() Scorer {
	return ScorerFunc(func(ctx context.Context, out *Output) (float64, error) {
		return f(ctx, out.Candidate)
	})
}
