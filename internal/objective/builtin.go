package objective

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/copyleftdev/paramopt/internal/experiment"
)

// RegisterBuiltins registers elapsed, stdout_number and output_size.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Factory{
		"elapsed":       func() Objective { return &Elapsed{Budget: time.Minute} },
		"stdout_number": func() Objective { return &StdoutNumber{} },
		"output_size":   func() Objective { return &OutputSize{} },
	}
	for _, name := range []string{"elapsed", "stdout_number", "output_size"} {
		if err := r.Register(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry holding the built-in objectives.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}

// Elapsed rewards fast runs. Its value is the negated wall-clock time in
// seconds, with optimum 0 and Budget as the normalising maximum.
type Elapsed struct {
	Budget time.Duration
}

func (e *Elapsed) Name() string { return "elapsed" }

func (e *Elapsed) Run(_ context.Context, out *experiment.Output) (Result, error) {
	return Result{
		Value:     -out.Elapsed.Seconds(),
		Optimum:   0,
		Max:       e.Budget.Seconds(),
		Weighting: 1,
	}, nil
}

var numberPattern = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)

// StdoutNumber takes the last number printed on stdout as the value.
type StdoutNumber struct {
	Optimum   float64
	Max       float64
	Weighting float64
}

func (s *StdoutNumber) Name() string { return "stdout_number" }

func (s *StdoutNumber) Run(_ context.Context, out *experiment.Output) (Result, error) {
	matches := numberPattern.FindAll(out.Stdout, -1)
	if len(matches) == 0 {
		return Result{}, fmt.Errorf("stdout_number: no number in output")
	}
	v, err := strconv.ParseFloat(string(matches[len(matches)-1]), 64)
	if err != nil {
		return Result{}, fmt.Errorf("stdout_number: %w", err)
	}
	return Result{Value: v, Optimum: s.Optimum, Max: s.Max, Weighting: weighting(s.Weighting)}, nil
}

// OutputSize measures the total size in bytes of all output files.
type OutputSize struct {
	Optimum   float64
	Max       float64
	Weighting float64
}

func (o *OutputSize) Name() string { return "output_size" }

func (o *OutputSize) Run(_ context.Context, out *experiment.Output) (Result, error) {
	var total int64
	for _, files := range out.Files {
		for _, f := range files {
			info, err := os.Stat(f)
			if err != nil {
				return Result{}, fmt.Errorf("output_size: %w", err)
			}
			total += info.Size()
		}
	}
	return Result{Value: float64(total), Optimum: o.Optimum, Max: o.Max, Weighting: weighting(o.Weighting)}, nil
}

func weighting(w float64) float64 {
	if w == 0 {
		return 1
	}
	return w
}
