package objective

import (
	"context"
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"

	"github.com/copyleftdev/paramopt/internal/experiment"
)

// Handler runs a set of objectives over a target output and reduces their
// results to one score.
type Handler struct {
	objectives []Objective
	logger     *zap.Logger
}

// NewHandler creates a handler for objectives.
func NewHandler(objectives []Objective, logger *zap.Logger) (*Handler, error) {
	if len(objectives) == 0 {
		return nil, fmt.Errorf("at least one objective is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{objectives: objectives, logger: logger.Named("objective")}, nil
}

// Results runs every objective over out.
func (h *Handler) Results(ctx context.Context, out *experiment.Output) (map[string]Result, error) {
	if err := checkOutputs(out); err != nil {
		return nil, err
	}
	results := make(map[string]Result, len(h.objectives))
	for _, obj := range h.objectives {
		res, err := obj.Run(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("objective %s: %w", obj.Name(), err)
		}
		h.logger.Debug("objective result", zap.String("objective", obj.Name()), zap.Float64("value", res.Value))
		results[obj.Name()] = res
	}
	return results, nil
}

// Score implements experiment.Scorer. A single objective scores its raw
// value; several are reduced to the negated weighted distance from their
// optima.
func (h *Handler) Score(ctx context.Context, out *experiment.Output) (float64, error) {
	results, err := h.Results(ctx, out)
	if err != nil {
		return 0, err
	}
	if len(results) == 1 {
		for _, r := range results {
			return r.Value, nil
		}
	}
	return -Reduce(results), nil
}

// Reduce returns the weighted Euclidean distance of results from their
// optima, divided by the number of results. Results with a zero Max are
// skipped.
func Reduce(results map[string]Result) float64 {
	if len(results) == 0 {
		return 0
	}
	total := 0.0
	for _, r := range results {
		if r.Max == 0 {
			continue
		}
		d := (r.Optimum - r.Value) / r.Max
		total += r.Weighting * d * d
	}
	return math.Sqrt(total) / float64(len(results))
}

func checkOutputs(out *experiment.Output) error {
	for key, files := range out.Files {
		if len(files) == 0 {
			return fmt.Errorf("%w: %s matched no files", ErrMissingOutput, key)
		}
		var size int64
		for _, f := range files {
			info, err := os.Stat(f)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMissingOutput, key, err)
			}
			size += info.Size()
		}
		if size == 0 {
			return fmt.Errorf("%w: %s files are empty", ErrMissingOutput, key)
		}
	}
	return nil
}
