// Package experiment drives an optimizer against a target: it evaluates
// each proposed candidate at most once, feeds scores back to the
// optimizer and stops on the optimizer's own condition or on a budget.
package experiment

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/paramopt/internal/metrics"
	"github.com/copyleftdev/paramopt/internal/optimization"
	"github.com/copyleftdev/paramopt/internal/storage"
)

// StopReason says why a run ended.
type StopReason string

const (
	StopFinished      StopReason = "finished"
	StopExhausted     StopReason = "exhausted"
	StopSpaceCovered  StopReason = "space_covered"
	StopTimeLimit     StopReason = "time_limit"
	StopMaxIterations StopReason = "max_iterations"
	StopStagnation    StopReason = "stagnation"
	StopCancelled     StopReason = "cancelled"
	StopFailed        StopReason = "failed"
)

// Config holds the driver's stopping policy. Zero values disable a limit.
type Config struct {
	// Algorithm labels logs and metrics.
	Algorithm       string
	RunID           string
	TimeLimit       time.Duration
	MaxIterations   int
	StagnationLimit int
	// Seed drives the random starting point; 0 means time based.
	Seed uint64
}

func (c Config) validate() error {
	if c.TimeLimit < 0 || c.MaxIterations < 0 || c.StagnationLimit < 0 {
		return optimization.WrapErrorf(optimization.ErrInvalidSettings,
			"limits must be non-negative (time %s, iterations %d, stagnation %d)",
			c.TimeLimit, c.MaxIterations, c.StagnationLimit).WithComponent("experiment")
	}
	return nil
}

// Progress is a snapshot of a run in flight.
type Progress struct {
	Iterations  int                      `json:"iterations"`
	Evaluations int                      `json:"evaluations"`
	CacheHits   int                      `json:"cache_hits"`
	Best        *optimization.Evaluation `json:"best,omitempty"`
}

// Result summarises a completed run.
type Result struct {
	Best        *optimization.Evaluation `json:"best"`
	Iterations  int                      `json:"iterations"`
	Evaluations int                      `json:"evaluations"`
	CacheHits   int                      `json:"cache_hits"`
	Elapsed     time.Duration            `json:"elapsed"`
	StopReason  StopReason               `json:"stop_reason"`
}

// Option configures an Experiment.
type Option func(*Experiment)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Experiment) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records driver metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Experiment) { e.metrics = c }
}

// WithHistory appends every iteration to store.
func WithHistory(store storage.HistoryStore) Option {
	return func(e *Experiment) { e.history = store }
}

// Experiment runs one optimizer against one target.
type Experiment struct {
	space     *optimization.Space
	optimizer optimization.Optimizer
	runner    Runner
	scorer    Scorer
	cfg       Config

	cache   *ScoreCache
	rng     *rand.Rand
	logger  *zap.Logger
	metrics *metrics.Collector
	history storage.HistoryStore
	now     func() time.Time

	mu       sync.RWMutex
	progress Progress
}

// New creates an experiment. The optimizer must be built over space.
func New(space *optimization.Space, optimizer optimization.Optimizer, runner Runner, scorer Scorer, cfg Config, opts ...Option) (*Experiment, error) {
	if space == nil {
		return nil, optimization.ErrEmptySpace
	}
	if optimizer == nil || runner == nil || scorer == nil {
		return nil, optimization.NewError("optimizer, runner and scorer are required").WithComponent("experiment")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Experiment{
		space:     space,
		optimizer: optimizer,
		runner:    runner,
		scorer:    scorer,
		cfg:       cfg,
		cache:     NewScoreCache(),
		rng:       optimization.NewRand(cfg.Seed),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("experiment").With(
		zap.String("run_id", cfg.RunID),
		zap.String("algorithm", cfg.Algorithm))
	return e, nil
}

// Cache returns the run's score cache.
func (e *Experiment) Cache() *ScoreCache {
	return e.cache
}

// Progress returns a snapshot of the counters and best so far. It is safe
// to call while Run is in progress.
func (e *Experiment) Progress() Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p := e.progress
	p.Best = p.Best.Clone()
	return p
}

// Run drives the optimizer from start until a stop condition holds and
// returns the global best. A nil start uses the optimizer's own starting
// point, or a uniformly random candidate. On error the partial result is
// returned alongside it.
func (e *Experiment) Run(ctx context.Context, start optimization.Candidate) (*Result, error) {
	began := e.now()
	result := &Result{}
	finish := func(reason StopReason) *Result {
		result.StopReason = reason
		result.Elapsed = e.now().Sub(began)
		return result
	}

	current, err := e.selectStart(start)
	if err != nil {
		return finish(StopFailed), err
	}
	if err := e.optimizer.Setup(current); err != nil {
		return finish(StopFailed), optimization.WrapError(err, "optimizer setup").WithComponent("experiment").WithOperation("run")
	}
	e.logger.Info("experiment started",
		zap.String("start", e.space.Key(current)),
		zap.Int("space_size", e.space.Size()))

	var best optimization.BestTracker
	sinceBest := 0
	for {
		if err := ctx.Err(); err != nil {
			e.logger.Info("experiment cancelled", zap.Int("iterations", result.Iterations))
			return finish(StopCancelled), optimization.WrapError(err, "experiment cancelled").WithComponent("experiment").WithOperation("run")
		}

		key := e.space.Key(current)
		iterStart := e.now()
		var (
			score  float64
			cached bool
		)
		if ev, ok := e.cache.Get(key); ok {
			score, cached = ev.Score, true
			result.CacheHits++
			if e.metrics != nil {
				e.metrics.CacheHit(e.cfg.Algorithm)
			}
		} else {
			score, err = e.evaluate(ctx, current)
			if err != nil {
				if e.metrics != nil {
					e.metrics.EvaluationError(e.cfg.Algorithm)
				}
				e.logger.Error("evaluation failed", zap.String("candidate", key), zap.Error(err))
				reason := StopFailed
				if ctx.Err() != nil {
					reason = StopCancelled
				}
				return finish(reason), optimization.WrapErrorf(err, "evaluate %s", key).WithComponent("experiment").WithOperation("run")
			}
			e.cache.Put(key, current, score)
			result.Evaluations++
			if e.metrics != nil {
				e.metrics.Evaluation(e.cfg.Algorithm, e.now().Sub(iterStart))
			}
		}
		result.Iterations++
		if e.metrics != nil {
			e.metrics.Iteration(e.cfg.Algorithm)
		}

		next := e.optimizer.RunOneIteration(current, score)

		if ob := e.optimizer.Best(); ob != nil && best.Observe(ob.Candidate, ob.Score) {
			sinceBest = 0
			e.logger.Debug("new global best",
				zap.String("candidate", e.space.Key(ob.Candidate)),
				zap.Float64("score", ob.Score),
				zap.Int("iteration", result.Iterations))
			if e.metrics != nil {
				e.metrics.BestScore(e.cfg.Algorithm, ob.Score)
			}
		} else {
			sinceBest++
		}
		result.Best = best.Best().Clone()

		e.record(ctx, current, score, cached, result, e.now().Sub(iterStart))
		e.logger.Debug("iteration",
			zap.Int("iteration", result.Iterations),
			zap.String("candidate", key),
			zap.Float64("score", score),
			zap.Bool("cached", cached))

		if reason, stop := e.shouldStop(next, result, began, sinceBest); stop {
			finish(reason)
			fields := []zap.Field{
				zap.String("stop_reason", string(reason)),
				zap.Int("iterations", result.Iterations),
				zap.Int("evaluations", result.Evaluations),
				zap.Duration("elapsed", result.Elapsed),
			}
			if result.Best != nil {
				fields = append(fields,
					zap.String("best", e.space.Key(result.Best.Candidate)),
					zap.Float64("best_score", result.Best.Score))
			}
			e.logger.Info("experiment finished", fields...)
			return result, nil
		}
		current = next
	}
}

func (e *Experiment) selectStart(start optimization.Candidate) (optimization.Candidate, error) {
	switch {
	case start != nil:
		if err := e.space.Validate(start); err != nil {
			return nil, optimization.WrapError(err, "invalid starting point").WithComponent("experiment").WithOperation("run")
		}
		return start.Clone(), nil
	case e.optimizer.KnowsStartingPoint():
		if c := e.optimizer.SelectStartingPoint(); c != nil {
			return c, nil
		}
	}
	return e.space.Random(e.rng), nil
}

func (e *Experiment) evaluate(ctx context.Context, candidate optimization.Candidate) (float64, error) {
	out, err := e.runner.Run(ctx, candidate.Clone())
	if err != nil {
		return 0, err
	}
	if out == nil {
		out = &Output{}
	}
	defer func() {
		if err := out.Close(); err != nil {
			e.logger.Warn("cleanup failed", zap.String("workdir", out.WorkDir), zap.Error(err))
		}
	}()
	if out.Candidate == nil {
		out.Candidate = candidate.Clone()
	}
	return e.scorer.Score(ctx, out)
}

func (e *Experiment) shouldStop(next optimization.Candidate, result *Result, began time.Time, sinceBest int) (StopReason, bool) {
	switch {
	case e.optimizer.Finished():
		return StopFinished, true
	case next == nil:
		return StopExhausted, true
	case e.cache.Len() >= e.space.Size():
		return StopSpaceCovered, true
	case e.cfg.TimeLimit > 0 && e.now().Sub(began) >= e.cfg.TimeLimit:
		return StopTimeLimit, true
	case e.cfg.MaxIterations > 0 && result.Iterations >= e.cfg.MaxIterations:
		return StopMaxIterations, true
	case e.cfg.StagnationLimit > 0 && sinceBest >= e.cfg.StagnationLimit:
		return StopStagnation, true
	}
	return "", false
}

func (e *Experiment) record(ctx context.Context, candidate optimization.Candidate, score float64, cached bool, result *Result, elapsed time.Duration) {
	e.mu.Lock()
	e.progress = Progress{
		Iterations:  result.Iterations,
		Evaluations: result.Evaluations,
		CacheHits:   result.CacheHits,
		Best:        result.Best.Clone(),
	}
	e.mu.Unlock()

	if e.history == nil {
		return
	}
	rec := storage.IterationRecord{
		RunID:     e.cfg.RunID,
		Iteration: result.Iterations,
		Candidate: candidate.Clone(),
		Score:     score,
		Cached:    cached,
		Elapsed:   elapsed,
	}
	if result.Best != nil {
		rec.Best = result.Best.Score
	}
	if err := e.history.Append(ctx, rec); err != nil {
		e.logger.Warn("history append failed", zap.Int("iteration", result.Iterations), zap.Error(err))
	}
}
