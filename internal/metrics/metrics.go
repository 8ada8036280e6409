// Package metrics exposes Prometheus collectors for experiment runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "paramopt"

// Collector groups the experiment driver's metrics. All counters are
// labelled by algorithm.
type Collector struct {
	iterations       *prometheus.CounterVec
	evaluations      *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	evaluationErrors *prometheus.CounterVec
	bestScore        *prometheus.GaugeVec
	duration         *prometheus.HistogramVec
}

// NewCollector creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Driver loop iterations, cached or not.",
		}, []string{"algorithm"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Candidates evaluated by running the target.",
		}, []string{"algorithm"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Candidates whose score was served from the score cache.",
		}, []string{"algorithm"}),
		evaluationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_errors_total",
			Help:      "Target or objective failures.",
		}, []string{"algorithm"}),
		bestScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_score",
			Help:      "Best score of the most recently updated experiment.",
		}, []string{"algorithm"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Wall-clock time of one target run plus scoring.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"algorithm"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{
		c.iterations, c.evaluations, c.cacheHits, c.evaluationErrors, c.bestScore, c.duration,
	} {
		if err := reg.Register(col); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the collector registered by an earlier instance.
				switch existing := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					c.reuseCounter(col, existing)
				case *prometheus.GaugeVec:
					c.bestScore = existing
				case *prometheus.HistogramVec:
					c.duration = existing
				}
				continue
			}
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) reuseCounter(fresh prometheus.Collector, existing *prometheus.CounterVec) {
	switch fresh {
	case c.iterations:
		c.iterations = existing
	case c.evaluations:
		c.evaluations = existing
	case c.cacheHits:
		c.cacheHits = existing
	case c.evaluationErrors:
		c.evaluationErrors = existing
	}
}

// Iteration counts one driver loop iteration.
func (c *Collector) Iteration(algorithm string) {
	c.iterations.WithLabelValues(algorithm).Inc()
}

// Evaluation counts one real evaluation and records how long it took.
func (c *Collector) Evaluation(algorithm string, elapsed time.Duration) {
	c.evaluations.WithLabelValues(algorithm).Inc()
	c.duration.WithLabelValues(algorithm).Observe(elapsed.Seconds())
}

// CacheHit counts one score served from the cache.
func (c *Collector) CacheHit(algorithm string) {
	c.cacheHits.WithLabelValues(algorithm).Inc()
}

// EvaluationError counts one failed evaluation.
func (c *Collector) EvaluationError(algorithm string) {
	c.evaluationErrors.WithLabelValues(algorithm).Inc()
}

// BestScore records the current best score.
func (c *Collector) BestScore(algorithm string, score float64) {
	c.bestScore.WithLabelValues(algorithm).Set(score)
}
