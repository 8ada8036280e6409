package experiment

import (
	"github.com/patrickmn/go-cache"

	"github.com/copyleftdev/paramopt/internal/optimization"
)

// ScoreCache maps candidate keys to completed evaluations for one
// experiment run. Entries never expire.
type ScoreCache struct {
	items *cache.Cache
}

// NewScoreCache returns an empty cache.
func NewScoreCache() *ScoreCache {
	return &ScoreCache{items: cache.New(cache.NoExpiration, 0)}
}

// Get returns the evaluation stored under key.
func (c *ScoreCache) Get(key string) (*optimization.Evaluation, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*optimization.Evaluation), true
}

// Put stores a successful evaluation under key.
func (c *ScoreCache) Put(key string, candidate optimization.Candidate, score float64) {
	c.items.Set(key, &optimization.Evaluation{Candidate: candidate.Clone(), Score: score}, cache.NoExpiration)
}

// Len returns the number of cached evaluations.
func (c *ScoreCache) Len() int {
	return c.items.ItemCount()
}

// Evaluations returns a snapshot of every cached evaluation.
func (c *ScoreCache) Evaluations() []*optimization.Evaluation {
	items := c.items.Items()
	out := make([]*optimization.Evaluation, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*optimization.Evaluation).Clone())
	}
	return out
}
