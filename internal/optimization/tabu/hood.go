package tabu

import (
	"go.uber.org/zap"

	"github.com/copyleftdev/paramopt/internal/optimization"
)

// looseningThreshold is the number of rejected draws after which every
// distribution is loosened before drawing again.
const looseningThreshold = 100

// Set holds every candidate ever proposed, keyed by its canonical form. It
// only grows.
type Set struct {
	space *optimization.Space
	keys  map[string]struct{}
}

// NewSet creates an empty tabu set for candidates of space.
func NewSet(space *optimization.Space) *Set {
	return &Set{space: space, keys: make(map[string]struct{})}
}

// Add marks c as tabu. It reports false if c already was.
func (s *Set) Add(c optimization.Candidate) bool {
	key := s.space.Key(c)
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Contains reports whether c is tabu.
func (s *Set) Contains(c optimization.Candidate) bool {
	_, ok := s.keys[s.space.Key(c)]
	return ok
}

// Len returns the number of tabu candidates.
func (s *Set) Len() int {
	return len(s.keys)
}

// Full reports whether every candidate of the space is tabu.
func (s *Set) Full() bool {
	return len(s.keys) >= s.space.Size()
}

// Hood is a neighbourhood: a pool of fresh candidates drawn from the current
// distributions, none of which had been proposed before. It also tracks the
// best evaluation seen while the pool is consumed.
type Hood struct {
	members []optimization.Candidate
	best    optimization.BestTracker
}

// newHood draws up to maxSize non-tabu candidates from dists, adding each to
// tabu as it is drawn. It stops early once the whole space is tabu.
func newHood(space *optimization.Space, dists []*Distribution, maxSize int, tabu *Set, logger *zap.Logger) *Hood {
	h := &Hood{members: make([]optimization.Candidate, 0, maxSize)}
	for len(h.members) < maxSize && !tabu.Full() {
		h.members = append(h.members, generateNeighbour(space, dists, tabu, logger))
	}
	return h
}

// generateNeighbour draws one candidate per distribution set until it finds
// one that is not tabu. Every looseningThreshold rejections all
// distributions are loosened so that collapsed neighbourhoods widen. The
// caller guarantees that a non-tabu candidate exists.
func generateNeighbour(space *optimization.Space, dists []*Distribution, tabu *Set, logger *zap.Logger) optimization.Candidate {
	indices := make([]int, len(dists))
	for rejected := 0; ; rejected++ {
		if rejected > 0 && rejected%looseningThreshold == 0 {
			logger.Debug("loosening distributions", zap.Int("rejected", rejected))
			for _, d := range dists {
				d.Loosen(1)
			}
		}
		for i, d := range dists {
			indices[i] = d.DrawIndex()
		}
		c := space.At(indices)
		if tabu.Add(c) {
			return c
		}
	}
}

// observe records an evaluation against the hood's best.
func (h *Hood) observe(c optimization.Candidate, score float64) {
	h.best.Observe(c, score)
}

// pop removes and returns the next member, or nil if the hood is empty.
func (h *Hood) pop() optimization.Candidate {
	if len(h.members) == 0 {
		return nil
	}
	last := len(h.members) - 1
	c := h.members[last]
	h.members = h.members[:last]
	return c
}

// Len returns the number of members not yet handed out.
func (h *Hood) Len() int {
	return len(h.members)
}

// Best returns the best evaluation observed in this hood.
func (h *Hood) Best() *optimization.Evaluation {
	return h.best.Best()
}
