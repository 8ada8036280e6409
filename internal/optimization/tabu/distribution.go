package tabu

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// minSD keeps every distribution wide enough to reach its neighbours.
	minSD = 0.5
	// maxSDProportion bounds the standard deviation relative to the domain size.
	maxSDProportion = 0.66
)

// Distribution is the probability distribution from which the next value of
// one parameter is drawn. It works on domain indices: the mean is the index
// of the current centre and draws are mapped back onto domain values.
type Distribution struct {
	values    []any
	mean      int
	sd        float64
	increment float64
	minSD     float64
	maxSD     float64
	normal    distuv.Normal
}

// NewDistribution centres a distribution on index mean of values with the
// given standard deviation, clamped to [0.5, 0.66 × len(values)]. increment
// is the proportion of the domain size by which Loosen and Tighten move the
// standard deviation.
func NewDistribution(values []any, mean int, sd, increment float64, src rand.Source) *Distribution {
	d := &Distribution{
		values:    values,
		mean:      mean,
		increment: increment,
		minSD:     minSD,
		maxSD:     maxSDProportion * float64(len(values)),
	}
	d.setSD(sd, src)
	return d
}

// Mean returns the index the distribution is centred on.
func (d *Distribution) Mean() int {
	return d.mean
}

// SD returns the current standard deviation.
func (d *Distribution) SD() float64 {
	return d.sd
}

// Size returns the number of values in the domain.
func (d *Distribution) Size() int {
	return len(d.values)
}

// Loosen widens the distribution by multiplier steps of the increment.
func (d *Distribution) Loosen(multiplier float64) {
	d.setSD(d.sd+d.increment*multiplier*float64(len(d.values)), d.normal.Src)
}

// Tighten narrows the distribution by multiplier steps of the increment.
func (d *Distribution) Tighten(multiplier float64) {
	d.setSD(d.sd-d.increment*multiplier*float64(len(d.values)), d.normal.Src)
}

func (d *Distribution) setSD(sd float64, src rand.Source) {
	d.sd = math.Max(d.minSD, math.Min(sd, d.maxSD))
	d.normal = distuv.Normal{Mu: float64(d.mean), Sigma: d.sd, Src: src}
}

// Draw samples an index from the distribution, reflects it back into the
// domain and returns the value at that index.
func (d *Distribution) Draw() any {
	return d.values[d.DrawIndex()]
}

// DrawIndex is like Draw but returns the domain index.
func (d *Distribution) DrawIndex() int {
	return reflectIndex(int(math.Round(d.normal.Rand())), len(d.values))
}

// reflectIndex folds idx into [0, size): a draw d past the upper index maps
// to upper-d, a negative draw maps to its absolute value, repeated until the
// index lands inside the domain.
func reflectIndex(idx, size int) int {
	if size <= 1 {
		return 0
	}
	upper := size - 1
	for idx < 0 || idx > upper {
		if idx > upper {
			idx = upper - (idx - upper)
		}
		if idx < 0 {
			idx = -idx
		}
	}
	return idx
}
