package optimization

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
)

// Parameter is a named, ordered, finite domain of legal values. The index of
// a value in Values is its coordinate for distance and mean calculations.
type Parameter struct {
	Name   string `json:"name" yaml:"name"`
	Values []any  `json:"values" yaml:"values"`
}

// Size returns the number of legal values.
func (p Parameter) Size() int {
	return len(p.Values)
}

// Candidate assigns one value to every parameter of a Space.
type Candidate map[string]any

// Clone returns a shallow copy of the candidate map.
func (c Candidate) Clone() Candidate {
	if c == nil {
		return nil
	}
	out := make(Candidate, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Space is an immutable, ordered set of parameters. Parameter order defines
// the odometer order of an exhaustive sweep and the coordinate order used by
// neighbourhood generation.
type Space struct {
	params  []Parameter
	byName  map[string]int
	indexOf []map[any]int
}

// NewSpace validates params and builds a Space. Every domain must be
// non-empty, hold comparable scalar values, and have no duplicate values.
func NewSpace(params ...Parameter) (*Space, error) {
	if len(params) == 0 {
		return nil, ErrEmptySpace
	}
	s := &Space{
		params:  make([]Parameter, len(params)),
		byName:  make(map[string]int, len(params)),
		indexOf: make([]map[any]int, len(params)),
	}
	for i, p := range params {
		if p.Name == "" {
			return nil, NewError("parameter name cannot be empty").WithOperation("new_space")
		}
		if _, dup := s.byName[p.Name]; dup {
			return nil, WrapErrorf(ErrDuplicateParameter, "parameter %q", p.Name).WithOperation("new_space")
		}
		if len(p.Values) == 0 {
			return nil, WrapErrorf(ErrEmptyDomain, "parameter %q", p.Name).WithOperation("new_space")
		}
		lookup := make(map[any]int, len(p.Values))
		printed := make(map[string]struct{}, len(p.Values))
		for j, v := range p.Values {
			if !isScalar(v) {
				return nil, WrapErrorf(ErrInvalidValue, "parameter %q: value %v of type %T is not a scalar", p.Name, v, v).
					WithOperation("new_space")
			}
			text := fmt.Sprint(v)
			if _, dup := printed[text]; dup {
				return nil, WrapErrorf(ErrInvalidValue, "parameter %q: duplicate value %v", p.Name, v).
					WithOperation("new_space")
			}
			printed[text] = struct{}{}
			lookup[v] = j
		}
		s.params[i] = Parameter{Name: p.Name, Values: append([]any(nil), p.Values...)}
		s.byName[p.Name] = i
		s.indexOf[i] = lookup
	}
	return s, nil
}

// MustSpace is like NewSpace but panics on error. Intended for tests and
// static definitions.
func MustSpace(params ...Parameter) *Space {
	s, err := NewSpace(params...)
	if err != nil {
		panic(err)
	}
	return s
}

func isScalar(v any) bool {
	switch v.(type) {
	case int, int64, int32, uint, uint64, uint32, float64, float32, string, bool:
		return true
	}
	return false
}

// Len returns the number of parameters.
func (s *Space) Len() int {
	return len(s.params)
}

// Parameters returns the parameters in space order.
func (s *Space) Parameters() []Parameter {
	return s.params
}

// Parameter returns the i-th parameter in space order.
func (s *Space) Parameter(i int) Parameter {
	return s.params[i]
}

// Names returns the parameter names in space order.
func (s *Space) Names() []string {
	names := make([]string, len(s.params))
	for i, p := range s.params {
		names[i] = p.Name
	}
	return names
}

// Size returns the number of distinct candidates in the space, saturating
// at math.MaxInt.
func (s *Space) Size() int {
	total := 1
	for _, p := range s.params {
		if total > math.MaxInt/p.Size() {
			return math.MaxInt
		}
		total *= p.Size()
	}
	return total
}

// IndexOf returns the domain index of value for the named parameter.
func (s *Space) IndexOf(name string, value any) (int, bool) {
	i, ok := s.byName[name]
	if !ok {
		return 0, false
	}
	idx, ok := s.indexOf[i][value]
	return idx, ok
}

// Indices converts a candidate into domain indices in space order.
func (s *Space) Indices(c Candidate) ([]int, error) {
	if err := s.Validate(c); err != nil {
		return nil, err
	}
	out := make([]int, len(s.params))
	for i, p := range s.params {
		out[i] = s.indexOf[i][c[p.Name]]
	}
	return out, nil
}

// At builds the candidate whose i-th parameter takes the value at
// indices[i]. Indices must be in range.
func (s *Space) At(indices []int) Candidate {
	c := make(Candidate, len(s.params))
	for i, p := range s.params {
		c[p.Name] = p.Values[indices[i]]
	}
	return c
}

// Random draws a candidate uniformly, independently per parameter.
func (s *Space) Random(rng *rand.Rand) Candidate {
	c := make(Candidate, len(s.params))
	for _, p := range s.params {
		c[p.Name] = p.Values[rng.IntN(p.Size())]
	}
	return c
}

// Validate checks that c holds exactly the space's parameters and that every
// value belongs to its domain.
func (s *Space) Validate(c Candidate) error {
	for name := range c {
		if _, ok := s.byName[name]; !ok {
			return WrapErrorf(ErrUnknownParameter, "parameter %q", name).WithOperation("validate")
		}
	}
	if len(c) != len(s.params) {
		return NewErrorf("candidate has %d parameters, space has %d", len(c), len(s.params)).
			WithOperation("validate")
	}
	for i, p := range s.params {
		v, ok := c[p.Name]
		if !ok {
			return NewErrorf("candidate is missing parameter %q", p.Name).WithOperation("validate")
		}
		if _, ok := s.indexOf[i][v]; !ok {
			return WrapErrorf(ErrInvalidValue, "parameter %q: %v is not in its domain", p.Name, v).
				WithOperation("validate")
		}
	}
	return nil
}

// Canonicalize maps loosely typed values, such as decoded JSON numbers or
// command-line strings, onto the matching domain values. A value matches a
// domain value when they are equal or print identically.
func (s *Space) Canonicalize(raw map[string]any) (Candidate, error) {
	c := make(Candidate, len(s.params))
	for name, v := range raw {
		i, ok := s.byName[name]
		if !ok {
			return nil, WrapErrorf(ErrUnknownParameter, "parameter %q", name).WithOperation("canonicalize")
		}
		if isScalar(v) {
			if _, ok := s.indexOf[i][v]; ok {
				c[name] = v
				continue
			}
		}
		text := fmt.Sprint(v)
		found := false
		for _, dv := range s.params[i].Values {
			if fmt.Sprint(dv) == text {
				c[name] = dv
				found = true
				break
			}
		}
		if !found {
			return nil, WrapErrorf(ErrInvalidValue, "parameter %q: %v is not in its domain", name, v).
				WithOperation("canonicalize")
		}
	}
	if err := s.Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Key returns the canonical serialization of c, in space order. Two
// candidates share a key exactly when they assign the same values. Values
// that contain a separator or a quote are written as quoted strings.
func (s *Space) Key(c Candidate) string {
	var b strings.Builder
	for i, p := range s.params {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(keyValue(c[p.Name]))
	}
	return b.String()
}

func keyValue(v any) string {
	text := fmt.Sprint(v)
	if strings.ContainsAny(text, `;="`) {
		return strconv.Quote(text)
	}
	return text
}

// Countable reports whether the number of candidates fits in an int, so
// that Size is exact rather than saturated.
func (s *Space) Countable() bool {
	total := 1
	for _, p := range s.params {
		if total > math.MaxInt/p.Size() {
			return false
		}
		total *= p.Size()
	}
	return true
}
