// Package target loads target definitions and runs targets as external
// commands.
package target

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/paramopt/internal/optimization"
)

// ErrInvalidDefinition is returned for malformed target definitions.
var ErrInvalidDefinition = errors.New("invalid target definition")

// Target describes a program to optimise: how to run it, where its
// outputs land and which parameters it takes.
type Target struct {
	Name      string
	Shortname string
	// Command is a list of argument templates rendered against the
	// candidate and the fixed options.
	Command []string
	// Output maps an output key to a file glob relative to the run's
	// working directory.
	Output map[string]string
	// Parameters are the optimised parameters in declaration order.
	Parameters []optimization.Parameter
	// Options are fixed parameter values passed to the command but never
	// optimised.
	Options map[string]any
}

// Load reads a target definition from a YAML file.
func Load(path string) (*Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read target definition: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse parses a target definition from YAML (or JSON) bytes.
func Parse(data []byte) (*Target, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: document is not a mapping", ErrInvalidDefinition)
	}
	root := doc.Content[0]

	t := &Target{Options: make(map[string]any)}
	seen := make(map[string]bool)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		seen[key] = true
		switch key {
		case "name":
			if !isString(val) {
				return nil, invalidf("name must be a string")
			}
			t.Name = val.Value
		case "shortname":
			if !isString(val) {
				return nil, invalidf("shortname must be a string")
			}
			t.Shortname = val.Value
		case "command":
			if val.Kind != yaml.SequenceNode {
				return nil, invalidf("command must be a list")
			}
			if err := val.Decode(&t.Command); err != nil {
				return nil, invalidf("command: %v", err)
			}
		case "output":
			if val.Kind != yaml.MappingNode {
				return nil, invalidf("output must be a mapping")
			}
			if err := val.Decode(&t.Output); err != nil {
				return nil, invalidf("output: %v", err)
			}
		case "parameters":
			if err := t.parseParameters(val); err != nil {
				return nil, err
			}
		}
	}

	for _, required := range []string{"name", "command", "parameters"} {
		if !seen[required] {
			return nil, invalidf("required key %q is missing", required)
		}
	}
	if len(t.Command) == 0 {
		return nil, invalidf("command is empty")
	}
	if len(t.Parameters) == 0 {
		return nil, invalidf("no parameters to optimise")
	}
	return t, nil
}

// parameterDef is one entry of the parameters mapping.
type parameterDef struct {
	Opt    *bool     `yaml:"opt"`
	Type   string    `yaml:"type"`
	Values yaml.Node `yaml:"values"`
	Value  any       `yaml:"value"`
	Min    any       `yaml:"min"`
	Max    any       `yaml:"max"`
	Step   any       `yaml:"step"`
}

func (t *Target) parseParameters(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return invalidf("parameters must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var def parameterDef
		if err := node.Content[i+1].Decode(&def); err != nil {
			return invalidf("parameter %q: %v", name, err)
		}

		if def.Opt != nil && !*def.Opt {
			if def.Value == nil {
				return invalidf("fixed option %q has no value", name)
			}
			t.Options[name] = def.Value
			continue
		}

		values, err := def.domain(name)
		if err != nil {
			return err
		}
		t.Parameters = append(t.Parameters, optimization.Parameter{Name: name, Values: values})
	}
	return nil
}

func (d parameterDef) domain(name string) ([]any, error) {
	if d.Values.Kind != 0 {
		if d.Values.Kind != yaml.SequenceNode {
			return nil, invalidf("values for parameter %q is not a list", name)
		}
		var values []any
		if err := d.Values.Decode(&values); err != nil {
			return nil, invalidf("values for parameter %q: %v", name, err)
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("parameter %q: %w", name, optimization.ErrEmptyDomain)
		}
		return checkType(name, d.Type, values)
	}

	if d.Min == nil || d.Max == nil {
		return nil, invalidf("min and max must be set for parameter %q", name)
	}
	minI, minInt := d.Min.(int)
	maxI, maxInt := d.Max.(int)
	stepI, stepInt := 1, true
	if d.Step != nil {
		stepI, stepInt = d.Step.(int)
	}
	if minInt && maxInt && stepInt && d.Type != "float" {
		if stepI <= 0 {
			return nil, invalidf("step for parameter %q must be positive", name)
		}
		if maxI < minI {
			return nil, invalidf("max < min for parameter %q", name)
		}
		values := make([]any, 0, (maxI-minI)/stepI+1)
		for v := minI; v <= maxI; v += stepI {
			values = append(values, v)
		}
		return values, nil
	}

	lo, okLo := toFloat(d.Min)
	hi, okHi := toFloat(d.Max)
	step := 1.0
	okStep := true
	if d.Step != nil {
		step, okStep = toFloat(d.Step)
	}
	switch {
	case !okLo || !okHi || !okStep:
		return nil, invalidf("min, max and step for parameter %q must be numbers", name)
	case step <= 0:
		return nil, invalidf("step for parameter %q must be positive", name)
	case hi < lo:
		return nil, invalidf("max < min for parameter %q", name)
	}
	n := int(math.Floor((hi-lo)/step+1e-9)) + 1
	values := make([]any, n)
	for i := range values {
		values[i] = lo + float64(i)*step
	}
	return values, nil
}

func checkType(name, typ string, values []any) ([]any, error) {
	switch typ {
	case "":
		return values, nil
	case "integer":
		for _, v := range values {
			if _, ok := v.(int); !ok {
				return nil, invalidf("values for parameter %q: expected integer, got %v", name, v)
			}
		}
	case "string":
		for _, v := range values {
			if _, ok := v.(string); !ok {
				return nil, invalidf("values for parameter %q: expected string, got %v", name, v)
			}
		}
	case "float":
		out := make([]any, len(values))
		for i, v := range values {
			f, ok := toFloat(v)
			if !ok {
				return nil, invalidf("values for parameter %q: expected float, got %v", name, v)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, invalidf("parameter %q has unknown type %q", name, typ)
	}
	return values, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func isString(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!str"
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

// Space builds the parameter space of the optimised parameters.
func (t *Target) Space() (*optimization.Space, error) {
	return optimization.NewSpace(t.Parameters...)
}

// Permutations returns the number of distinct candidates, saturating at
// math.MaxInt.
func (t *Target) Permutations() int {
	n := 1
	for _, p := range t.Parameters {
		size := p.Size()
		if size == 0 {
			return 0
		}
		if n > math.MaxInt/size {
			return math.MaxInt
		}
		n *= size
	}
	return n
}

// Label returns the short name when set, otherwise the name.
func (t *Target) Label() string {
	if t.Shortname != "" {
		return t.Shortname
	}
	return t.Name
}
