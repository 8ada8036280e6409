package target

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/paramopt/internal/experiment"
	"github.com/copyleftdev/paramopt/internal/optimization"
)

const soapDefinition = `
name: soapdenovo
shortname: soap
command: ["soap", "-K", "{{.K}}", "-M", "{{.M}}", "-o", "{{.prefix}}"]
output:
  contigs: "*.contig"
parameters:
  K:
    type: integer
    values: [21, 25, 29]
  M:
    min: 0
    max: 3
  d:
    min: 0.5
    max: 1.5
    step: 0.5
  mode:
    type: string
    values: [fast, slow]
  prefix:
    opt: false
    value: out
`

func TestParse(t *testing.T) {
	tgt, err := Parse([]byte(soapDefinition))
	require.NoError(t, err)

	assert.Equal(t, "soapdenovo", tgt.Name)
	assert.Equal(t, "soap", tgt.Label())
	assert.Equal(t, map[string]string{"contigs": "*.contig"}, tgt.Output)
	assert.Equal(t, map[string]any{"prefix": "out"}, tgt.Options)

	require.Len(t, tgt.Parameters, 4)
	assert.Equal(t, []string{"K", "M", "d", "mode"}, []string{
		tgt.Parameters[0].Name, tgt.Parameters[1].Name, tgt.Parameters[2].Name, tgt.Parameters[3].Name,
	})
	assert.Equal(t, []any{21, 25, 29}, tgt.Parameters[0].Values)
	assert.Equal(t, []any{0, 1, 2, 3}, tgt.Parameters[1].Values)
	assert.Equal(t, []any{0.5, 1.0, 1.5}, tgt.Parameters[2].Values)
	assert.Equal(t, []any{"fast", "slow"}, tgt.Parameters[3].Values)
	assert.Equal(t, 3*4*3*2, tgt.Permutations())

	space, err := tgt.Space()
	require.NoError(t, err)
	assert.Equal(t, tgt.Permutations(), space.Size())
}

func TestParseJSON(t *testing.T) {
	doc := `{"name": "t", "command": ["echo", "{{.a}}"], ` +
		`"parameters": {"b": {"values": [1, 2]}, "a": {"min": 1, "max": 9, "step": 4}}}`
	tgt, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, tgt.Parameters, 2)
	assert.Equal(t, "b", tgt.Parameters[0].Name)
	assert.Equal(t, []any{1, 5, 9}, tgt.Parameters[1].Values)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not a mapping", `[1, 2]`},
		{"missing name", "command: [x]\nparameters: {a: {values: [1]}}"},
		{"missing parameters", "name: t\ncommand: [x]"},
		{"missing command", "name: t\nparameters: {a: {values: [1]}}"},
		{"name not string", "name: 5\ncommand: [x]\nparameters: {a: {values: [1]}}"},
		{"output not mapping", "name: t\ncommand: [x]\noutput: [a]\nparameters: {a: {values: [1]}}"},
		{"values not list", "name: t\ncommand: [x]\nparameters: {a: {values: 3}}"},
		{"integer type mismatch", "name: t\ncommand: [x]\nparameters: {a: {type: integer, values: [1, b]}}"},
		{"string type mismatch", "name: t\ncommand: [x]\nparameters: {a: {type: string, values: [a, 2]}}"},
		{"missing max", "name: t\ncommand: [x]\nparameters: {a: {min: 1}}"},
		{"zero step", "name: t\ncommand: [x]\nparameters: {a: {min: 1, max: 3, step: 0}}"},
		{"negative float step", "name: t\ncommand: [x]\nparameters: {a: {min: 1.0, max: 3, step: -0.5}}"},
		{"max below min", "name: t\ncommand: [x]\nparameters: {a: {min: 4, max: 3}}"},
		{"fixed without value", "name: t\ncommand: [x]\nparameters: {a: {values: [1]}, b: {opt: false}}"},
		{"only fixed", "name: t\ncommand: [x]\nparameters: {b: {opt: false, value: 1}}"},
		{"empty command", "name: t\ncommand: []\nparameters: {a: {values: [1]}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}

	_, err := Parse([]byte("name: t\ncommand: [x]\nparameters: {a: {values: []}}"))
	assert.ErrorIs(t, err, optimization.ErrEmptyDomain)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soap.yml")
	require.NoError(t, os.WriteFile(path, []byte(soapDefinition), 0o644))

	tgt, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "soapdenovo", tgt.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestCommandRunnerArgs(t *testing.T) {
	tgt, err := Parse([]byte(soapDefinition))
	require.NoError(t, err)
	r, err := NewCommandRunner(tgt, nil)
	require.NoError(t, err)

	args, err := r.Args(optimization.Candidate{"K": 25, "M": 2, "d": 1.0, "mode": "fast"})
	require.NoError(t, err)
	assert.Equal(t, []string{"soap", "-K", "25", "-M", "2", "-o", "out"}, args)

	_, err = r.Args(optimization.Candidate{"K": 25})
	assert.Error(t, err)

	_, err = NewCommandRunner(&Target{Command: []string{"{{.K"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func TestCommandRunnerRun(t *testing.T) {
	requireShell(t)
	tgt, err := Parse([]byte(`
name: writer
command: ["sh", "-c", "echo score {{.n}}; printf abcdef > result.txt"]
output:
  result: "*.txt"
parameters:
  n: {values: [1, 2, 3]}
`))
	require.NoError(t, err)
	r, err := NewCommandRunner(tgt, nil)
	require.NoError(t, err)
	r.BaseDir = t.TempDir()

	out, err := r.Run(context.Background(), optimization.Candidate{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, "score 2\n", string(out.Stdout))
	assert.Equal(t, optimization.Candidate{"n": 2}, out.Candidate)
	require.Len(t, out.Files["result"], 1)
	assert.FileExists(t, out.Files["result"][0])

	require.NoError(t, out.Close())
	assert.NoDirExists(t, out.WorkDir)
}

func TestCommandRunnerRetainsIntermediates(t *testing.T) {
	requireShell(t)
	tgt := &Target{Name: "noop", Command: []string{"sh", "-c", "true"}}
	r, err := NewCommandRunner(tgt, nil)
	require.NoError(t, err)
	r.BaseDir = t.TempDir()
	r.RetainIntermediates = true

	out, err := r.Run(context.Background(), optimization.Candidate{})
	require.NoError(t, err)
	require.NoError(t, out.Close())
	assert.DirExists(t, out.WorkDir)
}

func TestCommandRunnerFailure(t *testing.T) {
	requireShell(t)
	tgt := &Target{Name: "fail", Command: []string{"sh", "-c", "echo broken >&2; exit 3"}}
	r, err := NewCommandRunner(tgt, nil)
	require.NoError(t, err)
	base := t.TempDir()
	r.BaseDir = base

	_, err = r.Run(context.Background(), optimization.Candidate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed runs must not leave working directories")
}

func TestCommandRunnerCancelled(t *testing.T) {
	requireShell(t)
	tgt := &Target{Name: "slow", Command: []string{"sh", "-c", "sleep 10"}}
	r, err := NewCommandRunner(tgt, nil)
	require.NoError(t, err)
	r.BaseDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, optimization.Candidate{})
	assert.Error(t, err)
}

func TestDirPrefix(t *testing.T) {
	tests := map[string]string{
		"soap":         "soap-",
		"grid/search":  "grid_search-",
		`a\b:c`:        "a_b_c-",
		"../escape":    ".._escape-",
		"":             "run-",
		"..":           "run-",
		"v1.2_fast-ok": "v1.2_fast-ok-",
	}
	for label, want := range tests {
		t.Run(label, func(t *testing.T) {
			assert.Equal(t, want, dirPrefix(label))
		})
	}
}

func TestCommandRunnerSeparatorInName(t *testing.T) {
	requireShell(t)
	tgt := &Target{Name: "tools/assembler", Command: []string{"sh", "-c", "true"}}
	r, err := NewCommandRunner(tgt, nil)
	require.NoError(t, err)
	base := t.TempDir()
	r.BaseDir = base

	out, err := r.Run(context.Background(), optimization.Candidate{})
	require.NoError(t, err)
	assert.Equal(t, base, filepath.Dir(out.WorkDir))
	require.NoError(t, out.Close())
}

const separatorDefinition = `
name: grid/search
command: ["sh", "-c", "echo {{.n}}"]
parameters:
  n:
    type: integer
    values: [3, 1, 2]
  mode:
    type: string
    values: ["x", "x;mode=y", "y;mode=y", "y"]
  label:
    opt: false
    value: fixed
`

func TestDefinitionDrivesExperiment(t *testing.T) {
	requireShell(t)
	tests := []struct {
		algorithm string
		covers    bool
	}{
		{"sweep", true},
		{"tabu", true},
		{"genetic", false},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			tgt, err := Parse([]byte(separatorDefinition))
			require.NoError(t, err)
			space, err := tgt.Space()
			require.NoError(t, err)
			require.Equal(t, 12, space.Size())

			runner, err := NewCommandRunner(tgt, nil)
			require.NoError(t, err)
			runner.BaseDir = t.TempDir()

			calls := make(map[string]int)
			scorer := experiment.ScorerFunc(func(_ context.Context, out *experiment.Output) (float64, error) {
				calls[fmt.Sprintf("%v|%v", out.Candidate["n"], out.Candidate["mode"])]++
				return strconv.ParseFloat(strings.TrimSpace(string(out.Stdout)), 64)
			})

			settings := optimization.DefaultSettings()
			settings.Seed = 3
			opt, err := experiment.DefaultStrategies().New(tt.algorithm, space, settings, nil)
			require.NoError(t, err)
			e, err := experiment.New(space, opt, runner, scorer, experiment.Config{
				Algorithm:     tt.algorithm,
				MaxIterations: 200,
				Seed:          3,
			})
			require.NoError(t, err)

			res, err := e.Run(context.Background(), nil)
			require.NoError(t, err)

			assert.Equal(t, len(calls), res.Evaluations)
			for k, n := range calls {
				assert.Equal(t, 1, n, "candidate %s", k)
			}
			require.NotNil(t, res.Best)
			if tt.covers {
				assert.Equal(t, 12, res.Evaluations)
				assert.Equal(t, 3.0, res.Best.Score)
				assert.Equal(t, 3, res.Best.Candidate["n"])
			}

			entries, err := os.ReadDir(runner.BaseDir)
			require.NoError(t, err)
			assert.Empty(t, entries, "working directories are removed after scoring")
		})
	}
}
