package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/paramopt/internal/storage"
)

const echoTarget = `
name: echo
command: ["sh", "-c", "echo result {{.a}}{{.b}}"]
parameters:
  a:
    type: integer
    values: [1, 2, 3]
  b:
    values: [7, 9]
`

func writeTarget(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	path := filepath.Join(t.TempDir(), "echo.yml")
	require.NoError(t, os.WriteFile(path, []byte(echoTarget), 0o644))
	return path
}

func TestRunSweep(t *testing.T) {
	path := writeTarget(t)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "history.csv")
	dbPath := filepath.Join(dir, "history.db")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"--target", path,
		"--algorithm", "sweep",
		"--workdir", dir,
		"--history-csv", csvPath,
		"--sqlite", dbPath,
		"--log-level", "error",
	}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "best:        a=3;b=9")
	assert.Contains(t, out, "score:       39")
	assert.Contains(t, out, "stop reason: finished")

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "iteration,a,b,score,cached,best,elapsed_ms", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1,1,7,17,false,17,"), lines[1])

	db := storage.NewSQLiteStore(dbPath)
	require.NoError(t, db.Init(context.Background()))
	defer db.Close()
	runs, err := db.Runs(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunWithStart(t *testing.T) {
	path := writeTarget(t)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"--target", path,
		"--algorithm", "tabu",
		"--start", "a=1,b=7",
		"--seed", "3",
		"--workdir", t.TempDir(),
		"--log-level", "error",
	}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "best:        a=3;b=9")
}

func TestRunWithoutTargetPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), nil, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--target is required")
	assert.Contains(t, stderr.String(), "Usage: paramopt --target FILE")
	assert.Contains(t, stderr.String(), "--algorithm")
	assert.Empty(t, stdout.String())
}

func TestRunErrors(t *testing.T) {
	path := writeTarget(t)
	tests := map[string][]string{
		"missing target":    {},
		"unknown algorithm": {"--target", path, "--algorithm", "annealing"},
		"bad start":         {"--target", path, "--start", "a=8"},
		"unknown objective": {"--target", path, "--objectives", "n50"},
		"unknown flag":      {"--target", path, "--bogus"},
		"missing file":      {"--target", filepath.Join(t.TempDir(), "nope.yml")},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Error(t, run(context.Background(), append(args, "--log-level", "error"), &stdout, &stderr))
		})
	}
}
