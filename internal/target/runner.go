package target

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/paramopt/internal/experiment"
	"github.com/copyleftdev/paramopt/internal/optimization"
)

// maxStderrInError bounds how much stderr is quoted in a run error.
const maxStderrInError = 512

// dirPrefix turns a target label into a working directory name prefix.
// Anything other than letters, digits, '.', '-' and '_' becomes '_'.
func dirPrefix(label string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, label)
	if clean == "" || strings.Trim(clean, ".") == "" {
		clean = "run"
	}
	return clean + "-"
}

// CommandRunner runs a target's command once per candidate, each run in a
// fresh working directory.
type CommandRunner struct {
	target *Target
	args   []*template.Template
	logger *zap.Logger

	// BaseDir is the parent of per-run working directories. Empty means
	// the system temp directory.
	BaseDir string
	// RetainIntermediates keeps working directories after scoring.
	RetainIntermediates bool
	// Env is appended to the current process environment.
	Env []string
}

// NewCommandRunner parses the target's argument templates.
func NewCommandRunner(t *Target, logger *zap.Logger) (*CommandRunner, error) {
	if t == nil || len(t.Command) == 0 {
		return nil, fmt.Errorf("%w: command is empty", ErrInvalidDefinition)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	args := make([]*template.Template, len(t.Command))
	for i, arg := range t.Command {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: command argument %d: %v", ErrInvalidDefinition, i, err)
		}
		args[i] = tmpl
	}
	return &CommandRunner{
		target: t,
		args:   args,
		logger: logger.Named("target").With(zap.String("target", t.Label())),
	}, nil
}

// Args renders the command line for candidate.
func (r *CommandRunner) Args(candidate optimization.Candidate) ([]string, error) {
	data := make(map[string]any, len(r.target.Options)+len(candidate))
	for k, v := range r.target.Options {
		data[k] = v
	}
	for k, v := range candidate {
		data[k] = v
	}

	out := make([]string, len(r.args))
	var buf bytes.Buffer
	for i, tmpl := range r.args {
		buf.Reset()
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render argument %d: %w", i, err)
		}
		out[i] = buf.String()
	}
	return out, nil
}

// Run executes the command for candidate. Cancelling ctx kills the
// process. A non-zero exit status is an error.
func (r *CommandRunner) Run(ctx context.Context, candidate optimization.Candidate) (*experiment.Output, error) {
	args, err := r.Args(candidate)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(r.BaseDir, dirPrefix(r.target.Label()))
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	cleanup := func() error {
		if r.RetainIntermediates {
			return nil
		}
		return os.RemoveAll(dir)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	r.logger.Debug("running target", zap.Strings("args", args), zap.String("workdir", dir))
	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	if runErr != nil {
		_ = cleanup()
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrInError {
			msg = "..." + msg[len(msg)-maxStderrInError:]
		}
		if msg != "" {
			return nil, fmt.Errorf("run %s: %w: %s", r.target.Label(), runErr, msg)
		}
		return nil, fmt.Errorf("run %s: %w", r.target.Label(), runErr)
	}

	files, err := r.collectOutputs(dir)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	r.logger.Debug("target finished", zap.Duration("elapsed", elapsed), zap.Int("stdout_bytes", stdout.Len()))

	return &experiment.Output{
		Candidate: candidate.Clone(),
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Files:     files,
		WorkDir:   dir,
		Elapsed:   elapsed,
		Cleanup:   cleanup,
	}, nil
}

func (r *CommandRunner) collectOutputs(dir string) (map[string][]string, error) {
	files := make(map[string][]string, len(r.target.Output))
	for key, pattern := range r.target.Output {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(dir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", key, err)
		}
		sort.Strings(matches)
		files[key] = matches
	}
	return files, nil
}
