// Command paramopt runs one optimisation experiment for a target
// definition file and prints the best candidate found.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/copyleftdev/paramopt/internal/config"
	"github.com/copyleftdev/paramopt/internal/experiment"
	"github.com/copyleftdev/paramopt/internal/logging"
	"github.com/copyleftdev/paramopt/internal/objective"
	"github.com/copyleftdev/paramopt/internal/optimization"
	"github.com/copyleftdev/paramopt/internal/storage"
	"github.com/copyleftdev/paramopt/internal/target"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "paramopt: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	target          string
	algorithm       string
	start           map[string]string
	objectives      []string
	historyCSV      string
	sqlite          string
	workDir         string
	keep            bool
	logLevel        string
	logFormat       string
	maxIterations   int
	stagnationLimit int
	seed            uint64
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	var opts options
	fs := flag.NewFlagSet("paramopt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: paramopt --target FILE [flags]")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.target, "target", "", "target definition file (YAML)")
	fs.StringVar(&opts.algorithm, "algorithm", cfg.Experiment.Algorithm, "search strategy: tabu, genetic or sweep")
	fs.StringToStringVar(&opts.start, "start", nil, "starting candidate, e.g. a=1,b=4")
	fs.StringSliceVar(&opts.objectives, "objectives", cfg.Experiment.Objectives, "objectives used to score each run")
	timeLimit := fs.Duration("time-limit", cfg.Experiment.TimeLimit, "wall-clock budget (0 = none)")
	fs.IntVar(&opts.maxIterations, "max-iterations", cfg.Experiment.MaxIterations, "iteration budget (0 = none)")
	fs.IntVar(&opts.stagnationLimit, "stagnation-limit", cfg.Experiment.StagnationLimit, "iterations without improvement before stopping (0 = none)")
	fs.Uint64Var(&opts.seed, "seed", cfg.Experiment.Seed, "random seed (0 = time based)")
	fs.StringVar(&opts.historyCSV, "history-csv", "", "write the iteration history to this CSV file")
	fs.StringVar(&opts.sqlite, "sqlite", "", "record the iteration history in this SQLite database")
	fs.StringVar(&opts.workDir, "workdir", cfg.Experiment.WorkDir, "parent directory for per-run working directories")
	fs.BoolVar(&opts.keep, "keep-intermediates", cfg.Experiment.RetainIntermediates, "keep per-run working directories")
	fs.StringVar(&opts.logLevel, "log-level", cfg.Logging.Level, "log level")
	fs.StringVar(&opts.logFormat, "log-format", "console", "log format: console or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.target == "" {
		fs.Usage()
		return fmt.Errorf("--target is required")
	}

	logger, err := logging.NewLogger(&logging.Config{Level: opts.logLevel, Format: opts.logFormat, Output: "stderr"})
	if err != nil {
		return err
	}
	defer logger.Close()
	zl := logger.Zap()

	tgt, err := target.Load(opts.target)
	if err != nil {
		return err
	}
	space, err := tgt.Space()
	if err != nil {
		return err
	}
	var start optimization.Candidate
	if len(opts.start) > 0 {
		raw := make(map[string]any, len(opts.start))
		for k, v := range opts.start {
			raw[k] = v
		}
		if start, err = space.Canonicalize(raw); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}

	settings := cfg.OptimizerSettings()
	settings.Seed = opts.seed
	optimizer, err := experiment.DefaultStrategies().New(opts.algorithm, space, settings, zl)
	if err != nil {
		return err
	}

	runner, err := target.NewCommandRunner(tgt, zl)
	if err != nil {
		return err
	}
	runner.BaseDir = opts.workDir
	runner.RetainIntermediates = opts.keep

	objs, err := objective.NewBuiltinRegistry().New(opts.objectives...)
	if err != nil {
		return err
	}
	scorer, err := objective.NewHandler(objs, zl)
	if err != nil {
		return err
	}

	var history storage.HistoryStore = storage.NewMemoryStore()
	if opts.sqlite != "" {
		history = storage.NewSQLiteStore(opts.sqlite)
	}
	if err := history.Init(ctx); err != nil {
		return err
	}
	defer history.Close()

	runID := uuid.NewString()
	exp, err := experiment.New(space, optimizer, runner, scorer, experiment.Config{
		Algorithm:       opts.algorithm,
		RunID:           runID,
		TimeLimit:       *timeLimit,
		MaxIterations:   opts.maxIterations,
		StagnationLimit: opts.stagnationLimit,
		Seed:            opts.seed,
	}, experiment.WithLogger(zl), experiment.WithHistory(history))
	if err != nil {
		return err
	}

	logger.Info("Starting experiment", map[string]interface{}{
		"run_id":       runID,
		"target":       tgt.Name,
		"algorithm":    opts.algorithm,
		"permutations": tgt.Permutations(),
	})
	result, runErr := exp.Run(ctx, start)

	if opts.historyCSV != "" {
		if err := writeHistory(ctx, history, runID, space.Names(), opts.historyCSV); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	fmt.Fprintf(stdout, "run:         %s\n", runID)
	fmt.Fprintf(stdout, "stop reason: %s\n", result.StopReason)
	fmt.Fprintf(stdout, "iterations:  %d (%d evaluated, %d cached)\n", result.Iterations, result.Evaluations, result.CacheHits)
	fmt.Fprintf(stdout, "elapsed:     %s\n", result.Elapsed)
	if result.Best == nil {
		fmt.Fprintln(stdout, "best:        none")
		return nil
	}
	fmt.Fprintf(stdout, "best:        %s\n", space.Key(result.Best.Candidate))
	fmt.Fprintf(stdout, "score:       %g\n", result.Best.Score)
	return nil
}

func writeHistory(ctx context.Context, history storage.HistoryStore, runID string, names []string, path string) error {
	records, err := history.History(ctx, runID)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := storage.WriteCSV(f, names, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
