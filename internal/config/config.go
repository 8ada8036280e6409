package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/paramopt/internal/logging"
	"github.com/copyleftdev/paramopt/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Storage struct {
		Type string `env:"STORAGE_TYPE" envDefault:"memory"`
		Path string `env:"STORAGE_PATH" envDefault:"data/paramopt.db"`
	}
	Experiment struct {
		Algorithm       string        `env:"EXPERIMENT_ALGORITHM" envDefault:"tabu"`
		TimeLimit       time.Duration `env:"EXPERIMENT_TIME_LIMIT" envDefault:"0s"`
		MaxIterations   int           `env:"EXPERIMENT_MAX_ITERATIONS" envDefault:"0"`
		StagnationLimit int           `env:"EXPERIMENT_STAGNATION_LIMIT" envDefault:"0"`
		Seed            uint64        `env:"EXPERIMENT_SEED" envDefault:"0"`
		WorkerCount     int           `env:"EXPERIMENT_WORKER_COUNT" envDefault:"4"`
		// WorkDir is the parent of per-run target working directories.
		WorkDir             string   `env:"EXPERIMENT_WORKDIR"`
		RetainIntermediates bool     `env:"EXPERIMENT_RETAIN_INTERMEDIATES" envDefault:"false"`
		Objectives          []string `env:"EXPERIMENT_OBJECTIVES" envSeparator:"," envDefault:"stdout_number"`
	}
	Tabu struct {
		MaxHoodSize           int     `env:"TABU_MAX_HOOD_SIZE" envDefault:"5"`
		StartingSDDivisor     float64 `env:"TABU_STARTING_SD_DIVISOR" envDefault:"5"`
		SDIncrementProportion float64 `env:"TABU_SD_INCREMENT_PROPORTION" envDefault:"0.05"`
		BacktrackCutoff       float64 `env:"TABU_BACKTRACK_CUTOFF" envDefault:"2"`
		JumpCutoff            int     `env:"TABU_JUMP_CUTOFF" envDefault:"10"`
		StagnationLimit       int     `env:"TABU_STAGNATION_LIMIT" envDefault:"100"`
	}
	Genetic struct {
		PopulationSize int     `env:"GENETIC_POPULATION_SIZE" envDefault:"20"`
		MutationRate   float64 `env:"GENETIC_MUTATION_RATE" envDefault:"0.4"`
	}
	Sweep struct {
		Limit int `env:"SWEEP_LIMIT" envDefault:"0"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Type == "sqlite" {
		// Ensure the data directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate rejects values outside their accepted ranges.
func (c *Config) Validate() error {
	switch {
	case c.HTTP.Port <= 0 || c.HTTP.Port > 65535:
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTP.Port)
	case c.Storage.Type != "memory" && c.Storage.Type != "sqlite":
		return fmt.Errorf("invalid STORAGE_TYPE %q (memory, sqlite)", c.Storage.Type)
	case c.Storage.Type == "sqlite" && strings.TrimSpace(c.Storage.Path) == "":
		return fmt.Errorf("STORAGE_PATH is required for sqlite storage")
	case c.Experiment.TimeLimit < 0:
		return fmt.Errorf("invalid EXPERIMENT_TIME_LIMIT %s", c.Experiment.TimeLimit)
	case c.Experiment.MaxIterations < 0:
		return fmt.Errorf("invalid EXPERIMENT_MAX_ITERATIONS %d", c.Experiment.MaxIterations)
	case c.Experiment.StagnationLimit < 0:
		return fmt.Errorf("invalid EXPERIMENT_STAGNATION_LIMIT %d", c.Experiment.StagnationLimit)
	case c.Experiment.WorkerCount <= 0:
		return fmt.Errorf("invalid EXPERIMENT_WORKER_COUNT %d", c.Experiment.WorkerCount)
	case len(c.Experiment.Objectives) == 0:
		return fmt.Errorf("EXPERIMENT_OBJECTIVES must name at least one objective")
	}
	logCfg := logging.Config{Level: c.Logging.Level, Format: c.Logging.Format, Output: c.Logging.Output}
	if err := logCfg.Validate(); err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	return c.OptimizerSettings().Validate()
}

// OptimizerSettings converts the strategy sections to optimizer settings.
func (c *Config) OptimizerSettings() optimization.Settings {
	return optimization.Settings{
		Seed: c.Experiment.Seed,
		Sweep: optimization.SweepSettings{
			Limit: c.Sweep.Limit,
		},
		Tabu: optimization.TabuSettings{
			MaxHoodSize:           c.Tabu.MaxHoodSize,
			StartingSDDivisor:     c.Tabu.StartingSDDivisor,
			SDIncrementProportion: c.Tabu.SDIncrementProportion,
			BacktrackCutoff:       c.Tabu.BacktrackCutoff,
			JumpCutoff:            c.Tabu.JumpCutoff,
			StagnationLimit:       c.Tabu.StagnationLimit,
		},
		Genetic: optimization.GeneticSettings{
			PopulationSize: c.Genetic.PopulationSize,
			MutationRate:   c.Genetic.MutationRate,
		},
	}
}
