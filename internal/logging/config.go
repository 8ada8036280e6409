package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Config selects the level, encoding and destination of a Logger. Empty
// fields take the values of DefaultConfig.
type Config struct {
	// Level is one of debug, info, warn, error or fatal.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path opened for appending.
	Output string `yaml:"output"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

var formats = map[string]bool{"json": true, "console": true}

// Validate rejects unknown levels and formats.
func (c *Config) Validate() error {
	if c.Level != "" {
		if _, ok := zapLevels[LogLevel(strings.ToUpper(c.Level))]; !ok {
			return fmt.Errorf("unknown log level %q", c.Level)
		}
	}
	if c.Format != "" && !formats[strings.ToLower(c.Format)] {
		return fmt.Errorf("unknown log format %q (json, console)", c.Format)
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *DefaultConfig()
	if c == nil {
		return out
	}
	if c.Level != "" {
		out.Level = c.Level
	}
	if c.Format != "" {
		out.Format = strings.ToLower(c.Format)
	}
	if c.Output != "" {
		out.Output = c.Output
	}
	return out
}

// NewLogger builds a Logger from cfg. A file output stays open until the
// returned Logger is closed.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	c := cfg.withDefaults()

	sink, closeSink, err := zap.Open(c.Output)
	if err != nil {
		return nil, fmt.Errorf("open log output %q: %w", c.Output, err)
	}
	l := newLogger(LogLevel(strings.ToUpper(c.Level)), c.Format, sink)
	l.close = closeSink
	return l, nil
}
