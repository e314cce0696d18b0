package threadpool

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the file form of the configuration for a GoScheduler
	// backed ThreadPool, see LoadConfig and NewFromConfig.
	//
	//	workers: 4
	//	log:
	//	  level: debug
	//	  output: stderr
	//	panic_log_rates:
	//	  1s: 1
	//	  1m: 10
	Config struct {
		// PanicLogRates maps durations (time.ParseDuration format) to the
		// number of panics logged per source, within that duration. An
		// empty, but present, map disables rate limiting.
		PanicLogRates map[string]int `yaml:"panic_log_rates"`
		Log           LogConfig      `yaml:"log"`
		// Workers is the GoScheduler worker count, zero meaning the default.
		Workers int `yaml:"workers"`
	}

	// LogConfig configures the stumpy JSON logger built by Config.Logger.
	LogConfig struct {
		// Level is a logiface level keyword, e.g. "info", or "disabled".
		// The default is "info".
		Level string `yaml:"level"`
		// Output is one of "stderr" (default), "stdout", or "discard".
		Output string `yaml:"output"`
	}
)

// LoadConfig reads then parses a config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a single YAML document, rejecting unknown fields, then
// validates it.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("parse config: multiple YAML documents are not supported")
		}
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for errors.
func (x Config) Validate() error {
	if x.Workers < 0 {
		return fmt.Errorf("invalid config: workers: must not be negative")
	}
	if _, err := x.Log.level(); err != nil {
		return err
	}
	if _, err := x.Log.writer(); err != nil {
		return err
	}
	if _, err := x.panicLogRates(); err != nil {
		return err
	}
	return nil
}

// Logger builds the logger described by the config.
func (x Config) Logger() (*logiface.Logger[logiface.Event], error) {
	level, err := x.Log.level()
	if err != nil {
		return nil, err
	}
	writer, err := x.Log.writer()
	if err != nil {
		return nil, err
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(writer)),
		stumpy.L.WithLevel(level),
	).Logger(), nil
}

// Options converts the config to the equivalent Option values, using
// logger (which may be nil).
func (x Config) Options(logger *logiface.Logger[logiface.Event]) ([]Option, error) {
	options := []Option{WithLogger(logger)}
	rates, err := x.panicLogRates()
	if err != nil {
		return nil, err
	}
	if x.PanicLogRates != nil {
		options = append(options, WithPanicLogRates(rates))
	}
	return options, nil
}

// NewFromConfig starts a GoScheduler, and a ThreadPool using it, as
// described by the config. Closing the ThreadPool also closes the
// scheduler.
func NewFromConfig(cfg Config) (*ThreadPool, *GoScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}

	schedulerOptions := []GoSchedulerOption{WithSchedulerLogger(logger)}
	if cfg.Workers != 0 {
		schedulerOptions = append(schedulerOptions, WithWorkers(cfg.Workers))
	}
	scheduler, err := NewGoScheduler(schedulerOptions...)
	if err != nil {
		return nil, nil, err
	}

	options, err := cfg.Options(logger)
	if err != nil {
		_ = scheduler.Close()
		return nil, nil, err
	}

	pool, err := New(scheduler, options...)
	if err != nil {
		_ = scheduler.Close()
		return nil, nil, err
	}
	pool.owned = scheduler

	return pool, scheduler, nil
}

func (x LogConfig) level() (logiface.Level, error) {
	if x.Level == `` {
		return logiface.LevelInformational, nil
	}
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == x.Level {
			return level, nil
		}
	}
	return 0, fmt.Errorf("invalid config: log.level: unknown level %q", x.Level)
}

func (x LogConfig) writer() (io.Writer, error) {
	switch x.Output {
	case ``, `stderr`:
		return os.Stderr, nil
	case `stdout`:
		return os.Stdout, nil
	case `discard`:
		return io.Discard, nil
	default:
		return nil, fmt.Errorf("invalid config: log.output: unknown output %q", x.Output)
	}
}

func (x Config) panicLogRates() (map[time.Duration]int, error) {
	if len(x.PanicLogRates) == 0 {
		return nil, nil
	}
	rates := make(map[time.Duration]int, len(x.PanicLogRates))
	for k, v := range x.PanicLogRates {
		d, err := time.ParseDuration(k)
		if err != nil {
			return nil, fmt.Errorf("invalid config: panic_log_rates: %w", err)
		}
		rates[d] = v
	}
	if err := validateRates(rates); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return rates, nil
}
