// Package config loads the refsetd YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/davidroman0O/refsetlite"
	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/internal/terminology"
	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Terminology TerminologyConfig `yaml:"terminology"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Comparison  ComparisonConfig  `yaml:"comparison"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type StoreConfig struct {
	Driver          string `yaml:"driver" validate:"oneof=memory sqlite"`
	Path            string `yaml:"path" validate:"required_if=Driver sqlite"`
	TransactionMode string `yaml:"transaction_mode" validate:"oneof=batch operation"`
	BatchSize       int    `yaml:"batch_size" validate:"gte=1"`
}

type TerminologyConfig struct {
	URL           string        `yaml:"url" validate:"required,url"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	Retries       uint64        `yaml:"retries"`
	Backoff       time.Duration `yaml:"backoff" validate:"gte=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int           `yaml:"burst" validate:"gte=0"`
}

type JobsConfig struct {
	UpgradeWorkers int `yaml:"upgrade_workers" validate:"gte=1"`
	QueueLimit     int `yaml:"queue_limit" validate:"gte=0"`
	BatchParallel  int `yaml:"batch_parallelism" validate:"gte=1"`
}

type ComparisonConfig struct {
	TTL           time.Duration `yaml:"ttl" validate:"gte=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default is the configuration used for every key a file leaves out.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Store: StoreConfig{
			Driver:          "memory",
			TransactionMode: "batch",
			BatchSize:       500,
		},
		Terminology: TerminologyConfig{
			URL:     "http://localhost:8081/snowstorm/snomed-ct",
			Timeout: 30 * time.Second,
			Retries: 3,
			Backoff: 500 * time.Millisecond,
		},
		Jobs: JobsConfig{
			UpgradeWorkers: 2,
			QueueLimit:     64,
			BatchParallel:  4,
		},
		Comparison: ComparisonConfig{TTL: 30 * time.Minute, SweepInterval: time.Minute},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: parsing config: %v", types.ErrValidation, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Join(types.ErrValidation, err)
	}
	return nil
}

func (c Config) Logger() (logger.Logger, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	return logger.NewDefaultLogger(level, logger.LogFormat(c.Log.Format)), nil
}

// Terminology builds the HTTP client for the configured server.
func (c Config) Terminology(log logger.Logger) *terminology.Client {
	return terminology.NewClient(c.Terminology.URL,
		terminology.WithHTTPClient(&http.Client{Timeout: c.Terminology.Timeout}),
		terminology.WithRetries(c.Terminology.Retries, c.Terminology.Backoff),
		terminology.WithRateLimit(c.Terminology.RatePerSecond, c.Terminology.Burst),
		terminology.WithClientLogger(log),
	)
}

// Options converts the configuration into facade options.
func (c Config) Options(log logger.Logger, server terminology.Server) ([]refsetlite.Option, error) {
	mode, err := store.ParseTransactionMode(c.Store.TransactionMode)
	if err != nil {
		return nil, errors.Join(types.ErrValidation, err)
	}
	opts := []refsetlite.Option{
		refsetlite.WithLogger(log),
		refsetlite.WithTerminology(server),
		refsetlite.WithTransactionMode(mode),
		refsetlite.WithBatchSize(c.Store.BatchSize),
		refsetlite.WithUpgradeWorkers(c.Jobs.UpgradeWorkers),
		refsetlite.WithQueueLimit(c.Jobs.QueueLimit),
		refsetlite.WithBatchParallelism(c.Jobs.BatchParallel),
		refsetlite.WithComparisonTTL(c.Comparison.TTL),
		refsetlite.WithSweepInterval(c.Comparison.SweepInterval),
	}
	if c.Store.Driver == "sqlite" {
		opts = append(opts, refsetlite.WithPath(c.Store.Path))
	} else {
		opts = append(opts, refsetlite.WithMemory())
	}
	return opts, nil
}
