// Package config loads tileflow settings from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"tileflow/internal/fabric"
)

// Environment variables passed through to run records. They never change how
// the graph is built or executed.
const (
	EnvWorkerMode    = "TILEFLOW_WORKER_MODE"
	EnvDeploymentTag = "TILEFLOW_DEPLOYMENT_TAG"
)

// Cache backends.
const (
	BackendFile   = "file"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

type Config struct {
	BlockSize int           `yaml:"blockSize"`
	LogLevel  string        `yaml:"logLevel"`
	Cache     CacheConfig   `yaml:"cache"`
	Fabric    FabricConfig  `yaml:"fabric"`
	Worker    WorkerConfig  `yaml:"worker"`
	Runtime   RuntimeConfig `yaml:"runtime"`
}

type CacheConfig struct {
	Dir     string `yaml:"dir"`
	Backend string `yaml:"backend"`
	// MaxBytes triggers EvictOldest after a run. Zero keeps everything.
	MaxBytes      int64 `yaml:"maxBytes"`
	MemoryEntries int   `yaml:"memoryEntries"`
}

type FabricConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

type WorkerConfig struct {
	FetchAttempts int `yaml:"fetchAttempts"`
}

type RuntimeConfig struct {
	WorkerMode    bool   `yaml:"workerMode"`
	DeploymentTag string `yaml:"deploymentTag"`
}

// Default returns the built-in configuration.
func Default() Config {
	fo := fabric.DefaultOptions()
	return Config{
		BlockSize: 64,
		LogLevel:  "info",
		Cache: CacheConfig{
			Dir:           ".tileflow/cache",
			Backend:       BackendFile,
			MemoryEntries: 256,
		},
		Fabric: FabricConfig{
			Concurrency: fo.Concurrency,
			MaxAttempts: fo.MaxAttempts,
			Backoff: BackoffConfig{
				Initial:    fo.Backoff.Initial,
				Max:        fo.Backoff.Max,
				Multiplier: fo.Backoff.Multiplier,
			},
		},
		Worker: WorkerConfig{FetchAttempts: 3},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load for in-memory YAML, without environment overrides.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides runtime settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWorkerMode); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkerMode, err)
		}
		c.Runtime.WorkerMode = b
	}
	if v, ok := lookup(EnvDeploymentTag); ok {
		c.Runtime.DeploymentTag = v
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("blockSize must be positive, got %d", c.BlockSize))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendFile, BackendPebble:
		if c.Cache.Dir == "" {
			errs = append(errs, fmt.Errorf("cache.dir is required for the %s backend", c.Cache.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	if c.Cache.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.maxBytes must not be negative"))
	}
	if c.Cache.MemoryEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.memoryEntries must not be negative"))
	}
	if c.Fabric.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("fabric.concurrency must be positive"))
	}
	if c.Fabric.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("fabric.maxAttempts must be positive"))
	}
	if c.Fabric.Backoff.Initial <= 0 || c.Fabric.Backoff.Max < c.Fabric.Backoff.Initial {
		errs = append(errs, fmt.Errorf("fabric.backoff needs 0 < initial <= max"))
	}
	if c.Fabric.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("fabric.backoff.multiplier must be at least 1"))
	}
	if c.Worker.FetchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("worker.fetchAttempts must be positive"))
	}
	return errors.Join(errs...)
}

// FabricOptions converts the fabric section.
func (c Config) FabricOptions() fabric.Options {
	return fabric.Options{
		Concurrency: c.Fabric.Concurrency,
		MaxAttempts: c.Fabric.MaxAttempts,
		Backoff: fabric.BackoffOptions{
			Initial:    c.Fabric.Backoff.Initial,
			Max:        c.Fabric.Backoff.Max,
			Multiplier: c.Fabric.Backoff.Multiplier,
		},
	}
}
