// Package config loads experiment configuration from YAML.
//
// Load overlays a file on Default, so a file only needs the keys it changes:
//
//	reward: placeholder
//	subleq:
//	  max_iter: 50000
//	payoff:
//	  workers: 8
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/fortiblox/subleq/pkg/gen"
	"github.com/fortiblox/subleq/pkg/reward"
	"github.com/fortiblox/subleq/pkg/subleq"
	"gopkg.in/yaml.v3"
)

// Experiment defaults.
const (
	DefaultInterpreter     = "subleq"
	DefaultMaxOutputLength = 2_000
	DefaultMaxIter         = 20_000
	DefaultRPCAddr         = "127.0.0.1:7441"
)

var (
	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("invalid experiment configuration")
)

// SubleqConfig holds engine limits.
type SubleqConfig struct {
	MaxOutputLength uint64 `yaml:"max_output_length"`
	MaxIter         uint64 `yaml:"max_iter"`
}

// Limits converts the configuration to engine limits.
func (c SubleqConfig) Limits() subleq.Limits {
	return subleq.Limits{MaxOutput: c.MaxOutputLength, MaxIterations: c.MaxIter}
}

// PayoffConfig controls payoff parallelism.
type PayoffConfig struct {
	// Workers is the number of concurrent matchups. 1 runs sequentially,
	// 0 uses one worker per CPU.
	Workers int `yaml:"workers"`
}

// StoreConfig locates the population store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig enables the run cache. An empty path with InMemory unset
// disables it.
type CacheConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// Enabled reports whether a cache should be opened.
func (c CacheConfig) Enabled() bool {
	return c.Path != "" || c.InMemory
}

// RPCConfig configures the engine server and remote execution.
type RPCConfig struct {
	// Addr is the listen address for serve.
	Addr string `yaml:"addr"`

	// Remote, when set, sends every run to this engine server. A
	// comma-separated list balances runs across several servers.
	Remote string `yaml:"remote"`

	// MaxOutputLength and MaxIter cap what clients of serve may request.
	MaxOutputLength uint64 `yaml:"max_output_length"`
	MaxIter         uint64 `yaml:"max_iter"`
}

// Targets splits Remote into trimmed, non-empty server addresses.
func (c RPCConfig) Targets() []string {
	var targets []string
	for _, t := range strings.Split(c.Remote, ",") {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

// LogConfig controls logging.
type LogConfig struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Journal bool   `yaml:"journal"`
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Level)
	}
	return level, nil
}

// ExperimentConfig is the full configuration of an experiment.
type ExperimentConfig struct {
	Interpreter string         `yaml:"interpreter"`
	Reward      string         `yaml:"reward"`
	Subleq      SubleqConfig   `yaml:"subleq"`
	Payoff      PayoffConfig   `yaml:"payoff"`
	Code        gen.CodeConfig `yaml:"code"`
	Store       StoreConfig    `yaml:"store"`
	Cache       CacheConfig    `yaml:"cache"`
	RPC         RPCConfig      `yaml:"rpc"`
	Log         LogConfig      `yaml:"log"`
}

// Default returns the default experiment configuration.
func Default() ExperimentConfig {
	return ExperimentConfig{
		Interpreter: DefaultInterpreter,
		Reward:      reward.Blind,
		Subleq: SubleqConfig{
			MaxOutputLength: DefaultMaxOutputLength,
			MaxIter:         DefaultMaxIter,
		},
		Payoff: PayoffConfig{Workers: 1},
		Code:   gen.DefaultCodeConfig(),
		Store:  StoreConfig{Path: "population.db"},
		RPC: RPCConfig{
			Addr:            DefaultRPCAddr,
			MaxOutputLength: subleq.DefaultMaxOutput,
			MaxIter:         subleq.DefaultMaxIterations,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path and overlays it on Default. An empty path returns Default.
func Load(path string) (ExperimentConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document omits.
// Unknown keys are rejected.
func Parse(data []byte, cfg *ExperimentConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg.Validate()
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the configuration.
func (c *ExperimentConfig) Validate() error {
	if c.Interpreter != DefaultInterpreter {
		return fmt.Errorf("%w: unknown interpreter %q", ErrInvalidConfig, c.Interpreter)
	}
	if _, err := reward.Lookup(c.Reward); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Payoff.Workers < 0 {
		return fmt.Errorf("%w: negative payoff workers %d", ErrInvalidConfig, c.Payoff.Workers)
	}
	if err := c.Code.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Subleq.MaxOutputLength > c.RPC.MaxOutputLength || c.Subleq.MaxIter > c.RPC.MaxIter {
		return fmt.Errorf("%w: subleq limits exceed rpc caps", ErrInvalidConfig)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Workers resolves the payoff worker count.
func (c *ExperimentConfig) Workers() int {
	if c.Payoff.Workers == 0 {
		return runtime.NumCPU()
	}
	return c.Payoff.Workers
}

// Marshal encodes the configuration as YAML.
func (c *ExperimentConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
