// Package gen draws random subleq programs.
package gen

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Default code generation parameters.
const (
	DefaultLength   = 500
	DefaultMinValue = -500
	DefaultMaxValue = 1000
)

// ErrInvalidCodeConfig is returned by Validate for unusable parameters.
var ErrInvalidCodeConfig = errors.New("invalid code configuration")

// CodeConfig controls the shape of random programs.
type CodeConfig struct {
	// Length is the number of words per program.
	Length int `yaml:"length"`

	// MinValue and MaxValue bound each word, inclusive.
	MinValue int64 `yaml:"min_value"`
	MaxValue int64 `yaml:"max_value"`
}

// DefaultCodeConfig returns the default generation parameters.
func DefaultCodeConfig() CodeConfig {
	return CodeConfig{
		Length:   DefaultLength,
		MinValue: DefaultMinValue,
		MaxValue: DefaultMaxValue,
	}
}

// Validate checks the configuration.
func (c CodeConfig) Validate() error {
	if c.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidCodeConfig, c.Length)
	}
	if c.MinValue > c.MaxValue {
		return fmt.Errorf("%w: min %d > max %d", ErrInvalidCodeConfig, c.MinValue, c.MaxValue)
	}
	return nil
}

// NewRand returns a PCG-backed generator for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// RandomProgram draws a program with words uniform in [MinValue, MaxValue].
func RandomProgram(rng *rand.Rand, cfg CodeConfig) []int64 {
	span := uint64(cfg.MaxValue-cfg.MinValue) + 1
	program := make([]int64, cfg.Length)
	for i := range program {
		if span == 0 {
			// full int64 range
			program[i] = int64(rng.Uint64())
			continue
		}
		program[i] = cfg.MinValue + int64(rng.Uint64N(span))
	}
	return program
}

// RandomPopulation draws size programs.
func RandomPopulation(rng *rand.Rand, size int, cfg CodeConfig) [][]int64 {
	pop := make([][]int64, size)
	for i := range pop {
		pop[i] = RandomProgram(rng, cfg)
	}
	return pop
}
