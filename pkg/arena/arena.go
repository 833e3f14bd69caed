// Package arena runs population experiments on top of the payoff matrix.
//
// Experiments write one JSON value per line to an io.Writer so long runs can
// be tailed and resumed from partial output.
package arena

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/fortiblox/subleq/pkg/gen"
	"github.com/fortiblox/subleq/pkg/payoff"
	"github.com/fortiblox/subleq/pkg/reward"
	"github.com/fortiblox/subleq/pkg/subleq"
)

var (
	// ErrEmptyPopulation is returned when an experiment needs programs.
	ErrEmptyPopulation = errors.New("arena: empty population")

	// ErrInvalidOptions is returned for unusable experiment options.
	ErrInvalidOptions = errors.New("arena: invalid options")
)

// Config is shared by all experiments.
type Config struct {
	// Runner executes programs directly, e.g. in Homoiconic.
	Runner subleq.Runner

	// Reward scores matchups.
	Reward reward.Func

	// Workers is the payoff parallelism.
	Workers int

	// Code shapes random programs.
	Code gen.CodeConfig

	// Logger receives progress. Nil discards it.
	Logger *slog.Logger
}

// Validate checks the runner, reward, workers and code shape.
func (c *Config) Validate() error {
	pcfg := c.payoff()
	if err := pcfg.Validate(); err != nil {
		return err
	}
	return c.Code.Validate()
}

func (c *Config) payoff() payoff.Config {
	return payoff.Config{
		Runner:  c.Runner,
		Reward:  c.Reward,
		Workers: c.Workers,
		Logger:  c.Logger,
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

// Pair is one scheduled matchup: program I runs with program J as input.
type Pair struct {
	I, J int
}

// Rounds returns the n*n schedule. Round r visits (j, (r+j) mod n) for each
// j, so every round touches every program once as code and once as input.
func Rounds(n int) []Pair {
	pairs := make([]Pair, 0, n*n)
	for r := 0; r < n; r++ {
		for j := 0; j < n; j++ {
			pairs = append(pairs, Pair{I: j, J: (r + j) % n})
		}
	}
	return pairs
}

// Score sums the payoff of candidate against every program in ref.
func Score(ctx context.Context, cfg Config, ref [][]int64, candidate []int64) (int, error) {
	m, err := payoff.Compute(ctx, cfg.payoff(), ref, [][]int64{candidate})
	if err != nil {
		return 0, err
	}
	return m.ColumnSum(0), nil
}

// Record is one scored homoiconic candidate.
type Record struct {
	I            int     `json:"i"`
	J            int     `json:"j"`
	Label        string  `json:"label"`
	CandidateLen int     `json:"candidate_len"`
	Status       int     `json:"status"`
	Score        int     `json:"score"`
	TimeS        float64 `json:"time_s"`
}

// Candidate labels.
const (
	LabelOutput = "out"
	LabelMemory = "mem"
)

// Homoiconic runs every scheduled pair and scores both the output and the
// final memory image against the whole population, as programs in their
// own right. One Record per candidate is written to w.
func Homoiconic(ctx context.Context, cfg Config, pop [][]int64, w io.Writer) error {
	if len(pop) == 0 {
		return ErrEmptyPopulation
	}
	pcfg := cfg.payoff()
	if err := pcfg.Validate(); err != nil {
		return err
	}
	log := cfg.logger()
	enc := json.NewEncoder(w)
	pairs := Rounds(len(pop))

	for k, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}

		res := cfg.Runner.Run(pop[p.I], pop[p.J])
		candidates := []struct {
			label   string
			program []int64
		}{
			{LabelOutput, res.Output},
			{LabelMemory, res.Memory},
		}

		for _, cand := range candidates {
			start := time.Now()
			score, err := Score(ctx, cfg, pop, cand.program)
			if err != nil {
				return err
			}
			rec := Record{
				I:            p.I,
				J:            p.J,
				Label:        cand.label,
				CandidateLen: len(cand.program),
				Status:       res.Status.Code(),
				Score:        score,
				TimeS:        time.Since(start).Seconds(),
			}
			if err := enc.Encode(&rec); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
		}

		if (k+1)%len(pop) == 0 {
			log.Info("homoiconic round complete", "round", (k+1)/len(pop), "rounds", len(pop))
		}
	}
	return nil
}

// RandomBaseline scores nTested random programs against a random reference
// population of nRef programs and writes each summed score to w.
func RandomBaseline(ctx context.Context, cfg Config, rng *rand.Rand, nRef, nTested int, w io.Writer) error {
	if nRef < 0 || nTested < 0 {
		return fmt.Errorf("%w: negative sizes %d/%d", ErrInvalidOptions, nRef, nTested)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := cfg.logger()
	ref := gen.RandomPopulation(rng, nRef, cfg.Code)
	enc := json.NewEncoder(w)

	for k := 0; k < nTested; k++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		score, err := Score(ctx, cfg, ref, gen.RandomProgram(rng, cfg.Code))
		if err != nil {
			return err
		}
		if err := enc.Encode(score); err != nil {
			return fmt.Errorf("write score: %w", err)
		}
		if (k+1)%1000 == 0 {
			log.Debug("baseline progress", "tested", k+1, "total", nTested)
		}
	}
	return nil
}
