package arena

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/fortiblox/subleq/pkg/gen"
	"github.com/fortiblox/subleq/pkg/payoff"
	"github.com/fortiblox/subleq/pkg/selection"
)

// Saver persists the current population after each generation.
type Saver interface {
	SavePopulation(pop [][]int64) error
}

// SkimOptions controls RandomSkimmed.
type SkimOptions struct {
	// Batch is the number of random programs added per generation.
	Batch int

	// Generations is the number of generations to run.
	Generations int

	// Skims is the number of dominance eliminations per generation.
	Skims int

	// Accepted stops skimming a generation once the population falls
	// below it. Zero disables the check.
	Accepted int

	// Log receives the population size after each generation, one JSON
	// number per line. Nil disables it.
	Log io.Writer
}

// DefaultSkimOptions returns default options.
func DefaultSkimOptions() SkimOptions {
	return SkimOptions{
		Batch:       100,
		Generations: 1000,
		Skims:       2,
		Accepted:    2000,
	}
}

// Validate checks the options.
func (o *SkimOptions) Validate() error {
	if o.Batch < 1 || o.Generations < 0 || o.Skims < 0 || o.Accepted < 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidOptions, *o)
	}
	return nil
}

// Generation summarises one RandomSkimmed generation.
type Generation struct {
	Index      int
	Population int
	Removed    int
	New        int
	Payoff     time.Duration
	Skim       time.Duration
}

// RandomSkimmed grows a population in random batches and prunes strictly
// dominated programs after each batch.
//
// The payoff matrix is extended rather than recomputed: with old programs O
// and a batch N it becomes [[P(O,O), P(O,N)], [-P(O,N)^T, P(N,N)]], which
// relies on the reward being antisymmetric. save may be nil.
func RandomSkimmed(ctx context.Context, cfg Config, rng *rand.Rand, opts SkimOptions, save Saver) ([][]int64, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.logger()
	pcfg := cfg.payoff()

	var pop [][]int64
	m := payoff.NewMatrix(0, 0)

	for g := 0; g < opts.Generations; g++ {
		if err := ctx.Err(); err != nil {
			return pop, err
		}

		nOld := len(pop)
		batch := gen.RandomPopulation(rng, opts.Batch, cfg.Code)
		pop = append(pop, batch...)

		start := time.Now()
		var err error
		m, err = extend(ctx, pcfg, m, pop[:nOld], batch)
		if err != nil {
			return pop[:nOld], err
		}
		payoffTime := time.Since(start)

		start = time.Now()
		nPrev := nOld
		for s := 0; s < opts.Skims; s++ {
			kept := selection.SkimDominated(m, 0)
			keptOld := 0
			for _, i := range kept {
				if i < nOld {
					keptOld++
				}
			}
			next := make([][]int64, len(kept))
			for k, i := range kept {
				next[k] = pop[i]
			}
			pop = next
			m = m.Submatrix(kept, kept)
			nOld = keptOld
			if opts.Accepted > 0 && len(pop) < opts.Accepted {
				break
			}
		}

		stats := Generation{
			Index:      g,
			Population: len(pop),
			Removed:    nPrev - nOld,
			New:        len(pop) - nOld,
			Payoff:     payoffTime,
			Skim:       time.Since(start),
		}
		log.Info("generation complete",
			"gen", stats.Index,
			"population", stats.Population,
			"removed", stats.Removed,
			"new", stats.New,
			"payoff_time", stats.Payoff,
			"skim_time", stats.Skim,
		)

		if save != nil {
			if err := save.SavePopulation(pop); err != nil {
				return pop, fmt.Errorf("save population: %w", err)
			}
		}
		if opts.Log != nil {
			if err := json.NewEncoder(opts.Log).Encode(len(pop)); err != nil {
				return pop, fmt.Errorf("write generation log: %w", err)
			}
		}
	}
	return pop, nil
}

// extend grows the square payoff matrix m of old by the programs in batch.
func extend(ctx context.Context, pcfg payoff.Config, m payoff.Matrix, old, batch [][]int64) (payoff.Matrix, error) {
	newNew, err := payoff.Compute(ctx, pcfg, batch, batch)
	if err != nil {
		return m, err
	}
	if len(old) == 0 {
		return newNew, nil
	}
	oldNew, err := payoff.Compute(ctx, pcfg, old, batch)
	if err != nil {
		return m, err
	}
	return payoff.Block(m, oldNew, oldNew.Transpose().Negate(), newNew)
}
