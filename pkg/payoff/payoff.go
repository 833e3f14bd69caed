// Package payoff builds reward matrices between two populations of programs.
//
// Entry [i, j] of a payoff matrix is the reward of ref[i] playing against
// pop[j]. Matrices are computed sequentially or on a bounded pool of
// goroutines; the runner must then be safe for concurrent use, which holds
// for subleq.Engine, runcache.Cache, rpc.RemoteRunner and rpcpool.Pool.
package payoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fortiblox/subleq/pkg/reward"
	"github.com/fortiblox/subleq/pkg/subleq"
)

// Configuration errors.
var (
	ErrNoRunner      = errors.New("payoff: runner is required")
	ErrNoReward      = errors.New("payoff: reward function is required")
	ErrInvalidShape  = errors.New("payoff: invalid matrix shape")
	ErrInvalidConfig = errors.New("payoff: invalid configuration")
)

// Config controls a payoff computation.
type Config struct {
	// Runner executes the programs.
	Runner subleq.Runner

	// Reward scores one matchup.
	Reward reward.Func

	// Workers is the number of concurrent matchups. 1 runs sequentially.
	Workers int `yaml:"workers"`

	// Logger receives progress messages. Nil discards them.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Runner == nil {
		return ErrNoRunner
	}
	if c.Reward == nil {
		return ErrNoReward
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalidConfig, c.Workers)
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

// Matrix is a dense row-major integer matrix.
type Matrix struct {
	Rows, Cols int
	Data       []int
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]int, rows*cols)}
}

// At returns entry [i, j].
func (m Matrix) At(i, j int) int {
	return m.Data[i*m.Cols+j]
}

// Set assigns entry [i, j].
func (m Matrix) Set(i, j, v int) {
	m.Data[i*m.Cols+j] = v
}

// Row returns a copy of row i.
func (m Matrix) Row(i int) []int {
	row := make([]int, m.Cols)
	copy(row, m.Data[i*m.Cols:(i+1)*m.Cols])
	return row
}

// ColumnSum sums column j.
func (m Matrix) ColumnSum(j int) int {
	sum := 0
	for i := 0; i < m.Rows; i++ {
		sum += m.At(i, j)
	}
	return sum
}

// Submatrix returns the matrix restricted to the given rows and columns,
// in the given order.
func (m Matrix) Submatrix(rows, cols []int) Matrix {
	out := NewMatrix(len(rows), len(cols))
	for oi, i := range rows {
		for oj, j := range cols {
			out.Set(oi, oj, m.At(i, j))
		}
	}
	return out
}

// Transpose returns a new transposed matrix.
func (m Matrix) Transpose() Matrix {
	out := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			out.Set(j, i, m.At(i, j))
		}
	}
	return out
}

// Negate returns a new matrix with every entry negated.
func (m Matrix) Negate() Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	for i, v := range m.Data {
		out.Data[i] = -v
	}
	return out
}

// Block assembles [[a, b], [c, d]]. Row counts of a and b, row counts of
// c and d, column counts of a and c, and column counts of b and d must agree.
func Block(a, b, c, d Matrix) (Matrix, error) {
	if a.Rows != b.Rows || c.Rows != d.Rows || a.Cols != c.Cols || b.Cols != d.Cols {
		return Matrix{}, fmt.Errorf("%w: blocks %dx%d %dx%d %dx%d %dx%d", ErrInvalidShape,
			a.Rows, a.Cols, b.Rows, b.Cols, c.Rows, c.Cols, d.Rows, d.Cols)
	}
	out := NewMatrix(a.Rows+c.Rows, a.Cols+b.Cols)
	put := func(src Matrix, r0, c0 int) {
		for i := 0; i < src.Rows; i++ {
			for j := 0; j < src.Cols; j++ {
				out.Set(r0+i, c0+j, src.At(i, j))
			}
		}
	}
	put(a, 0, 0)
	put(b, 0, a.Cols)
	put(c, a.Rows, 0)
	put(d, a.Rows, a.Cols)
	return out, nil
}

type matchup struct {
	i, j int
}

// Compute returns the len(ref) x len(pop) payoff matrix.
func Compute(ctx context.Context, cfg Config, ref, pop [][]int64) (Matrix, error) {
	if err := cfg.Validate(); err != nil {
		return Matrix{}, err
	}

	m := NewMatrix(len(ref), len(pop))
	log := cfg.logger()
	log.Debug("computing payoff matrix", "rows", m.Rows, "cols", m.Cols, "workers", cfg.Workers)

	if cfg.Workers == 1 {
		for i := range ref {
			if err := ctx.Err(); err != nil {
				return Matrix{}, err
			}
			for j := range pop {
				m.Set(i, j, cfg.Reward(cfg.Runner, ref[i], pop[j]))
			}
		}
		return m, nil
	}

	jobs := make(chan matchup)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				// distinct cells, no lock needed
				m.Set(job.i, job.j, cfg.Reward(cfg.Runner, ref[job.i], pop[job.j]))
			}
		}()
	}

	var err error
dispatch:
	for i := range ref {
		for j := range pop {
			if err = ctx.Err(); err != nil {
				break dispatch
			}
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break dispatch
			case jobs <- matchup{i: i, j: j}:
			}
		}
	}
	close(jobs)
	wg.Wait()

	if err != nil {
		return Matrix{}, err
	}
	return m, nil
}
