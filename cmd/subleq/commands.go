package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fortiblox/subleq/internal/types"
	"github.com/fortiblox/subleq/pkg/arena"
	"github.com/fortiblox/subleq/pkg/gen"
	"github.com/fortiblox/subleq/pkg/popstore"
	"github.com/fortiblox/subleq/pkg/rpc"
	"github.com/fortiblox/subleq/pkg/subleq"
)

var errUsage = errors.New("invalid arguments")

func newFlagSet(e *env, name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	common := &commonFlags{}
	common.register(fs)
	return fs, common
}

// parseWords decodes a JSON integer array. Empty text is an empty array.
func parseWords(text string) ([]int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	var words []int64
	if err := json.Unmarshal([]byte(text), &words); err != nil {
		return nil, fmt.Errorf("parse word array: %w", err)
	}
	return words, nil
}

func resolveSeed(e *env, seed uint64) uint64 {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	e.log.Info("random seed", "seed", seed)
	return seed
}

func runCommand(ctx context.Context, e *env, args []string) error {
	fs, common := newFlagSet(e, "run")
	programText := fs.String("program", "", "Program as a JSON integer array")
	programFile := fs.String("program-file", "", "Read the program from this file")
	inputText := fs.String("input", "", "Input as a JSON integer array")
	maxOutput := fs.Int64("max-output", -1, "Output cap (-1 = config)")
	maxIter := fs.Int64("max-iter", -1, "Iteration cap (-1 = config)")
	trace := fs.Bool("trace", false, "Log every executed instruction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.setup(common); err != nil {
		return err
	}

	if *programFile != "" {
		data, err := os.ReadFile(*programFile)
		if err != nil {
			return fmt.Errorf("read program: %w", err)
		}
		*programText = string(data)
	}
	program, err := parseWords(*programText)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}
	input, err := parseWords(*inputText)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}

	limits := e.cfg.Subleq.Limits()
	if *maxOutput >= 0 {
		limits.MaxOutput = uint64(*maxOutput)
	}
	if *maxIter >= 0 {
		limits.MaxIterations = uint64(*maxIter)
	}

	var resp *rpc.RunResponse
	if targets := e.cfg.RPC.Targets(); len(targets) > 0 {
		if *trace {
			return fmt.Errorf("%w: -trace needs local execution", errUsage)
		}
		client, err := rpc.Dial(ctx, targets[0], rpc.DefaultClientConfig())
		if err != nil {
			return err
		}
		e.onClose(client.Close)
		resp, err = client.Run(ctx, rpc.NewRunRequest(program, input, limits))
		if err != nil {
			return err
		}
	} else {
		interp := subleq.NewInterpreter(program, input, limits)
		if *trace {
			interp.SetTrace(func(ins subleq.Instruction, operand, value int64) {
				e.log.Info("step",
					"addr", ins.Addr,
					"a", ins.A,
					"b", ins.B,
					"c", ins.C,
					"operand", operand,
					"value", value,
				)
			})
		}
		resp = rpc.NewRunResponse(types.NewProgramID(program), interp.Run())
	}

	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func genCommand(_ context.Context, e *env, args []string) error {
	fs, common := newFlagSet(e, "gen")
	n := fs.Int("n", 100, "Number of programs")
	seed := fs.Uint64("seed", 0, "Random seed (0 = time based)")
	out := fs.String("out", "", "Write a .json.zst file instead of the store")
	replace := fs.Bool("replace", false, "Replace the stored population instead of adding to it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.setup(common); err != nil {
		return err
	}
	if *n < 0 {
		return fmt.Errorf("%w: negative -n", errUsage)
	}

	rng := gen.NewRand(resolveSeed(e, *seed))
	pop := gen.RandomPopulation(rng, *n, e.cfg.Code)

	if *out != "" {
		w, err := e.output(*out, false)
		if err != nil {
			return err
		}
		if err := popstore.WritePopulation(w, pop); err != nil {
			return err
		}
		e.log.Info("population written", "path", *out, "programs", len(pop))
		return nil
	}

	store, err := e.store()
	if err != nil {
		return err
	}
	if *replace {
		if err := store.SavePopulation(pop); err != nil {
			return err
		}
	} else {
		for _, program := range pop {
			if _, err := store.Put(program); err != nil {
				return err
			}
		}
	}
	e.log.Info("population stored", "path", e.cfg.Store.Path, "programs", store.Count())
	return nil
}

func baselineCommand(ctx context.Context, e *env, args []string) error {
	fs, common := newFlagSet(e, "baseline")
	nRef := fs.Int("n-ref", 1000, "Reference population size")
	nTested := fs.Int("n-tested", 1000, "Number of random programs to score")
	seed := fs.Uint64("seed", 0, "Random seed (0 = time based)")
	out := fs.String("out", "", "Append scores to this file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.setup(common); err != nil {
		return err
	}

	acfg, err := e.arena(ctx)
	if err != nil {
		return err
	}
	w, err := e.output(*out, true)
	if err != nil {
		return err
	}

	rng := gen.NewRand(resolveSeed(e, *seed))
	start := time.Now()
	err = arena.RandomBaseline(ctx, acfg, rng, *nRef, *nTested, w)
	if err = e.finish(err); err != nil {
		return err
	}
	e.log.Info("baseline complete", "tested", *nTested, "elapsed", time.Since(start))
	return nil
}

func skimmedCommand(ctx context.Context, e *env, args []string) error {
	fs, common := newFlagSet(e, "skimmed")
	defaults := arena.DefaultSkimOptions()
	batch := fs.Int("batch", defaults.Batch, "Random programs added per generation")
	generations := fs.Int("generations", defaults.Generations, "Number of generations")
	skims := fs.Int("skims", defaults.Skims, "Dominance eliminations per generation")
	accepted := fs.Int("accepted", defaults.Accepted, "Stop skimming below this population (0 = never)")
	seed := fs.Uint64("seed", 0, "Random seed (0 = time based)")
	sizes := fs.String("sizes", "", "Append the population size per generation to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.setup(common); err != nil {
		return err
	}

	acfg, err := e.arena(ctx)
	if err != nil {
		return err
	}
	store, err := e.store()
	if err != nil {
		return err
	}

	opts := arena.SkimOptions{
		Batch:       *batch,
		Generations: *generations,
		Skims:       *skims,
		Accepted:    *accepted,
	}
	if *sizes != "" {
		if opts.Log, err = e.output(*sizes, true); err != nil {
			return err
		}
	}

	rng := gen.NewRand(resolveSeed(e, *seed))
	pop, err := arena.RandomSkimmed(ctx, acfg, rng, opts, store)
	if err = e.finish(err); err != nil {
		return err
	}
	e.log.Info("skimmed complete", "population", len(pop), "store", e.cfg.Store.Path)
	return nil
}

func homoiconicCommand(ctx context.Context, e *env, args []string) error {
	fs, common := newFlagSet(e, "homoiconic")
	popFile := fs.String("pop", "", "Read the population from this .json.zst file instead of the store")
	out := fs.String("out", "", "Append records to this file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.setup(common); err != nil {
		return err
	}

	var pop [][]int64
	if *popFile != "" {
		f, err := os.Open(*popFile)
		if err != nil {
			return fmt.Errorf("open population: %w", err)
		}
		e.onClose(f.Close)
		if pop, err = popstore.ReadPopulation(f); err != nil {
			return err
		}
	} else {
		store, err := e.store()
		if err != nil {
			return err
		}
		if pop, err = store.Programs(); err != nil {
			return err
		}
	}

	acfg, err := e.arena(ctx)
	if err != nil {
		return err
	}
	w, err := e.output(*out, true)
	if err != nil {
		return err
	}

	e.log.Info("homoiconic start", "population", len(pop), "pairs", len(pop)*len(pop))
	return e.finish(arena.Homoiconic(ctx, acfg, pop, w))
}

func serveCommand(ctx context.Context, e *env, args []string) error {
	fs, common := newFlagSet(e, "serve")
	addr := fs.String("addr", "", "Listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.setup(common); err != nil {
		return err
	}
	if len(e.cfg.RPC.Targets()) > 0 {
		return fmt.Errorf("%w: serve cannot forward to a remote engine", errUsage)
	}

	runner, err := e.runner(ctx)
	if err != nil {
		return err
	}

	rcfg := rpc.DefaultConfig()
	rcfg.Addr = e.cfg.RPC.Addr
	if *addr != "" {
		rcfg.Addr = *addr
	}
	rcfg.Defaults = e.cfg.Subleq.Limits()
	rcfg.Max = subleq.Limits{MaxOutput: e.cfg.RPC.MaxOutputLength, MaxIterations: e.cfg.RPC.MaxIter}
	rcfg.Runner = runner
	rcfg.Logger = e.log

	srv, err := rpc.NewServer(rcfg)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

func exportCommand(_ context.Context, e *env, args []string) error {
	fs, common := newFlagSet(e, "export")
	out := fs.String("out", "", "Destination .json.zst file (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.setup(common); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("%w: -out is required", errUsage)
	}

	store, err := e.store()
	if err != nil {
		return err
	}
	w, err := e.output(*out, false)
	if err != nil {
		return err
	}
	if err := store.Export(w); err != nil {
		return err
	}
	e.log.Info("population exported", "path", *out, "programs", store.Count())
	return nil
}

func importCommand(_ context.Context, e *env, args []string) error {
	fs, common := newFlagSet(e, "import")
	in := fs.String("in", "", "Source .json.zst file (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := e.setup(common); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("%w: -in is required", errUsage)
	}

	f, err := os.Open(*in)
	if err != nil {
		return fmt.Errorf("open population: %w", err)
	}
	e.onClose(f.Close)

	store, err := e.store()
	if err != nil {
		return err
	}
	added, err := store.Import(f)
	if err != nil {
		return err
	}
	e.log.Info("population imported", "path", *in, "added", added, "programs", store.Count())
	return nil
}
