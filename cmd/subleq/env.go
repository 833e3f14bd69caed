package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fortiblox/subleq/pkg/arena"
	"github.com/fortiblox/subleq/pkg/config"
	"github.com/fortiblox/subleq/pkg/popstore"
	"github.com/fortiblox/subleq/pkg/reward"
	"github.com/fortiblox/subleq/pkg/rpc"
	"github.com/fortiblox/subleq/pkg/rpcpool"
	"github.com/fortiblox/subleq/pkg/runcache"
	"github.com/fortiblox/subleq/pkg/subleq"
	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// env holds what a command opened, closed in reverse order on exit.
type env struct {
	stdout io.Writer
	stderr io.Writer

	cfg     config.ExperimentConfig
	log     *slog.Logger
	remote  interface{ Err() error }
	closers []func() error
}

func (e *env) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && e.log != nil {
			e.log.Warn("close failed", "error", err)
		}
	}
	e.closers = nil
}

// commonFlags are accepted by every command that loads configuration.
type commonFlags struct {
	configPath string
	logLevel   string
	logFile    string
	journal    bool
	storePath  string
	remote     string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Experiment configuration file (YAML)")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&c.logFile, "log-file", "", "Also write JSON logs to this file")
	fs.BoolVar(&c.journal, "journal", false, "Also log to the systemd journal")
	fs.StringVar(&c.storePath, "store", "", "Population store path (overrides config)")
	fs.StringVar(&c.remote, "remote", "", "Run programs on these comma-separated engine servers (overrides config)")
}

// setup loads configuration and builds the logger.
func (e *env) setup(c *commonFlags) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFile != "" {
		cfg.Log.File = c.logFile
	}
	if c.journal {
		cfg.Log.Journal = true
	}
	if c.storePath != "" {
		cfg.Store.Path = c.storePath
	}
	if c.remote != "" {
		cfg.RPC.Remote = c.remote
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg

	log, closeLog, err := newLogger(cfg.Log, e.stderr)
	if err != nil {
		return err
	}
	e.log = log
	e.onClose(closeLog)
	return nil
}

// newLogger fans out to stderr text, an optional JSON file and the optional
// systemd journal.
func newLogger(lc config.LogConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{slog.NewTextHandler(stderr, opts)}
	closeFn := func() error { return nil }

	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closeFn = f.Close
	}

	if lc.Journal {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: level,
			ReplaceGroup: func(key string) string {
				return toJournalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			slog.New(handlers[0]).Warn("systemd journal unavailable", "error", err)
		} else {
			handlers = append(handlers, journal)
		}
	}

	return slog.New(slogmulti.Fanout(handlers...)), closeFn, nil
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

// runner builds the configured execution backend: a pool of remote engines,
// a single remote engine, a run cache, or a plain engine.
func (e *env) runner(ctx context.Context) (subleq.Runner, error) {
	limits := e.cfg.Subleq.Limits()

	targets := e.cfg.RPC.Targets()
	if len(targets) > 1 {
		pc := rpcpool.DefaultConfig()
		pc.Limits = limits
		pc.Logger = e.log
		pool, err := rpcpool.NewPool(pc)
		if err != nil {
			return nil, err
		}
		e.onClose(func() error {
			pool.Stop()
			return nil
		})
		for _, target := range targets {
			if err := pool.AddEndpoint(ctx, target); err != nil {
				return nil, err
			}
		}
		pool.Start(ctx)
		if pool.HealthyCount() == 0 {
			return nil, rpcpool.ErrNoHealthyEndpoints
		}
		e.log.Info("using engine pool", "targets", targets, "healthy", pool.HealthyCount())
		e.remote = pool
		return pool, nil
	}

	if len(targets) == 1 {
		client, err := rpc.Dial(ctx, targets[0], rpc.DefaultClientConfig())
		if err != nil {
			return nil, err
		}
		e.onClose(client.Close)
		e.log.Info("using remote engine", "target", targets[0])
		remote := &rpc.RemoteRunner{
			Client:  client,
			Limits:  limits,
			Timeout: time.Minute,
			Logger:  e.log,
		}
		e.remote = remote
		return remote, nil
	}

	if e.cfg.Cache.Enabled() {
		cc := runcache.DefaultConfig(e.cfg.Cache.Path)
		cc.InMemory = e.cfg.Cache.InMemory
		cc.Limits = limits
		cc.Logger = e.log
		cache, err := runcache.Open(cc)
		if err != nil {
			return nil, err
		}
		e.onClose(func() error {
			stats := cache.Stats()
			e.log.Info("run cache", "hits", stats.Hits, "misses", stats.Misses, "failures", stats.Failures)
			return cache.Close()
		})
		return cache, nil
	}

	return subleq.NewEngine(limits), nil
}

// finish returns the first remote run failure when err is nil.
func (e *env) finish(err error) error {
	if err == nil && e.remote != nil {
		if rerr := e.remote.Err(); rerr != nil {
			return fmt.Errorf("remote engine: %w", rerr)
		}
	}
	return err
}

// arena builds the experiment configuration.
func (e *env) arena(ctx context.Context) (arena.Config, error) {
	fn, err := reward.Lookup(e.cfg.Reward)
	if err != nil {
		return arena.Config{}, err
	}
	runner, err := e.runner(ctx)
	if err != nil {
		return arena.Config{}, err
	}
	return arena.Config{
		Runner:  runner,
		Reward:  fn,
		Workers: e.cfg.Workers(),
		Code:    e.cfg.Code,
		Logger:  e.log,
	}, nil
}

// store opens the population store.
func (e *env) store() (*popstore.Store, error) {
	store, err := popstore.Open(popstore.DefaultConfig(e.cfg.Store.Path))
	if err != nil {
		return nil, err
	}
	e.onClose(store.Close)
	return store, nil
}

// output opens path for writing, or returns stdout for "" and "-".
func (e *env) output(path string, appendMode bool) (io.Writer, error) {
	if path == "" || path == "-" {
		return e.stdout, nil
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	e.onClose(f.Close)
	return f, nil
}
