// Package runcache memoises subleq runs in BadgerDB.
//
// A run is fully determined by its limits, program and input, so results
// are keyed by a SHA3-256 digest of those three and reused across calls and
// across processes sharing the same database directory.
//
// Storage failures never fail a run: the result is computed directly and
// the failure is counted in Stats.
package runcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/subleq/internal/types"
	"github.com/fortiblox/subleq/pkg/subleq"
	"golang.org/x/crypto/sha3"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixResult is the prefix for cached results.
	// Key format: prefixResult + sha3-256 request digest (32 bytes)
	prefixResult = []byte{0x01}
)

var (
	// ErrClosed is returned when operating on a closed cache.
	ErrClosed = errors.New("runcache closed")

	// ErrCorruptEntry is returned when a cached value cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)

// Config contains configuration for the cache.
type Config struct {
	// Path is the directory path for the database.
	Path string `yaml:"path"`

	// InMemory runs the database in memory (for testing).
	InMemory bool `yaml:"in_memory"`

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool `yaml:"sync_writes"`

	// TTL expires entries after the given duration. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl"`

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64 `yaml:"value_log_file_size"`

	// Limits are the engine limits every cached run uses.
	Limits subleq.Limits `yaml:"-"`

	// Logger receives badger's internal messages. Nil discards them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		ValueLogFileSize: 64 << 20,
		Limits:           subleq.DefaultLimits(),
	}
}

// Stats are cache counters.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Failures uint64
}

// Cache is a subleq.Runner backed by BadgerDB. It is safe for concurrent use.
type Cache struct {
	db     *badger.DB
	engine subleq.Engine
	ttl    time.Duration
	log    *slog.Logger

	hits     atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64
	closed   atomic.Bool
}

// Open creates or opens a cache.
func Open(cfg Config) (*Cache, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{log})
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Cache{
		db:     db,
		engine: subleq.NewEngine(cfg.Limits),
		ttl:    cfg.TTL,
		log:    log,
	}, nil
}

// Limits returns the limits applied to every run.
func (c *Cache) Limits() subleq.Limits {
	return c.engine.Limits
}

// Run implements subleq.Runner.
func (c *Cache) Run(program, input []int64) subleq.Result {
	if c.closed.Load() {
		c.failures.Add(1)
		return c.engine.Run(program, input)
	}

	key := requestKey(c.engine.Limits, program, input)

	res, err := c.lookup(key)
	if err == nil {
		c.hits.Add(1)
		return res
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		c.failures.Add(1)
		c.log.Warn("run cache lookup failed", "error", err)
	}

	c.misses.Add(1)
	res = c.engine.Run(program, input)

	if err := c.store(key, &res); err != nil {
		c.failures.Add(1)
		c.log.Warn("run cache store failed", "error", err)
	}
	return res
}

func (c *Cache) lookup(key []byte) (subleq.Result, error) {
	var res subleq.Result
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			res, err = decodeResult(val)
			return err
		})
	})
	return res, err
}

func (c *Cache) store(key []byte, res *subleq.Result) error {
	entry := badger.NewEntry(key, encodeResult(res))
	if c.ttl > 0 {
		entry = entry.WithTTL(c.ttl)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Failures: c.failures.Load(),
	}
}

// Len counts cached results.
func (c *Cache) Len() (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixResult
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Purge removes every cached result.
func (c *Cache) Purge() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.db.DropPrefix(prefixResult)
}

// Close closes the cache.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.db.Close()
}

// requestKey digests the limits, program and input of a run.
func requestKey(limits subleq.Limits, program, input []int64) []byte {
	h := sha3.New256()
	var hdr [24]byte
	binary.LittleEndian.PutUint64(hdr[0:], limits.MaxOutput)
	binary.LittleEndian.PutUint64(hdr[8:], limits.MaxIterations)
	binary.LittleEndian.PutUint64(hdr[16:], uint64(len(program)))
	h.Write(hdr[:])
	h.Write(types.EncodeWords(program))
	h.Write(types.EncodeWords(input))

	key := make([]byte, 0, len(prefixResult)+32)
	key = append(key, prefixResult...)
	return h.Sum(key)
}

// Result encoding:
//
//	status u8 | fault u8 | halt u8 | iterations u64 | ip i64 |
//	len(output) u64 | output words | len(memory) u64 | memory words
const resultHeaderSize = 3 + 8 + 8

func encodeResult(res *subleq.Result) []byte {
	buf := make([]byte, 0, resultHeaderSize+16+8*(len(res.Output)+len(res.Memory)))
	buf = append(buf, byte(res.Status), byte(res.Fault), byte(res.Halt))
	buf = binary.LittleEndian.AppendUint64(buf, res.Iterations)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(res.IP))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(res.Output)))
	buf = types.AppendWords(buf, res.Output)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(res.Memory)))
	buf = types.AppendWords(buf, res.Memory)
	return buf
}

func decodeResult(data []byte) (subleq.Result, error) {
	var res subleq.Result
	if len(data) < resultHeaderSize {
		return res, fmt.Errorf("%w: short header", ErrCorruptEntry)
	}
	res.Status = subleq.Status(data[0])
	res.Fault = subleq.Fault(data[1])
	res.Halt = subleq.Halt(data[2])
	res.Iterations = binary.LittleEndian.Uint64(data[3:])
	res.IP = int64(binary.LittleEndian.Uint64(data[11:]))
	rest := data[resultHeaderSize:]

	var err error
	if res.Output, rest, err = decodeSection(rest); err != nil {
		return res, fmt.Errorf("%w: output: %v", ErrCorruptEntry, err)
	}
	if res.Memory, rest, err = decodeSection(rest); err != nil {
		return res, fmt.Errorf("%w: memory: %v", ErrCorruptEntry, err)
	}
	if len(rest) != 0 {
		return res, fmt.Errorf("%w: %d trailing bytes", ErrCorruptEntry, len(rest))
	}
	return res, nil
}

func decodeSection(data []byte) ([]int64, []byte, error) {
	if len(data) < 8 {
		return nil, nil, errors.New("missing length")
	}
	n := binary.LittleEndian.Uint64(data)
	data = data[8:]
	if n > uint64(len(data))/types.WordSize {
		return nil, nil, fmt.Errorf("length %d exceeds entry", n)
	}
	words, err := types.DecodeWords(data[:n*types.WordSize])
	if err != nil {
		return nil, nil, err
	}
	return words, data[n*types.WordSize:], nil
}

// badgerLogger routes badger's logging onto slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
