// Package popstore provides persistent storage for program populations.
//
// Programs are content addressed by types.ProgramID and kept in insertion
// order, so a population read back with List or Programs has the same order
// it was written in. Put stores a program once and keeps its first position;
// SavePopulation keeps every position, repeated programs included.
package popstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fortiblox/subleq/internal/types"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrProgramNotFound is returned when a program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrScoreNotFound is returned when no score was recorded for a program.
	ErrScoreNotFound = errors.New("score not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("popstore closed")
)

// Bucket names for BoltDB.
var (
	// bucketPrograms stores encoded program words keyed by program ID.
	bucketPrograms = []byte("programs")

	// bucketOrder maps a population position to a program ID. One program
	// may occupy several positions.
	bucketOrder = []byte("order")

	// bucketScores stores the latest score per program ID.
	bucketScores = []byte("scores")

	// bucketMetadata stores store metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyProgramCount = []byte("program_count")
)

// Config holds popstore configuration options.
type Config struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool `yaml:"no_sync"`

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool `yaml:"read_only"`

	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default popstore configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Entry is one stored program.
type Entry struct {
	ID      types.ProgramID
	Program []int64
}

// Store implements population storage using BoltDB.
type Store struct {
	db     *bolt.DB
	config Config

	mu     sync.RWMutex
	count  uint64
	closed bool
}

// Open creates or opens a store at the configured path.
func Open(config Config) (*Store, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, config: config}

	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	if err := s.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}

	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrograms, bucketOrder, bucketScores, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keyProgramCount); v != nil {
			s.count = decodeUint64(v)
		}
		return nil
	})
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores a program and returns its ID. Storing an existing program is
// a no-op.
func (s *Store) Put(program []int64) (types.ProgramID, error) {
	if err := s.checkOpen(); err != nil {
		return types.ProgramID{}, err
	}

	id := types.NewProgramID(program)
	var added bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		added, err = putProgram(tx, id, program)
		return err
	})
	if err != nil {
		return id, err
	}
	if added {
		s.mu.Lock()
		s.count++
		s.mu.Unlock()
	}
	return id, nil
}

// putProgram inserts program into the open transaction. It reports whether
// the program was new.
func putProgram(tx *bolt.Tx, id types.ProgramID, program []int64) (bool, error) {
	programs := tx.Bucket(bucketPrograms)
	if programs.Get(id[:]) != nil {
		return false, nil
	}
	if err := programs.Put(id[:], types.EncodeWords(program)); err != nil {
		return false, err
	}

	if err := appendPosition(tx, id); err != nil {
		return false, err
	}
	meta := tx.Bucket(bucketMetadata)
	count := decodeUint64(meta.Get(keyProgramCount)) + 1
	if err := meta.Put(keyProgramCount, encodeUint64(count)); err != nil {
		return false, err
	}
	return true, nil
}

// appendPosition adds id at the end of the population order.
func appendPosition(tx *bolt.Tx, id types.ProgramID) error {
	order := tx.Bucket(bucketOrder)
	seq, err := order.NextSequence()
	if err != nil {
		return err
	}
	return order.Put(encodeUint64(seq), id[:])
}

// Get retrieves a program by ID.
func (s *Store) Get(id types.ProgramID) ([]int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var program []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPrograms).Get(id[:])
		if data == nil {
			return ErrProgramNotFound
		}
		var err error
		program, err = types.DecodeWords(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return program, nil
}

// Has reports whether a program is stored.
func (s *Store) Has(id types.ProgramID) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketPrograms).Get(id[:]) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return found, nil
}

// Delete removes a program, every position it occupies and its score.
func (s *Store) Delete(id types.ProgramID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var removed uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		if programs.Get(id[:]) == nil {
			return ErrProgramNotFound
		}
		if err := programs.Delete(id[:]); err != nil {
			return err
		}
		if err := tx.Bucket(bucketScores).Delete(id[:]); err != nil {
			return err
		}

		order := tx.Bucket(bucketOrder)
		var positions [][]byte
		if err := order.ForEach(func(k, v []byte) error {
			if bytes.Equal(v, id[:]) {
				positions = append(positions, slices.Clone(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range positions {
			if err := order.Delete(k); err != nil {
				return err
			}
		}
		removed = uint64(len(positions))

		meta := tx.Bucket(bucketMetadata)
		count := decodeUint64(meta.Get(keyProgramCount))
		return meta.Put(keyProgramCount, encodeUint64(count-min(count, removed)))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.count -= min(s.count, removed)
	s.mu.Unlock()
	return nil
}

// List returns the population in order, one entry per position.
func (s *Store) List() ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		return tx.Bucket(bucketOrder).ForEach(func(_, v []byte) error {
			id, err := types.ProgramIDFromBytes(v)
			if err != nil {
				return err
			}
			data := programs.Get(v)
			if data == nil {
				return fmt.Errorf("%w: order index references %s", ErrProgramNotFound, id)
			}
			program, err := types.DecodeWords(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			entries = append(entries, Entry{ID: id, Program: program})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Programs returns the population in order, one program per position.
func (s *Store) Programs() ([][]int64, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	pop := make([][]int64, len(entries))
	for i, e := range entries {
		pop[i] = e.Program
	}
	return pop, nil
}

// Count returns the number of population positions.
func (s *Store) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// PutScore records the score of a stored program.
func (s *Store) PutScore(id types.ProgramID, score int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPrograms).Get(id[:]) == nil {
			return ErrProgramNotFound
		}
		return tx.Bucket(bucketScores).Put(id[:], encodeUint64(uint64(score)))
	})
}

// Score returns the recorded score of a program.
func (s *Store) Score(id types.ProgramID) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var score int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketScores).Get(id[:])
		if v == nil {
			return ErrScoreNotFound
		}
		score = int64(decodeUint64(v))
		return nil
	})
	return score, err
}

// SavePopulation replaces the stored population with pop. Every position is
// kept, so Programs returns pop unchanged even when it repeats a program.
// Scores of the previous population are discarded.
func (s *Store) SavePopulation(pop [][]int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var count uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrograms, bucketOrder, bucketScores, bucketMetadata} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("clear bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		programs := tx.Bucket(bucketPrograms)
		for _, program := range pop {
			id := types.NewProgramID(program)
			if programs.Get(id[:]) == nil {
				if err := programs.Put(id[:], types.EncodeWords(program)); err != nil {
					return err
				}
			}
			if err := appendPosition(tx, id); err != nil {
				return err
			}
			count++
		}
		return tx.Bucket(bucketMetadata).Put(keyProgramCount, encodeUint64(count))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.count = count
	s.mu.Unlock()
	return nil
}

// Export writes every program, in order, as a zstd-compressed JSON array.
func (s *Store) Export(w io.Writer) error {
	pop, err := s.Programs()
	if err != nil {
		return err
	}
	return WritePopulation(w, pop)
}

// Import reads a population written by Export and stores every program.
// It returns the number of programs that were new.
func (s *Store) Import(r io.Reader) (int, error) {
	pop, err := ReadPopulation(r)
	if err != nil {
		return 0, err
	}
	before := s.Count()
	for _, program := range pop {
		if _, err := s.Put(program); err != nil {
			return int(s.Count() - before), err
		}
	}
	return int(s.Count() - before), nil
}

// WritePopulation encodes pop as a zstd-compressed JSON array of programs.
func WritePopulation(w io.Writer, pop [][]int64) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if pop == nil {
		pop = [][]int64{}
	}
	if err := json.NewEncoder(enc).Encode(pop); err != nil {
		enc.Close()
		return fmt.Errorf("encode population: %w", err)
	}
	return enc.Close()
}

// ReadPopulation decodes a population written by WritePopulation.
func ReadPopulation(r io.Reader) ([][]int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	var pop [][]int64
	if err := json.NewDecoder(dec).Decode(&pop); err != nil {
		return nil, fmt.Errorf("decode population: %w", err)
	}
	return pop, nil
}

// Sync forces a sync of the database to disk.
func (s *Store) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
