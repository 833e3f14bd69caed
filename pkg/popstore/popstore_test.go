package popstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/fortiblox/subleq/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	config := DefaultConfig(filepath.Join(t.TempDir(), "pop.db"))
	config.NoSync = true

	store, err := Open(config)
	if err != nil {
		t.Fatalf("failed to open popstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPopstore(t *testing.T) {
	store := openTestStore(t)

	a := []int64{0, 0, -1}
	b := []int64{-1, -1, 0}
	c := []int64{3, 4, 5, 6}

	var idA types.ProgramID
	t.Run("Put", func(t *testing.T) {
		var err error
		idA, err = store.Put(a)
		if err != nil {
			t.Fatalf("failed to put program: %v", err)
		}
		if idA != types.NewProgramID(a) {
			t.Errorf("Put() id = %s, want content hash", idA)
		}
		if _, err := store.Put(b); err != nil {
			t.Fatalf("failed to put program: %v", err)
		}
		if _, err := store.Put(c); err != nil {
			t.Fatalf("failed to put program: %v", err)
		}
		// duplicate keeps its first position
		if _, err := store.Put(a); err != nil {
			t.Fatalf("failed to re-put program: %v", err)
		}
		if store.Count() != 3 {
			t.Errorf("Count() = %d, want 3", store.Count())
		}
	})

	t.Run("Get", func(t *testing.T) {
		got, err := store.Get(idA)
		if err != nil {
			t.Fatalf("failed to get program: %v", err)
		}
		if !slices.Equal(got, a) {
			t.Errorf("Get() = %v, want %v", got, a)
		}
		if found, err := store.Has(idA); err != nil || !found {
			t.Errorf("Has() = %v, %v for stored program", found, err)
		}
		if _, err := store.Get(types.NewProgramID([]int64{42})); !errors.Is(err, ErrProgramNotFound) {
			t.Errorf("Get(missing) = %v, want ErrProgramNotFound", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		pop, err := store.Programs()
		if err != nil {
			t.Fatalf("failed to list programs: %v", err)
		}
		want := [][]int64{a, b, c}
		if len(pop) != len(want) {
			t.Fatalf("len = %d, want %d", len(pop), len(want))
		}
		for i := range want {
			if !slices.Equal(pop[i], want[i]) {
				t.Errorf("program %d = %v, want %v", i, pop[i], want[i])
			}
		}
	})

	t.Run("Score", func(t *testing.T) {
		if _, err := store.Score(idA); !errors.Is(err, ErrScoreNotFound) {
			t.Errorf("Score(unset) = %v, want ErrScoreNotFound", err)
		}
		if err := store.PutScore(idA, -17); err != nil {
			t.Fatalf("failed to put score: %v", err)
		}
		score, err := store.Score(idA)
		if err != nil {
			t.Fatalf("failed to get score: %v", err)
		}
		if score != -17 {
			t.Errorf("Score() = %d, want -17", score)
		}
		if err := store.PutScore(types.NewProgramID([]int64{1}), 1); !errors.Is(err, ErrProgramNotFound) {
			t.Errorf("PutScore(missing) = %v, want ErrProgramNotFound", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.Delete(idA); err != nil {
			t.Fatalf("failed to delete program: %v", err)
		}
		if found, err := store.Has(idA); err != nil || found {
			t.Errorf("Has() = %v, %v after delete", found, err)
		}
		if store.Count() != 2 {
			t.Errorf("Count() = %d, want 2", store.Count())
		}
		entries, err := store.List()
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(entries) != 2 || !slices.Equal(entries[0].Program, b) {
			t.Errorf("List() after delete = %+v", entries)
		}
		if err := store.Delete(idA); !errors.Is(err, ErrProgramNotFound) {
			t.Errorf("Delete(missing) = %v, want ErrProgramNotFound", err)
		}
	})
}

func TestSavePopulation(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Put([]int64{9, 9, 9}); err != nil {
		t.Fatalf("failed to put program: %v", err)
	}

	pop := [][]int64{{1, 2, 3}, {4, 5, 6}, {1, 2, 3}}
	if err := store.SavePopulation(pop); err != nil {
		t.Fatalf("SavePopulation() failed: %v", err)
	}
	if store.Count() != 3 {
		t.Errorf("Count() = %d, want 3", store.Count())
	}

	got, err := store.Programs()
	if err != nil {
		t.Fatalf("failed to list programs: %v", err)
	}
	if !slices.EqualFunc(got, pop, slices.Equal[[]int64]) {
		t.Errorf("Programs() = %v, want %v", got, pop)
	}

	// a repeated program leaves with all of its positions
	if err := store.Delete(types.NewProgramID(pop[0])); err != nil {
		t.Fatalf("failed to delete program: %v", err)
	}
	if store.Count() != 1 {
		t.Errorf("Count() after delete = %d, want 1", store.Count())
	}
	got, err = store.Programs()
	if err != nil {
		t.Fatalf("failed to list programs: %v", err)
	}
	if len(got) != 1 || !slices.Equal(got[0], pop[1]) {
		t.Errorf("Programs() after delete = %v", got)
	}
}

func TestSavePopulationReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pop.db")
	pop := [][]int64{{7, 7, -1}, {7, 7, -1}, {0, 0, -1}, {7, 7, -1}}

	store, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("failed to open popstore: %v", err)
	}
	if err := store.SavePopulation(pop); err != nil {
		t.Fatalf("SavePopulation() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	store, err = Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("failed to reopen popstore: %v", err)
	}
	defer store.Close()

	if store.Count() != uint64(len(pop)) {
		t.Errorf("Count() = %d, want %d", store.Count(), len(pop))
	}
	got, err := store.Programs()
	if err != nil {
		t.Fatalf("failed to list programs: %v", err)
	}
	if !slices.EqualFunc(got, pop, slices.Equal[[]int64]) {
		t.Errorf("Programs() = %v, want %v", got, pop)
	}
}

func TestHasClosed(t *testing.T) {
	store := openTestStore(t)
	id, err := store.Put([]int64{1})
	if err != nil {
		t.Fatalf("failed to put program: %v", err)
	}
	store.Close()

	if found, err := store.Has(id); !errors.Is(err, ErrClosed) || found {
		t.Errorf("Has() after close = %v, %v, want ErrClosed", found, err)
	}
}

func TestExportImport(t *testing.T) {
	src := openTestStore(t)
	pop := [][]int64{{0, 0, -1}, {5, -5, 5}, {-1, -1, 0, 7}}
	for _, p := range pop {
		if _, err := src.Put(p); err != nil {
			t.Fatalf("failed to put program: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := src.Export(&buf); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}

	dst := openTestStore(t)
	n, err := dst.Import(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if n != len(pop) {
		t.Errorf("Import() = %d, want %d", n, len(pop))
	}

	// importing again adds nothing
	n, err = dst.Import(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("second Import() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second Import() = %d, want 0", n)
	}

	got, err := dst.Programs()
	if err != nil {
		t.Fatalf("failed to list programs: %v", err)
	}
	for i := range pop {
		if !slices.Equal(got[i], pop[i]) {
			t.Errorf("program %d = %v, want %v", i, got[i], pop[i])
		}
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pop.db")

	store, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("failed to open popstore: %v", err)
	}
	if _, err := store.Put([]int64{1, 1, 1}); err != nil {
		t.Fatalf("failed to put program: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := store.Put([]int64{2}); !errors.Is(err, ErrClosed) {
		t.Errorf("Put() after close = %v, want ErrClosed", err)
	}

	store, err = Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("failed to reopen popstore: %v", err)
	}
	defer store.Close()
	if store.Count() != 1 {
		t.Errorf("Count() after reopen = %d, want 1", store.Count())
	}
}

func TestReadPopulationGarbage(t *testing.T) {
	if _, err := ReadPopulation(bytes.NewReader([]byte("not zstd"))); err == nil {
		t.Error("ReadPopulation(garbage) succeeded")
	}
}
