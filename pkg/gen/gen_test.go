package gen

import (
	"errors"
	"slices"
	"testing"
)

func TestRandomProgramBounds(t *testing.T) {
	cfg := CodeConfig{Length: 2000, MinValue: -3, MaxValue: 4}
	program := RandomProgram(NewRand(1), cfg)

	if len(program) != cfg.Length {
		t.Fatalf("len = %d, want %d", len(program), cfg.Length)
	}
	seen := make(map[int64]bool)
	for _, w := range program {
		if w < cfg.MinValue || w > cfg.MaxValue {
			t.Fatalf("word %d outside [%d, %d]", w, cfg.MinValue, cfg.MaxValue)
		}
		seen[w] = true
	}
	// 2000 draws over 8 values should hit both ends
	if !seen[cfg.MinValue] || !seen[cfg.MaxValue] {
		t.Errorf("bounds not reached: %v", seen)
	}
}

func TestRandomPopulationDeterministic(t *testing.T) {
	cfg := CodeConfig{Length: 30, MinValue: -10, MaxValue: 10}

	a := RandomPopulation(NewRand(42), 5, cfg)
	b := RandomPopulation(NewRand(42), 5, cfg)
	c := RandomPopulation(NewRand(43), 5, cfg)

	if len(a) != 5 {
		t.Fatalf("len = %d, want 5", len(a))
	}
	for i := range a {
		if !slices.Equal(a[i], b[i]) {
			t.Errorf("program %d differs for the same seed", i)
		}
	}
	if slices.Equal(a[0], c[0]) {
		t.Error("different seeds produced the same program")
	}
}

func TestRandomProgramSingleValue(t *testing.T) {
	program := RandomProgram(NewRand(7), CodeConfig{Length: 4, MinValue: 9, MaxValue: 9})
	if !slices.Equal(program, []int64{9, 9, 9, 9}) {
		t.Errorf("program = %v, want all 9", program)
	}
}

func TestCodeConfigValidate(t *testing.T) {
	if err := DefaultCodeConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := (CodeConfig{Length: 1, MinValue: 2, MaxValue: 1}).Validate(); !errors.Is(err, ErrInvalidCodeConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidCodeConfig", err)
	}
	if err := (CodeConfig{Length: -1}).Validate(); !errors.Is(err, ErrInvalidCodeConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidCodeConfig", err)
	}
}
