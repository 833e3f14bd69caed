package subleq

import "slices"

// IterationMeter counts attempted instructions against a fixed cap.
type IterationMeter struct {
	used  uint64
	limit uint64
}

// NewIterationMeter creates a meter allowing limit iterations.
func NewIterationMeter(limit uint64) *IterationMeter {
	return &IterationMeter{limit: limit}
}

// Consume records one attempted iteration.
// Returns ErrIterationsExhausted, without recording, if the cap was reached.
func (m *IterationMeter) Consume() error {
	if m.used >= m.limit {
		return ErrIterationsExhausted
	}
	m.used++
	return nil
}

// Used returns the number of iterations consumed.
func (m *IterationMeter) Used() uint64 {
	return m.used
}

// Remaining returns the number of iterations left.
func (m *IterationMeter) Remaining() uint64 {
	return m.limit - m.used
}

// Limit returns the iteration cap.
func (m *IterationMeter) Limit() uint64 {
	return m.limit
}

// InputTape is a read-once input stream. Reads past the end yield zero.
type InputTape struct {
	words []int64
	pos   int
}

// NewInputTape wraps words without copying; the tape never writes to them.
func NewInputTape(words []int64) *InputTape {
	return &InputTape{words: words}
}

// Next returns the next input word, or 0 once the tape is exhausted.
func (t *InputTape) Next() int64 {
	if t.pos >= len(t.words) {
		return 0
	}
	w := t.words[t.pos]
	t.pos++
	return w
}

// Consumed returns how many words have been read.
func (t *InputTape) Consumed() int {
	return t.pos
}

// OutputTape is an append-only output stream with a fixed capacity.
type OutputTape struct {
	words    []int64
	capacity uint64
}

// outputPrealloc bounds the initial allocation for large capacities.
const outputPrealloc = 1024

// NewOutputTape creates a tape that accepts at most capacity words.
func NewOutputTape(capacity uint64) *OutputTape {
	return &OutputTape{
		words:    make([]int64, 0, min(capacity, outputPrealloc)),
		capacity: capacity,
	}
}

// Append adds w to the tape.
// Returns ErrOutputExhausted, without appending, if the tape is full.
func (t *OutputTape) Append(w int64) error {
	if uint64(len(t.words)) >= t.capacity {
		return ErrOutputExhausted
	}
	t.words = append(t.words, w)
	return nil
}

// Len returns the number of words written.
func (t *OutputTape) Len() int {
	return len(t.words)
}

// Values returns an exactly sized copy of the written words.
func (t *OutputTape) Values() []int64 {
	return slices.Clip(slices.Clone(t.words))
}
