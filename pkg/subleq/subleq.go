// Package subleq implements a bounded interpreter for the one-instruction
// "subtract and branch if less than or equal to zero" machine.
//
// Code and data share a single memory image. Every instruction is three
// consecutive words (a, b, c) read at the instruction pointer:
//
//	mem[b] -= mem[a]; if mem[b] <= 0 { ip = c } else { ip += 3 }
//
// A negative a reads the next input word (zero once input is exhausted), a
// negative b emits 0 - operand to the output instead of writing memory, and a
// negative c halts. Execution is bounded by two caps, the number of output
// words and the number of attempted iterations, both checked before the
// action they would permit.
//
// Every run copies the program, so callers' buffers are never mutated, and
// the result carries an independently allocated output and final memory
// image even when the run faults.
package subleq

import (
	"errors"
	"slices"
)

// Default resource caps.
const (
	DefaultMaxOutput     = uint64(10_000)
	DefaultMaxIterations = uint64(1_000_000)
)

// InstructionSize is the number of words in one instruction.
const InstructionSize = 3

// Fault errors.
var (
	// ErrSourceOutOfBounds is reported when a non-negative a is not a valid address.
	ErrSourceOutOfBounds = errors.New("source address out of bounds")

	// ErrDestinationOutOfBounds is reported when a non-negative b is not a valid address.
	ErrDestinationOutOfBounds = errors.New("destination address out of bounds")

	// ErrOutputExhausted is reported when a write is attempted with a full output.
	ErrOutputExhausted = errors.New("output capacity exhausted")

	// ErrIterationsExhausted is reported when the iteration cap is reached.
	ErrIterationsExhausted = errors.New("iteration limit exhausted")
)

// Status is the two-valued outcome of a run.
type Status uint8

const (
	StatusCompleted Status = iota
	StatusFaulted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Code returns the integer status used by host bindings: 0 or -1.
func (s Status) Code() int {
	if s == StatusFaulted {
		return -1
	}
	return 0
}

// Fault identifies why a faulted run stopped.
type Fault uint8

const (
	FaultNone Fault = iota
	FaultSourceOutOfBounds
	FaultDestinationOutOfBounds
	FaultOutputExhausted
	FaultIterationsExhausted
)

var faultNames = [...]string{
	FaultNone:                   "none",
	FaultSourceOutOfBounds:      "source_out_of_bounds",
	FaultDestinationOutOfBounds: "destination_out_of_bounds",
	FaultOutputExhausted:        "output_exhausted",
	FaultIterationsExhausted:    "iterations_exhausted",
}

// String returns the fault name.
func (f Fault) String() string {
	if int(f) < len(faultNames) {
		return faultNames[f]
	}
	return "unknown"
}

// Err returns the sentinel error for the fault, or nil for FaultNone.
func (f Fault) Err() error {
	switch f {
	case FaultSourceOutOfBounds:
		return ErrSourceOutOfBounds
	case FaultDestinationOutOfBounds:
		return ErrDestinationOutOfBounds
	case FaultOutputExhausted:
		return ErrOutputExhausted
	case FaultIterationsExhausted:
		return ErrIterationsExhausted
	default:
		return nil
	}
}

// Halt identifies how a completed run stopped.
type Halt uint8

const (
	HaltNone     Halt = iota // the run faulted
	HaltEnd                  // ip ran past the end of memory
	HaltFragment             // fewer than three words remained at ip
	HaltMarker               // the instruction at ip had a negative c
)

var haltNames = [...]string{
	HaltNone:     "none",
	HaltEnd:      "end",
	HaltFragment: "fragment",
	HaltMarker:   "marker",
}

// String returns the halt name.
func (h Halt) String() string {
	if int(h) < len(haltNames) {
		return haltNames[h]
	}
	return "unknown"
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "completed":
		return StatusCompleted, true
	case "faulted":
		return StatusFaulted, true
	}
	return 0, false
}

// ParseFault is the inverse of Fault.String.
func ParseFault(s string) (Fault, bool) {
	for f, name := range faultNames {
		if name == s {
			return Fault(f), true
		}
	}
	return FaultNone, false
}

// ParseHalt is the inverse of Halt.String.
func ParseHalt(s string) (Halt, bool) {
	for h, name := range haltNames {
		if name == s {
			return Halt(h), true
		}
	}
	return HaltNone, false
}

// Limits are the resource caps of a run. Zero is a legal value for both.
type Limits struct {
	// MaxOutput is the maximum number of words the run may emit.
	MaxOutput uint64

	// MaxIterations is the maximum number of instructions the run may attempt.
	MaxIterations uint64
}

// DefaultLimits returns the default resource caps.
func DefaultLimits() Limits {
	return Limits{
		MaxOutput:     DefaultMaxOutput,
		MaxIterations: DefaultMaxIterations,
	}
}

// Result is the outcome of a run. Output and Memory are owned by the caller.
type Result struct {
	Output []int64
	Memory []int64
	Status Status
	Fault  Fault
	Halt   Halt

	// Iterations is the number of instructions attempted.
	Iterations uint64

	// IP is the instruction pointer at the moment execution stopped.
	IP int64
}

// Err returns the fault as an error, or nil when the run completed.
func (r *Result) Err() error {
	return r.Fault.Err()
}

// Runner executes a program against an input stream.
type Runner interface {
	Run(program, input []int64) Result
}

// Engine is a Runner with fixed limits. The zero value runs nothing; use
// NewEngine or set Limits.
type Engine struct {
	Limits Limits
}

// NewEngine creates an engine with the given limits.
func NewEngine(limits Limits) Engine {
	return Engine{Limits: limits}
}

// Run implements Runner.
func (e Engine) Run(program, input []int64) Result {
	return Run(program, input, e.Limits)
}

// Run executes program against input until it halts or faults.
func Run(program, input []int64, limits Limits) Result {
	return NewInterpreter(program, input, limits).Run()
}

// snapshot builds a caller-owned result from interpreter state.
func (ip *Interpreter) snapshot() Result {
	return Result{
		Output:     ip.output.Values(),
		Memory:     slices.Clone(ip.mem),
		Status:     ip.status,
		Fault:      ip.fault,
		Halt:       ip.halt,
		Iterations: ip.meter.Used(),
		IP:         ip.ip,
	}
}
