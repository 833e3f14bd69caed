package subleq

import "slices"

// Instruction is one decoded instruction together with its address.
type Instruction struct {
	Addr    int64
	A, B, C int64
}

// TraceFunc observes each instruction after it executes. operand is the
// resolved source value and value is the word written to memory or output.
type TraceFunc func(ins Instruction, operand, value int64)

// Interpreter executes a single program image. It is not safe for
// concurrent use; create one per run.
type Interpreter struct {
	mem    []int64
	input  *InputTape
	output *OutputTape
	meter  *IterationMeter
	trace  TraceFunc

	ip     int64
	status Status
	fault  Fault
	halt   Halt
	done   bool
}

// NewInterpreter copies program into a fresh memory image.
func NewInterpreter(program, input []int64, limits Limits) *Interpreter {
	mem := slices.Clone(program)
	if mem == nil {
		mem = []int64{}
	}
	return &Interpreter{
		mem:    mem,
		input:  NewInputTape(input),
		output: NewOutputTape(limits.MaxOutput),
		meter:  NewIterationMeter(limits.MaxIterations),
	}
}

// SetTrace installs fn as the instruction observer. Pass nil to remove it.
func (ip *Interpreter) SetTrace(fn TraceFunc) {
	ip.trace = fn
}

// Done reports whether execution has stopped.
func (ip *Interpreter) Done() bool {
	return ip.done
}

// Run steps until the program halts or faults and returns the result.
func (ip *Interpreter) Run() Result {
	for ip.Step() {
	}
	return ip.snapshot()
}

// Result returns a snapshot of the current state. It may be called before
// the run finishes, in which case Status reports the state so far.
func (ip *Interpreter) Result() Result {
	return ip.snapshot()
}

// Step executes one instruction. It returns false once execution has
// stopped, and keeps returning false afterwards.
func (ip *Interpreter) Step() bool {
	if ip.done {
		return false
	}

	n := int64(len(ip.mem))
	if ip.ip >= n {
		return ip.complete(HaltEnd)
	}
	if err := ip.meter.Consume(); err != nil {
		return ip.stop(FaultIterationsExhausted)
	}
	if ip.ip+2 >= n {
		return ip.complete(HaltFragment)
	}

	ins := Instruction{
		Addr: ip.ip,
		A:    ip.mem[ip.ip],
		B:    ip.mem[ip.ip+1],
		C:    ip.mem[ip.ip+2],
	}
	if ins.C < 0 {
		return ip.complete(HaltMarker)
	}

	var operand int64
	if ins.A < 0 {
		operand = ip.input.Next()
	} else {
		if ins.A >= n {
			return ip.stop(FaultSourceOutOfBounds)
		}
		operand = ip.mem[ins.A]
	}

	var value int64
	if ins.B < 0 {
		value = 0 - operand
		if err := ip.output.Append(value); err != nil {
			return ip.stop(FaultOutputExhausted)
		}
	} else {
		if ins.B >= n {
			return ip.stop(FaultDestinationOutOfBounds)
		}
		ip.mem[ins.B] -= operand
		value = ip.mem[ins.B]
	}

	if ip.trace != nil {
		ip.trace(ins, operand, value)
	}

	if value <= 0 {
		ip.ip = ins.C
	} else {
		ip.ip += InstructionSize
	}
	return true
}

func (ip *Interpreter) complete(h Halt) bool {
	ip.status = StatusCompleted
	ip.halt = h
	ip.done = true
	return false
}

func (ip *Interpreter) stop(f Fault) bool {
	ip.status = StatusFaulted
	ip.fault = f
	ip.done = true
	return false
}
