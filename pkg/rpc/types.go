package rpc

import (
	"fmt"

	"github.com/fortiblox/subleq/internal/types"
	"github.com/fortiblox/subleq/pkg/subleq"
)

// RunRequest asks the server to execute one program.
type RunRequest struct {
	Program []int64 `json:"program"`
	Input   []int64 `json:"input,omitempty"`

	// Nil limits select the server defaults. Zero is a real cap.
	MaxOutputLength *uint64 `json:"max_output_length,omitempty"`
	MaxIterations   *uint64 `json:"max_iterations,omitempty"`
}

// NewRunRequest builds a request that carries both limits explicitly.
func NewRunRequest(program, input []int64, limits subleq.Limits) *RunRequest {
	return &RunRequest{
		Program:         program,
		Input:           input,
		MaxOutputLength: Limit(limits.MaxOutput),
		MaxIterations:   Limit(limits.MaxIterations),
	}
}

// Limit returns a pointer to v for use in a RunRequest.
func Limit(v uint64) *uint64 {
	return &v
}

// RunResponse is the outcome of a run.
type RunResponse struct {
	Output     []int64         `json:"output"`
	Memory     []int64         `json:"memory"`
	Status     string          `json:"status"`
	Code       int             `json:"code"`
	Fault      string          `json:"fault"`
	Halt       string          `json:"halt"`
	Iterations uint64          `json:"iterations"`
	IP         int64           `json:"ip"`
	ProgramID  types.ProgramID `json:"program_id"`
}

// LimitsRequest asks for the server's limits.
type LimitsRequest struct{}

// LimitsResponse reports the server's default and maximum limits.
type LimitsResponse struct {
	DefaultMaxOutputLength uint64 `json:"default_max_output_length"`
	DefaultMaxIterations   uint64 `json:"default_max_iterations"`
	MaxOutputLength        uint64 `json:"max_output_length"`
	MaxIterations          uint64 `json:"max_iterations"`
}

// NewRunResponse converts an engine result.
func NewRunResponse(id types.ProgramID, res subleq.Result) *RunResponse {
	output := res.Output
	if output == nil {
		output = []int64{}
	}
	memory := res.Memory
	if memory == nil {
		memory = []int64{}
	}
	return &RunResponse{
		Output:     output,
		Memory:     memory,
		Status:     res.Status.String(),
		Code:       res.Status.Code(),
		Fault:      res.Fault.String(),
		Halt:       res.Halt.String(),
		Iterations: res.Iterations,
		IP:         res.IP,
		ProgramID:  id,
	}
}

// Result converts the response back into an engine result.
func (r *RunResponse) Result() (subleq.Result, error) {
	status, ok := subleq.ParseStatus(r.Status)
	if !ok {
		return subleq.Result{}, fmt.Errorf("%w: status %q", ErrBadResponse, r.Status)
	}
	fault, ok := subleq.ParseFault(r.Fault)
	if !ok {
		return subleq.Result{}, fmt.Errorf("%w: fault %q", ErrBadResponse, r.Fault)
	}
	halt, ok := subleq.ParseHalt(r.Halt)
	if !ok {
		return subleq.Result{}, fmt.Errorf("%w: halt %q", ErrBadResponse, r.Halt)
	}
	return subleq.Result{
		Output:     r.Output,
		Memory:     r.Memory,
		Status:     status,
		Fault:      fault,
		Halt:       halt,
		Iterations: r.Iterations,
		IP:         r.IP,
	}, nil
}
