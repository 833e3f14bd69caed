package rpc

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortiblox/subleq/internal/types"
	"github.com/fortiblox/subleq/pkg/subleq"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var emitOne = []int64{-1, -1, 3, 0, 0, -1}

// startServer serves config on an in-memory listener and returns a client.
func startServer(t *testing.T, config Config) *Client {
	t.Helper()

	srv, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cc := DefaultClientConfig()
	cc.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := Dial(context.Background(), "passthrough:///bufnet", cc)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testConfig() Config {
	config := DefaultConfig()
	config.Defaults = subleq.Limits{MaxOutput: 10, MaxIterations: 100}
	config.Max = subleq.Limits{MaxOutput: 100, MaxIterations: 1000}
	return config
}

func TestRun(t *testing.T) {
	client := startServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Run(ctx, &RunRequest{Program: emitOne, Input: []int64{4}})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := subleq.Run(emitOne, []int64{4}, subleq.Limits{MaxOutput: 10, MaxIterations: 100})
	if !slices.Equal(resp.Output, want.Output) || !slices.Equal(resp.Memory, want.Memory) {
		t.Errorf("Run() output/memory = %v/%v, want %v/%v", resp.Output, resp.Memory, want.Output, want.Memory)
	}
	if resp.Status != "completed" || resp.Code != 0 || resp.Halt != "marker" {
		t.Errorf("Run() = %+v", resp)
	}
	if resp.ProgramID != types.NewProgramID(emitOne) {
		t.Errorf("ProgramID = %s, want %s", resp.ProgramID, types.NewProgramID(emitOne))
	}

	res, err := resp.Result()
	if err != nil {
		t.Fatalf("Result() failed: %v", err)
	}
	if res.Status != want.Status || res.Halt != want.Halt || res.Iterations != want.Iterations {
		t.Errorf("Result() = %+v, want %+v", res, want)
	}
}

func TestRunRequestLimits(t *testing.T) {
	client := startServer(t, testConfig())
	ctx := context.Background()

	// infinite loop hits the requested cap
	resp, err := client.Run(ctx, &RunRequest{Program: []int64{0, 0, 0}, MaxIterations: Limit(7)})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if resp.Fault != "iterations_exhausted" || resp.Iterations != 7 || resp.Code != -1 {
		t.Errorf("Run() = %+v, want iterations_exhausted after 7", resp)
	}

	_, err = client.Run(ctx, &RunRequest{Program: emitOne, MaxIterations: Limit(1001)})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Run(over cap) = %v, want InvalidArgument", err)
	}
	_, err = client.Run(ctx, &RunRequest{Program: emitOne, MaxOutputLength: Limit(101)})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Run(over cap) = %v, want InvalidArgument", err)
	}
}

func TestRunEmptyProgram(t *testing.T) {
	client := startServer(t, testConfig())

	resp, err := client.Run(context.Background(), &RunRequest{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if resp.Output == nil || resp.Memory == nil || len(resp.Output) != 0 || len(resp.Memory) != 0 {
		t.Errorf("Run(empty) = %+v, want empty output and memory", resp)
	}
	if resp.Halt != "end" {
		t.Errorf("Halt = %q, want end", resp.Halt)
	}
}

func TestLimits(t *testing.T) {
	client := startServer(t, testConfig())

	resp, err := client.Limits(context.Background())
	if err != nil {
		t.Fatalf("Limits() failed: %v", err)
	}
	if resp.DefaultMaxOutputLength != 10 || resp.DefaultMaxIterations != 100 ||
		resp.MaxOutputLength != 100 || resp.MaxIterations != 1000 {
		t.Errorf("Limits() = %+v", resp)
	}
}

type countingRunner struct {
	calls atomic.Int32
}

func (r *countingRunner) Run(program, input []int64) subleq.Result {
	r.calls.Add(1)
	return subleq.Run(program, input, subleq.Limits{MaxOutput: 10, MaxIterations: 100})
}

func TestDefaultLimitsUseRunner(t *testing.T) {
	runner := &countingRunner{}
	config := testConfig()
	config.Runner = runner
	client := startServer(t, config)
	ctx := context.Background()

	if _, err := client.Run(ctx, &RunRequest{Program: emitOne}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	// explicit limits equal to the defaults still use the runner
	if _, err := client.Run(ctx, &RunRequest{Program: emitOne, MaxOutputLength: Limit(10)}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if _, err := client.Run(ctx, &RunRequest{Program: emitOne, MaxOutputLength: Limit(3)}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if n := runner.calls.Load(); n != 2 {
		t.Errorf("runner calls = %d, want 2", n)
	}
}

func TestRemoteRunner(t *testing.T) {
	client := startServer(t, testConfig())
	runner := &RemoteRunner{
		Client:  client,
		Limits:  subleq.Limits{MaxOutput: 10, MaxIterations: 100},
		Timeout: 5 * time.Second,
	}

	var _ subleq.Runner = runner

	got := runner.Run(emitOne, []int64{9})
	want := subleq.Run(emitOne, []int64{9}, subleq.Limits{MaxOutput: 10, MaxIterations: 100})
	if !slices.Equal(got.Output, want.Output) || got.Status != want.Status {
		t.Errorf("Run() = %+v, want %+v", got, want)
	}
	if runner.Err() != nil {
		t.Errorf("Err() = %v, want nil", runner.Err())
	}

	runner.Limits = subleq.Limits{MaxIterations: 1_000_000}
	got = runner.Run(emitOne, nil)
	if got.Status != subleq.StatusFaulted || got.Fault != subleq.FaultNone {
		t.Errorf("Run(rejected) = %+v, want faulted with no fault kind", got)
	}
	if !slices.Equal(got.Memory, emitOne) {
		t.Errorf("Memory = %v, want program copy", got.Memory)
	}
	if status.Code(runner.Err()) != codes.InvalidArgument {
		t.Errorf("Err() = %v, want InvalidArgument", runner.Err())
	}
}

func TestZeroLimitsReachEngine(t *testing.T) {
	client := startServer(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name   string
		limits subleq.Limits
		input  []int64
	}{
		{"zero iterations", subleq.Limits{MaxOutput: 10}, []int64{4}},
		{"zero output", subleq.Limits{MaxIterations: 100}, []int64{4}},
		{"both zero", subleq.Limits{}, []int64{4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := subleq.Run(emitOne, tt.input, tt.limits)

			resp, err := client.Run(ctx, NewRunRequest(emitOne, tt.input, tt.limits))
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			got, err := resp.Result()
			if err != nil {
				t.Fatalf("Result() failed: %v", err)
			}
			if got.Status != subleq.StatusFaulted || got.Fault != want.Fault {
				t.Errorf("Run() = %+v, want fault %s", got, want.Fault)
			}
			if got.Iterations != want.Iterations || !slices.Equal(got.Output, want.Output) {
				t.Errorf("Run() iterations/output = %d/%v, want %d/%v",
					got.Iterations, got.Output, want.Iterations, want.Output)
			}

			runner := &RemoteRunner{Client: client, Limits: tt.limits, Timeout: 5 * time.Second}
			res := runner.Run(emitOne, tt.input)
			if res.Fault != want.Fault || res.Iterations != want.Iterations {
				t.Errorf("RemoteRunner.Run() = %+v, want %+v", res, want)
			}
			if err := runner.Err(); err != nil {
				t.Errorf("Err() = %v", err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	config.Defaults.MaxIterations = config.Max.MaxIterations + 1
	if _, err := NewServer(config); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewServer() = %v, want ErrInvalidConfig", err)
	}
}

func TestServeAfterStop(t *testing.T) {
	srv, err := NewServer(testConfig())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	srv.Stop()
	if err := srv.Serve(bufconn.Listen(1024)); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() after Stop = %v, want ErrServerClosed", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(status.Error(codes.Unavailable, "down")) {
		t.Error("Unavailable not retryable")
	}
	if IsRetryable(status.Error(codes.InvalidArgument, "bad")) {
		t.Error("InvalidArgument retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error retryable")
	}
}
