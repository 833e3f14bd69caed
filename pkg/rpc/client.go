package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fortiblox/subleq/pkg/subleq"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ClientConfig holds client configuration.
type ClientConfig struct {
	// KeepaliveTime is the interval between client keepalive pings.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long to wait for a ping ack.
	KeepaliveTimeout time.Duration

	// MaxMessageSize bounds request and response sizes in bytes.
	MaxMessageSize int

	// DialOptions are appended to the defaults, e.g. a custom dialer.
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns a default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		MaxMessageSize:   DefaultMaxMsgLen,
	}
}

// Client calls a remote engine.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to an engine server.
func Dial(ctx context.Context, target string, config ClientConfig) (*Client, error) {
	if config.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}
	opts = append(opts, config.DialOptions...)

	//nolint:staticcheck // DialContext keeps compatibility with older gRPC versions
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Run executes a program remotely.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	resp := new(RunResponse)
	if err := c.conn.Invoke(ctx, RunMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Limits fetches the server's limits.
func (c *Client) Limits(ctx context.Context) (*LimitsResponse, error) {
	resp := new(LimitsResponse)
	if err := c.conn.Invoke(ctx, LimitsMethod, &LimitsRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// IsRetryable reports whether err is a transient gRPC failure.
func IsRetryable(err error) bool {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			return true
		}
	}
	return false
}

// RemoteRunner adapts a Client to subleq.Runner.
//
// Runner has no error return, so a failed call yields a faulted result with
// FaultNone and an unmodified memory image; the first such error is kept and
// reported by Err.
type RemoteRunner struct {
	Client *Client

	// Limits are sent with every request, zero fields included.
	Limits subleq.Limits

	// Timeout bounds each call. Zero means no timeout.
	Timeout time.Duration

	// Logger receives call failures. Nil drops them.
	Logger *slog.Logger

	mu  sync.Mutex
	err error
}

// Run implements subleq.Runner.
func (r *RemoteRunner) Run(program, input []int64) subleq.Result {
	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	resp, err := r.Client.Run(ctx, NewRunRequest(program, input, r.Limits))
	if err == nil {
		var res subleq.Result
		if res, err = resp.Result(); err == nil {
			return res
		}
	}

	r.fail(err)
	memory := slices.Clone(program)
	if memory == nil {
		memory = []int64{}
	}
	return subleq.Result{
		Output: []int64{},
		Memory: memory,
		Status: subleq.StatusFaulted,
	}
}

func (r *RemoteRunner) fail(err error) {
	if r.Logger != nil {
		r.Logger.Warn("remote run failed", "error", err)
	}
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// Err returns the first call failure, if any.
func (r *RemoteRunner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
