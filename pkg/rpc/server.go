// Package rpc serves the subleq engine over gRPC.
//
// The service is subleq.v1.Engine with two unary methods:
//   - Run: execute one program against an input stream
//   - Limits: report the server's default and maximum limits
//
// Messages are plain Go structs carried by a JSON codec registered under the
// "json" content subtype, so no generated protobuf code is involved.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fortiblox/subleq/internal/types"
	"github.com/fortiblox/subleq/pkg/subleq"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Full method names.
const (
	ServiceName      = "subleq.v1.Engine"
	RunMethod        = "/" + ServiceName + "/Run"
	LimitsMethod     = "/" + ServiceName + "/Limits"
	DefaultAddr      = "127.0.0.1:7441"
	DefaultMaxMsgLen = 64 << 20
)

var (
	// ErrServerClosed is returned by Serve after Stop.
	ErrServerClosed = errors.New("rpc server closed")

	// ErrInvalidConfig is returned for unusable server or client configuration.
	ErrInvalidConfig = errors.New("invalid rpc configuration")

	// ErrBadResponse is returned when a response cannot be converted to a result.
	ErrBadResponse = errors.New("malformed run response")
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string `yaml:"addr"`

	// Defaults apply to requests that leave a limit at zero.
	Defaults subleq.Limits `yaml:"-"`

	// Max caps what a request may ask for.
	Max subleq.Limits `yaml:"-"`

	// Runner executes requests that use the default limits, typically a
	// run cache. Nil uses a plain engine.
	Runner subleq.Runner `yaml:"-"`

	// MaxMessageSize bounds request and response sizes in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// KeepaliveTime is the server ping interval for idle connections.
	KeepaliveTime time.Duration `yaml:"keepalive_time"`

	// KeepaliveTimeout is how long to wait for a ping ack.
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`

	// Logger receives per-request logs. Nil discards them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:             DefaultAddr,
		Defaults:         subleq.DefaultLimits(),
		Max:              subleq.DefaultLimits(),
		MaxMessageSize:   DefaultMaxMsgLen,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Defaults.MaxOutput > c.Max.MaxOutput || c.Defaults.MaxIterations > c.Max.MaxIterations {
		return fmt.Errorf("%w: default limits %+v exceed max %+v", ErrInvalidConfig, c.Defaults, c.Max)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	return nil
}

// EngineServer is the server API of subleq.v1.Engine.
type EngineServer interface {
	Run(context.Context, *RunRequest) (*RunResponse, error)
	Limits(context.Context, *LimitsRequest) (*LimitsResponse, error)
}

// engineServiceDesc describes subleq.v1.Engine to grpc.
var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Limits", Handler: limitsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "subleq/v1/engine",
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EngineServer).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func limitsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LimitsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Limits(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LimitsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EngineServer).Limits(ctx, req.(*LimitsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Server is the gRPC engine server.
type Server struct {
	config Config
	runner subleq.Runner
	log    *slog.Logger
	grpc   *grpc.Server

	mu      sync.Mutex
	stopped bool
}

// NewServer creates a server. It does not listen until Serve is called.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	log := config.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	runner := config.Runner
	if runner == nil {
		runner = subleq.NewEngine(config.Defaults)
	}

	s := &Server{
		config: config,
		runner: runner,
		log:    log,
	}

	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.logRequests),
	)
	s.grpc.RegisterService(&engineServiceDesc, s)

	return s, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.mu.Unlock()

	s.log.Info("engine server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		if errors.Is(err, grpc.ErrServerStopped) {
			return ErrServerClosed
		}
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	err = s.Serve(lis)
	if errors.Is(err, ErrServerClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop gracefully stops the server, waiting for in-flight runs.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.grpc.GracefulStop()
	s.log.Info("engine server stopped")
}

// Run implements EngineServer.
func (s *Server) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	limits, err := s.resolveLimits(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	var res subleq.Result
	if limits == s.config.Defaults {
		res = s.runner.Run(req.Program, req.Input)
	} else {
		res = subleq.Run(req.Program, req.Input, limits)
	}

	return NewRunResponse(types.NewProgramID(req.Program), res), nil
}

// Limits implements EngineServer.
func (s *Server) Limits(ctx context.Context, _ *LimitsRequest) (*LimitsResponse, error) {
	return &LimitsResponse{
		DefaultMaxOutputLength: s.config.Defaults.MaxOutput,
		DefaultMaxIterations:   s.config.Defaults.MaxIterations,
		MaxOutputLength:        s.config.Max.MaxOutput,
		MaxIterations:          s.config.Max.MaxIterations,
	}, nil
}

// resolveLimits fills unset limits from the defaults and enforces the caps.
func (s *Server) resolveLimits(req *RunRequest) (subleq.Limits, error) {
	limits := s.config.Defaults
	if req.MaxOutputLength != nil {
		limits.MaxOutput = *req.MaxOutputLength
	}
	if req.MaxIterations != nil {
		limits.MaxIterations = *req.MaxIterations
	}
	if limits.MaxOutput > s.config.Max.MaxOutput {
		return limits, status.Errorf(codes.InvalidArgument,
			"max_output_length %d exceeds server cap %d", limits.MaxOutput, s.config.Max.MaxOutput)
	}
	if limits.MaxIterations > s.config.Max.MaxIterations {
		return limits, status.Errorf(codes.InvalidArgument,
			"max_iterations %d exceeds server cap %d", limits.MaxIterations, s.config.Max.MaxIterations)
	}
	return limits, nil
}

// logRequests logs each unary call with its duration and status code.
func (s *Server) logRequests(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("rpc",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start),
	)
	return resp, err
}
