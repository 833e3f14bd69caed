// Package rpcpool balances subleq runs across several engine servers.
//
// The pool keeps one gRPC client per endpoint and periodically health-checks
// each endpoint by asking for its limits. An endpoint is healthy when it
// answers and its caps admit the pool's limits. Runs are spread round-robin
// over healthy endpoints and fail over to the next one on transient errors.
//
// Usage:
//
//	pool, err := rpcpool.NewPool(rpcpool.DefaultConfig())
//	pool.AddEndpoint(ctx, "engine-1:7441")
//	pool.AddEndpoint(ctx, "engine-2:7441")
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	res := pool.Run(program, input) // pool is a subleq.Runner
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/subleq/pkg/rpc"
	"github.com/fortiblox/subleq/pkg/subleq"
)

// Pool errors.
var (
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints available")
	ErrPoolClosed         = errors.New("pool is closed")
	ErrLimitsRejected     = errors.New("endpoint caps below pool limits")
)

// Default configuration values.
const (
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultRequestTimeout    = time.Minute
	DefaultMaxFailures       = 3
)

// Config holds pool configuration.
type Config struct {
	// Limits are sent with every run.
	Limits subleq.Limits

	// HealthCheckPeriod is the interval between health checks.
	HealthCheckPeriod time.Duration

	// RequestTimeout bounds each run and health probe.
	RequestTimeout time.Duration

	// MaxFailures is the number of consecutive failures that mark an
	// endpoint unhealthy.
	MaxFailures int32

	// Client configures the per-endpoint gRPC clients.
	Client rpc.ClientConfig

	// OnHealthChange is called when an endpoint changes health.
	OnHealthChange func(target string, healthy bool)

	// Logger receives failures. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns a default pool configuration.
func DefaultConfig() Config {
	return Config{
		Limits:            subleq.DefaultLimits(),
		HealthCheckPeriod: DefaultHealthCheckPeriod,
		RequestTimeout:    DefaultRequestTimeout,
		MaxFailures:       DefaultMaxFailures,
		Client:            rpc.DefaultClientConfig(),
	}
}

// endpointState represents the health state of an endpoint.
type endpointState struct {
	target    string
	client    *rpc.Client
	healthy   atomic.Bool
	lastCheck atomic.Int64 // Unix nano timestamp
	failCount atomic.Int32
	runs      atomic.Uint64
}

// EndpointStats describes one endpoint.
type EndpointStats struct {
	Target    string
	Healthy   bool
	Runs      uint64
	LastCheck time.Time
}

// Pool manages engine endpoints with health checking. It is safe for
// concurrent use and implements subleq.Runner.
type Pool struct {
	config Config
	log    *slog.Logger

	// Endpoint management
	endpoints []*endpointState
	mu        sync.RWMutex

	// Round-robin selection
	nextIndex atomic.Uint64

	// First run that no endpoint could serve
	errMu sync.Mutex
	err   error

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewPool creates an empty pool. It is not health-checked until Start.
func NewPool(config Config) (*Pool, error) {
	if config.HealthCheckPeriod <= 0 || config.RequestTimeout <= 0 || config.MaxFailures <= 0 {
		return nil, fmt.Errorf("%w: period, timeout and max failures must be positive", rpc.ErrInvalidConfig)
	}
	log := config.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: config,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// AddEndpoint dials target and adds it to the pool. The endpoint is
// assumed healthy until a check says otherwise.
func (p *Pool) AddEndpoint(ctx context.Context, target string) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.target == target {
			return nil
		}
	}

	client, err := rpc.Dial(ctx, target, p.config.Client)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	ep := &endpointState{target: target, client: client}
	ep.healthy.Store(true)
	p.endpoints = append(p.endpoints, ep)
	return nil
}

// RemoveEndpoint closes and removes an endpoint.
func (p *Pool) RemoveEndpoint(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, ep := range p.endpoints {
		if ep.target == target {
			ep.client.Close()
			p.endpoints = slices.Delete(p.endpoints, i, i+1)
			return
		}
	}
}

// healthy returns the healthy endpoints starting at the next round-robin
// position.
func (p *Pool) healthy() []*endpointState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var healthy []*endpointState
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	start := int(p.nextIndex.Add(1) % uint64(len(healthy)))
	return slices.Concat(healthy[start:], healthy[:start])
}

// GetHealthy returns a healthy endpoint target using round-robin selection.
func (p *Pool) GetHealthy() (string, error) {
	if p.closed.Load() {
		return "", ErrPoolClosed
	}
	healthy := p.healthy()
	if len(healthy) == 0 {
		return "", ErrNoHealthyEndpoints
	}
	return healthy[0].target, nil
}

// HealthyCount returns the number of currently healthy endpoints.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			count++
		}
	}
	return count
}

// TotalCount returns the total number of endpoints in the pool.
func (p *Pool) TotalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// Stats returns per-endpoint statistics in insertion order.
func (p *Pool) Stats() []EndpointStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make([]EndpointStats, len(p.endpoints))
	for i, ep := range p.endpoints {
		stats[i] = EndpointStats{
			Target:    ep.target,
			Healthy:   ep.healthy.Load(),
			Runs:      ep.runs.Load(),
			LastCheck: time.Unix(0, ep.lastCheck.Load()),
		}
	}
	return stats
}

// RunContext executes a program on a healthy endpoint, failing over to the
// others on transient errors.
func (p *Pool) RunContext(ctx context.Context, program, input []int64) (subleq.Result, error) {
	if p.closed.Load() {
		return subleq.Result{}, ErrPoolClosed
	}

	req := rpc.NewRunRequest(program, input, p.config.Limits)

	lastErr := ErrNoHealthyEndpoints
	for _, ep := range p.healthy() {
		callCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
		resp, err := ep.client.Run(callCtx, req)
		cancel()
		if err == nil {
			ep.failCount.Store(0)
			ep.runs.Add(1)
			return resp.Result()
		}

		lastErr = err
		if !rpc.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		p.recordFailure(ep)
		p.log.Warn("engine endpoint failed, trying next", "target", ep.target, "error", err)
	}
	return subleq.Result{}, lastErr
}

// Run implements subleq.Runner. A run no endpoint could serve yields a
// faulted result with FaultNone; the first such error is kept for Err.
func (p *Pool) Run(program, input []int64) subleq.Result {
	res, err := p.RunContext(p.ctx, program, input)
	if err == nil {
		return res
	}

	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()

	memory := slices.Clone(program)
	if memory == nil {
		memory = []int64{}
	}
	return subleq.Result{Output: []int64{}, Memory: memory, Status: subleq.StatusFaulted}
}

// Err returns the first run no endpoint could serve, if any.
func (p *Pool) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Start performs an initial health check and begins the health check loop.
func (p *Pool) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return
	}

	// tie the pool's lifetime to ctx as well as Stop
	go func() {
		select {
		case <-ctx.Done():
			p.cancel()
		case <-p.ctx.Done():
		}
	}()

	p.performHealthCheck()

	p.wg.Add(1)
	go p.healthCheckLoop()
}

// Stop stops the health check loop and closes every client.
func (p *Pool) Stop() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		ep.client.Close()
	}
	p.endpoints = nil
}

// healthCheckLoop periodically performs health checks on all endpoints.
func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.performHealthCheck()
		}
	}
}

// performHealthCheck checks every endpoint concurrently.
func (p *Pool) performHealthCheck() {
	p.mu.RLock()
	endpoints := slices.Clone(p.endpoints)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *endpointState) {
			defer wg.Done()
			p.checkEndpoint(ep)
		}(ep)
	}
	wg.Wait()
}

// checkEndpoint probes one endpoint.
func (p *Pool) checkEndpoint(ep *endpointState) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.RequestTimeout)
	defer cancel()

	limits, err := ep.client.Limits(ctx)
	ep.lastCheck.Store(time.Now().UnixNano())

	if err != nil {
		p.recordFailure(ep)
		return
	}

	ep.failCount.Store(0)
	ok := admits(limits, p.config.Limits)
	if !ok {
		p.log.Warn("engine endpoint unusable", "target", ep.target, "error", ErrLimitsRejected,
			"max_output_length", limits.MaxOutputLength, "max_iterations", limits.MaxIterations)
	}
	p.setHealthy(ep, ok)
}

// admits reports whether an endpoint with caps l accepts requests for want.
func admits(l *rpc.LimitsResponse, want subleq.Limits) bool {
	return want.MaxOutput <= l.MaxOutputLength && want.MaxIterations <= l.MaxIterations
}

func (p *Pool) recordFailure(ep *endpointState) {
	if ep.failCount.Add(1) >= p.config.MaxFailures {
		p.setHealthy(ep, false)
	}
}

func (p *Pool) setHealthy(ep *endpointState, healthy bool) {
	wasHealthy := ep.healthy.Swap(healthy)
	if wasHealthy == healthy {
		return
	}
	p.log.Info("engine endpoint health changed", "target", ep.target, "healthy", healthy)
	if p.config.OnHealthChange != nil {
		p.config.OnHealthChange(ep.target, healthy)
	}
}
