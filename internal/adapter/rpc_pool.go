package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/review-anchor/internal/circuitbreaker"
	"github.com/review-anchor/internal/logging"
)

// RPCPool holds an ordered list of RPC endpoints for read-only lookups.
// Strategy: try endpoints in order, skipping any whose breaker is open; first success wins.
type RPCPool struct {
	endpoints []string
	clients   []LedgerClient
	dial      DialFunc
	breakers  *circuitbreaker.CircuitBreakerManager
	cooldown  time.Duration
	chainID   int64
	mu        sync.Mutex
	logger    *logging.Logger
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Endpoints are tried in order (primary first).
	Endpoints []string
	// Dial opens a client; defaults to DialEthClient.
	Dial DialFunc
	// BreakerCooldown is how long an endpoint stays skipped after tripping its breaker.
	// Default: 30 seconds
	BreakerCooldown time.Duration
	// Breakers is shared with other components when set.
	Breakers *circuitbreaker.CircuitBreakerManager
	// ExpectedChainID, when set, is checked once per endpoint at dial time. An endpoint
	// on another network is never used.
	ExpectedChainID int64
}

// ErrChainMismatch is returned for an endpoint serving a different chain than configured.
var ErrChainMismatch = errors.New("endpoint serves a different chain")

// NewRPCPool creates a new RPC pool. No endpoint is dialed until first use.
func NewRPCPool(cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	pool := &RPCPool{
		endpoints: cfg.Endpoints,
		clients:   make([]LedgerClient, len(cfg.Endpoints)),
		dial:      cfg.Dial,
		breakers:  cfg.Breakers,
		cooldown:  cfg.BreakerCooldown,
		chainID:   cfg.ExpectedChainID,
		logger:    logging.GetGlobalLogger().WithField("component", "rpc_pool"),
	}
	if pool.dial == nil {
		pool.dial = DialEthClient
	}
	if pool.breakers == nil {
		pool.breakers = circuitbreaker.NewCircuitBreakerManager()
	}
	if pool.cooldown <= 0 {
		pool.cooldown = 30 * time.Second
	}

	pool.logger.Infof("Initialized with %d endpoints", len(cfg.Endpoints))
	return pool, nil
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

func (p *RPCPool) breakerName(index int) string {
	return fmt.Sprintf("rpc-endpoint-%d", index)
}

func (p *RPCPool) breaker(index int) *circuitbreaker.CircuitBreaker {
	cfg := circuitbreaker.DefaultConfig(p.breakerName(index))
	cfg.Timeout = p.cooldown
	return p.breakers.GetOrCreate(cfg.Name, cfg)
}

// client returns the client for endpoint index, dialing it on first use.
// The lock is not held while dialing.
func (p *RPCPool) client(ctx context.Context, index int) (LedgerClient, error) {
	p.mu.Lock()
	c := p.clients[index]
	p.mu.Unlock()
	if c != nil {
		return c, nil
	}

	dialed, err := p.dial(ctx, p.endpoints[index])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
	}
	if p.chainID != 0 {
		id, err := dialed.ChainID(ctx)
		if err != nil {
			dialed.Close()
			return nil, fmt.Errorf("failed to read chain id from endpoint %d: %w", index, err)
		}
		if !id.IsInt64() || id.Int64() != p.chainID {
			dialed.Close()
			return nil, fmt.Errorf("%w: endpoint %d reports %s, want %d", ErrChainMismatch, index, id, p.chainID)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing := p.clients[index]; existing != nil {
		dialed.Close()
		return existing, nil
	}
	p.clients[index] = dialed
	return dialed, nil
}

// Do runs fn against each endpoint in order until one succeeds, returning that endpoint's
// index. If every endpoint fails the last error is returned.
func (p *RPCPool) Do(ctx context.Context, fn func(ctx context.Context, client LedgerClient) error) (int, error) {
	var lastErr error
	for i := range p.endpoints {
		if err := ctx.Err(); err != nil {
			return -1, err
		}

		err := p.breaker(i).Execute(ctx, func() error {
			c, err := p.client(ctx, i)
			if err != nil {
				return err
			}
			return fn(ctx, c)
		})
		if err == nil {
			return i, nil
		}

		p.logger.WithFields(map[string]interface{}{
			"endpoint":     i,
			"rate_limited": IsRateLimitError(err),
		}).WithError(err).Warn("RPC endpoint failed, trying next")
		lastErr = err
	}
	return -1, fmt.Errorf("all %d RPC endpoints failed: %w", len(p.endpoints), lastErr)
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "exceeded") ||
		strings.Contains(errStr, "throttl")
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// Status returns the current status of the pool. Endpoint URLs are omitted since they
// usually embed provider API keys.
func (p *RPCPool) Status() *RPCPoolStatus {
	p.mu.Lock()
	connected := make([]bool, len(p.clients))
	for i, c := range p.clients {
		connected[i] = c != nil
	}
	p.mu.Unlock()

	status := &RPCPoolStatus{
		TotalEndpoints: len(p.endpoints),
		EndpointStatus: make([]EndpointStatus, len(p.endpoints)),
	}
	for i := range p.endpoints {
		status.EndpointStatus[i] = EndpointStatus{
			Index:        i,
			Connected:    connected[i],
			BreakerState: string(p.breaker(i).GetState()),
		}
	}
	return status
}

// RPCPoolStatus represents the status of the RPC pool
type RPCPoolStatus struct {
	TotalEndpoints int              `json:"total_endpoints"`
	EndpointStatus []EndpointStatus `json:"endpoints"`
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index        int    `json:"index"`
	Connected    bool   `json:"connected"`
	BreakerState string `json:"breaker_state"`
}
