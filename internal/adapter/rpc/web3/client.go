package web3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/cypherpepe/core-extension/internal/domain"
	"github.com/cypherpepe/core-extension/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// NodeClient speaks JSON-RPC 2.0 to the upstream node over HTTP. Calls
// run through a circuit breaker so a dying node fails fast instead of
// stacking up timed-out requests.
type NodeClient struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	logger  *slog.Logger
	nextID  atomic.Uint64
}

// NewNodeClient builds a client for the configured node.
func NewNodeClient(cfg config.NodeConfig, logger *slog.Logger) *NodeClient {
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "node:" + cfg.URL,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// An RPC-level error is a valid node answer and must not trip
		// the breaker; those surface as DomainError from do().
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var de *domain.DomainError
			return errors.As(err, &de)
		},
	})

	return &NodeClient{
		url:     cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: cb,
		logger:  logger,
	}
}

// Call forwards one JSON-RPC method call to the node and returns the raw
// result. Node-side RPC errors and transport failures both surface as
// domain.ErrUpstream; only transport failures count against the breaker.
func (c *NodeClient) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (json.RawMessage, error) {
		return c.do(ctx, method, params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: node circuit open: %v", domain.ErrUpstream, err)
		}
		return nil, err
	}
	return result, nil
}

func (c *NodeClient) do(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrUpstream, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: node returned HTTP %d", domain.ErrUpstream, method, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read node response: %v", domain.ErrUpstream, err)
	}

	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode node response: %v", domain.ErrUpstream, err)
	}
	if out.Error != nil {
		// An RPC-level error is a valid node answer, not a node outage.
		return nil, domain.NewDomainError("node.call", domain.ErrUpstream,
			fmt.Sprintf("rpc error %d: %s", out.Error.Code, out.Error.Message))
	}
	return out.Result, nil
}
