package web3

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// Caller forwards one raw JSON-RPC call upstream.
type Caller interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Proxy passes read-only chain queries straight through to the upstream
// node. None of its methods touch accounts, so they need no permission
// grant and never create approval actions.
type Proxy struct {
	node    Caller
	methods []string
	logger  *slog.Logger
}

// NewProxy builds a passthrough handler for the given method list.
func NewProxy(node Caller, methods []string, logger *slog.Logger) *Proxy {
	return &Proxy{
		node:    node,
		methods: append([]string(nil), methods...),
		logger:  logger,
	}
}

func (p *Proxy) Methods() []string { return append([]string(nil), p.methods...) }

func (p *Proxy) RequiresAuth(string) bool { return false }

func (p *Proxy) HandleUnauthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	result, err := p.node.Call(ctx, req.Method, req.Params)
	if err != nil {
		p.logger.Warn("upstream call failed", "method", req.Method, "domain", req.Site.Domain, "error", err)
		return nil, err
	}
	return req.WithResult(result), nil
}

func (p *Proxy) HandleAuthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	return p.HandleUnauthenticated(ctx, req)
}
