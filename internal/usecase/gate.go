package usecase

import (
	"context"
	"log/slog"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// PermissionGate intercepts every inbound request before a handler runs.
// It resolves the requesting domain, lazily creates the domain's permission
// record on first contact, and annotates the request with the outcome of
// the per-method authorization policy.
//
// The gate never blocks indefinitely: each request is an independent
// pipeline, and a failure here settles that one request only.
type PermissionGate struct {
	permissions *PermissionService
	registry    *HandlerRegistry
	logger      *slog.Logger
}

// NewPermissionGate creates a permission gate.
func NewPermissionGate(permissions *PermissionService, registry *HandlerRegistry, logger *slog.Logger) *PermissionGate {
	return &PermissionGate{permissions: permissions, registry: registry, logger: logger}
}

// Process runs domain resolution and the authorization check for one
// request and returns the annotated envelope. Registry resolution failures
// are left for the dispatcher to surface; the gate only fails on missing
// domains or storage errors.
func (g *PermissionGate) Process(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	// The extension's own UI session carries no dapp domain and is not
	// subject to grant checks; handlers gate it on Site.Internal.
	if req.Site.Internal {
		req.Authenticated = true
		return req, nil
	}

	if req.Site.Domain == "" {
		return nil, domain.NewDomainError("PermissionGate.Process", domain.ErrDomainNotSet, req.Method)
	}

	// First contact from an unseen domain creates an empty record. This
	// grants nothing; it only ensures bookkeeping exists.
	if _, err := g.permissions.EnsureDomain(ctx, req.Site.Domain); err != nil {
		return nil, err
	}

	handler, err := g.registry.Resolve(req.Method)
	if err != nil {
		// Unknown or ambiguous method: the dispatcher produces the
		// failing envelope. Nothing to authorize.
		return req, nil
	}

	if !handler.RequiresAuth(req.Method) {
		req.Authenticated = true
		return req, nil
	}

	authorized, err := g.permissions.HasAccountAccess(ctx, req.Site.Domain)
	if err != nil {
		return nil, err
	}
	req.Authenticated = authorized
	if !authorized {
		g.logger.Debug("request not authorized",
			"domain", req.Site.Domain, "method", req.Method)
	}
	return req, nil
}
