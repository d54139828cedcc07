package usecase

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/cypherpepe/core-extension/internal/domain"
	"github.com/cypherpepe/core-extension/internal/infra/tracer"
)

// Dispatcher routes a gate-annotated request to its single handler and
// merges the handler's outcome back into the envelope. The returned
// envelope is always settled (result xor error) or carries the deferred
// sentinel; no error and no panic escapes this boundary.
type Dispatcher struct {
	gate     *PermissionGate
	registry *HandlerRegistry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(gate *PermissionGate, registry *HandlerRegistry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{gate: gate, registry: registry, logger: logger}
}

// Dispatch runs one request through the full pipeline:
// permission gate -> handler resolution -> handler execution -> merge.
func (d *Dispatcher) Dispatch(ctx context.Context, req *domain.Request) *domain.Request {
	ctx, span := tracer.StartSpan(ctx, "dispatch",
		trace.WithAttributes(
			tracer.StringAttr("rpc.method", req.Method),
			tracer.StringAttr("dapp.domain", req.Site.Domain),
		),
	)
	defer span.End()

	resp := d.dispatch(ctx, req)
	if resp.Err != nil {
		tracer.RecordError(span, resp.Err)
	} else {
		tracer.SetOK(span)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req *domain.Request) (resp *domain.Request) {
	// A handler panic settles this one request; it must never take down
	// the shared dispatch pipeline.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "method", req.Method, "id", req.ID, "panic", r)
			resp = req.WithError(domain.NewDomainError("Dispatcher.Dispatch", domain.ErrInternal, "handler panicked"))
		}
	}()

	annotated, err := d.gate.Process(ctx, req)
	if err != nil {
		return req.WithError(err)
	}

	handler, err := d.registry.Resolve(annotated.Method)
	if err != nil {
		return annotated.WithError(err)
	}

	var out *domain.Request
	if annotated.Authenticated {
		out, err = handler.HandleAuthenticated(ctx, annotated)
	} else {
		out, err = handler.HandleUnauthenticated(ctx, annotated)
	}
	if err != nil {
		return annotated.WithError(err)
	}
	if out == nil || !out.Settled() {
		d.logger.Error("handler returned unsettled envelope", "method", req.Method, "id", req.ID)
		return annotated.WithError(domain.NewDomainError("Dispatcher.Dispatch", domain.ErrInternal, "handler returned no outcome"))
	}
	return out
}
