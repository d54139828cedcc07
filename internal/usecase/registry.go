package usecase

import (
	"fmt"
	"sort"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// HandlerSet is a named collection of request handlers registered together
// (e.g. the wallet-provider set and the eth-compat set).
type HandlerSet struct {
	Name     string
	Handlers []domain.RequestHandler
}

type registration struct {
	set     string
	handler domain.RequestHandler
}

// HandlerRegistry maps RPC method names to handlers. The table is built once
// at startup; lookups are read-only afterwards.
//
// A method claimed by more than one registration fails closed on every
// lookup: an ambiguous configuration is a defect and is never arbitrated.
type HandlerRegistry struct {
	byMethod map[string][]registration
}

// NewHandlerRegistry builds the method table from the given handler sets.
func NewHandlerRegistry(sets ...HandlerSet) *HandlerRegistry {
	byMethod := make(map[string][]registration)
	for _, set := range sets {
		for _, h := range set.Handlers {
			for _, method := range h.Methods() {
				byMethod[method] = append(byMethod[method], registration{set: set.Name, handler: h})
			}
		}
	}
	return &HandlerRegistry{byMethod: byMethod}
}

// Resolve returns the single handler claiming the method.
// Zero claims yield ErrMethodNotFound, two or more ErrMethodAmbiguous.
func (r *HandlerRegistry) Resolve(method string) (domain.RequestHandler, error) {
	regs := r.byMethod[method]
	switch len(regs) {
	case 0:
		return nil, domain.NewDomainError("HandlerRegistry.Resolve", domain.ErrMethodNotFound, method)
	case 1:
		return regs[0].handler, nil
	default:
		return nil, domain.NewDomainError("HandlerRegistry.Resolve", domain.ErrMethodAmbiguous, method)
	}
}

// Validate reports every ambiguously claimed method so startup can refuse a
// broken configuration instead of discovering it per request.
func (r *HandlerRegistry) Validate() error {
	var ambiguous []string
	for method, regs := range r.byMethod {
		if len(regs) > 1 {
			sets := make([]string, 0, len(regs))
			for _, reg := range regs {
				sets = append(sets, reg.set)
			}
			sort.Strings(sets)
			ambiguous = append(ambiguous, fmt.Sprintf("%s (claimed by %v)", method, sets))
		}
	}
	if len(ambiguous) == 0 {
		return nil
	}
	sort.Strings(ambiguous)
	return domain.NewDomainError("HandlerRegistry.Validate", domain.ErrMethodAmbiguous,
		fmt.Sprintf("%d method(s): %v", len(ambiguous), ambiguous))
}

// Methods returns every registered method name, sorted.
func (r *HandlerRegistry) Methods() []string {
	out := make([]string, 0, len(r.byMethod))
	for method := range r.byMethod {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}
