package domain

import (
	"context"
	"encoding/json"
)

// RequestHandler implements the behavior for one or more RPC method names.
//
// Both handle paths must return a settled envelope (result or error) or the
// deferred sentinel; the dispatcher folds any returned error into the
// envelope so nothing propagates past the pipeline boundary.
type RequestHandler interface {
	// Methods lists the RPC method names this handler claims.
	Methods() []string
	// RequiresAuth reports whether the given method needs a granted
	// account before the authenticated path may run.
	RequiresAuth(method string) bool
	// HandleAuthenticated runs when the domain is authorized for the
	// method, or when the method requires no authorization.
	HandleAuthenticated(ctx context.Context, req *Request) (*Request, error)
	// HandleUnauthenticated runs when the method requires authorization
	// and the domain has no granted account. Depending on the method it
	// either errors or starts an approval flow.
	HandleUnauthenticated(ctx context.Context, req *Request) (*Request, error)
}

// ApprovalHandler is implemented by handlers whose flows suspend on an
// explicit user decision. OnActionApproved runs after the user approves,
// with the (possibly edited) parameters submitted from the approval UI;
// its return value resolves the original deferred request.
type ApprovalHandler interface {
	RequestHandler
	OnActionApproved(ctx context.Context, action *Action, submitted json.RawMessage) (any, error)
}

// TransactionSigner signs and broadcasts an approved transaction.
// Signing backends are external collaborators; only this contract is owned here.
type TransactionSigner interface {
	SignAndSend(ctx context.Context, params json.RawMessage) (txHash string, err error)
}

// MessageSigner signs an approved message for a granted account.
type MessageSigner interface {
	SignMessage(ctx context.Context, account string, data []byte) (signature string, err error)
}
