package domain

import (
	"encoding/json"
)

// Site identifies the dapp origin and browser tab a request came from.
// It is resolved once at connection time and never mutated per request.
type Site struct {
	Domain string `json:"domain"`
	Name   string `json:"name,omitempty"`
	Icon   string `json:"icon,omitempty"`
	TabID  int    `json:"tabId"`
	// Internal marks sessions belonging to the extension's own UI
	// (approval popup, settings page) rather than a dapp.
	Internal bool `json:"-"`
}

// Request is the envelope for one inbound RPC call. Result and Err are
// mutually exclusive; exactly one producer populates exactly one of them.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Site   Site            `json:"site"`

	// Authenticated is set by the permission gate: true when the method
	// requires authentication and the domain has at least one granted
	// account, or when the method requires no authentication at all.
	Authenticated bool `json:"-"`

	Result any   `json:"result,omitempty"`
	Err    error `json:"-"`
}

// Settled reports whether the envelope carries a terminal outcome.
func (r *Request) Settled() bool {
	return r.Result != nil || r.Err != nil
}

// WithResult returns a copy of the envelope with the result populated.
func (r *Request) WithResult(result any) *Request {
	out := *r
	out.Result = result
	out.Err = nil
	return &out
}

// WithError returns a copy of the envelope with the error populated.
func (r *Request) WithError(err error) *Request {
	out := *r
	out.Result = nil
	out.Err = err
	return &out
}

type deferredSentinel struct{}

func (deferredSentinel) String() string { return "DEFERRED_RESPONSE" }

// DeferredResponse is the reserved result marker meaning "no response yet;
// the real outcome arrives later as a push frame correlated by request id".
// The transport must never serialize it to the caller.
var DeferredResponse = &deferredSentinel{}

// IsDeferred reports whether a result value is the deferred sentinel.
func IsDeferred(result any) bool {
	return result == DeferredResponse
}
