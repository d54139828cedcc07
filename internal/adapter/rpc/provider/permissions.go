package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kaptinlin/jsonschema"

	"github.com/cypherpepe/core-extension/internal/domain"
)

const (
	methodRequestPermissions = "wallet_requestPermissions"
	methodGetPermissions     = "wallet_getPermissions"
	methodAccounts           = "eth_accounts"
)

// EIP-2255 shape: a non-empty array of requested permission objects.
const requestPermissionsSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {"type": "object"}
}`

// PermissionsHandler serves connection handshake methods. Requesting
// permissions always walks through the approval flow, even when the
// domain already holds a grant; re-prompting is the dapp's explicit ask.
type PermissionsHandler struct {
	permissions Permissions
	queue       Queue
	opener      PopupOpener
	accounts    []string
	logger      *slog.Logger
	schema      *jsonschema.Schema
}

func NewPermissionsHandler(permissions Permissions, queue Queue, opener PopupOpener, accounts []string, logger *slog.Logger) *PermissionsHandler {
	return &PermissionsHandler{
		permissions: permissions,
		queue:       queue,
		opener:      opener,
		accounts:    append([]string(nil), accounts...),
		logger:      logger,
		schema:      mustCompileSchema(requestPermissionsSchema),
	}
}

func (h *PermissionsHandler) Methods() []string {
	return []string{methodRequestPermissions, methodGetPermissions, methodAccounts}
}

func (h *PermissionsHandler) RequiresAuth(method string) bool {
	return method != methodRequestPermissions
}

func (h *PermissionsHandler) HandleAuthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	switch req.Method {
	case methodRequestPermissions:
		return h.requestPermissions(ctx, req)
	case methodGetPermissions:
		granted, err := h.permissions.GrantedAccounts(ctx, req.Site.Domain)
		if err != nil {
			return nil, domain.WrapOp("permissions.get", err)
		}
		return req.WithResult(capabilitiesFor(req.Site.Domain, granted)), nil
	case methodAccounts:
		granted, err := h.permissions.GrantedAccounts(ctx, req.Site.Domain)
		if err != nil {
			return nil, domain.WrapOp("permissions.accounts", err)
		}
		if granted == nil {
			granted = []string{}
		}
		return req.WithResult(granted), nil
	default:
		return nil, domain.ErrMethodNotFound
	}
}

func (h *PermissionsHandler) HandleUnauthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	switch req.Method {
	case methodRequestPermissions:
		return h.requestPermissions(ctx, req)
	case methodGetPermissions:
		// An unconnected dapp legitimately probes its standing; it gets
		// an empty capability list, not an error.
		return req.WithResult(capabilitiesFor(req.Site.Domain, nil)), nil
	case methodAccounts:
		return nil, domain.ErrUnauthorized
	default:
		return nil, domain.ErrMethodNotFound
	}
}

func (h *PermissionsHandler) requestPermissions(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	if err := validateParams(h.schema, req.Params); err != nil {
		return nil, err
	}
	if err := openAction(ctx, h.queue, h.opener, h, req, routePermissions); err != nil {
		return nil, err
	}
	return req.WithResult(domain.DeferredResponse), nil
}

// approvalSubmission is what the approval UI sends back with the user's
// decision: the account chosen in the account picker.
type approvalSubmission struct {
	Account string `json:"account"`
}

func (h *PermissionsHandler) OnActionApproved(ctx context.Context, action *domain.Action, submitted json.RawMessage) (any, error) {
	account, err := h.selectedAccount(submitted)
	if err != nil {
		return nil, err
	}

	if _, err := h.permissions.Grant(ctx, action.Site.Domain, account); err != nil {
		return nil, domain.WrapOp("permissions.grant", err)
	}
	h.logger.Info("permission granted", "domain", action.Site.Domain, "account", account)

	granted, err := h.permissions.GrantedAccounts(ctx, action.Site.Domain)
	if err != nil {
		return nil, domain.WrapOp("permissions.grant", err)
	}
	return capabilitiesFor(action.Site.Domain, granted), nil
}

// selectedAccount resolves the account the user picked, defaulting to
// the first wallet account when the UI sent no explicit choice.
func (h *PermissionsHandler) selectedAccount(submitted json.RawMessage) (string, error) {
	if len(h.accounts) == 0 {
		return "", domain.ErrAccountNotFound
	}
	if len(submitted) == 0 {
		return h.accounts[0], nil
	}
	var sub approvalSubmission
	if err := json.Unmarshal(submitted, &sub); err != nil {
		return "", domain.NewDomainError("permissions.approve", domain.ErrInvalidParams,
			fmt.Sprintf("decode submission: %v", err))
	}
	if sub.Account == "" {
		return h.accounts[0], nil
	}
	if !slices.Contains(h.accounts, sub.Account) {
		return "", domain.NewDomainError("permissions.approve", domain.ErrAccountNotFound, sub.Account)
	}
	return sub.Account, nil
}
