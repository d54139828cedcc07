// Package uiapi exposes the extension UI's control surface: inspecting
// and deciding pending actions, managing grants, and broadcasting lock
// state. Only internal sessions may call it; a dapp reaching for these
// methods is rejected outright.
package uiapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cypherpepe/core-extension/internal/domain"
)

const (
	methodActionGet        = "action_get"
	methodActionsList      = "actions_list"
	methodActionApprove    = "action_approve"
	methodActionReject     = "action_reject"
	methodActionPrune      = "action_prune"
	methodPermissionsList  = "permissions_list"
	methodPermissionRevoke = "permission_revoke"
	methodUnlockStateSet   = "unlock_state_set"
)

// Actions is the decision surface of the action queue.
type Actions interface {
	Get(id string) (*domain.Action, bool)
	List() []*domain.Action
	Approve(ctx context.Context, id string, submitted json.RawMessage) error
	Reject(ctx context.Context, id string) error
	Prune(ctx context.Context, id string) error
}

// Permissions is the management surface of the permission service.
type Permissions interface {
	List(ctx context.Context) (map[string]*domain.DappPermissions, error)
	RemoveDomain(ctx context.Context, domainName string) error
}

// ControlHandler serves the approval UI session.
type ControlHandler struct {
	actions     Actions
	permissions Permissions
	bus         domain.EventBus
	logger      *slog.Logger
}

func NewControlHandler(actions Actions, permissions Permissions, bus domain.EventBus, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{
		actions:     actions,
		permissions: permissions,
		bus:         bus,
		logger:      logger,
	}
}

func (h *ControlHandler) Methods() []string {
	return []string{
		methodActionGet,
		methodActionsList,
		methodActionApprove,
		methodActionReject,
		methodActionPrune,
		methodPermissionsList,
		methodPermissionRevoke,
		methodUnlockStateSet,
	}
}

// RequiresAuth is false for the whole surface: these methods are gated
// on the session being internal, not on dapp permission grants.
func (h *ControlHandler) RequiresAuth(string) bool { return false }

func (h *ControlHandler) HandleUnauthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	return h.HandleAuthenticated(ctx, req)
}

func (h *ControlHandler) HandleAuthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	if !req.Site.Internal {
		h.logger.Warn("control method called by dapp session", "method", req.Method, "domain", req.Site.Domain)
		return nil, domain.ErrUnauthorized
	}

	switch req.Method {
	case methodActionGet:
		return h.actionGet(req)
	case methodActionsList:
		return req.WithResult(h.actions.List()), nil
	case methodActionApprove:
		return h.actionApprove(ctx, req)
	case methodActionReject:
		return h.actionReject(ctx, req)
	case methodActionPrune:
		return h.actionPrune(ctx, req)
	case methodPermissionsList:
		perms, err := h.permissions.List(ctx)
		if err != nil {
			return nil, domain.WrapOp("ui.permissions", err)
		}
		return req.WithResult(perms), nil
	case methodPermissionRevoke:
		return h.permissionRevoke(ctx, req)
	case methodUnlockStateSet:
		return h.unlockStateSet(ctx, req)
	default:
		return nil, domain.ErrMethodNotFound
	}
}

type actionRef struct {
	ID        string          `json:"id"`
	Submitted json.RawMessage `json:"submitted,omitempty"`
}

func decodeRef(params json.RawMessage) (actionRef, error) {
	var ref actionRef
	if len(params) == 0 {
		return ref, domain.NewDomainError("ui.params", domain.ErrInvalidParams, "missing params")
	}
	if err := json.Unmarshal(params, &ref); err != nil || ref.ID == "" {
		return ref, domain.NewDomainError("ui.params", domain.ErrInvalidParams, "want {id, submitted?}")
	}
	return ref, nil
}

func (h *ControlHandler) actionGet(req *domain.Request) (*domain.Request, error) {
	ref, err := decodeRef(req.Params)
	if err != nil {
		return nil, err
	}
	action, ok := h.actions.Get(ref.ID)
	if !ok {
		return nil, domain.ErrActionNotFound
	}
	return req.WithResult(action), nil
}

func (h *ControlHandler) actionApprove(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	ref, err := decodeRef(req.Params)
	if err != nil {
		return nil, err
	}
	if err := h.actions.Approve(ctx, ref.ID, ref.Submitted); err != nil {
		return nil, err
	}
	return req.WithResult(true), nil
}

func (h *ControlHandler) actionReject(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	ref, err := decodeRef(req.Params)
	if err != nil {
		return nil, err
	}
	if err := h.actions.Reject(ctx, ref.ID); err != nil {
		return nil, err
	}
	return req.WithResult(true), nil
}

func (h *ControlHandler) actionPrune(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	ref, err := decodeRef(req.Params)
	if err != nil {
		return nil, err
	}
	if err := h.actions.Prune(ctx, ref.ID); err != nil {
		return nil, err
	}
	return req.WithResult(true), nil
}

type revokeParams struct {
	Domain string `json:"domain"`
}

func (h *ControlHandler) permissionRevoke(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	var p revokeParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &p) != nil || p.Domain == "" {
		return nil, domain.NewDomainError("ui.revoke", domain.ErrInvalidParams, "want {domain}")
	}
	if err := h.permissions.RemoveDomain(ctx, p.Domain); err != nil {
		return nil, domain.WrapOp("ui.revoke", err)
	}
	return req.WithResult(true), nil
}

// unlockState is broadcast to every connection; dapps use it to grey out
// their UI while the wallet is locked.
type unlockState struct {
	IsUnlocked bool     `json:"isUnlocked"`
	Accounts   []string `json:"accounts,omitempty"`
}

func (h *ControlHandler) unlockStateSet(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	var state unlockState
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &state) != nil {
		return nil, domain.NewDomainError("ui.unlock", domain.ErrInvalidParams, "want {isUnlocked, accounts?}")
	}
	payload, _ := json.Marshal(state)
	h.bus.Publish(ctx, domain.Event{
		Type:      domain.EventUnlockStateChanged,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	h.logger.Info("unlock state changed", "unlocked", state.IsUnlocked)
	return req.WithResult(true), nil
}
