package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/kaptinlin/jsonschema"

	"github.com/cypherpepe/core-extension/internal/domain"
)

const methodPersonalSign = "personal_sign"

// personal_sign params: [data, account].
const personalSignSchema = `{
	"type": "array",
	"minItems": 2,
	"items": {"type": "string"}
}`

// SignHandler parks personal_sign calls for approval. The requested
// account must already be granted to the calling domain; holding any
// grant does not extend to the wallet's other accounts.
type SignHandler struct {
	permissions Permissions
	queue       Queue
	opener      PopupOpener
	signer      domain.MessageSigner
	logger      *slog.Logger
	schema      *jsonschema.Schema
}

func NewSignHandler(permissions Permissions, queue Queue, opener PopupOpener, signer domain.MessageSigner, logger *slog.Logger) *SignHandler {
	return &SignHandler{
		permissions: permissions,
		queue:       queue,
		opener:      opener,
		signer:      signer,
		logger:      logger,
		schema:      mustCompileSchema(personalSignSchema),
	}
}

func (h *SignHandler) Methods() []string { return []string{methodPersonalSign} }

func (h *SignHandler) RequiresAuth(string) bool { return true }

func (h *SignHandler) HandleAuthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	_, account, err := h.parseParams(req.Params)
	if err != nil {
		return nil, err
	}

	granted, err := h.permissions.GrantedAccounts(ctx, req.Site.Domain)
	if err != nil {
		return nil, domain.WrapOp("sign.params", err)
	}
	if !slices.Contains(granted, account) {
		return nil, domain.NewDomainError("sign.params", domain.ErrAccountNotFound, account)
	}

	if err := openAction(ctx, h.queue, h.opener, h, req, routeSign); err != nil {
		return nil, err
	}
	return req.WithResult(domain.DeferredResponse), nil
}

func (h *SignHandler) HandleUnauthenticated(context.Context, *domain.Request) (*domain.Request, error) {
	return nil, domain.ErrUnauthorized
}

func (h *SignHandler) OnActionApproved(ctx context.Context, action *domain.Action, submitted json.RawMessage) (any, error) {
	if h.signer == nil {
		return nil, domain.ErrSignerUnavailable
	}
	params := action.Params
	if len(submitted) > 0 {
		params = submitted
	}
	data, account, err := h.parseParams(params)
	if err != nil {
		return nil, err
	}

	signature, err := h.signer.SignMessage(ctx, account, []byte(data))
	if err != nil {
		return nil, domain.WrapOp("sign.message", err)
	}
	h.logger.Info("message signed", "domain", action.Site.Domain, "account", account)
	return signature, nil
}

func (h *SignHandler) parseParams(raw json.RawMessage) (data, account string, err error) {
	if verr := validateParams(h.schema, raw); verr != nil {
		return "", "", verr
	}
	var params []string
	if uerr := json.Unmarshal(raw, &params); uerr != nil || len(params) < 2 {
		return "", "", domain.NewDomainError("sign.params", domain.ErrInvalidParams, "want [data, account]")
	}
	return params[0], params[1], nil
}
