package provider

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kaptinlin/jsonschema"

	"github.com/cypherpepe/core-extension/internal/domain"
)

const methodSendTransaction = "eth_sendTransaction"

const sendTransactionSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["from"],
		"properties": {
			"from":     {"type": "string"},
			"to":       {"type": "string"},
			"value":    {"type": "string"},
			"gas":      {"type": "string"},
			"gasPrice": {"type": "string"},
			"data":     {"type": "string"}
		}
	}
}`

// TransactionHandler parks eth_sendTransaction calls for approval and,
// once approved, hands the user-confirmed parameters to the signer. The
// UI may have edited gas fields, so the submitted params win over the
// dapp's originals.
type TransactionHandler struct {
	queue  Queue
	opener PopupOpener
	signer domain.TransactionSigner
	logger *slog.Logger
	schema *jsonschema.Schema
}

func NewTransactionHandler(queue Queue, opener PopupOpener, signer domain.TransactionSigner, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{
		queue:  queue,
		opener: opener,
		signer: signer,
		logger: logger,
		schema: mustCompileSchema(sendTransactionSchema),
	}
}

func (h *TransactionHandler) Methods() []string { return []string{methodSendTransaction} }

func (h *TransactionHandler) RequiresAuth(string) bool { return true }

func (h *TransactionHandler) HandleAuthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	if err := validateParams(h.schema, req.Params); err != nil {
		return nil, err
	}
	if err := openAction(ctx, h.queue, h.opener, h, req, routeTransaction); err != nil {
		return nil, err
	}
	return req.WithResult(domain.DeferredResponse), nil
}

func (h *TransactionHandler) HandleUnauthenticated(context.Context, *domain.Request) (*domain.Request, error) {
	return nil, domain.ErrUnauthorized
}

func (h *TransactionHandler) OnActionApproved(ctx context.Context, action *domain.Action, submitted json.RawMessage) (any, error) {
	if h.signer == nil {
		return nil, domain.ErrSignerUnavailable
	}
	params := action.Params
	if len(submitted) > 0 {
		if err := validateParams(h.schema, submitted); err != nil {
			return nil, err
		}
		params = submitted
	}

	txHash, err := h.signer.SignAndSend(ctx, params)
	if err != nil {
		return nil, domain.WrapOp("transaction.submit", err)
	}
	h.logger.Info("transaction submitted", "domain", action.Site.Domain, "tx_hash", txHash)
	return txHash, nil
}
