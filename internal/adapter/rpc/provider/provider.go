// Package provider implements the account-scoped wallet methods a dapp
// calls through the injected provider object: permission requests,
// transaction submission and message signing. Every flow that spends or
// exposes an account suspends on an explicit user decision.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// Approval UI routes. The popup opener appends them to the configured
// base URL, with the action ID as the query parameter.
const (
	routePermissions = "permissions"
	routeTransaction = "approve"
	routeSign        = "sign"
)

// Queue accepts new actions for deferred user approval.
type Queue interface {
	Add(ctx context.Context, action *domain.Action, handler domain.ApprovalHandler) error
}

// Permissions is the slice of the permission service these handlers use.
type Permissions interface {
	Grant(ctx context.Context, domainName, account string) (*domain.DappPermissions, error)
	GrantedAccounts(ctx context.Context, domainName string) ([]string, error)
}

// PopupOpener opens one approval window and reports its window ID, and
// closes a window whose action never made it onto the queue.
type PopupOpener interface {
	Open(ctx context.Context, route string) (windowID int, err error)
	Close(windowID int) error
}

// displayData is what the approval UI renders about the requesting dapp.
type displayData struct {
	DomainIcon string `json:"domainIcon,omitempty"`
	DomainName string `json:"domainName,omitempty"`
	DomainURL  string `json:"domainUrl"`
}

func displayDataFor(site domain.Site) json.RawMessage {
	raw, _ := json.Marshal(displayData{
		DomainIcon: site.Icon,
		DomainName: site.Name,
		DomainURL:  site.Domain,
	})
	return raw
}

// openAction opens the approval window for route, then parks the request
// as an action on the queue. The window ID travels on the action so the
// liveness sweeper can tie the two lifetimes together.
func openAction(ctx context.Context, q Queue, opener PopupOpener, h domain.ApprovalHandler, req *domain.Request, route string) error {
	windowID, err := opener.Open(ctx, fmt.Sprintf("%s?id=%s", route, req.ID))
	if err != nil {
		return domain.NewDomainError("provider.openAction", domain.ErrInternal,
			fmt.Sprintf("open approval window: %v", err))
	}

	action := &domain.Action{
		ID:            req.ID,
		Method:        req.Method,
		Site:          req.Site,
		Params:        req.Params,
		DisplayData:   displayDataFor(req.Site),
		Status:        domain.ActionStatusPending,
		Time:          time.Now().UTC(),
		TabID:         req.Site.TabID,
		PopupWindowID: windowID,
	}
	if err := q.Add(ctx, action, h); err != nil {
		// No action references the window now, so the sweeper will never
		// reap it.
		_ = opener.Close(windowID)
		return err
	}
	return nil
}

// mustCompileSchema compiles a method's parameter schema at construction
// time. Schemas are package constants, so failure is a programming error.
func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(raw))
	if err != nil {
		panic(fmt.Sprintf("compile param schema: %v", err))
	}
	return schema
}

// validateParams checks raw params against the method schema.
func validateParams(schema *jsonschema.Schema, params json.RawMessage) error {
	if len(params) == 0 {
		return domain.NewDomainError("provider.validateParams", domain.ErrInvalidParams, "missing params")
	}
	var instance any
	if err := json.Unmarshal(params, &instance); err != nil {
		return domain.NewDomainError("provider.validateParams", domain.ErrInvalidParams, "params are not valid JSON")
	}
	result := schema.Validate(instance)
	if !result.IsValid() {
		return domain.NewDomainError("provider.validateParams", domain.ErrInvalidParams, fmt.Sprintf("%s", result.Error()))
	}
	return nil
}

// Capability is the EIP-2255 shaped permission descriptor returned by
// wallet_requestPermissions and wallet_getPermissions.
type Capability struct {
	Invoker          string   `json:"invoker"`
	ParentCapability string   `json:"parentCapability"`
	Caveats          []Caveat `json:"caveats"`
}

type Caveat struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

func capabilitiesFor(domainName string, accounts []string) []Capability {
	if len(accounts) == 0 {
		return []Capability{}
	}
	return []Capability{{
		Invoker:          domainName,
		ParentCapability: "eth_accounts",
		Caveats: []Caveat{{
			Type:  "restrictReturnedAccounts",
			Value: accounts,
		}},
	}}
}
