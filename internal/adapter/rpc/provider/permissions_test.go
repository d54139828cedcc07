package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cypherpepe/core-extension/internal/domain"
)

func newPermissionsFixture() (*PermissionsHandler, *stubPermissions, *stubQueue, *stubOpener) {
	perms := newStubPermissions()
	queue := &stubQueue{}
	opener := &stubOpener{}
	h := NewPermissionsHandler(perms, queue, opener, []string{"0xaaa", "0xbbb"}, testLogger())
	return h, perms, queue, opener
}

func TestRequestPermissionsDefersAndOpensWindow(t *testing.T) {
	h, _, queue, opener := newPermissionsFixture()
	req := dappRequest("req-1", methodRequestPermissions, `[{"eth_accounts":{}}]`)

	out, err := h.HandleUnauthenticated(context.Background(), req)
	require.NoError(t, err)
	require.True(t, domain.IsDeferred(out.Result))

	require.Equal(t, []string{"permissions?id=req-1"}, opener.routes)
	require.Len(t, queue.added, 1)

	action := queue.added[0]
	require.Equal(t, "req-1", action.ID)
	require.Equal(t, methodRequestPermissions, action.Method)
	require.Equal(t, domain.ActionStatusPending, action.Status)
	require.Equal(t, 7, action.TabID)
	require.Equal(t, 101, action.PopupWindowID)

	var dd map[string]string
	require.NoError(t, json.Unmarshal(action.DisplayData, &dd))
	require.Equal(t, "Example App", dd["domainName"])
	require.Equal(t, "app.example.com", dd["domainUrl"])
	require.Equal(t, "https://app.example.com/icon.png", dd["domainIcon"])
}

func TestRequestPermissionsAuthenticatedStillPrompts(t *testing.T) {
	h, _, queue, _ := newPermissionsFixture()
	req := dappRequest("req-2", methodRequestPermissions, `[{"eth_accounts":{}}]`)

	out, err := h.HandleAuthenticated(context.Background(), req)
	require.NoError(t, err)
	require.True(t, domain.IsDeferred(out.Result))
	require.Len(t, queue.added, 1)
}

func TestRequestPermissionsRejectsBadParams(t *testing.T) {
	h, _, queue, opener := newPermissionsFixture()

	for _, params := range []string{"", "[]", `"string"`, `{"eth_accounts":{}}`} {
		req := dappRequest("req-3", methodRequestPermissions, params)
		_, err := h.HandleUnauthenticated(context.Background(), req)
		require.ErrorIs(t, err, domain.ErrInvalidParams, "params %q", params)
	}
	require.Empty(t, queue.added)
	require.Empty(t, opener.routes)
}

func TestRequestPermissionsClosesWindowOnQueueFailure(t *testing.T) {
	perms := newStubPermissions()
	queue := &stubQueue{err: domain.NewDomainError("ActionQueue.Add", domain.ErrActionCollision, "req-1")}
	opener := &stubOpener{}
	h := NewPermissionsHandler(perms, queue, opener, []string{"0xaaa"}, testLogger())

	req := dappRequest("req-1", methodRequestPermissions, `[{"eth_accounts":{}}]`)
	_, err := h.HandleUnauthenticated(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrActionCollision)

	// The approval window opened for the failed request is torn down, not
	// left orphaned with no action for the sweeper to tie it to.
	require.Equal(t, []int{101}, opener.closed)
}

func TestOnActionApprovedGrantsSelectedAccount(t *testing.T) {
	h, perms, _, _ := newPermissionsFixture()
	action := &domain.Action{
		ID:     "req-1",
		Method: methodRequestPermissions,
		Site:   domain.Site{Domain: "app.example.com"},
	}

	result, err := h.OnActionApproved(context.Background(), action, json.RawMessage(`{"account":"0xbbb"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"app.example.com:0xbbb"}, perms.grants)

	caps, ok := result.([]Capability)
	require.True(t, ok)
	require.Len(t, caps, 1)
	require.Equal(t, "eth_accounts", caps[0].ParentCapability)
	require.Equal(t, "app.example.com", caps[0].Invoker)
	require.Len(t, caps[0].Caveats, 1)
	require.Equal(t, "restrictReturnedAccounts", caps[0].Caveats[0].Type)
}

func TestOnActionApprovedDefaultsToFirstAccount(t *testing.T) {
	h, perms, _, _ := newPermissionsFixture()
	action := &domain.Action{ID: "req-1", Site: domain.Site{Domain: "app.example.com"}}

	_, err := h.OnActionApproved(context.Background(), action, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"app.example.com:0xaaa"}, perms.grants)

	_, err = h.OnActionApproved(context.Background(), action, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, []string{"app.example.com:0xaaa", "app.example.com:0xaaa"}, perms.grants)
}

func TestOnActionApprovedRejectsUnknownAccount(t *testing.T) {
	h, perms, _, _ := newPermissionsFixture()
	action := &domain.Action{ID: "req-1", Site: domain.Site{Domain: "app.example.com"}}

	_, err := h.OnActionApproved(context.Background(), action, json.RawMessage(`{"account":"0xzzz"}`))
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
	require.Empty(t, perms.grants)
}

func TestGetPermissions(t *testing.T) {
	h, perms, _, _ := newPermissionsFixture()
	ctx := context.Background()

	// No grant yet: empty capability list on either path.
	req := dappRequest("req-4", methodGetPermissions, "")
	out, err := h.HandleUnauthenticated(ctx, req)
	require.NoError(t, err)
	require.Empty(t, out.Result.([]Capability))

	perms.Grant(ctx, "app.example.com", "0xaaa")
	out, err = h.HandleAuthenticated(ctx, req)
	require.NoError(t, err)
	caps := out.Result.([]Capability)
	require.Len(t, caps, 1)
	require.Equal(t, []string{"0xaaa"}, caps[0].Caveats[0].Value)
}

func TestEthAccounts(t *testing.T) {
	h, perms, _, _ := newPermissionsFixture()
	ctx := context.Background()
	req := dappRequest("req-5", methodAccounts, "")

	_, err := h.HandleUnauthenticated(ctx, req)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	perms.Grant(ctx, "app.example.com", "0xbbb")
	out, err := h.HandleAuthenticated(ctx, req)
	require.NoError(t, err)
	require.Equal(t, []string{"0xbbb"}, out.Result)
}

func TestRequiresAuthTable(t *testing.T) {
	h, _, _, _ := newPermissionsFixture()
	require.False(t, h.RequiresAuth(methodRequestPermissions))
	require.True(t, h.RequiresAuth(methodGetPermissions))
	require.True(t, h.RequiresAuth(methodAccounts))
}
