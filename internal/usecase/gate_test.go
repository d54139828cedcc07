package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cypherpepe/core-extension/internal/domain"
)

func newTestGate(handlers ...domain.RequestHandler) (*PermissionGate, *PermissionService, *memPermissionStore) {
	store := newMemPermissionStore()
	svc := NewPermissionService(store, nil, testLogger())
	reg := NewHandlerRegistry(HandlerSet{Name: "provider", Handlers: handlers})
	return NewPermissionGate(svc, reg, testLogger()), svc, store
}

func TestGateRejectsMissingDomain(t *testing.T) {
	gate, _, _ := newTestGate(&stubHandler{methods: []string{"eth_accounts"}})

	req := &domain.Request{ID: "1", Method: "eth_accounts"}
	_, err := gate.Process(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrDomainNotSet)
}

func TestGateInternalSessionBypassesDomainChecks(t *testing.T) {
	gate, _, store := newTestGate(&stubHandler{methods: []string{"action_get"}})

	req := &domain.Request{ID: "1", Method: "action_get", Site: domain.Site{Internal: true}}
	annotated, err := gate.Process(context.Background(), req)
	require.NoError(t, err)
	require.True(t, annotated.Authenticated)

	// No permission record was created for the internal session.
	all, err := store.GetPermissions(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestGateFirstContactCreatesEmptyRecord(t *testing.T) {
	gate, _, store := newTestGate(&stubHandler{methods: []string{"eth_accounts"}, requiresAuth: true})

	req := dappRequest("1", "eth_accounts", "fresh.example")
	annotated, err := gate.Process(context.Background(), req)
	require.NoError(t, err)

	// Record exists but grants nothing: unauthenticated routing.
	rec, err := store.GetPermissionsForDomain(context.Background(), "fresh.example")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Empty(t, rec.GrantedAccounts())
	require.False(t, annotated.Authenticated)
}

func TestGateAuthorizedDomain(t *testing.T) {
	gate, svc, _ := newTestGate(&stubHandler{methods: []string{"eth_accounts"}, requiresAuth: true})
	ctx := context.Background()

	_, err := svc.Grant(ctx, "example.com", "0xABC")
	require.NoError(t, err)

	annotated, err := gate.Process(ctx, dappRequest("1", "eth_accounts", "example.com"))
	require.NoError(t, err)
	require.True(t, annotated.Authenticated)
}

func TestGateMethodWithoutAuthRequirement(t *testing.T) {
	gate, _, _ := newTestGate(&stubHandler{methods: []string{"eth_chainId"}, requiresAuth: false})

	annotated, err := gate.Process(context.Background(), dappRequest("1", "eth_chainId", "example.com"))
	require.NoError(t, err)
	require.True(t, annotated.Authenticated)
}

func TestGatePassesThroughUnknownMethod(t *testing.T) {
	gate, _, store := newTestGate(&stubHandler{methods: []string{"eth_accounts"}})

	annotated, err := gate.Process(context.Background(), dappRequest("1", "unknown_method", "example.com"))
	require.NoError(t, err)
	require.False(t, annotated.Authenticated)

	// The domain record is still created on first contact.
	rec, err := store.GetPermissionsForDomain(context.Background(), "example.com")
	require.NoError(t, err)
	require.NotNil(t, rec)
}
