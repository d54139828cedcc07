package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// PermissionService owns the per-domain permission records. Every mutation
// is a read-modify-write against the store, serialized per domain so
// concurrent grants to the same domain never lose updates.
type PermissionService struct {
	store  domain.PermissionStore
	bus    domain.EventBus
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPermissionService creates a permission service. bus may be nil.
func NewPermissionService(store domain.PermissionStore, bus domain.EventBus, logger *slog.Logger) *PermissionService {
	return &PermissionService{
		store:  store,
		bus:    bus,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// domainLock returns the serialization point for one domain's mutations.
func (s *PermissionService) domainLock(domainName string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[domainName]
	if !ok {
		l = &sync.Mutex{}
		s.locks[domainName] = l
	}
	return l
}

// EnsureDomain returns the domain's record, lazily creating an empty one on
// first contact. Creation grants nothing; it only makes bookkeeping exist.
func (s *PermissionService) EnsureDomain(ctx context.Context, domainName string) (*domain.DappPermissions, error) {
	if domainName == "" {
		return nil, domain.ErrDomainNotSet
	}

	lock := s.domainLock(domainName)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.GetPermissionsForDomain(ctx, domainName)
	if err != nil {
		return nil, domain.WrapOp("PermissionService.EnsureDomain", err)
	}
	if rec != nil {
		return rec, nil
	}

	rec = &domain.DappPermissions{Domain: domainName, Accounts: map[string]bool{}}
	if err := s.store.AddPermission(ctx, rec); err != nil {
		return nil, domain.WrapOp("PermissionService.EnsureDomain", err)
	}
	s.logger.Debug("permission record created", "domain", domainName)
	return rec, nil
}

// Grant marks an account as granted for the domain and returns the updated
// record.
func (s *PermissionService) Grant(ctx context.Context, domainName, account string) (*domain.DappPermissions, error) {
	rec, err := s.setAccount(ctx, domainName, account, true)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, domain.EventPermissionGranted, domainName, account)
	return rec, nil
}

// Revoke marks an account as revoked for the domain.
func (s *PermissionService) Revoke(ctx context.Context, domainName, account string) (*domain.DappPermissions, error) {
	rec, err := s.setAccount(ctx, domainName, account, false)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, domain.EventPermissionRevoked, domainName, account)
	return rec, nil
}

func (s *PermissionService) setAccount(ctx context.Context, domainName, account string, granted bool) (*domain.DappPermissions, error) {
	if domainName == "" {
		return nil, domain.ErrDomainNotSet
	}

	lock := s.domainLock(domainName)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.GetPermissionsForDomain(ctx, domainName)
	if err != nil {
		return nil, domain.WrapOp("PermissionService.setAccount", err)
	}
	if rec == nil {
		rec = &domain.DappPermissions{Domain: domainName, Accounts: map[string]bool{}}
	} else {
		rec = rec.Clone()
	}
	rec.Accounts[account] = granted

	if err := s.store.AddPermission(ctx, rec); err != nil {
		return nil, domain.WrapOp("PermissionService.setAccount", err)
	}
	return rec, nil
}

// HasAccountAccess reports whether the domain has at least one granted account.
func (s *PermissionService) HasAccountAccess(ctx context.Context, domainName string) (bool, error) {
	rec, err := s.store.GetPermissionsForDomain(ctx, domainName)
	if err != nil {
		return false, domain.WrapOp("PermissionService.HasAccountAccess", err)
	}
	return rec != nil && rec.HasGranted(), nil
}

// GrantedAccounts returns the domain's granted addresses, sorted.
func (s *PermissionService) GrantedAccounts(ctx context.Context, domainName string) ([]string, error) {
	rec, err := s.store.GetPermissionsForDomain(ctx, domainName)
	if err != nil {
		return nil, domain.WrapOp("PermissionService.GrantedAccounts", err)
	}
	if rec == nil {
		return nil, nil
	}
	return rec.GrantedAccounts(), nil
}

// List returns every stored record keyed by domain.
func (s *PermissionService) List(ctx context.Context) (map[string]*domain.DappPermissions, error) {
	return s.store.GetPermissions(ctx)
}

// RemoveDomain deletes the domain's record entirely. This is the only path
// that removes a record; records are never silently dropped.
func (s *PermissionService) RemoveDomain(ctx context.Context, domainName string) error {
	lock := s.domainLock(domainName)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.RemoveDomain(ctx, domainName); err != nil {
		return domain.WrapOp("PermissionService.RemoveDomain", err)
	}
	s.publish(ctx, domain.EventDomainRemoved, domainName, "")
	return nil
}

func (s *PermissionService) publish(ctx context.Context, typ domain.EventType, domainName, account string) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"domain": domainName, "account": account})
	s.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Domain:    domainName,
		Payload:   payload,
	})
}
