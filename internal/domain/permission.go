package domain

import (
	"context"
	"sort"
)

// DappPermissions is the per-domain permission record: which accounts the
// user has granted (true) or revoked (false) for that domain.
type DappPermissions struct {
	Domain   string          `json:"domain"`
	Accounts map[string]bool `json:"accounts"`
}

// GrantedAccounts returns the addresses with an explicit grant, sorted for
// stable responses.
func (p *DappPermissions) GrantedAccounts() []string {
	var out []string
	for addr, granted := range p.Accounts {
		if granted {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// HasGranted reports whether at least one account is explicitly granted.
func (p *DappPermissions) HasGranted() bool {
	for _, granted := range p.Accounts {
		if granted {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (p *DappPermissions) Clone() *DappPermissions {
	accounts := make(map[string]bool, len(p.Accounts))
	for addr, granted := range p.Accounts {
		accounts[addr] = granted
	}
	return &DappPermissions{Domain: p.Domain, Accounts: accounts}
}

// PermissionStore persists per-domain permission records.
type PermissionStore interface {
	// GetPermissions returns every stored record keyed by domain.
	GetPermissions(ctx context.Context) (map[string]*DappPermissions, error)
	// GetPermissionsForDomain returns the record for one domain, or nil
	// when the domain has never been seen.
	GetPermissionsForDomain(ctx context.Context, domain string) (*DappPermissions, error)
	// AddPermission upserts a record, replacing the stored account set.
	AddPermission(ctx context.Context, p *DappPermissions) error
	// RemoveDomain deletes a record. Removing an unknown domain is not an error.
	RemoveDomain(ctx context.Context, domain string) error
}
