package gateway

import (
	"crypto/subtle"

	"github.com/cypherpepe/core-extension/internal/domain"
	"github.com/cypherpepe/core-extension/internal/infra/config"
)

// Authenticator resolves a connection token to the site it represents.
type Authenticator interface {
	Authenticate(token string) (domain.Site, error)
}

type sessionEntry struct {
	token []byte
	site  domain.Site
}

// SessionAuth authenticates connections against the configured session
// list using constant-time comparison to prevent timing attacks.
type SessionAuth struct {
	entries []sessionEntry
}

// NewSessionAuth builds an authenticator from config session entries.
func NewSessionAuth(sessions []config.SessionConfig) *SessionAuth {
	a := &SessionAuth{entries: make([]sessionEntry, len(sessions))}
	for i, s := range sessions {
		a.entries[i] = sessionEntry{token: []byte(s.Token), site: s.Site()}
	}
	return a
}

// Authenticate returns the pinned site when the token matches a session.
func (a *SessionAuth) Authenticate(token string) (domain.Site, error) {
	tokenBytes := []byte(token)
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.site, nil
		}
	}
	return domain.Site{}, domain.ErrAuthInvalid
}
