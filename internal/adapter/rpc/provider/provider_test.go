package provider

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// --- test doubles ---

type stubQueue struct {
	added   []*domain.Action
	handler domain.ApprovalHandler
	err     error
}

func (q *stubQueue) Add(_ context.Context, action *domain.Action, handler domain.ApprovalHandler) error {
	if q.err != nil {
		return q.err
	}
	q.added = append(q.added, action)
	q.handler = handler
	return nil
}

type stubPermissions struct {
	granted map[string][]string
	grants  []string // "domain:account" in grant order
	err     error
}

func newStubPermissions() *stubPermissions {
	return &stubPermissions{granted: make(map[string][]string)}
}

func (p *stubPermissions) Grant(_ context.Context, domainName, account string) (*domain.DappPermissions, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.granted[domainName] = append(p.granted[domainName], account)
	p.grants = append(p.grants, domainName+":"+account)
	accounts := make(map[string]bool, len(p.granted[domainName]))
	for _, a := range p.granted[domainName] {
		accounts[a] = true
	}
	return &domain.DappPermissions{Domain: domainName, Accounts: accounts}, nil
}

func (p *stubPermissions) GrantedAccounts(_ context.Context, domainName string) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.granted[domainName], nil
}

type stubOpener struct {
	routes []string
	nextID int
	closed []int
	err    error
}

func (o *stubOpener) Open(_ context.Context, route string) (int, error) {
	if o.err != nil {
		return 0, o.err
	}
	o.routes = append(o.routes, route)
	o.nextID++
	return 100 + o.nextID, nil
}

func (o *stubOpener) Close(windowID int) error {
	o.closed = append(o.closed, windowID)
	return nil
}

type stubTxSigner struct {
	lastParams json.RawMessage
	hash       string
	err        error
}

func (s *stubTxSigner) SignAndSend(_ context.Context, params json.RawMessage) (string, error) {
	s.lastParams = params
	return s.hash, s.err
}

type stubMsgSigner struct {
	lastAccount string
	lastData    []byte
	sig         string
	err         error
}

func (s *stubMsgSigner) SignMessage(_ context.Context, account string, data []byte) (string, error) {
	s.lastAccount = account
	s.lastData = data
	return s.sig, s.err
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func dappRequest(id, method string, params string) *domain.Request {
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	return &domain.Request{
		ID:     id,
		Method: method,
		Params: raw,
		Site: domain.Site{
			Domain: "app.example.com",
			Name:   "Example App",
			Icon:   "https://app.example.com/icon.png",
			TabID:  7,
		},
	}
}
