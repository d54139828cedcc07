package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// --- test doubles shared by the usecase tests ---

type memPermissionStore struct {
	mu      sync.Mutex
	records map[string]*domain.DappPermissions
	// delay widens the read-modify-write window to expose lost updates.
	delay time.Duration
}

func newMemPermissionStore() *memPermissionStore {
	return &memPermissionStore{records: make(map[string]*domain.DappPermissions)}
}

func (s *memPermissionStore) GetPermissions(context.Context) (map[string]*domain.DappPermissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*domain.DappPermissions, len(s.records))
	for k, v := range s.records {
		out[k] = v.Clone()
	}
	return out, nil
}

func (s *memPermissionStore) GetPermissionsForDomain(_ context.Context, d string) (*domain.DappPermissions, error) {
	s.mu.Lock()
	rec := s.records[d]
	s.mu.Unlock()
	if rec == nil {
		return nil, nil
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return rec.Clone(), nil
}

func (s *memPermissionStore) AddPermission(_ context.Context, p *domain.DappPermissions) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.records[p.Domain] = p.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memPermissionStore) RemoveDomain(_ context.Context, d string) error {
	s.mu.Lock()
	delete(s.records, d)
	s.mu.Unlock()
	return nil
}

type memActionStore struct {
	mu      sync.Mutex
	actions map[string]*domain.Action
}

func newMemActionStore() *memActionStore {
	return &memActionStore{actions: make(map[string]*domain.Action)}
}

func (s *memActionStore) SaveAction(_ context.Context, a *domain.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.actions[a.ID] = &cp
	return nil
}

func (s *memActionStore) UpdateActionStatus(_ context.Context, id string, status domain.ActionStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actions[id]; ok {
		a.Status = status
		a.Error = errMsg
	}
	return nil
}

func (s *memActionStore) DeleteAction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, id)
	return nil
}

func (s *memActionStore) ListPendingActions(context.Context) ([]*domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Action
	for _, a := range s.actions {
		if !a.Status.Terminal() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memActionStore) get(id string) *domain.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actions[id]
}

type recordedDelivery struct {
	ID     string
	Result any
	Err    error
}

type recordSink struct {
	mu         sync.Mutex
	deliveries []recordedDelivery
}

func (s *recordSink) Deliver(id string, result any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, recordedDelivery{ID: id, Result: result, Err: err})
}

func (s *recordSink) all() []recordedDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedDelivery(nil), s.deliveries...)
}

// stubHandler is a configurable RequestHandler / ApprovalHandler.
type stubHandler struct {
	methods      []string
	requiresAuth bool

	authCalls   int
	unauthCalls int

	handleAuth   func(ctx context.Context, req *domain.Request) (*domain.Request, error)
	handleUnauth func(ctx context.Context, req *domain.Request) (*domain.Request, error)
	onApproved   func(ctx context.Context, a *domain.Action, submitted json.RawMessage) (any, error)
}

func (h *stubHandler) Methods() []string        { return h.methods }
func (h *stubHandler) RequiresAuth(string) bool { return h.requiresAuth }

func (h *stubHandler) HandleAuthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	h.authCalls++
	if h.handleAuth != nil {
		return h.handleAuth(ctx, req)
	}
	return req.WithResult("ok-authenticated"), nil
}

func (h *stubHandler) HandleUnauthenticated(ctx context.Context, req *domain.Request) (*domain.Request, error) {
	h.unauthCalls++
	if h.handleUnauth != nil {
		return h.handleUnauth(ctx, req)
	}
	return nil, domain.ErrUnauthorized
}

func (h *stubHandler) OnActionApproved(ctx context.Context, a *domain.Action, submitted json.RawMessage) (any, error) {
	if h.onApproved != nil {
		return h.onApproved(ctx, a, submitted)
	}
	return "approved", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func dappRequest(id, method, site string) *domain.Request {
	return &domain.Request{
		ID:     id,
		Method: method,
		Site:   domain.Site{Domain: site, TabID: 7, Name: "Example dapp", Icon: "icon.svg"},
	}
}
