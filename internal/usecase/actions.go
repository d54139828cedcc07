package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cypherpepe/core-extension/internal/domain"
)

// PushSink delivers the out-of-band terminal outcome of a deferred request
// back to its originating connection, correlated solely by request id.
type PushSink interface {
	Deliver(id string, result any, err error)
}

// pendingAction is one in-flight approval. Its mutex serializes decisions
// (approve, reject, orphan cleanup) for this action; different actions are
// independent.
type pendingAction struct {
	mu      sync.Mutex
	action  *domain.Action
	handler domain.ApprovalHandler
	tabID   int
	done    bool
}

// ActionQueue bridges human approval decisions into the request/response
// protocol. It owns the pending-action table, persists action records, and
// guarantees that every deferred request settles exactly once — including
// when the approval window or the originating connection is torn down
// before a decision is made.
type ActionQueue struct {
	store  domain.ActionStore
	bus    domain.EventBus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingAction
	sinks   map[int]PushSink // tabID -> connection push channel
}

// NewActionQueue creates an action queue. store and bus may be nil.
func NewActionQueue(store domain.ActionStore, bus domain.EventBus, logger *slog.Logger) *ActionQueue {
	return &ActionQueue{
		store:   store,
		bus:     bus,
		logger:  logger,
		pending: make(map[string]*pendingAction),
		sinks:   make(map[int]PushSink),
	}
}

// AttachSink registers the push channel for a tab's connection.
func (q *ActionQueue) AttachSink(tabID int, sink PushSink) {
	q.mu.Lock()
	q.sinks[tabID] = sink
	q.mu.Unlock()
}

// ReleaseSink tears down a connection's claim on a tab: the push channel
// is removed and the tab's pending actions settle with the user-rejection
// error. Only the registered owner can release; a connection that was
// superseded by a reconnect for the same tab releases nothing, so the live
// connection keeps its delivery path and its pending work. Returns the
// number of actions cancelled.
func (q *ActionQueue) ReleaseSink(ctx context.Context, tabID int, sink PushSink) int {
	q.mu.Lock()
	if q.sinks[tabID] != sink {
		q.mu.Unlock()
		return 0
	}
	delete(q.sinks, tabID)
	q.mu.Unlock()
	return q.cancelWhere(ctx, func(pa *pendingAction) bool { return pa.tabID == tabID }, "connection closed")
}

// Add registers a new pending action. At most one action may exist per
// request id; a colliding id is rejected rather than silently overwriting
// the first.
func (q *ActionQueue) Add(ctx context.Context, action *domain.Action, handler domain.ApprovalHandler) error {
	if action.Status == "" {
		action.Status = domain.ActionStatusPending
	}
	if action.Status != domain.ActionStatusPending {
		return domain.NewDomainError("ActionQueue.Add", domain.ErrInternal, "new actions must be PENDING")
	}
	if action.Time.IsZero() {
		action.Time = time.Now()
	}

	q.mu.Lock()
	if _, exists := q.pending[action.ID]; exists {
		q.mu.Unlock()
		return domain.NewDomainError("ActionQueue.Add", domain.ErrActionCollision, action.ID)
	}
	q.pending[action.ID] = &pendingAction{
		action:  action,
		handler: handler,
		tabID:   action.TabID,
	}
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.SaveAction(ctx, action); err != nil {
			q.logger.Error("persist action failed", "id", action.ID, "error", err)
		}
	}
	q.publish(ctx, domain.EventActionCreated, action)
	q.logger.Info("action pending",
		"id", action.ID, "method", action.Method, "domain", action.Site.Domain)
	return nil
}

// Get returns a pending action by request id.
func (q *ActionQueue) Get(id string) (*domain.Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pa, ok := q.pending[id]
	if !ok {
		return nil, false
	}
	return pa.action, true
}

// List returns the pending actions, newest first not guaranteed.
func (q *ActionQueue) List() []*domain.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.Action, 0, len(q.pending))
	for _, pa := range q.pending {
		out = append(out, pa.action)
	}
	return out
}

// PendingWindowIDs returns the popup window ids of all pending actions,
// for the liveness sweeper.
func (q *ActionQueue) PendingWindowIDs() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []int
	for _, pa := range q.pending {
		if pa.action.PopupWindowID != 0 {
			out = append(out, pa.action.PopupWindowID)
		}
	}
	return out
}

// Approve drives PENDING -> SUBMITTING, runs the handler's approval
// callback with the (possibly edited) submitted parameters, and resolves
// the original request with the callback's result or error. Handler
// failures surface as the ERROR outcome, never as a panic or an unsettled
// request.
func (q *ActionQueue) Approve(ctx context.Context, id string, submitted json.RawMessage) error {
	pa, err := q.lookup(id)
	if err != nil {
		return err
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.done {
		// A concurrent decision already settled this action.
		return domain.NewDomainError("ActionQueue.Approve", domain.ErrActionNotFound, id)
	}
	if !pa.action.Status.CanTransitionTo(domain.ActionStatusSubmitting) {
		return domain.NewDomainError("ActionQueue.Approve", domain.ErrInternal,
			"action is not awaiting a decision")
	}

	pa.action.Status = domain.ActionStatusSubmitting
	if q.store != nil {
		if err := q.store.UpdateActionStatus(ctx, id, domain.ActionStatusSubmitting, ""); err != nil {
			q.logger.Error("persist action status failed", "id", id, "error", err)
		}
	}

	result, err := q.invokeApproval(ctx, pa, submitted)
	if err != nil {
		q.finalizeLocked(ctx, pa, domain.ActionStatusError, nil, err)
		return nil
	}
	q.finalizeLocked(ctx, pa, domain.ActionStatusCompleted, result, nil)
	return nil
}

// invokeApproval calls the handler's OnActionApproved, converting panics
// into errors so a broken handler cannot take down the queue.
func (q *ActionQueue) invokeApproval(ctx context.Context, pa *pendingAction, submitted json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("approval handler panicked", "id", pa.action.ID, "panic", r)
			result = nil
			err = domain.NewDomainError("ActionQueue.Approve", domain.ErrInternal, "approval handler panicked")
		}
	}()
	return pa.handler.OnActionApproved(ctx, pa.action, submitted)
}

// Reject settles the action with the user-rejection error.
func (q *ActionQueue) Reject(ctx context.Context, id string) error {
	pa, err := q.lookup(id)
	if err != nil {
		return err
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.done {
		return domain.NewDomainError("ActionQueue.Reject", domain.ErrActionNotFound, id)
	}
	q.finalizeLocked(ctx, pa, domain.ActionStatusError, nil, domain.ErrUserRejected)
	return nil
}

// Prune removes a settled action's persisted record, for the UI's history
// view. A pending action cannot be pruned; it settles through a decision
// first.
func (q *ActionQueue) Prune(ctx context.Context, id string) error {
	q.mu.Lock()
	_, pending := q.pending[id]
	q.mu.Unlock()
	if pending {
		return domain.NewDomainError("ActionQueue.Prune", domain.ErrInvalidParams, "action is still pending")
	}
	if q.store == nil {
		return nil
	}
	if err := q.store.DeleteAction(ctx, id); err != nil {
		return domain.WrapOp("ActionQueue.Prune", err)
	}
	return nil
}

// CancelForWindow settles every pending action whose approval popup is the
// given window. Called by the window liveness sweeper. Returns the number
// of actions cancelled.
func (q *ActionQueue) CancelForWindow(ctx context.Context, windowID int) int {
	return q.cancelWhere(ctx, func(pa *pendingAction) bool {
		return pa.action.PopupWindowID == windowID
	}, "approval window closed")
}

func (q *ActionQueue) cancelWhere(ctx context.Context, match func(*pendingAction) bool, reason string) int {
	q.mu.Lock()
	var targets []*pendingAction
	for _, pa := range q.pending {
		if match(pa) {
			targets = append(targets, pa)
		}
	}
	q.mu.Unlock()

	cancelled := 0
	for _, pa := range targets {
		pa.mu.Lock()
		if !pa.done {
			q.finalizeLocked(ctx, pa, domain.ActionStatusError,
				nil, domain.NewDomainError("ActionQueue.cancel", domain.ErrUserRejected, reason))
			cancelled++
		}
		pa.mu.Unlock()
	}
	return cancelled
}

// finalizeLocked records the terminal outcome and delivers it exactly once.
// Caller holds pa.mu. After this the action is gone from the pending table;
// any further signal for the id resolves to ErrActionNotFound.
func (q *ActionQueue) finalizeLocked(ctx context.Context, pa *pendingAction, status domain.ActionStatus, result any, resErr error) {
	pa.done = true
	pa.action.Status = status
	if resErr != nil {
		pa.action.Error = resErr.Error()
	}

	q.mu.Lock()
	delete(q.pending, pa.action.ID)
	sink := q.sinks[pa.tabID]
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.UpdateActionStatus(ctx, pa.action.ID, status, pa.action.Error); err != nil {
			q.logger.Error("persist action status failed", "id", pa.action.ID, "error", err)
		}
	}

	if sink != nil {
		sink.Deliver(pa.action.ID, result, resErr)
	} else {
		q.logger.Warn("no push sink for resolved action",
			"id", pa.action.ID, "tab_id", pa.tabID)
	}

	eventType := domain.EventActionCompleted
	if resErr != nil {
		eventType = domain.EventActionRejected
	}
	q.publish(ctx, eventType, pa.action)
	q.logger.Info("action settled",
		"id", pa.action.ID, "status", string(status), "user_rejected", domain.IsUserRejection(resErr))
}

func (q *ActionQueue) lookup(id string) (*pendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pa, ok := q.pending[id]
	if !ok {
		return nil, domain.NewDomainError("ActionQueue.lookup", domain.ErrActionNotFound, id)
	}
	return pa, nil
}

// ReconcilePersisted marks actions left pending by a previous process as
// rejected: their connections are gone, so no decision can ever resolve
// them.
func (q *ActionQueue) ReconcilePersisted(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	stale, err := q.store.ListPendingActions(ctx)
	if err != nil {
		return domain.WrapOp("ActionQueue.ReconcilePersisted", err)
	}
	for _, a := range stale {
		if err := q.store.UpdateActionStatus(ctx, a.ID, domain.ActionStatusError, domain.ErrUserRejected.Error()); err != nil {
			q.logger.Error("reconcile stale action failed", "id", a.ID, "error", err)
			continue
		}
		q.logger.Info("stale action rejected on startup", "id", a.ID, "method", a.Method)
	}
	return nil
}

func (q *ActionQueue) publish(ctx context.Context, typ domain.EventType, action *domain.Action) {
	if q.bus == nil {
		return
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return
	}
	q.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Domain:    action.Site.Domain,
		Payload:   payload,
	})
}
