package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cypherpepe/core-extension/internal/domain"
)

func newTestQueue(t *testing.T) (*ActionQueue, *memActionStore, *recordSink) {
	t.Helper()
	store := newMemActionStore()
	q := NewActionQueue(store, nil, testLogger())
	sink := &recordSink{}
	q.AttachSink(7, sink)
	return q, store, sink
}

func pendingTestAction(id string) *domain.Action {
	return &domain.Action{
		ID:     id,
		Method: "wallet_requestPermissions",
		Site:   domain.Site{Domain: "example.com", TabID: 7},
		TabID:  7,
	}
}

func TestActionAddAndGet(t *testing.T) {
	q, store, _ := newTestQueue(t)
	handler := &stubHandler{}

	require.NoError(t, q.Add(context.Background(), pendingTestAction("2"), handler))

	a, ok := q.Get("2")
	require.True(t, ok)
	require.Equal(t, domain.ActionStatusPending, a.Status)
	require.False(t, a.Time.IsZero())

	// Persisted as PENDING.
	require.Equal(t, domain.ActionStatusPending, store.get("2").Status)
}

func TestActionIDCollision(t *testing.T) {
	q, _, _ := newTestQueue(t)
	handler := &stubHandler{}
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, pendingTestAction("2"), handler))
	err := q.Add(ctx, pendingTestAction("2"), handler)
	require.ErrorIs(t, err, domain.ErrActionCollision)

	// The first action is untouched.
	_, ok := q.Get("2")
	require.True(t, ok)
}

func TestActionApproveDeliversResult(t *testing.T) {
	q, store, sink := newTestQueue(t)

	var seenStatus domain.ActionStatus
	var seenSubmitted json.RawMessage
	handler := &stubHandler{
		onApproved: func(_ context.Context, a *domain.Action, submitted json.RawMessage) (any, error) {
			seenStatus = a.Status
			seenSubmitted = submitted
			return []string{"0xABC"}, nil
		},
	}
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("2"), handler))

	require.NoError(t, q.Approve(ctx, "2", json.RawMessage(`{"gas":"0x5208"}`)))

	// The handler saw the SUBMITTING state and the edited params.
	require.Equal(t, domain.ActionStatusSubmitting, seenStatus)
	require.JSONEq(t, `{"gas":"0x5208"}`, string(seenSubmitted))

	deliveries := sink.all()
	require.Len(t, deliveries, 1)
	require.Equal(t, "2", deliveries[0].ID)
	require.Equal(t, []string{"0xABC"}, deliveries[0].Result)
	require.NoError(t, deliveries[0].Err)

	// Terminal: removed from the pending set, COMPLETED in the store.
	_, ok := q.Get("2")
	require.False(t, ok)
	require.Equal(t, domain.ActionStatusCompleted, store.get("2").Status)
}

func TestActionApproveHandlerFailure(t *testing.T) {
	q, store, sink := newTestQueue(t)
	handler := &stubHandler{
		onApproved: func(context.Context, *domain.Action, json.RawMessage) (any, error) {
			return nil, errors.New("signer exploded")
		},
	}
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("5"), handler))
	require.NoError(t, q.Approve(ctx, "5", nil))

	deliveries := sink.all()
	require.Len(t, deliveries, 1)
	require.ErrorContains(t, deliveries[0].Err, "signer exploded")
	require.Equal(t, domain.ActionStatusError, store.get("5").Status)
}

func TestActionApproveHandlerPanic(t *testing.T) {
	q, _, sink := newTestQueue(t)
	handler := &stubHandler{
		onApproved: func(context.Context, *domain.Action, json.RawMessage) (any, error) {
			panic("boom")
		},
	}
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("6"), handler))
	require.NoError(t, q.Approve(ctx, "6", nil))

	deliveries := sink.all()
	require.Len(t, deliveries, 1)
	require.ErrorIs(t, deliveries[0].Err, domain.ErrInternal)
}

func TestActionReject(t *testing.T) {
	q, store, sink := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("2"), &stubHandler{}))
	require.NoError(t, q.Reject(ctx, "2"))

	deliveries := sink.all()
	require.Len(t, deliveries, 1)
	require.True(t, domain.IsUserRejection(deliveries[0].Err))
	require.Equal(t, domain.ActionStatusError, store.get("2").Status)
}

func TestActionSecondDecisionIsNoOp(t *testing.T) {
	q, _, sink := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("2"), &stubHandler{}))
	require.NoError(t, q.Approve(ctx, "2", nil))

	// Any further signal for the id is rejected and delivers nothing.
	require.ErrorIs(t, q.Approve(ctx, "2", nil), domain.ErrActionNotFound)
	require.ErrorIs(t, q.Reject(ctx, "2"), domain.ErrActionNotFound)
	require.Len(t, sink.all(), 1)
}

func TestActionConcurrentDecisionsSettleOnce(t *testing.T) {
	q, _, sink := newTestQueue(t)
	handler := &stubHandler{
		onApproved: func(context.Context, *domain.Action, json.RawMessage) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return "done", nil
		},
	}
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("9"), handler))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			if approve {
				_ = q.Approve(ctx, "9", nil)
			} else {
				_ = q.Reject(ctx, "9")
			}
		}(i%2 == 0)
	}
	wg.Wait()

	require.Len(t, sink.all(), 1)
}

func TestReleaseSinkCancelsTabActions(t *testing.T) {
	q, store, sink := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("a"), &stubHandler{}))
	require.NoError(t, q.Add(ctx, pendingTestAction("b"), &stubHandler{}))

	other := pendingTestAction("c")
	other.TabID = 99
	require.NoError(t, q.Add(ctx, other, &stubHandler{}))

	require.Equal(t, 2, q.ReleaseSink(ctx, 7, sink))

	// The tab's actions are settled as user rejections; the connection is
	// gone, so nothing is delivered.
	require.Equal(t, domain.ActionStatusError, store.get("a").Status)
	require.Equal(t, domain.ActionStatusError, store.get("b").Status)
	require.Empty(t, sink.all())

	// The other tab's action is still pending.
	_, ok := q.Get("c")
	require.True(t, ok)
}

func TestReleaseSinkIgnoresSupersededConnection(t *testing.T) {
	q, _, first := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("a"), &stubHandler{}))

	// A reconnect for the same tab takes over the delivery path.
	second := &recordSink{}
	q.AttachSink(7, second)

	// The stale connection's teardown must not touch the live one.
	require.Zero(t, q.ReleaseSink(ctx, 7, first))
	_, ok := q.Get("a")
	require.True(t, ok)

	// The action still settles through the surviving sink.
	require.NoError(t, q.Reject(ctx, "a"))
	require.Empty(t, first.all())
	deliveries := second.all()
	require.Len(t, deliveries, 1)
	require.True(t, domain.IsUserRejection(deliveries[0].Err))
}

func TestApproveRequiresPendingStatus(t *testing.T) {
	q, _, sink := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("2"), &stubHandler{}))

	// The record handed out by Get is shared; a caller that mutates it out
	// from under the queue cannot drive an illegal status transition.
	a, ok := q.Get("2")
	require.True(t, ok)
	a.Status = domain.ActionStatusCompleted

	require.ErrorIs(t, q.Approve(ctx, "2", nil), domain.ErrInternal)
	require.Empty(t, sink.all())
}

func TestPruneSettledAction(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, pendingTestAction("2"), &stubHandler{}))

	require.ErrorIs(t, q.Prune(ctx, "2"), domain.ErrInvalidParams)

	require.NoError(t, q.Reject(ctx, "2"))
	require.NotNil(t, store.get("2"))
	require.NoError(t, q.Prune(ctx, "2"))
	require.Nil(t, store.get("2"))
}

func TestCancelForWindow(t *testing.T) {
	q, _, sink := newTestQueue(t)
	ctx := context.Background()

	a := pendingTestAction("w1")
	a.PopupWindowID = 321
	require.NoError(t, q.Add(ctx, a, &stubHandler{}))

	require.Equal(t, []int{321}, q.PendingWindowIDs())
	require.Equal(t, 1, q.CancelForWindow(ctx, 321))
	require.Equal(t, 0, q.CancelForWindow(ctx, 321))

	deliveries := sink.all()
	require.Len(t, deliveries, 1)
	require.True(t, domain.IsUserRejection(deliveries[0].Err))
	require.Empty(t, q.PendingWindowIDs())
}

func TestReconcilePersisted(t *testing.T) {
	store := newMemActionStore()
	stale := pendingTestAction("old")
	stale.Status = domain.ActionStatusPending
	require.NoError(t, store.SaveAction(context.Background(), stale))

	q := NewActionQueue(store, nil, testLogger())
	require.NoError(t, q.ReconcilePersisted(context.Background()))

	require.Equal(t, domain.ActionStatusError, store.get("old").Status)
	require.Equal(t, domain.ErrUserRejected.Error(), store.get("old").Error)
}
