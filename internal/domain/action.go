package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ActionStatus is the lifecycle state of a pending approval.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "PENDING"
	ActionStatusSubmitting ActionStatus = "SUBMITTING"
	ActionStatusCompleted  ActionStatus = "COMPLETED"
	ActionStatusError      ActionStatus = "ERROR"
)

// Terminal reports whether no further transition is valid from this status.
func (s ActionStatus) Terminal() bool {
	return s == ActionStatusCompleted || s == ActionStatusError
}

// CanTransitionTo reports whether the transition s -> next is valid.
// Transitions are monotonic: PENDING -> SUBMITTING -> {COMPLETED, ERROR},
// plus PENDING -> ERROR for immediate rejection.
func (s ActionStatus) CanTransitionTo(next ActionStatus) bool {
	switch s {
	case ActionStatusPending:
		return next == ActionStatusSubmitting || next == ActionStatusError
	case ActionStatusSubmitting:
		return next == ActionStatusCompleted || next == ActionStatusError
	default:
		return false
	}
}

// Action is a persisted record of a request awaiting human approval.
// Its ID is the originating request's ID (1:1).
type Action struct {
	ID            string          `json:"id"`
	Method        string          `json:"method"`
	Site          Site            `json:"site"`
	Params        json.RawMessage `json:"params,omitempty"`
	DisplayData   json.RawMessage `json:"displayData,omitempty"`
	Status        ActionStatus    `json:"status"`
	Time          time.Time       `json:"time"`
	TabID         int             `json:"tabId"`
	PopupWindowID int             `json:"popupWindowId"`
	Error         string          `json:"error,omitempty"`
}

// ActionStore persists actions so a crashed process can account for
// requests it will never be able to resolve.
type ActionStore interface {
	SaveAction(ctx context.Context, a *Action) error
	UpdateActionStatus(ctx context.Context, id string, status ActionStatus, errMsg string) error
	DeleteAction(ctx context.Context, id string) error
	ListPendingActions(ctx context.Context) ([]*Action, error)
}
