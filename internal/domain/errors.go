package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the request pipeline.
var (
	ErrMethodNotFound  = fmt.Errorf("rpc method not supported")
	ErrMethodAmbiguous = fmt.Errorf("rpc method supported by multiple handlers")
	ErrInvalidParams   = fmt.Errorf("rpc params invalid")
	ErrUnauthorized    = fmt.Errorf("domain not authorized")
	ErrInternal        = fmt.Errorf("internal error")

	// Approval lifecycle.
	ErrUserRejected    = fmt.Errorf("user rejected the request")
	ErrActionNotFound  = fmt.Errorf("action not found")
	ErrActionCollision = fmt.Errorf("action already pending for request id")
	ErrDomainNotSet    = fmt.Errorf("domain not set")
	ErrAccountNotFound = fmt.Errorf("selected account not found")

	// Collaborators.
	ErrSignerUnavailable = fmt.Errorf("signing backend unavailable")
	ErrUpstream          = fmt.Errorf("upstream node error")
	ErrRateLimited       = fmt.Errorf("rate limit exceeded")

	// Transport / process.
	ErrAuthInvalid = fmt.Errorf("session authentication failed")
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "ActionQueue.Approve")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsUserRejection reports whether err is the user-cancellation class,
// which callers must distinguish from generic failures. Orphaned approval
// windows surface the same class so the promise always settles.
func IsUserRejection(err error) bool {
	return errors.Is(err, ErrUserRejected)
}

// ErrorCode is a machine-parseable error category carried on response
// frames and used for monitoring.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeMethodNotFound    ErrorCode = "METHOD_NOT_FOUND"
	CodeMethodAmbiguous   ErrorCode = "METHOD_AMBIGUOUS"
	CodeInvalidParams     ErrorCode = "INVALID_PARAMS"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeInternal          ErrorCode = "INTERNAL"
	CodeUserRejected      ErrorCode = "USER_REJECTED"
	CodeActionNotFound    ErrorCode = "ACTION_NOT_FOUND"
	CodeActionCollision   ErrorCode = "ACTION_COLLISION"
	CodeDomainNotSet      ErrorCode = "DOMAIN_NOT_SET"
	CodeAccountNotFound   ErrorCode = "ACCOUNT_NOT_FOUND"
	CodeSignerUnavailable ErrorCode = "SIGNER_UNAVAILABLE"
	CodeUpstream          ErrorCode = "UPSTREAM"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrMethodNotFound:    CodeMethodNotFound,
	ErrMethodAmbiguous:   CodeMethodAmbiguous,
	ErrInvalidParams:     CodeInvalidParams,
	ErrUnauthorized:      CodeUnauthorized,
	ErrInternal:          CodeInternal,
	ErrUserRejected:      CodeUserRejected,
	ErrActionNotFound:    CodeActionNotFound,
	ErrActionCollision:   CodeActionCollision,
	ErrDomainNotSet:      CodeDomainNotSet,
	ErrAccountNotFound:   CodeAccountNotFound,
	ErrSignerUnavailable: CodeSignerUnavailable,
	ErrUpstream:          CodeUpstream,
	ErrRateLimited:       CodeRateLimited,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrConfigLoad:        CodeConfigLoad,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
