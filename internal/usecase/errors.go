package usecase

import "fmt"

type ErrorCode string

const (
	ErrorAuthInvalid       ErrorCode = "AUTH_INVALID"
	ErrorBadRequest        ErrorCode = "BAD_REQUEST"
	ErrorForbidden         ErrorCode = "FORBIDDEN"
	ErrorNotFound          ErrorCode = "NOT_FOUND"
	ErrorQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrorAIUnavailable     ErrorCode = "AI_UNAVAILABLE"
	ErrorStorage           ErrorCode = "STORAGE_ERROR"
	ErrorCoachLimitReached ErrorCode = "COACH_LIMIT_REACHED"
	ErrorRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure returned by every service operation. Reason is
// a stable snake_case tag for logs and tests. Count carries the usage count
// for ErrorQuotaExceeded.
type Error struct {
	Code   ErrorCode
	Reason string
	Count  int
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func quotaExceeded(count int) *Error {
	return &Error{Code: ErrorQuotaExceeded, Reason: "daily_limit_reached", Count: count}
}
