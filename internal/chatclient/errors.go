package chatclient

import (
	"errors"
	"fmt"
)

var (
	ErrSendInFlight   = errors.New("chatclient: a message is already being sent")
	ErrNoConversation = errors.New("chatclient: no coach is open")
	ErrLoading        = errors.New("chatclient: conversation is still loading")
)

// Kind groups failures by what the caller should show.
type Kind string

const (
	KindAuth          Kind = "auth"
	KindBadRequest    Kind = "bad_request"
	KindForbidden     Kind = "forbidden"
	KindNotFound      Kind = "not_found"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindCoachLimit    Kind = "coach_limit"
	KindUnavailable   Kind = "unavailable"
)

// Error is a classified chat API failure.
type Error struct {
	Kind         Kind
	Message      string
	StatusCode   int
	MessageCount int
	Err          error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("chatclient: %s: %v", msg, e.Err)
	}
	return "chatclient: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsQuotaExceeded reports whether err means the daily ceiling was hit, so the
// caller can offer an upgrade instead of a generic failure.
func IsQuotaExceeded(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindQuotaExceeded
}

func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindUnavailable, Err: err}
}
