package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for the transports.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindForbidden          ErrorKind = "forbidden"
	KindInvalidArgument    ErrorKind = "invalid_argument"
	KindDomainViolation    ErrorKind = "domain_violation"
	KindPreconditionFailed ErrorKind = "precondition_failed"
	KindUnauthenticated    ErrorKind = "unauthenticated"
	KindConflict           ErrorKind = "conflict"
	KindInternal           ErrorKind = "internal"
)

// Error is the error type returned by the chat service.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound  = &Error{Kind: KindNotFound, Message: "not found"}
	ErrForbidden = &Error{Kind: KindForbidden, Message: "forbidden"}
)

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func internalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-facing message of err. Internal details are
// never exposed.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}

// Messages shared by every authorization path so that joining a room, reading
// history and sending all fail the same way.
const (
	msgNotParticipant = "you are not a participant in this chat"
	msgNotAuthor      = "you can only modify your own messages"
	msgWindowElapsed  = "messages can only be edited or deleted within 5 minutes of sending"
	msgContentTooLong = "message content must be at most 10000 characters"
)
