package auth

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Code values are part of the public contract; never renumber them.
type Code int

const (
	CodeInvalidRequest      Code = 1
	CodeEmailInUse          Code = 2
	CodeUsernameInUse       Code = 3
	CodeBirthdateRequired   Code = 4
	CodeUserNotFound        Code = 5
	CodeInvalidPassword     Code = 6
	CodeIPBlocked           Code = 7
	CodeRefreshTokenMissing Code = 8
	CodeRefreshTokenInvalid Code = 9
	CodeSessionNotFound     Code = 10
	CodeAccessTokenInvalid  Code = 11
	CodeForbidden           Code = 12
	CodePasswordUnchanged   Code = 13
	CodeTooManyRequests     Code = 14
)

// Error is returned for every expected, locally recoverable failure.
// Anything else coming out of the service is an internal error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Until   time.Time
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches on Code so fresh instances compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrEmailInUse          = &Error{Kind: KindValidation, Code: CodeEmailInUse, Message: "email already in use"}
	ErrUsernameInUse       = &Error{Kind: KindValidation, Code: CodeUsernameInUse, Message: "username already in use"}
	ErrBirthdateRequired   = &Error{Kind: KindValidation, Code: CodeBirthdateRequired, Message: "birthdate is required"}
	ErrUserNotFound        = &Error{Kind: KindValidation, Code: CodeUserNotFound, Message: "user not found"}
	ErrInvalidPassword     = &Error{Kind: KindAuthentication, Code: CodeInvalidPassword, Message: "invalid password"}
	ErrIPBlocked           = &Error{Kind: KindRateLimited, Code: CodeIPBlocked, Message: "too many failed attempts, ip temporarily blocked"}
	ErrRefreshTokenMissing = &Error{Kind: KindAuthentication, Code: CodeRefreshTokenMissing, Message: "refresh token missing"}
	ErrRefreshTokenInvalid = &Error{Kind: KindAuthentication, Code: CodeRefreshTokenInvalid, Message: "invalid or expired refresh token"}
	ErrSessionNotFound     = &Error{Kind: KindValidation, Code: CodeSessionNotFound, Message: "session not found"}
	ErrAccessTokenInvalid  = &Error{Kind: KindAuthentication, Code: CodeAccessTokenInvalid, Message: "invalid or expired access token"}
	ErrForbidden           = &Error{Kind: KindAuthentication, Code: CodeForbidden, Message: "insufficient permissions"}
	ErrPasswordUnchanged   = &Error{Kind: KindValidation, Code: CodePasswordUnchanged, Message: "new password must differ from the old one"}
	ErrTooManyRequests     = &Error{Kind: KindRateLimited, Code: CodeTooManyRequests, Message: "too many login attempts"}
)

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func ipBlocked(until time.Time) *Error {
	return &Error{Kind: KindRateLimited, Code: CodeIPBlocked, Message: ErrIPBlocked.Message, Until: until}
}

// AsError extracts the typed error, if any.
func AsError(err error) (*Error, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

// ErrNotFound is returned by stores when a lookup matches nothing. The
// service maps it to the caller-facing code for that operation.
var ErrNotFound = errors.New("record not found")
