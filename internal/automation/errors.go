package automation

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited  = errors.New("automation: rate limited")
	ErrTransient    = errors.New("automation: transient failure")
	ErrPermanent    = errors.New("automation: permanent failure")
	ErrClientClosed = errors.New("automation: client closed")
)

// Platform error codes.
const (
	CodeFloodWait       = "FLOOD_WAIT"
	CodeAlreadyMember   = "ALREADY_MEMBER"
	CodeRoomNotFound    = "ROOM_NOT_FOUND"
	CodeForbidden       = "FORBIDDEN"
	CodeInvalidParam    = "INVALID_PARAM"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
	CodeTimeout         = "TIMEOUT"
	CodeRateLimitBudget = "RATE_LIMIT_BUDGET_EXHAUSTED"
)

type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// KindForCode classifies a platform error code. Unknown codes are permanent.
func KindForCode(code string) Kind {
	switch code {
	case CodeUnavailable, CodeInternal, CodeTimeout:
		return KindTransient
	default:
		return KindPermanent
	}
}

// RateLimitedError is the platform telling the identity to wait RetryAfter before the same call.
type RateLimitedError struct {
	Method     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("automation: %s rate limited, retry after %s", e.Method, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// PlatformError is a failed platform call that is not a rate limit.
type PlatformError struct {
	Method  string
	Code    string
	Message string
	Kind    Kind
}

func NewPlatformError(method, code, message string) *PlatformError {
	return &PlatformError{Method: method, Code: code, Message: message, Kind: KindForCode(code)}
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("automation: %s: %s (%s)", e.Method, e.Code, e.Kind)
	}
	return fmt.Sprintf("automation: %s: %s (%s): %s", e.Method, e.Code, e.Kind, e.Message)
}

func (e *PlatformError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrPermanent:
		return e.Kind == KindPermanent
	default:
		return false
	}
}

// IsCode checks whether err is a *PlatformError with the given code.
func IsCode(err error, code string) bool {
	var perr *PlatformError
	if errors.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

// RetryAfter extracts the platform-dictated wait from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
