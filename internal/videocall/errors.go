package videocall

import (
	"errors"
	"fmt"
)

var (
	ErrProvisionFailed = errors.New("room provisioning failed")
	ErrAdmissionFailed = errors.New("room admission failed")
	ErrPricingDisabled = errors.New("creator has video calls disabled")
	// ErrRefundDeferred means the refund is recorded on the session but the sink has not
	// accepted it yet. It is retried by Cancel, Reconcile and every sweep.
	ErrRefundDeferred = errors.New("refund delivery deferred")
)

// SessionError is returned by StartSession once a session row exists. The session has
// been cancelled; Refunded reports whether a refund obligation was raised for it, either
// delivered to the sink or recorded for a later retry.
type SessionError struct {
	SessionID string
	Refunded  bool
	Err       error
}

func (e *SessionError) Error() string {
	if e.Refunded {
		return fmt.Sprintf("session %s cancelled, refund required: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("session %s cancelled: %v", e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
