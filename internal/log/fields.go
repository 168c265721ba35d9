package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID   = "session_id"
	FieldRoomID      = "room_id"
	FieldCreatorID   = "creator_id"
	FieldMemberID    = "member_id"
	FieldRequestID   = "request_id"
	FieldComponent   = "component"
	FieldEvent       = "event"
	FieldMethod      = "method"
	FieldAttempt     = "attempt"
	FieldRetryAfter  = "retry_after"
	FieldReason      = "reason"
	FieldFireAt      = "fire_at"
	FieldOldState    = "old_state"
	FieldNewState    = "new_state"
	FieldPrice       = "price"
	FieldDurationMin = "duration_minutes"
)
