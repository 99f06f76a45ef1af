package schema

import "time"

// DeliveryState tracks replay attempts of a pending operation.
type DeliveryState struct {
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// Due reports whether the operation may be attempted at now.
func (d DeliveryState) Due(now time.Time) bool {
	return d.NextAttemptAt.IsZero() || !now.Before(d.NextAttemptAt)
}

// FailureReason says why an operation left the pending queue without being delivered.
type FailureReason string

const (
	ReasonTerminal         FailureReason = "terminal"
	ReasonRetriesExhausted FailureReason = "retries-exhausted"
)

// FailedOperation is a "stuck" operation kept for the user to retry or discard.
type FailedOperation struct {
	Operation PendingOperation `json:"operation"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error"`
	Reason    FailureReason    `json:"reason"`
	FailedAt  time.Time        `json:"failed_at"`
}
