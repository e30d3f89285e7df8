package domain

import "time"

// Result values for CallAttempt. Router-written rows may also carry the raw provider status.
const (
	ResultInitiated = "initiated"
	ResultAnswered  = "answered"
	ResultNoAnswer  = "no_answer"
	ResultFailed    = "failed"
	ResultAck       = "ack"
)

// UnknownCallee is recorded when a row cannot be attributed to a dialed contact.
const UnknownCallee = "unknown"

// CallAttempt is an immutable audit record of one call or notification action for an incident.
type CallAttempt struct {
	ID          string
	IncidentID  string
	Callee      string
	Provider    string
	Result      string
	DTMF        string
	DurationSec *int
	CreatedAt   time.Time
}
