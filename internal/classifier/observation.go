package classifier

import (
	"strings"
	"time"
)

// CallStatus is a provider call status normalized to Twilio's vocabulary.
type CallStatus string

const (
	StatusInitiated  CallStatus = "initiated"
	StatusQueued     CallStatus = "queued"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusBusy       CallStatus = "busy"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
	StatusNoAnswer   CallStatus = "no-answer"
)

// NormalizeStatus maps provider-specific spellings onto CallStatus.
// Vonage reports "started"/"answered"/"unanswered"/"rejected"/"timeout"; SOLAPI reports uppercase states.
func NormalizeStatus(raw string) CallStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	switch s {
	case "started", "initiated":
		return StatusInitiated
	case "queued", "pending", "sending":
		return StatusQueued
	case "ringing":
		return StatusRinging
	case "in-progress", "answered", "inprogress":
		return StatusInProgress
	case "completed", "complete":
		return StatusCompleted
	case "busy":
		return StatusBusy
	case "failed", "rejected", "error":
		return StatusFailed
	case "canceled", "cancelled":
		return StatusCanceled
	case "no-answer", "unanswered", "timeout":
		return StatusNoAnswer
	}
	return CallStatus(s)
}

// Observation is one status sample of a placed call.
type Observation struct {
	Status CallStatus
	// Duration is the connected duration reported by the backend; zero until it settles.
	Duration time.Duration
	// AnsweredBy carries the backend's answering-machine detection result, if any
	// (e.g. "human", "machine_start", "fax", "unknown").
	AnsweredBy string
}

// IsMachine reports whether the backend flagged the call as answered by a machine or fax.
func (o Observation) IsMachine() bool {
	a := strings.ToLower(o.AnsweredBy)
	return strings.HasPrefix(a, "machine") || a == "fax"
}
