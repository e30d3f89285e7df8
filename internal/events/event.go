// Package events publishes escalation progress events to downstream sinks (Kafka, OTel logs).
package events

import "time"

// Type names an escalation event.
type Type string

const (
	TypeEscalationStarted  Type = "escalation_started"
	TypeCallStart          Type = "call_start"
	TypeCallInitiated      Type = "call_initiated"
	TypeCallAnswered       Type = "call_answered"
	TypeCallFailed         Type = "call_failed"
	TypeCallError          Type = "call_error"
	TypeEscalationComplete Type = "escalation_complete"
	TypeEscalationFailed   Type = "escalation_failed"
	TypeAcknowledged       Type = "acknowledged"
	TypeMaxAttemptsReached Type = "max_attempts_reached"
)

// Event is one escalation event. The JSON form is the Kafka message value and the Loki log line.
type Event struct {
	Type       Type      `json:"eventType"`
	IncidentID string    `json:"incidentId,omitempty"`
	Step       int       `json:"step,omitempty"`
	Callee     string    `json:"callee,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	CallID     string    `json:"callId,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Duration   int       `json:"durationSec,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
