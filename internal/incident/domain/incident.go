package domain

import "time"

// Status is the lifecycle state of an incident. Transitions are monotonic:
// new -> answered_unacked -> acknowledged, or new -> acknowledged.
type Status string

const (
	StatusNew             Status = "new"
	StatusAnsweredUnacked Status = "answered_unacked"
	StatusAcknowledged    Status = "acknowledged"
)

// rank orders statuses so callers can reject regressions.
func (s Status) rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusAnsweredUnacked:
		return 1
	case StatusAcknowledged:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
func (s Status) CanTransitionTo(next Status) bool {
	return next.rank() > s.rank()
}

// Incident represents one unit of alerting work that needs a human acknowledgment.
type Incident struct {
	ID             string
	Summary        string
	TTSText        string
	Status         Status
	Attempts       int
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}

// IsAcknowledged reports whether the incident reached its terminal success state.
func (i *Incident) IsAcknowledged() bool {
	return i != nil && i.Status == StatusAcknowledged
}
