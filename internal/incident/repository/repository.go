package repository

import (
	"context"
	"errors"
	"time"

	"oncall-pager/internal/incident/domain"
)

// ErrNotFound is returned by mutating operations when the incident does not exist.
var ErrNotFound = errors.New("incident not found")

// ReserveOutcome describes the result of an attempt reservation.
type ReserveOutcome int

const (
	// Reserved means the attempt counter was incremented and a call may be placed.
	Reserved ReserveOutcome = iota
	// MaxAttempts means the incident already used all of its attempts.
	MaxAttempts
	// AlreadyAcknowledged means the incident is terminal and must not be dialed again.
	AlreadyAcknowledged
)

// Reservation is returned by ReserveAttempt. Index is the zero-based attempt index the
// caller owns (the attempts value before the increment); only meaningful when Outcome is Reserved.
type Reservation struct {
	Outcome  ReserveOutcome
	Index    int
	Incident *domain.Incident
}

// Repository defines persistence for incidents and call attempts.
// All single-incident mutations are atomic per incident; it is the only serialization point
// between concurrent webhook handlers, including across service instances.
type Repository interface {
	CreateIncident(ctx context.Context, inc *domain.Incident) error
	// GetIncident returns the incident for id, or nil if not found.
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	// IncrementAttempt unconditionally increments attempts and returns the new value.
	IncrementAttempt(ctx context.Context, id string) (int, error)
	// ReserveAttempt increments attempts only when the incident is not acknowledged and attempts < max.
	ReserveAttempt(ctx context.Context, id string, max int) (Reservation, error)
	// MarkAnswered moves a new incident to answered_unacked; other statuses are left untouched.
	MarkAnswered(ctx context.Context, id string) (*domain.Incident, error)
	// MarkAcknowledged sets status acknowledged; acknowledged_at keeps its first value.
	MarkAcknowledged(ctx context.Context, id string, at time.Time) (*domain.Incident, error)
	// LogCallAttempt appends an immutable call attempt. The attempt must have ID set.
	LogCallAttempt(ctx context.Context, a *domain.CallAttempt) error
	// ListCallAttempts returns the attempts for an incident ordered by creation time.
	ListCallAttempts(ctx context.Context, incidentID string) ([]*domain.CallAttempt, error)
}
