// Package audit records call attempts, the append-only history of an escalation.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oncall-pager/internal/incident/domain"
)

// Writer persists call attempts. Satisfied by the incident repository.
type Writer interface {
	LogCallAttempt(ctx context.Context, a *domain.CallAttempt) error
}

// Entry is the caller-supplied part of a call attempt.
type Entry struct {
	IncidentID  string
	Callee      string
	Provider    string
	Result      string
	DTMF        string
	DurationSec *int
}

// AttemptLogger writes call attempts. LogAttempt is best-effort: failures are logged and do
// not affect the caller.
type AttemptLogger interface {
	LogAttempt(ctx context.Context, e Entry) *domain.CallAttempt
}

// Logger implements AttemptLogger on top of a Writer.
type Logger struct {
	repo   Writer
	logger *zap.Logger
	now    func() time.Time
}

// NewLogger returns a Logger persisting to repo.
func NewLogger(repo Writer, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{repo: repo, logger: logger, now: time.Now}
}

// LogAttempt assigns an id and timestamp and writes the attempt. It returns the attempt
// as built, whether or not the write succeeded.
func (l *Logger) LogAttempt(ctx context.Context, e Entry) *domain.CallAttempt {
	a := &domain.CallAttempt{
		ID:          uuid.New().String(),
		IncidentID:  e.IncidentID,
		Callee:      e.Callee,
		Provider:    e.Provider,
		Result:      e.Result,
		DTMF:        e.DTMF,
		DurationSec: e.DurationSec,
		CreatedAt:   l.now().UTC(),
	}
	if l.repo == nil {
		return a
	}
	if err := l.repo.LogCallAttempt(ctx, a); err != nil {
		l.logger.Error("audit: failed to log call attempt",
			zap.String("incident_id", e.IncidentID),
			zap.String("result", e.Result),
			zap.Error(err))
	}
	return a
}
