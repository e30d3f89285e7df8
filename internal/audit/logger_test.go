package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"oncall-pager/internal/incident/domain"
)

// mockWriter implements Writer for tests.
type mockWriter struct {
	attempts  []*domain.CallAttempt
	createErr error
}

func (m *mockWriter) LogCallAttempt(ctx context.Context, a *domain.CallAttempt) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.attempts = append(m.attempts, a)
	return nil
}

func TestLogger_LogAttempt_Success(t *testing.T) {
	repo := &mockWriter{}
	l := NewLogger(repo, nil)
	l.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.FixedZone("KST", 9*3600)) }
	dur := 12

	got := l.LogAttempt(context.Background(), Entry{
		IncidentID: "inc-1", Callee: "+8210", Provider: "twilio",
		Result: domain.ResultAnswered, DTMF: "1", DurationSec: &dur,
	})

	if len(repo.attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(repo.attempts))
	}
	a := repo.attempts[0]
	if a != got {
		t.Error("LogAttempt should return the persisted attempt")
	}
	if a.ID == "" {
		t.Error("attempt ID should be set")
	}
	if a.IncidentID != "inc-1" || a.Callee != "+8210" || a.Provider != "twilio" || a.Result != "answered" || a.DTMF != "1" {
		t.Errorf("attempt = %+v", a)
	}
	if a.DurationSec == nil || *a.DurationSec != 12 {
		t.Errorf("duration = %v", a.DurationSec)
	}
	if a.CreatedAt.Location() != time.UTC {
		t.Error("CreatedAt should be UTC")
	}
}

func TestLogger_LogAttempt_UniqueIDs(t *testing.T) {
	repo := &mockWriter{}
	l := NewLogger(repo, nil)
	l.LogAttempt(context.Background(), Entry{IncidentID: "inc-1", Result: domain.ResultInitiated})
	l.LogAttempt(context.Background(), Entry{IncidentID: "inc-1", Result: domain.ResultInitiated})
	if repo.attempts[0].ID == repo.attempts[1].ID {
		t.Error("attempt ids must be unique")
	}
}

func TestLogger_LogAttempt_WriteErrorIsSwallowed(t *testing.T) {
	repo := &mockWriter{createErr: errors.New("db down")}
	l := NewLogger(repo, nil)
	got := l.LogAttempt(context.Background(), Entry{IncidentID: "inc-1", Result: domain.ResultFailed})
	if got == nil || got.Result != domain.ResultFailed {
		t.Errorf("attempt = %+v", got)
	}
}

func TestLogger_LogAttempt_NilRepo(t *testing.T) {
	l := NewLogger(nil, nil)
	if got := l.LogAttempt(context.Background(), Entry{IncidentID: "inc-1"}); got == nil {
		t.Error("expected attempt even without a writer")
	}
}
