package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"oncall-pager/internal/incident/domain"
)

const incidentColumns = `id, summary, tts_text, status, attempts, created_at, acknowledged_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an incident repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateIncident persists the incident. The incident must have ID set.
func (r *PostgresRepository) CreateIncident(ctx context.Context, inc *domain.Incident) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO incidents (`+incidentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inc.ID, inc.Summary, inc.TTSText, string(inc.Status), inc.Attempts, inc.CreatedAt, timeToNullTime(inc.AcknowledgedAt),
	)
	return err
}

// GetIncident returns the incident for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return inc, nil
}

// IncrementAttempt increments attempts in a single statement and returns the new count.
func (r *PostgresRepository) IncrementAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE incidents SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return attempts, err
}

// ReserveAttempt locks the incident row, checks status and the attempt budget, and increments
// attempts in the same transaction so concurrent retries cannot both pass the guard.
func (r *PostgresRepository) ReserveAttempt(ctx context.Context, id string, max int) (Reservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	inc, err := scanIncident(tx.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, err
	}
	if inc.Status == domain.StatusAcknowledged {
		return Reservation{Outcome: AlreadyAcknowledged, Index: inc.Attempts, Incident: inc}, nil
	}
	if inc.Attempts >= max {
		return Reservation{Outcome: MaxAttempts, Index: inc.Attempts, Incident: inc}, nil
	}
	index := inc.Attempts
	if _, err := tx.ExecContext(ctx, `UPDATE incidents SET attempts = attempts + 1 WHERE id = $1`, id); err != nil {
		return Reservation{}, fmt.Errorf("increment attempts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Reservation{}, err
	}
	inc.Attempts = index + 1
	return Reservation{Outcome: Reserved, Index: index, Incident: inc}, nil
}

// MarkAnswered moves the incident from new to answered_unacked. It never overrides acknowledged.
func (r *PostgresRepository) MarkAnswered(ctx context.Context, id string) (*domain.Incident, error) {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE incidents SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(domain.StatusAnsweredUnacked), string(domain.StatusNew),
	); err != nil {
		return nil, err
	}
	inc, err := r.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, ErrNotFound
	}
	return inc, nil
}

// MarkAcknowledged sets the terminal status. acknowledged_at is only set the first time.
func (r *PostgresRepository) MarkAcknowledged(ctx context.Context, id string, at time.Time) (*domain.Incident, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE incidents SET status = $2, acknowledged_at = COALESCE(acknowledged_at, $3)
		 WHERE id = $1 RETURNING `+incidentColumns,
		id, string(domain.StatusAcknowledged), at,
	)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inc, nil
}

// LogCallAttempt appends a call attempt row.
func (r *PostgresRepository) LogCallAttempt(ctx context.Context, a *domain.CallAttempt) error {
	dtmf := sql.NullString{String: a.DTMF, Valid: a.DTMF != ""}
	var duration sql.NullInt64
	if a.DurationSec != nil {
		duration = sql.NullInt64{Int64: int64(*a.DurationSec), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_attempts (id, incident_id, callee, provider, result, dtmf, duration_sec, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.IncidentID, a.Callee, a.Provider, a.Result, dtmf, duration, a.CreatedAt,
	)
	return err
}

// ListCallAttempts returns the incident's attempts ordered by created_at.
// Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListCallAttempts(ctx context.Context, incidentID string) ([]*domain.CallAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, incident_id, callee, provider, result, dtmf, duration_sec, created_at
		 FROM call_attempts WHERE incident_id = $1 ORDER BY created_at, id`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.CallAttempt
	for rows.Next() {
		var (
			a        domain.CallAttempt
			dtmf     sql.NullString
			duration sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.Callee, &a.Provider, &a.Result, &dtmf, &duration, &a.CreatedAt); err != nil {
			return nil, err
		}
		if dtmf.Valid {
			a.DTMF = dtmf.String
		}
		if duration.Valid {
			d := int(duration.Int64)
			a.DurationSec = &d
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*domain.Incident, error) {
	var (
		inc    domain.Incident
		status string
		ackAt  sql.NullTime
	)
	if err := row.Scan(&inc.ID, &inc.Summary, &inc.TTSText, &status, &inc.Attempts, &inc.CreatedAt, &ackAt); err != nil {
		return nil, err
	}
	inc.Status = domain.Status(status)
	inc.AcknowledgedAt = nullTimeToPtr(ackAt)
	return &inc, nil
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
