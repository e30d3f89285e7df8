package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"oncall-pager/internal/incident/domain"
)

// MemoryRepository is an in-process Repository used when no DATABASE_URL is configured and in tests.
// A single mutex serializes every mutation, which satisfies the per-incident atomicity contract
// for one process only.
type MemoryRepository struct {
	mu        sync.Mutex
	incidents map[string]*domain.Incident
	attempts  map[string][]*domain.CallAttempt
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		incidents: make(map[string]*domain.Incident),
		attempts:  make(map[string][]*domain.CallAttempt),
	}
}

func (r *MemoryRepository) CreateIncident(ctx context.Context, inc *domain.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents[inc.ID] = copyIncident(inc)
	return nil
}

func (r *MemoryRepository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, nil
	}
	return copyIncident(inc), nil
}

func (r *MemoryRepository) IncrementAttempt(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return 0, ErrNotFound
	}
	inc.Attempts++
	return inc.Attempts, nil
}

func (r *MemoryRepository) ReserveAttempt(ctx context.Context, id string, max int) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if inc.Status == domain.StatusAcknowledged {
		return Reservation{Outcome: AlreadyAcknowledged, Index: inc.Attempts, Incident: copyIncident(inc)}, nil
	}
	if inc.Attempts >= max {
		return Reservation{Outcome: MaxAttempts, Index: inc.Attempts, Incident: copyIncident(inc)}, nil
	}
	index := inc.Attempts
	inc.Attempts++
	return Reservation{Outcome: Reserved, Index: index, Incident: copyIncident(inc)}, nil
}

func (r *MemoryRepository) MarkAnswered(ctx context.Context, id string) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inc.Status.CanTransitionTo(domain.StatusAnsweredUnacked) {
		inc.Status = domain.StatusAnsweredUnacked
	}
	return copyIncident(inc), nil
}

func (r *MemoryRepository) MarkAcknowledged(ctx context.Context, id string, at time.Time) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inc.Status.CanTransitionTo(domain.StatusAcknowledged) {
		inc.Status = domain.StatusAcknowledged
	}
	if inc.AcknowledgedAt == nil {
		t := at
		inc.AcknowledgedAt = &t
	}
	return copyIncident(inc), nil
}

func (r *MemoryRepository) LogCallAttempt(ctx context.Context, a *domain.CallAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.attempts[a.IncidentID] = append(r.attempts[a.IncidentID], &cp)
	return nil
}

func (r *MemoryRepository) ListCallAttempts(ctx context.Context, incidentID string) ([]*domain.CallAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.attempts[incidentID]
	out := make([]*domain.CallAttempt, len(list))
	for i, a := range list {
		cp := *a
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyIncident(inc *domain.Incident) *domain.Incident {
	cp := *inc
	if inc.AcknowledgedAt != nil {
		t := *inc.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	return &cp
}
