// Package escalation implements the incident escalation state machine: contact selection by
// attempt parity, bounded retries, and acknowledgment as the only terminal success.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oncall-pager/internal/audit"
	"oncall-pager/internal/events"
	"oncall-pager/internal/incident/domain"
	"oncall-pager/internal/incident/repository"
	"oncall-pager/internal/provider"
	telemetryotel "oncall-pager/internal/telemetry/otel"
)

// DefaultMaxAttempts applies when Config.MaxAttempts is not positive.
const DefaultMaxAttempts = 12

// ErrIncidentNotFound is returned for operations on an unknown incident.
var ErrIncidentNotFound = errors.New("incident not found")

// Store is the persistence the service needs.
type Store interface {
	CreateIncident(ctx context.Context, inc *domain.Incident) error
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ReserveAttempt(ctx context.Context, id string, max int) (repository.Reservation, error)
	MarkAnswered(ctx context.Context, id string) (*domain.Incident, error)
	MarkAcknowledged(ctx context.Context, id string, at time.Time) (*domain.Incident, error)
	ListCallAttempts(ctx context.Context, incidentID string) ([]*domain.CallAttempt, error)
}

// TokenSigner issues the token appended to provider callback URLs.
type TokenSigner interface {
	Sign(incidentID string) (string, error)
}

// Config holds the escalation policy.
type Config struct {
	Primary   domain.Contact
	Secondary domain.Contact
	// MaxAttempts caps placed calls per incident.
	MaxAttempts int
	// CallbackBase is the public base URL providers call back on.
	CallbackBase string
	// RingTimeout is how long each call may ring (CALL_TIMEOUT_SECONDS).
	RingTimeout time.Duration
}

// Placement describes one placed (or rejected) call.
type Placement struct {
	IncidentID  string `json:"incident_id"`
	CallID      string `json:"call_id"`
	Callee      string `json:"to"`
	Role        string `json:"role"`
	ContactName string `json:"contact_name,omitempty"`
	// Attempt is the zero-based attempt index this call consumed.
	Attempt int `json:"attempt"`
	// Failed is true when the provider rejected the request and CallID is a failure id.
	Failed bool `json:"failed"`
}

// RetryStatus is the variant of a RetryResult.
type RetryStatus string

const (
	RetryPlaced           RetryStatus = "placed"
	RetryMaxAttempts      RetryStatus = "max_attempts_reached"
	RetryIncidentNotFound RetryStatus = "incident_not_found"
	// RetryAcknowledged means the incident was already acknowledged; nothing was dialed.
	RetryAcknowledged RetryStatus = "acknowledged"
)

// RetryResult is the outcome of RetryNext. Placement is set only for RetryPlaced.
type RetryResult struct {
	Status    RetryStatus `json:"status"`
	Placement *Placement  `json:"placement,omitempty"`
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithSigner authenticates callback URLs with signer.
func WithSigner(signer TokenSigner) Option { return func(s *Service) { s.signer = signer } }

// WithEmitter publishes escalation events to e.
func WithEmitter(e events.Emitter) Option { return func(s *Service) { s.emitter = e } }

// WithMetrics records escalation metrics.
func WithMetrics(m *telemetryotel.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithAttemptLogger overrides the call attempt logger (defaults to one writing to the store).
func WithAttemptLogger(l audit.AttemptLogger) Option { return func(s *Service) { s.attempts = l } }

// Service is the escalation state machine. All mutations go through Store, which serializes
// them per incident; Service holds no per-incident state.
type Service struct {
	store    Store
	provider provider.Capability
	attempts audit.AttemptLogger
	signer   TokenSigner
	emitter  events.Emitter
	metrics  *telemetryotel.Metrics
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewService returns a Service. repo backs both incident state and the call attempt log.
func NewService(repo repository.Repository, capability provider.Capability, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    repo,
		provider: capability,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	if repo != nil {
		s.attempts = audit.NewLogger(repo, logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider returns the capability calls are placed through.
func (s *Service) Provider() provider.Capability { return s.provider }

// MaxAttempts is the effective attempt cap. Without a secondary contact the sequence
// collapses to two primary attempts.
func (s *Service) MaxAttempts() int {
	limit := s.cfg.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	if s.cfg.Secondary.IsZero() && limit > 2 {
		limit = 2
	}
	return limit
}

// ContactFor selects the contact for a zero-based attempt index: even to primary, odd to
// secondary. Odd attempts fall back to primary when no secondary is configured.
func (s *Service) ContactFor(attempt int) domain.Contact {
	if attempt%2 == 1 && !s.cfg.Secondary.IsZero() {
		c := s.cfg.Secondary
		c.Role = domain.RoleSecondary
		return c
	}
	c := s.cfg.Primary
	c.Role = domain.RolePrimary
	return c
}

// CreateIncident persists a new incident without dialing anyone.
func (s *Service) CreateIncident(ctx context.Context, summary, ttsText string) (*domain.Incident, error) {
	if ttsText == "" {
		ttsText = summary
	}
	inc := &domain.Incident{
		ID:        uuid.New().String(),
		Summary:   summary,
		TTSText:   ttsText,
		Status:    domain.StatusNew,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	events.EmitAsync(s.emitter, s.logger, events.Event{
		Type:       events.TypeEscalationStarted,
		IncidentID: inc.ID,
		Message:    summary,
	})
	return inc, nil
}

// StartEscalation creates an incident and places attempt 0 to the primary contact.
func (s *Service) StartEscalation(ctx context.Context, summary, ttsText string) (*Placement, error) {
	if s.provider == nil {
		return nil, provider.ErrProviderUnavailable
	}
	inc, err := s.CreateIncident(ctx, summary, ttsText)
	if err != nil {
		return nil, err
	}
	res, err := s.RetryNext(ctx, inc.ID, inc.TTSText)
	if err != nil {
		return nil, err
	}
	if res.Placement == nil {
		return nil, fmt.Errorf("start escalation: unexpected %s", res.Status)
	}
	return res.Placement, nil
}

// RetryNext places the next call by attempt parity unless the incident is acknowledged or
// out of attempts. An empty ttsText reuses the incident's text.
func (s *Service) RetryNext(ctx context.Context, incidentID, ttsText string) (RetryResult, error) {
	return s.dial(ctx, incidentID, ttsText, nil, s.MaxAttempts())
}

// DialContact reserves the next attempt like RetryNext but calls contact instead of the
// parity choice. Used by the sequential driver, which builds its own contact sequence, so
// only the configured cap applies, not the collapsed one.
func (s *Service) DialContact(ctx context.Context, incidentID, ttsText string, contact domain.Contact) (RetryResult, error) {
	limit := s.cfg.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	return s.dial(ctx, incidentID, ttsText, &contact, limit)
}

func (s *Service) dial(ctx context.Context, incidentID, ttsText string, contact *domain.Contact, limit int) (RetryResult, error) {
	if s.provider == nil {
		return RetryResult{}, provider.ErrProviderUnavailable
	}
	res, err := s.store.ReserveAttempt(ctx, incidentID, limit)
	if errors.Is(err, repository.ErrNotFound) {
		return RetryResult{Status: RetryIncidentNotFound}, nil
	}
	if err != nil {
		return RetryResult{}, fmt.Errorf("reserve attempt: %w", err)
	}
	switch res.Outcome {
	case repository.AlreadyAcknowledged:
		return RetryResult{Status: RetryAcknowledged}, nil
	case repository.MaxAttempts:
		s.logger.Info("escalation: max attempts reached",
			zap.String("incident_id", incidentID),
			zap.Int("attempts", res.Index))
		events.EmitAsync(s.emitter, s.logger, events.Event{Type: events.TypeMaxAttemptsReached, IncidentID: incidentID})
		return RetryResult{Status: RetryMaxAttempts}, nil
	}
	if ttsText == "" && res.Incident != nil {
		ttsText = res.Incident.TTSText
	}
	target := s.ContactFor(res.Index)
	if contact != nil {
		target = *contact
	}
	p := s.place(ctx, incidentID, ttsText, target, res.Index)
	return RetryResult{Status: RetryPlaced, Placement: p}, nil
}

// place issues the call and logs it as initiated, or failed when the provider rejected it.
func (s *Service) place(ctx context.Context, incidentID, ttsText string, contact domain.Contact, attempt int) *Placement {
	var token string
	if s.signer != nil {
		t, err := s.signer.Sign(incidentID)
		if err != nil {
			s.logger.Error("escalation: sign callback token", zap.String("incident_id", incidentID), zap.Error(err))
		}
		token = t
	}
	callID := s.provider.PlaceCall(ctx, provider.PlaceCallRequest{
		To:            contact.Address,
		TTSText:       ttsText,
		CallbackBase:  s.cfg.CallbackBase,
		IncidentID:    incidentID,
		CallbackToken: token,
		ContactName:   contact.Name,
		RingTimeout:   s.cfg.RingTimeout,
	})
	failed := provider.IsFailureID(callID)
	result := domain.ResultInitiated
	evType := events.TypeCallInitiated
	if failed {
		result = domain.ResultFailed
		evType = events.TypeCallError
	}
	s.logAttempt(ctx, audit.Entry{
		IncidentID: incidentID,
		Callee:     contact.Address,
		Provider:   s.provider.Name(),
		Result:     result,
	})
	s.metrics.CallPlaced(ctx, s.provider.Name(), failed)
	events.EmitAsync(s.emitter, s.logger, events.Event{
		Type:       evType,
		IncidentID: incidentID,
		Step:       attempt + 1,
		Callee:     contact.Address,
		Provider:   s.provider.Name(),
		CallID:     callID,
	})
	s.logger.Info("escalation: call placed",
		zap.String("incident_id", incidentID),
		zap.Int("attempt", attempt),
		zap.String("role", contact.Role),
		zap.String("call_id", callID),
		zap.Bool("failed", failed))
	return &Placement{
		IncidentID:  incidentID,
		CallID:      callID,
		Callee:      contact.Address,
		Role:        contact.Role,
		ContactName: contact.Name,
		Attempt:     attempt,
		Failed:      failed,
	}
}

// Acknowledge moves the incident to acknowledged. Repeated calls keep the first
// acknowledged_at but still log an ack attempt.
func (s *Service) Acknowledge(ctx context.Context, incidentID, dtmf string) error {
	before, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("get incident: %w", err)
	}
	if before == nil {
		return ErrIncidentNotFound
	}
	if _, err := s.store.MarkAcknowledged(ctx, incidentID, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrIncidentNotFound
		}
		return fmt.Errorf("mark acknowledged: %w", err)
	}
	callee, _ := s.LastCallee(ctx, incidentID)
	if callee == "" {
		callee = domain.UnknownCallee
	}
	s.logAttempt(ctx, audit.Entry{
		IncidentID: incidentID,
		Callee:     callee,
		Provider:   s.providerName(),
		Result:     domain.ResultAck,
		DTMF:       dtmf,
	})
	if before.IsAcknowledged() {
		return nil
	}
	via := "api"
	if dtmf != "" {
		via = "dtmf"
	}
	s.metrics.Acknowledged(ctx, via)
	events.EmitAsync(s.emitter, s.logger, events.Event{Type: events.TypeAcknowledged, IncidentID: incidentID, Callee: callee})
	s.logger.Info("escalation: incident acknowledged", zap.String("incident_id", incidentID), zap.String("via", via))
	return nil
}

// MarkAnswered records that a call connected without confirmation. It never overrides acknowledged.
func (s *Service) MarkAnswered(ctx context.Context, incidentID string) error {
	if _, err := s.store.MarkAnswered(ctx, incidentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrIncidentNotFound
		}
		return fmt.Errorf("mark answered: %w", err)
	}
	return nil
}

// RecordAttempt appends an audit row for a webhook or driver observation.
func (s *Service) RecordAttempt(ctx context.Context, e audit.Entry) {
	if e.Provider == "" {
		e.Provider = s.providerName()
	}
	s.logAttempt(ctx, e)
}

// Incident returns the incident or ErrIncidentNotFound.
func (s *Service) Incident(ctx context.Context, incidentID string) (*domain.Incident, error) {
	inc, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	if inc == nil {
		return nil, ErrIncidentNotFound
	}
	return inc, nil
}

// Attempts returns the incident's call attempts in creation order.
func (s *Service) Attempts(ctx context.Context, incidentID string) ([]*domain.CallAttempt, error) {
	if _, err := s.Incident(ctx, incidentID); err != nil {
		return nil, err
	}
	return s.store.ListCallAttempts(ctx, incidentID)
}

// LastCallee returns the address of the most recently dialed contact, or "" when nothing was dialed.
// A placement the provider rejected still names the contact it targeted, so failed rows count.
func (s *Service) LastCallee(ctx context.Context, incidentID string) (string, error) {
	attempts, err := s.store.ListCallAttempts(ctx, incidentID)
	if err != nil {
		return "", err
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.Result != domain.ResultInitiated && a.Result != domain.ResultFailed {
			continue
		}
		if a.Callee != "" && a.Callee != domain.UnknownCallee {
			return a.Callee, nil
		}
	}
	return "", nil
}

func (s *Service) logAttempt(ctx context.Context, e audit.Entry) {
	if s.attempts == nil {
		return
	}
	s.attempts.LogAttempt(ctx, e)
}

func (s *Service) providerName() string {
	if s.provider == nil {
		return string(provider.KindMock)
	}
	return s.provider.Name()
}
