// Package driver runs one escalation synchronously, dialing a fixed contact sequence and
// classifying each call before moving on, and reports progress to an Observer as it goes.
package driver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"oncall-pager/internal/audit"
	"oncall-pager/internal/classifier"
	"oncall-pager/internal/escalation"
	"oncall-pager/internal/events"
	"oncall-pager/internal/incident/domain"
	"oncall-pager/internal/provider"
	telemetryotel "oncall-pager/internal/telemetry/otel"
	"oncall-pager/internal/transferlog"
)

// ErrNoPrimary is returned when a run has no primary contact.
var ErrNoPrimary = errors.New("primary contact is required")

// Escalator is the subset of escalation.Service the driver uses.
type Escalator interface {
	Provider() provider.Capability
	CreateIncident(ctx context.Context, summary, ttsText string) (*domain.Incident, error)
	DialContact(ctx context.Context, incidentID, ttsText string, contact domain.Contact) (escalation.RetryResult, error)
	MarkAnswered(ctx context.Context, incidentID string) error
	RecordAttempt(ctx context.Context, e audit.Entry)
}

// Request describes one run. A zero Secondary collapses the sequence to two primary calls.
type Request struct {
	Primary   domain.Contact
	Secondary domain.Contact
	Summary   string
	TTSText   string
}

// Progress is one notification of a run. The JSON form is what the SSE and WebSocket streams send.
type Progress struct {
	Type          events.Type `json:"type"`
	IncidentID    string      `json:"incident_id,omitempty"`
	Attempt       int         `json:"attempt,omitempty"`
	Name          string      `json:"name,omitempty"`
	Phone         string      `json:"phone,omitempty"`
	Role          string      `json:"role,omitempty"`
	CallID        string      `json:"call_id,omitempty"`
	Duration      int         `json:"duration,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Error         string      `json:"error,omitempty"`
	AnsweredBy    string      `json:"answered_by,omitempty"`
	TotalAttempts int         `json:"total_attempts,omitempty"`
	Timestamp     string      `json:"timestamp"`
}

// Observer receives progress in order. Notify is called on the run's goroutine.
type Observer interface {
	Notify(p Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Progress)

func (f ObserverFunc) Notify(p Progress) { f(p) }

// Outcome summarizes a finished run.
type Outcome struct {
	IncidentID string
	Answered   bool
	// AnsweredBy is the contact who picked up; zero unless Answered.
	AnsweredBy domain.Contact
	Attempts   int
	Canceled   bool
}

// Options tunes a Driver.
type Options struct {
	// StepPause is the wait after a failed step before dialing the next contact.
	StepPause time.Duration
	// ErrorPause is the wait after a placement error.
	ErrorPause time.Duration
	// Location formats progress timestamps (default UTC).
	Location *time.Location
}

// Driver executes runs. It holds no per-run state and may run several escalations at once.
type Driver struct {
	esc        Escalator
	classifier *classifier.Classifier
	hub        *classifier.PushHub
	transfers  transferlog.Store
	emitter    events.Emitter
	metrics    *telemetryotel.Metrics
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// New returns a Driver. hub feeds the classifier for providers that cannot be polled;
// transfers, emitter and metrics may be nil.
func New(esc Escalator, c *classifier.Classifier, hub *classifier.PushHub, transfers transferlog.Store, emitter events.Emitter, metrics *telemetryotel.Metrics, opts Options, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = classifier.New(classifier.Config{}, logger)
	}
	if hub == nil {
		hub = classifier.NewPushHub()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Driver{
		esc:        esc,
		classifier: c,
		hub:        hub,
		transfers:  transfers,
		emitter:    emitter,
		metrics:    metrics,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Sequence returns the contacts a run dials, in order: primary, secondary, primary,
// secondary; or primary twice when no secondary is configured.
func Sequence(req Request) []domain.Contact {
	first := req.Primary
	first.Role = domain.RolePrimary
	if req.Secondary.IsZero() {
		return []domain.Contact{first, first}
	}
	second := req.Secondary
	second.Role = domain.RoleSecondary
	return []domain.Contact{first, second, first, second}
}

// Run dials the sequence until a contact answers, the sequence is exhausted, or ctx is done.
// Cancellation stops further dialing; a call already ringing is left alone.
func (d *Driver) Run(ctx context.Context, req Request, obs Observer) (Outcome, error) {
	if req.Primary.IsZero() {
		return Outcome{}, ErrNoPrimary
	}
	if obs == nil {
		obs = ObserverFunc(func(Progress) {})
	}
	if req.TTSText == "" {
		req.TTSText = req.Summary
	}
	inc, err := d.esc.CreateIncident(ctx, req.Summary, req.TTSText)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{IncidentID: inc.ID}
	steps := Sequence(req)

	for i, contact := range steps {
		if ctx.Err() != nil {
			out.Canceled = true
			return out, nil
		}
		step := i + 1
		out.Attempts = step
		d.notify(obs, Progress{
			Type:       events.TypeCallStart,
			IncidentID: inc.ID,
			Attempt:    step,
			Name:       contact.Name,
			Phone:      contact.Address,
			Role:       contact.Role,
		})

		res, err := d.esc.DialContact(ctx, inc.ID, req.TTSText, contact)
		if err != nil || (res.Status == escalation.RetryPlaced && res.Placement.Failed) {
			msg := "provider rejected the call"
			if err != nil {
				msg = err.Error()
			}
			d.logger.Warn("driver: placement failed", zap.String("incident_id", inc.ID), zap.Int("step", step), zap.String("error", msg))
			d.notify(obs, Progress{Type: events.TypeCallError, IncidentID: inc.ID, Attempt: step, Name: contact.Name, Error: msg})
			if d.sleep(ctx, d.opts.ErrorPause) != nil {
				out.Canceled = true
				return out, nil
			}
			continue
		}
		if res.Status == escalation.RetryAcknowledged {
			// Someone acknowledged through a callback while the run was in flight.
			out.Answered = true
			d.notify(obs, Progress{Type: events.TypeEscalationComplete, IncidentID: inc.ID, TotalAttempts: i})
			return out, nil
		}
		if res.Status != escalation.RetryPlaced {
			d.logger.Info("driver: stopping", zap.String("incident_id", inc.ID), zap.String("status", string(res.Status)))
			break
		}

		callID := res.Placement.CallID
		d.claimCall(ctx, inc.ID, callID, contact)
		d.notify(obs, Progress{Type: events.TypeCallInitiated, IncidentID: inc.ID, Attempt: step, CallID: callID})

		verdict := d.classify(ctx, callID)
		if ctx.Err() != nil {
			out.Canceled = true
			return out, nil
		}
		d.record(ctx, inc.ID, contact, verdict)

		if verdict.Verdict.Answered() {
			if err := d.esc.MarkAnswered(ctx, inc.ID); err != nil {
				d.logger.Error("driver: mark answered", zap.String("incident_id", inc.ID), zap.Error(err))
			}
			d.notify(obs, Progress{
				Type:       events.TypeCallAnswered,
				IncidentID: inc.ID,
				Attempt:    step,
				Name:       contact.Name,
				Phone:      contact.Address,
				CallID:     callID,
				Duration:   verdict.DurationSeconds(),
			})
			d.notify(obs, Progress{
				Type:          events.TypeEscalationComplete,
				IncidentID:    inc.ID,
				TotalAttempts: step,
				AnsweredBy:    contact.Name,
			})
			out.Answered = true
			out.AnsweredBy = contact
			return out, nil
		}

		d.notify(obs, Progress{
			Type:       events.TypeCallFailed,
			IncidentID: inc.ID,
			Attempt:    step,
			Name:       contact.Name,
			Phone:      contact.Address,
			CallID:     callID,
			Reason:     string(verdict.Verdict),
		})
		if d.sleep(ctx, d.opts.StepPause) != nil {
			out.Canceled = true
			return out, nil
		}
	}

	d.notify(obs, Progress{Type: events.TypeEscalationFailed, IncidentID: inc.ID, TotalAttempts: len(steps)})
	return out, nil
}

// classify observes callID by polling when the provider supports it and from pushed status
// callbacks otherwise.
func (d *Driver) classify(ctx context.Context, callID string) classifier.Result {
	if p, ok := provider.AsPoller(d.esc.Provider()); ok {
		return d.classifier.Classify(ctx, classifier.NewPollSource(p, callID))
	}
	src, unregister := d.hub.Register(callID)
	defer unregister()
	return d.classifier.Classify(ctx, src)
}

// claimCall marks the call as driven by this run so status callbacks do not start a parallel retry.
func (d *Driver) claimCall(ctx context.Context, incidentID, callID string, contact domain.Contact) {
	if d.transfers == nil {
		return
	}
	err := d.transfers.Put(ctx, transferlog.Entry{
		CallID:     callID,
		IncidentID: incidentID,
		ToNumber:   contact.Address,
		Escalated:  true,
		Timestamp:  d.now().UTC(),
	})
	if err != nil {
		d.logger.Warn("driver: transfer log write", zap.String("call_id", callID), zap.Error(err))
	}
}

func (d *Driver) record(ctx context.Context, incidentID string, contact domain.Contact, r classifier.Result) {
	result := domain.ResultNoAnswer
	switch r.Verdict {
	case classifier.VerdictAnswered:
		result = domain.ResultAnswered
	case classifier.VerdictFailed:
		result = domain.ResultFailed
	}
	secs := r.DurationSeconds()
	d.esc.RecordAttempt(ctx, audit.Entry{
		IncidentID:  incidentID,
		Callee:      contact.Address,
		Result:      result,
		DurationSec: &secs,
	})
	d.metrics.Verdict(ctx, string(r.Verdict))
}

// notify stamps p, hands it to the observer and forwards run-level events to the emitter.
// Placement events are emitted by the escalation service itself.
func (d *Driver) notify(obs Observer, p Progress) {
	now := d.now()
	p.Timestamp = now.In(d.opts.Location).Format("2006-01-02 15:04:05")
	obs.Notify(p)
	switch p.Type {
	case events.TypeCallStart, events.TypeCallAnswered, events.TypeCallFailed,
		events.TypeEscalationComplete, events.TypeEscalationFailed:
		events.EmitAsync(d.emitter, d.logger, events.Event{
			Type:       p.Type,
			IncidentID: p.IncidentID,
			Step:       p.Attempt,
			Callee:     p.Phone,
			CallID:     p.CallID,
			Verdict:    p.Reason,
			Duration:   p.Duration,
			Message:    p.AnsweredBy,
			CreatedAt:  now.UTC(),
		})
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
