package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"oncall-pager/internal/classifier"
)

var errRejected = errors.New("provider rejected request")

// GuardOptions configures Guarded.
type GuardOptions struct {
	// Timeout bounds each PlaceCall, SendMessage and FetchCall. Zero means 10s.
	Timeout time.Duration
	// MaxFailures consecutive failures open the breaker. Zero means 5.
	MaxFailures uint32
	// OpenFor is how long the breaker stays open before a trial request. Zero means 30s.
	OpenFor time.Duration
}

// Guarded bounds a Capability with a per-request timeout and a circuit breaker. Timeouts,
// rejections and an open breaker all degrade to a failure id.
type Guarded struct {
	inner   Capability
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGuarded wraps inner.
func NewGuarded(inner Capability, opts GuardOptions, logger *zap.Logger) *Guarded {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFailures := opts.MaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider: circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Guarded{inner: inner, timeout: opts.Timeout, breaker: breaker, logger: logger}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Unwrap returns the wrapped backend.
func (g *Guarded) Unwrap() Capability { return g.inner }

// State reports the breaker state.
func (g *Guarded) State() gobreaker.State { return g.breaker.State() }

func (g *Guarded) PlaceCall(ctx context.Context, req PlaceCallRequest) string {
	id, err := g.run(ctx, func(ctx context.Context) string { return g.inner.PlaceCall(ctx, req) })
	if err != nil {
		g.logger.Warn("provider: place call degraded",
			zap.String("provider", g.Name()),
			zap.String("incident_id", req.IncidentID),
			zap.Error(err))
		if id == "" {
			return FailureID(g.Name(), req.IncidentID)
		}
	}
	return id
}

func (g *Guarded) SendMessage(ctx context.Context, to, body string) string {
	id, err := g.run(ctx, func(ctx context.Context) string { return g.inner.SendMessage(ctx, to, body) })
	if err != nil {
		g.logger.Warn("provider: send message degraded", zap.String("provider", g.Name()), zap.Error(err))
		if id == "" {
			return FailureID(g.Name(), "sms")
		}
	}
	return id
}

// FetchCall forwards to the inner backend's poller under the same timeout. Lookups do not
// count against the breaker.
func (g *Guarded) FetchCall(ctx context.Context, callID string) (classifier.Observation, error) {
	p, ok := AsPoller(g.inner)
	if !ok {
		return classifier.Observation{}, ErrStatusUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return p.FetchCall(ctx, callID)
}

// run executes fn through the breaker. A failure id returned by fn is passed back together
// with errRejected so the breaker counts it.
func (g *Guarded) run(ctx context.Context, fn func(context.Context) string) (string, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		done := make(chan string, 1)
		go func() { done <- fn(ctx) }()
		select {
		case id := <-done:
			if IsFailureID(id) {
				return id, errRejected
			}
			return id, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	id, _ := out.(string)
	return id, err
}
