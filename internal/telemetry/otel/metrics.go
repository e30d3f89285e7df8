package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds the escalation instruments. A nil *Metrics records nothing.
type Metrics struct {
	callsPlaced  otelmetric.Int64Counter
	verdicts     otelmetric.Int64Counter
	acknowledged otelmetric.Int64Counter
}

// NewMetrics registers the escalation instruments on meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	callsPlaced, err := meter.Int64Counter("escalation.calls.placed",
		otelmetric.WithDescription("Outbound calls requested from the telephony provider"))
	if err != nil {
		return nil, err
	}
	verdicts, err := meter.Int64Counter("escalation.verdicts",
		otelmetric.WithDescription("Call outcomes by verdict"))
	if err != nil {
		return nil, err
	}
	acknowledged, err := meter.Int64Counter("escalation.acknowledged",
		otelmetric.WithDescription("Incidents acknowledged by a callee"))
	if err != nil {
		return nil, err
	}
	return &Metrics{callsPlaced: callsPlaced, verdicts: verdicts, acknowledged: acknowledged}, nil
}

// CallPlaced counts one placement; failed marks provider rejections.
func (m *Metrics) CallPlaced(ctx context.Context, provider string, failed bool) {
	if m == nil {
		return
	}
	m.callsPlaced.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("failed", failed),
	))
}

func (m *Metrics) Verdict(ctx context.Context, verdict string) {
	if m == nil {
		return
	}
	m.verdicts.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("verdict", verdict)))
}

func (m *Metrics) Acknowledged(ctx context.Context, via string) {
	if m == nil {
		return
	}
	m.acknowledged.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("via", via)))
}
