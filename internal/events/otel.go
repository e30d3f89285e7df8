package events

import (
	"context"
	"strconv"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// NewOTelEmitter returns an Emitter that records events as OTel log records. A nil provider
// yields a no-op emitter.
func NewOTelEmitter(provider *sdklog.LoggerProvider) Emitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("oncall-pager.escalation")}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, Event) error { return nil }

type otelEmitter struct {
	logger otellog.Logger
}

func (e *otelEmitter) Emit(ctx context.Context, ev Event) error {
	rec := otellog.Record{}
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(string(ev.Type)))
	rec.AddAttributes(otellog.String("event_type", string(ev.Type)))
	if ev.IncidentID != "" {
		rec.AddAttributes(otellog.String("incident_id", ev.IncidentID))
	}
	if ev.Step > 0 {
		rec.AddAttributes(otellog.Int("step", ev.Step))
	}
	if ev.Callee != "" {
		rec.AddAttributes(otellog.String("callee", ev.Callee))
	}
	if ev.Provider != "" {
		rec.AddAttributes(otellog.String("provider", ev.Provider))
	}
	if ev.CallID != "" {
		rec.AddAttributes(otellog.String("call_id", ev.CallID))
	}
	if ev.Verdict != "" {
		rec.AddAttributes(otellog.String("verdict", ev.Verdict))
	}
	if ev.Reason != "" {
		rec.AddAttributes(otellog.String("reason", ev.Reason))
	}
	if ev.Duration > 0 {
		rec.AddAttributes(otellog.String("duration_sec", strconv.Itoa(ev.Duration)))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
