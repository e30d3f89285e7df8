package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait before shutting down sinks so in-flight async
// emits can finish. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// Emitter publishes escalation events. Best-effort; callers log and ignore errors.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Multi fans an event out to every non-nil emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// The goroutine uses context.Background() so request cancellation does not abort the emit.
// A nil emitter is a no-op. CreatedAt is stamped when unset.
func EmitAsync(emitter Emitter, logger *zap.Logger, ev Event) {
	if emitter == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(ctx, ev); err != nil && logger != nil {
			logger.Warn("events: async emit failed", zap.String("event_type", string(ev.Type)), zap.Error(err))
		}
	}()
}
