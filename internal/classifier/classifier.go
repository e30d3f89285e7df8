// Package classifier turns a noisy sequence of call status observations into a single verdict
// deciding whether a human actually answered a page.
package classifier

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Verdict is the terminal disposition of one placed call.
type Verdict string

const (
	VerdictAnswered Verdict = "answered"
	VerdictNoAnswer Verdict = "no_answer"
	VerdictBusy     Verdict = "busy"
	VerdictFailed   Verdict = "failed"
	VerdictTimeout  Verdict = "timeout"
)

// Answered reports whether the verdict counts as a successful page.
func (v Verdict) Answered() bool { return v == VerdictAnswered }

// Config holds the classifier thresholds and polling cadence.
type Config struct {
	// MinAnswered is the minimum connected duration for a call to count as answered.
	MinAnswered time.Duration
	// MaxWait bounds the whole observation loop.
	MaxWait time.Duration
	// FastInterval is used for the first FastChecks connecting observations, to catch quick rejections.
	FastInterval time.Duration
	FastChecks   int
	// SlowInterval is used for connecting observations after FastChecks.
	SlowInterval time.Duration
	// ConnectedInterval is used while the call is in progress.
	ConnectedInterval time.Duration
	// SettleChecks re-observations at SettleInterval let the duration field settle after completion.
	SettleChecks   int
	SettleInterval time.Duration
	// ErrorBackoff is the wait after a transient observation error.
	ErrorBackoff time.Duration
}

// DefaultConfig returns the cadence used in production.
func DefaultConfig() Config {
	return Config{
		MinAnswered:       5 * time.Second,
		MaxWait:           20 * time.Second,
		FastInterval:      200 * time.Millisecond,
		FastChecks:        5,
		SlowInterval:      400 * time.Millisecond,
		ConnectedInterval: time.Second,
		SettleChecks:      4,
		SettleInterval:    800 * time.Millisecond,
		ErrorBackoff:      time.Second,
	}
}

// Result is the classifier output.
type Result struct {
	Verdict Verdict
	// Duration is the best known connected duration.
	Duration   time.Duration
	AnsweredBy string
	Checks     int
}

// DurationSeconds returns the connected duration rounded down to whole seconds.
func (r Result) DurationSeconds() int {
	return int(r.Duration / time.Second)
}

// Source yields status observations for one call.
type Source interface {
	Observe(ctx context.Context) (Observation, error)
}

// Classifier applies the answered predicate to a Source.
type Classifier struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a Classifier. Zero fields in cfg fall back to DefaultConfig values.
func New(cfg Config, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		cfg:    withDefaults(cfg),
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Config returns the effective configuration.
func (c *Classifier) Config() Config { return c.cfg }

// Classify observes src until a terminal status, MaxWait, or ctx cancellation, and returns exactly one verdict.
func (c *Classifier) Classify(ctx context.Context, src Source) Result {
	start := c.now()
	var (
		connected      bool
		connectedSince time.Time
		checks         int
	)
	connectedFor := func() time.Duration {
		if !connected {
			return 0
		}
		return c.now().Sub(connectedSince)
	}

loop:
	for c.now().Sub(start) < c.cfg.MaxWait {
		if ctx.Err() != nil {
			break
		}
		obs, err := src.Observe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if d := connectedFor(); connected && d >= c.cfg.MinAnswered {
				c.logger.Info("observation failed after call was bridged; treating as answered",
					zap.Error(err), zap.Duration("connected", d))
				return Result{Verdict: VerdictAnswered, Duration: d, Checks: checks}
			}
			c.logger.Debug("transient observation error", zap.Error(err))
			if c.sleep(ctx, c.cfg.ErrorBackoff) != nil {
				break
			}
			continue
		}
		checks++
		if checks <= 3 || obs.Status != StatusQueued && obs.Status != StatusRinging {
			c.logger.Debug("call status", zap.String("status", string(obs.Status)), zap.Int("check", checks))
		}

		switch obs.Status {
		case StatusCompleted:
			return c.settle(ctx, src, obs, connectedFor(), checks)
		case StatusBusy:
			return Result{Verdict: VerdictBusy, Checks: checks}
		case StatusFailed, StatusCanceled:
			return Result{Verdict: VerdictFailed, Checks: checks}
		case StatusNoAnswer:
			return Result{Verdict: VerdictNoAnswer, Checks: checks}
		case StatusInProgress:
			if !connected {
				connected = true
				connectedSince = c.now()
			}
			if c.sleep(ctx, c.cfg.ConnectedInterval) != nil {
				break loop
			}
		default:
			wait := c.cfg.SlowInterval
			if checks <= c.cfg.FastChecks {
				wait = c.cfg.FastInterval
			}
			if c.sleep(ctx, wait) != nil {
				break loop
			}
		}
	}

	if d := connectedFor(); connected && d >= c.cfg.MinAnswered {
		return Result{Verdict: VerdictAnswered, Duration: d, Checks: checks}
	}
	return Result{Verdict: VerdictTimeout, Duration: connectedFor(), Checks: checks}
}

// settle re-observes a completed call so the backend's duration and machine-detection fields
// can catch up, then applies the answered predicate.
func (c *Classifier) settle(ctx context.Context, src Source, completed Observation, connectedFor time.Duration, checks int) Result {
	last := completed
	for i := 0; i < c.cfg.SettleChecks && last.Duration <= 0; i++ {
		if c.sleep(ctx, c.cfg.SettleInterval) != nil {
			break
		}
		obs, err := src.Observe(ctx)
		if err != nil {
			continue
		}
		checks++
		if obs.Duration > last.Duration {
			last.Duration = obs.Duration
		}
		if obs.AnsweredBy != "" {
			last.AnsweredBy = obs.AnsweredBy
		}
	}

	duration := last.Duration
	if connectedFor > duration {
		duration = connectedFor
	}
	res := Result{Duration: duration, AnsweredBy: last.AnsweredBy, Checks: checks}
	switch {
	case last.IsMachine():
		res.Verdict = VerdictNoAnswer
	case duration >= c.cfg.MinAnswered:
		res.Verdict = VerdictAnswered
	default:
		res.Verdict = VerdictNoAnswer
	}
	c.logger.Debug("call completed",
		zap.String("verdict", string(res.Verdict)),
		zap.Duration("duration", duration),
		zap.String("answered_by", last.AnsweredBy))
	return res
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MinAnswered <= 0 {
		cfg.MinAnswered = d.MinAnswered
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = d.MaxWait
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = d.FastInterval
	}
	if cfg.FastChecks <= 0 {
		cfg.FastChecks = d.FastChecks
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = d.SlowInterval
	}
	if cfg.ConnectedInterval <= 0 {
		cfg.ConnectedInterval = d.ConnectedInterval
	}
	if cfg.SettleChecks <= 0 {
		cfg.SettleChecks = d.SettleChecks
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = d.SettleInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = d.ErrorBackoff
	}
	return cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
