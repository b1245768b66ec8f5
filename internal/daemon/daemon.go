// Package daemon runs the enforcement loop: it consumes foreground
// transitions, evaluates each one against the policy engine, and
// carries out block actions.
package daemon

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/metrics"
	"github.com/routined/routined/internal/policy"
	"github.com/routined/routined/internal/schedule"
	"github.com/routined/routined/internal/scheduler"
)

// EventRecorder receives every observed transition so the usage log
// stays complete even for packages with no limits.
type EventRecorder interface {
	Append(domain.Event)
}

// Config holds daemon configuration.
type Config struct {
	// DebounceWindow suppresses re-evaluation of the same package
	// resuming again within the window. Blocks are still enforced on
	// every resume.
	DebounceWindow time.Duration

	// SafetyNetSpec is the cron spec for the periodic schedule
	// reconciliation that catches missed or swallowed alarms.
	SafetyNetSpec string
}

// DefaultConfig returns default daemon configuration.
func DefaultConfig() Config {
	return Config{
		DebounceWindow: time.Second,
		SafetyNetSpec:  "@every 15m",
	}
}

// Daemon wires the foreground feed to the policy engine and the block
// action.
type Daemon struct {
	config   Config
	feed     domain.ForegroundFeed
	recorder EventRecorder
	engine   *policy.Engine
	bridge   *scheduler.Bridge
	blocker  domain.BlockAction
	notifier domain.Notifier
	clock    schedule.Clock
	logger   *zap.Logger

	lastEval map[string]time.Time
}

// New creates the enforcement daemon.
func New(
	config Config,
	feed domain.ForegroundFeed,
	recorder EventRecorder,
	engine *policy.Engine,
	bridge *scheduler.Bridge,
	blocker domain.BlockAction,
	notifier domain.Notifier,
	clock schedule.Clock,
	logger *zap.Logger,
) *Daemon {
	if clock == nil {
		clock = schedule.RealClock{}
	}
	return &Daemon{
		config:   config,
		feed:     feed,
		recorder: recorder,
		engine:   engine,
		bridge:   bridge,
		blocker:  blocker,
		notifier: notifier,
		clock:    clock,
		logger:   logger.With(zap.String("component", "daemon")),
		lastEval: make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled. On startup it reconciles all timer
// state from the persisted routines, then evaluates every foreground
// resume as it happens. A cron safety net re-runs the reconciliation
// periodically so a swallowed alarm never wedges enforcement for good.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon starting")
	d.bridge.ScheduleAll()

	c := cron.New()
	if _, err := c.AddFunc(d.config.SafetyNetSpec, func() {
		metrics.SafetyNetRuns.Inc()
		d.bridge.ScheduleAll()
	}); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	events, err := d.feed.Watch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping")
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				d.logger.Info("foreground feed closed, daemon stopping")
				return ctx.Err()
			}
			d.handleEvent(ctx, ev)
		}
	}
}

func (d *Daemon) handleEvent(ctx context.Context, ev domain.Event) {
	if d.recorder != nil {
		d.recorder.Append(ev)
	}
	if ev.Kind != domain.EventResumed {
		return
	}

	now := d.clock.Now()
	if last, seen := d.lastEval[ev.Package]; seen && now.Sub(last) < d.config.DebounceWindow {
		return
	}
	d.lastEval[ev.Package] = now

	decision := d.engine.Evaluate(ctx, ev.Package, now)
	metrics.DecisionsTotal.WithLabelValues(string(decision.Verdict), string(decision.Reason)).Inc()

	if d.notifier != nil {
		for _, n := range decision.Notices {
			d.notifier.Post(n)
		}
	}

	if decision.Verdict != domain.VerdictBlock {
		return
	}

	d.logger.Info("blocking foreground app",
		zap.String("package", ev.Package),
		zap.String("reason", string(decision.Reason)))
	if err := d.blocker.GoHome(ctx, ev.Package); err != nil {
		d.logger.Error("block action failed",
			zap.String("package", ev.Package), zap.Error(err))
		return
	}
	metrics.BlocksEnforced.Inc()
}
