// Package policy decides, for each foreground-switch event, whether the
// package is blocked right now and why. The engine is stateless
// computation over current store contents: it returns a verdict plus
// notification intents and never performs UI or OS actions itself.
package policy

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/schedule"
	"github.com/routined/routined/internal/store"
	"github.com/routined/routined/internal/usage"
)

// ReminderThreshold is the usage fraction at which a near-limit
// reminder fires. Fixed, not configurable.
const ReminderThreshold = 0.85

// probeCacheSize bounds the launch-intent probe cache. Probing is done
// once per package and remembered.
const probeCacheSize = 512

// Engine evaluates block policy for foreground switches.
type Engine struct {
	store  *store.Store
	source domain.UsageSource
	prober domain.LaunchProber
	clock  schedule.Clock
	ownPkg string
	probed *lru.Cache[string, bool]
	logger *zap.Logger
}

// NewEngine creates a policy engine. prober may be nil, in which case
// every package is treated as launchable.
func NewEngine(st *store.Store, source domain.UsageSource, prober domain.LaunchProber, clock schedule.Clock, ownPkg string, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = schedule.RealClock{}
	}
	probed, _ := lru.New[string, bool](probeCacheSize)
	return &Engine{
		store:  st,
		source: source,
		prober: prober,
		clock:  clock,
		ownPkg: ownPkg,
		probed: probed,
		logger: logger.With(zap.String("component", "policy")),
	}
}

// Evaluate answers "is pkg blocked at now, and why". Checks run in
// priority order: exempt, focus mode, routine limit, daily limit. A
// routine-limit block wins the reported reason over a daily limit that
// would also trigger; the block action is the same either way.
func (e *Engine) Evaluate(ctx context.Context, pkg string, now time.Time) domain.Decision {
	if e.exempt(pkg) {
		return domain.Decision{Verdict: domain.VerdictAllow}
	}

	if e.store.Focus().Active(now) {
		return domain.Decision{
			Verdict: domain.VerdictBlock,
			Reason:  domain.ReasonFocusMode,
			Notices: []domain.Notice{{
				Kind:     domain.NoticeBlocked,
				Package:  pkg,
				DedupKey: "block-focus-" + pkg,
			}},
		}
	}

	if d, done := e.checkRoutineLimit(ctx, pkg, now); done {
		return d
	}
	if d, done := e.checkDailyLimit(ctx, pkg, now); done {
		return d
	}
	return domain.Decision{Verdict: domain.VerdictAllow}
}

// exempt covers the whitelist, the app's own package, and background or
// system components with no launch intent. Probe results are cached.
func (e *Engine) exempt(pkg string) bool {
	if pkg == "" || pkg == e.ownPkg {
		return true
	}
	if e.store.Whitelisted(pkg) {
		return true
	}
	if e.prober == nil {
		return false
	}
	launchable, ok := e.probed.Get(pkg)
	if !ok {
		launchable = e.prober.Launchable(pkg)
		e.probed.Add(pkg, launchable)
	}
	return !launchable
}

// checkRoutineLimit accumulates usage from the governing session's
// start to min(now, window end) and compares it against the strictest
// active limit. The second return is true when the decision is final.
func (e *Engine) checkRoutineLimit(ctx context.Context, pkg string, now time.Time) (domain.Decision, bool) {
	limit, sess, ok := e.store.LimitFor(pkg, now)
	if !ok {
		return domain.Decision{}, false
	}

	rangeEnd := now
	if r, found := e.store.RoutineByID(sess.RoutineID); found {
		if end := schedule.WindowEndFor(r.Schedule, sess.StartTime); end.Before(rangeEnd) {
			rangeEnd = end
		}
	}

	used, err := e.usedBetween(ctx, pkg, sess.StartTime, rangeEnd, now)
	if err != nil {
		// Fail open: an unreadable usage log must not block.
		e.logger.Warn("usage query failed, allowing",
			zap.String("package", pkg), zap.Error(err))
		return domain.Decision{Verdict: domain.VerdictAllow}, true
	}

	if used >= limit {
		return domain.Decision{
			Verdict: domain.VerdictBlock,
			Reason:  domain.ReasonRoutineLimit,
			Notices: []domain.Notice{{
				Kind:     domain.NoticeBlocked,
				Package:  pkg,
				Routine:  sess.RoutineID,
				DedupKey: "block-routine-" + pkg,
				Used:     used,
				Limit:    limit,
			}},
		}, true
	}

	var notices []domain.Notice
	if used >= threshold(limit) {
		// Reminder dedup is per package per session.
		scope := fmt.Sprintf("routine/%s/%d/%s", sess.RoutineID, sess.StartTime.UnixMilli(), pkg)
		if !e.store.RemindedSince(scope, sess.StartTime) {
			if err := e.store.MarkReminded(scope, now); err != nil {
				e.logger.Warn("reminder bookkeeping failed", zap.Error(err))
			} else {
				notices = append(notices, domain.Notice{
					Kind:     domain.NoticeReminder,
					Package:  pkg,
					Routine:  sess.RoutineID,
					DedupKey: scope,
					Used:     used,
					Limit:    limit,
				})
			}
		}
	}

	// Within limit: the reminder (if any) rides along, but daily limits
	// still get their turn.
	if len(notices) > 0 {
		if d, done := e.checkDailyLimit(ctx, pkg, now); done {
			d.Notices = append(notices, d.Notices...)
			return d, true
		}
		return domain.Decision{Verdict: domain.VerdictAllow, Notices: notices}, true
	}
	return domain.Decision{}, false
}

// checkDailyLimit accumulates usage from local midnight to now against
// the package's standing daily limit. Reminder dedup is per calendar
// day, tracked independently from routine reminders.
func (e *Engine) checkDailyLimit(ctx context.Context, pkg string, now time.Time) (domain.Decision, bool) {
	limit, ok := e.store.DailyLimit(pkg)
	if !ok {
		return domain.Decision{}, false
	}

	midnight := startOfDay(now)
	used, err := e.usedBetween(ctx, pkg, midnight, now, now)
	if err != nil {
		e.logger.Warn("usage query failed, allowing",
			zap.String("package", pkg), zap.Error(err))
		return domain.Decision{Verdict: domain.VerdictAllow}, true
	}

	if used >= limit {
		return domain.Decision{
			Verdict: domain.VerdictBlock,
			Reason:  domain.ReasonDailyLimit,
			Notices: []domain.Notice{{
				Kind:     domain.NoticeBlocked,
				Package:  pkg,
				DedupKey: "block-daily-" + pkg,
				Used:     used,
				Limit:    limit,
			}},
		}, true
	}

	if used >= threshold(limit) {
		scope := "daily/" + pkg
		if !e.store.RemindedSince(scope, midnight) {
			if err := e.store.MarkReminded(scope, now); err != nil {
				e.logger.Warn("reminder bookkeeping failed", zap.Error(err))
			} else {
				return domain.Decision{
					Verdict: domain.VerdictAllow,
					Notices: []domain.Notice{{
						Kind:     domain.NoticeReminder,
						Package:  pkg,
						DedupKey: scope,
						Used:     used,
						Limit:    limit,
					}},
				}, true
			}
		}
	}
	return domain.Decision{}, false
}

func (e *Engine) usedBetween(ctx context.Context, pkg string, start, end, now time.Time) (time.Duration, error) {
	events, err := e.source.Events(ctx, start, end)
	if err != nil {
		return 0, err
	}
	return usage.Total(events, start, end, now, pkg), nil
}

func threshold(limit time.Duration) time.Duration {
	return time.Duration(float64(limit) * ReminderThreshold)
}

// startOfDay returns local midnight of the day containing t.
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
