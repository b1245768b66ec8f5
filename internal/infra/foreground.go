package infra

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
)

// PollingFeed approximates the mobile accessibility hook on a desktop:
// it polls the process table and reports a package as "foreground"
// while a matching process is running. Package names map to process
// names case-insensitively.
type PollingFeed struct {
	interval time.Duration
	watched  []string
	logger   *zap.Logger
}

// NewPollingFeed creates a feed that watches the given package names.
func NewPollingFeed(watched []string, interval time.Duration, logger *zap.Logger) *PollingFeed {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollingFeed{
		interval: interval,
		watched:  watched,
		logger:   logger.With(zap.String("component", "foreground")),
	}
}

// Watch emits a Resumed event when a watched package's process appears
// and a Stopped event when it disappears, until ctx is done.
func (f *PollingFeed) Watch(ctx context.Context) (<-chan domain.Event, error) {
	out := make(chan domain.Event, 64)

	go func() {
		defer close(out)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		running := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				current := f.runningSet()
				for _, pkg := range f.watched {
					was, is := running[pkg], current[pkg]
					if is && !was {
						out <- domain.Event{Package: pkg, Kind: domain.EventResumed, Time: now}
					}
					if was && !is {
						out <- domain.Event{Package: pkg, Kind: domain.EventStopped, Time: now}
					}
				}
				running = current
			}
		}
	}()
	return out, nil
}

func (f *PollingFeed) runningSet() map[string]bool {
	set := make(map[string]bool, len(f.watched))
	procs, err := process.Processes()
	if err != nil {
		f.logger.Warn("process listing failed", zap.Error(err))
		return set
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // process may have exited
		}
		for _, pkg := range f.watched {
			if strings.EqualFold(name, pkg) || strings.Contains(strings.ToLower(name), strings.ToLower(pkg)) {
				set[pkg] = true
			}
		}
	}
	return set
}

var _ domain.ForegroundFeed = (*PollingFeed)(nil)

// ProcessBlockAction is the desktop analog of the home-screen redirect:
// it terminates the offending package's processes.
type ProcessBlockAction struct {
	logger *zap.Logger
}

// NewProcessBlockAction creates the desktop block action.
func NewProcessBlockAction(logger *zap.Logger) *ProcessBlockAction {
	return &ProcessBlockAction{logger: logger.With(zap.String("component", "block"))}
}

// GoHome kills processes matching pkg. Processes that exit mid-scan are
// skipped; failure to kill one process does not abort the rest.
func (a *ProcessBlockAction) GoHome(ctx context.Context, pkg string) error {
	procs, err := process.Processes()
	if err != nil {
		return err
	}
	target := strings.ToLower(pkg)
	for _, p := range procs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name, err := p.Name()
		if err != nil {
			continue
		}
		if !strings.EqualFold(name, pkg) && !strings.Contains(strings.ToLower(name), target) {
			continue
		}
		if err := p.Kill(); err != nil {
			a.logger.Warn("failed to kill blocked process",
				zap.Int32("pid", p.Pid), zap.Error(err))
			continue
		}
		a.logger.Info("killed blocked process",
			zap.String("package", pkg), zap.Int32("pid", p.Pid))
	}
	return nil
}

var _ domain.BlockAction = (*ProcessBlockAction)(nil)
