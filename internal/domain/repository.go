package domain

import (
	"context"
	"time"
)

// KV is the durable key-value contract backing the limit store.
// Implementations must make each Put atomic: readers see the fully-old
// or fully-new value for a key, never a partial write.
// Implementations: bbolt buckets, SQLCipher-encrypted SQLite.
type KV interface {
	// Get returns the value for key in namespace, or (nil, nil) when absent.
	Get(namespace, key string) ([]byte, error)

	// Put stores value under key in namespace.
	Put(namespace, key string, value []byte) error

	// Delete removes key from namespace. Removing an absent key is not
	// an error.
	Delete(namespace, key string) error

	// GetInt64 returns the integer value for key, or (0, false, nil)
	// when absent.
	GetInt64(namespace, key string) (int64, bool, error)

	// PutInt64 stores an integer value under key.
	PutInt64(namespace, key string, value int64) error

	// Keys lists all keys present in namespace.
	Keys(namespace string) ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// UsageSource supplies foreground-activity transition events from the
// OS usage-stats log for an arbitrary time range.
type UsageSource interface {
	// Events returns the chronological transitions in [start, end].
	Events(ctx context.Context, start, end time.Time) ([]Event, error)
}

// TimerService registers one-shot wake-ups at absolute instants,
// cancellable by a stable key. Exact scheduling may be denied by OS
// policy; implementations fall back to inexact rather than fail.
type TimerService interface {
	// ScheduleAt arranges for fn to run at when, replacing any timer
	// already registered under key.
	ScheduleAt(key string, when time.Time, fn func()) error

	// Cancel removes the timer registered under key, if any.
	Cancel(key string)

	// Stop cancels all registered timers.
	Stop()
}

// Notifier posts user-visible notifications. Delivery failure is not an
// error the engine cares about: the block action proceeds regardless.
type Notifier interface {
	Post(notice Notice)
}

// Broadcaster is the intra-process pub/sub for session-state changes so
// UI observers can refresh without polling. Best-effort.
type Broadcaster interface {
	// SessionsChanged publishes the new active-session list.
	SessionsChanged(sessions []Session)

	// Subscribe registers an observer; the returned func unsubscribes.
	Subscribe(fn func([]Session)) (unsubscribe func())
}

// ForegroundFeed delivers (package, timestamp) whenever the visible app
// changes. Implementation: OS accessibility hook, or the gopsutil-based
// desktop shim.
type ForegroundFeed interface {
	// Watch sends foreground switches on the returned channel until ctx
	// is done.
	Watch(ctx context.Context) (<-chan Event, error)
}

// LaunchProber reports whether a package has a launch intent, i.e. is a
// user-facing app rather than a background or system component.
type LaunchProber interface {
	Launchable(pkg string) bool
}

// BlockAction carries out the enforcement side of a BLOCK verdict:
// return the user to the home screen. Performed by the accessibility
// hook collaborator, never by the engine.
type BlockAction interface {
	GoHome(ctx context.Context, pkg string) error
}
