// Package store implements the durable limit store: routine definitions,
// active sessions, daily app limits, reminder bookkeeping, the whitelist
// and the focus-mode flag, all persisted through the domain.KV contract.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/schedule"
)

// Logical namespaces. Each maps to one bucket (bolt) or key prefix
// (sqlite); a write within a namespace is atomic at the KV layer.
const (
	nsRoutines  = "routines"
	nsSessions  = "sessions"
	nsDaily     = "daily_limits"
	nsReminders = "reminders"
	nsWhitelist = "whitelist"
	nsState     = "state"
)

const (
	keyList       = "list"
	keyFocus      = "focus_mode"
	schemaVersion = 1

	// Legacy single-active-routine keys, migrated on Init.
	legacyActiveID    = "active_routine_id"
	legacyActiveStart = "active_routine_start"
)

// seededWhitelist is the non-removable exemption set: system surfaces a
// user must never be locked out of.
var seededWhitelist = []string{
	"com.android.systemui",
	"com.android.settings",
	"com.android.launcher",
	"com.android.dialer",
	"com.android.phone",
	"com.android.inputmethod.latin",
	"com.google.android.inputmethod.latin",
	"com.google.android.googlequicksearchbox",
}

// routineList is the canonical persisted schema for routine
// definitions; versioned for forward migration.
type routineList struct {
	Version  int              `json:"version"`
	Routines []domain.Routine `json:"routines"`
}

type sessionList struct {
	Version  int              `json:"version"`
	Sessions []domain.Session `json:"sessions"`
}

// Store is the single mutable shared state of the engine. The mutex
// guards read-modify-write of each logical collection; individual KV
// puts are atomic on their own.
type Store struct {
	mu        sync.Mutex
	kv        domain.KV
	clock     schedule.Clock
	notifier  domain.Notifier
	broadcast domain.Broadcaster
	logger    *zap.Logger
}

// New creates a limit store over kv. notifier and broadcast may be nil;
// session lifecycle notices and change broadcasts are then skipped.
func New(kv domain.KV, clock schedule.Clock, notifier domain.Notifier, broadcast domain.Broadcaster, logger *zap.Logger) *Store {
	if clock == nil {
		clock = schedule.RealClock{}
	}
	return &Store{
		kv:        kv,
		clock:     clock,
		notifier:  notifier,
		broadcast: broadcast,
		logger:    logger,
	}
}

// Init seeds the whitelist and migrates legacy single-session state.
// Call once at process start before any other operation.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pkg := range seededWhitelist {
		if err := s.kv.Put(nsWhitelist, pkg, []byte("seed")); err != nil {
			return fmt.Errorf("seed whitelist: %w", err)
		}
	}
	return s.migrateLegacySession()
}

// migrateLegacySession synthesizes a session list from the old
// single-active-routine keys, then drops them. No-op when a session
// list already exists.
func (s *Store) migrateLegacySession() error {
	raw, err := s.kv.Get(nsSessions, keyList)
	if err != nil {
		return err
	}
	if raw != nil {
		return nil
	}

	legacyID, err := s.kv.Get(nsState, legacyActiveID)
	if err != nil || legacyID == nil {
		return err
	}
	startMs, ok, err := s.kv.GetInt64(nsState, legacyActiveStart)
	if err != nil {
		return err
	}

	id := string(legacyID)
	start := s.clock.Now()
	if ok {
		start = time.UnixMilli(startMs)
	}

	sessions := []domain.Session{}
	if r, found := s.routineByIDLocked(id); found {
		sessions = append(sessions, snapshotSession(r, start))
		s.logger.Info("migrated legacy active-routine state",
			zap.String("routine", id))
	} else {
		s.logger.Warn("legacy active routine no longer defined, dropping",
			zap.String("routine", id))
	}

	if err := s.writeSessions(sessions); err != nil {
		return err
	}
	_ = s.kv.Delete(nsState, legacyActiveID)
	_ = s.kv.Delete(nsState, legacyActiveStart)
	return nil
}

// --- routine definitions ---

// Routines returns all persisted routine definitions.
func (s *Store) Routines() []domain.Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRoutines()
}

// RoutineByID looks up one routine definition.
func (s *Store) RoutineByID(id string) (domain.Routine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routineByIDLocked(id)
}

func (s *Store) routineByIDLocked(id string) (domain.Routine, bool) {
	for _, r := range s.loadRoutines() {
		if r.ID == id {
			return r, true
		}
	}
	return domain.Routine{}, false
}

// SaveRoutine upserts a routine by id. If the routine has a running
// session, the session's limit snapshot is refreshed so edits take
// effect immediately.
func (s *Store) SaveRoutine(r domain.Routine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	routines := s.loadRoutines()
	replaced := false
	for i := range routines {
		if routines[i].ID == r.ID {
			routines[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		routines = append(routines, r)
	}
	if err := s.writeRoutines(routines); err != nil {
		return err
	}

	sessions := s.loadSessions()
	for i := range sessions {
		if sessions[i].RoutineID == r.ID {
			refreshed := snapshotSession(r, sessions[i].StartTime)
			sessions[i] = refreshed
			if err := s.writeSessions(sessions); err != nil {
				return err
			}
			s.publish(sessions)
			break
		}
	}
	return nil
}

// DeleteRoutine tears down any active session for id, then removes the
// definition.
func (s *Store) DeleteRoutine(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.removeSessionLocked(id); err != nil {
		return err
	}

	routines := s.loadRoutines()
	kept := routines[:0]
	for _, r := range routines {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	return s.writeRoutines(kept)
}

// ToggleRoutine flips a routine's enabled bit and returns the updated
// definition. Disabling synchronously tears down the routine's session;
// the caller cancels pending timers and, on enable, re-derives them.
func (s *Store) ToggleRoutine(id string) (domain.Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	routines := s.loadRoutines()
	idx := -1
	for i := range routines {
		if routines[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Routine{}, fmt.Errorf("routine not found: %s", id)
	}

	routines[idx].Enabled = !routines[idx].Enabled
	if err := s.writeRoutines(routines); err != nil {
		return domain.Routine{}, err
	}

	if !routines[idx].Enabled {
		if _, err := s.removeSessionLocked(id); err != nil {
			return domain.Routine{}, err
		}
	}
	return routines[idx], nil
}

// --- active sessions ---

// Sessions returns the current active-session list.
func (s *Store) Sessions() []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSessions()
}

// SessionFor returns the active session for a routine, if present.
func (s *Store) SessionFor(routineID string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.loadSessions() {
		if sess.RoutineID == routineID {
			return sess, true
		}
	}
	return domain.Session{}, false
}

// StartSession activates a routine at startTime, replacing any
// pre-existing session for the same routine (idempotent restart). The
// limit snapshot is captured from the definition as of now.
func (s *Store) StartSession(r domain.Routine, startTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.loadSessions()
	kept := sessions[:0]
	for _, sess := range sessions {
		if sess.RoutineID != r.ID {
			kept = append(kept, sess)
		}
	}
	kept = append(kept, snapshotSession(r, startTime))
	if err := s.writeSessions(kept); err != nil {
		return err
	}

	s.logger.Info("routine session started",
		zap.String("routine", r.ID),
		zap.Time("start", startTime))
	s.publish(kept)
	s.post(domain.Notice{
		Kind:     domain.NoticeRoutineActivated,
		Routine:  r.Name,
		DedupKey: "routine-activated-" + r.ID,
	})
	return nil
}

// StopSession removes the session for routineID if one exists. Absent
// sessions are a logged no-op; the deactivation notice fires only when
// a session was actually removed.
func (s *Store) StopSession(routineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.removeSessionLocked(routineID)
	if err != nil {
		return err
	}
	if !removed {
		s.logger.Debug("stop requested for routine with no session",
			zap.String("routine", routineID))
	}
	return nil
}

func (s *Store) removeSessionLocked(routineID string) (bool, error) {
	sessions := s.loadSessions()
	kept := sessions[:0]
	removed := false
	var name string
	for _, sess := range sessions {
		if sess.RoutineID == routineID {
			removed = true
			continue
		}
		kept = append(kept, sess)
	}
	if !removed {
		return false, nil
	}
	if err := s.writeSessions(kept); err != nil {
		return false, err
	}
	if r, ok := s.routineByIDLocked(routineID); ok {
		name = r.Name
	}
	s.logger.Info("routine session stopped", zap.String("routine", routineID))
	s.publish(kept)
	s.post(domain.Notice{
		Kind:     domain.NoticeRoutineDeactivated,
		Routine:  name,
		DedupKey: "routine-deactivated-" + routineID,
	})
	return true, nil
}

// PruneStaleSessions removes sessions whose age exceeds their routine's
// maximum window duration, and sessions whose routine was deleted or
// disabled. Returns how many were dropped.
func (s *Store) PruneStaleSessions(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.loadSessions()
	kept := sessions[:0]
	dropped := 0
	for _, sess := range sessions {
		r, ok := s.routineByIDLocked(sess.RoutineID)
		if !ok || !r.Enabled || s.staleLocked(sess, now) {
			dropped++
			s.logger.Info("pruned stale session",
				zap.String("routine", sess.RoutineID),
				zap.Time("start", sess.StartTime))
			continue
		}
		kept = append(kept, sess)
	}
	if dropped > 0 {
		if err := s.writeSessions(kept); err != nil {
			s.logger.Warn("failed to persist pruned sessions", zap.Error(err))
			return 0
		}
		s.publish(kept)
	}
	return dropped
}

// staleLocked applies the staleness guard: a session older than its
// routine's longest possible window survived a missed deactivation
// alarm and must not contribute limits.
func (s *Store) staleLocked(sess domain.Session, now time.Time) bool {
	bound := 24 * time.Hour
	if r, ok := s.routineByIDLocked(sess.RoutineID); ok {
		bound = schedule.MaxWindowDuration(r.Schedule)
	}
	return sess.Age(now) > bound
}

// --- limit resolution ---

// LimitFor resolves the effective routine limit for a package at now.
// Stale sessions are ignored, not torn down, by this read path. When
// several sessions limit the same package the strictest (minimum) limit
// wins; the returned session is the one carrying that limit.
func (s *Store) LimitFor(pkg string, now time.Time) (time.Duration, domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best     time.Duration
		bestSess domain.Session
		found    bool
	)
	for _, sess := range s.loadSessions() {
		if s.staleLocked(sess, now) {
			continue
		}
		limit, ok := sess.Limits[pkg]
		if !ok {
			continue
		}
		if !found || limit < best {
			best, bestSess, found = limit, sess, true
		}
	}
	return best, bestSess, found
}

// WebsiteLimitFor resolves the effective website limit for a domain at
// now. Matching is exact or on a dot boundary, so "m.youtube.com"
// matches a "youtube.com" limit but "youtube.com.evil.com" does not.
func (s *Store) WebsiteLimitFor(host string, now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best time.Duration
	found := false
	for _, sess := range s.loadSessions() {
		if s.staleLocked(sess, now) {
			continue
		}
		for dom, limit := range sess.WebsiteLimits {
			if host != dom && !strings.HasSuffix(host, "."+dom) {
				continue
			}
			if !found || limit < best {
				best, found = limit, true
			}
		}
	}
	return best, found
}

// IsWebsiteBlocked reports whether a domain is blocked outright: its
// resolved limit is exactly zero.
func (s *Store) IsWebsiteBlocked(host string, now time.Time) bool {
	limit, ok := s.WebsiteLimitFor(host, now)
	return ok && limit == 0
}

// --- daily app limits ---

// SetDailyLimit sets a standing per-calendar-day limit for a package,
// independent of any routine.
func (s *Store) SetDailyLimit(pkg string, limit time.Duration) error {
	return s.kv.PutInt64(nsDaily, pkg, limit.Milliseconds())
}

// RemoveDailyLimit clears a package's daily limit.
func (s *Store) RemoveDailyLimit(pkg string) error {
	return s.kv.Delete(nsDaily, pkg)
}

// DailyLimit returns the package's daily limit, if set.
func (s *Store) DailyLimit(pkg string) (time.Duration, bool) {
	ms, ok, err := s.kv.GetInt64(nsDaily, pkg)
	if err != nil {
		s.logger.Warn("daily limit read failed", zap.String("package", pkg), zap.Error(err))
		return 0, false
	}
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// DailyLimits returns all standing daily limits, sorted by package.
func (s *Store) DailyLimits() []domain.AppLimit {
	keys, err := s.kv.Keys(nsDaily)
	if err != nil {
		s.logger.Warn("daily limit listing failed", zap.Error(err))
		return nil
	}
	sort.Strings(keys)
	limits := make([]domain.AppLimit, 0, len(keys))
	for _, pkg := range keys {
		if d, ok := s.DailyLimit(pkg); ok {
			limits = append(limits, domain.AppLimit{Package: pkg, Limit: d})
		}
	}
	return limits
}

// --- reminder bookkeeping ---

// MarkReminded records that a near-limit reminder fired for scope at.
// Scope keys encode the accounting period: per-session for routine
// limits, per-calendar-day for daily limits.
func (s *Store) MarkReminded(scope string, at time.Time) error {
	return s.kv.PutInt64(nsReminders, scope, at.UnixMilli())
}

// RemindedSince reports whether a reminder for scope fired at or after
// since.
func (s *Store) RemindedSince(scope string, since time.Time) bool {
	ms, ok, err := s.kv.GetInt64(nsReminders, scope)
	if err != nil || !ok {
		return false
	}
	return !time.UnixMilli(ms).Before(since)
}

// --- whitelist ---

// Whitelisted reports whether a package is exempt from all blocking.
func (s *Store) Whitelisted(pkg string) bool {
	v, err := s.kv.Get(nsWhitelist, pkg)
	if err != nil {
		// Fail open: an unreadable whitelist must not lock the user out.
		s.logger.Warn("whitelist read failed", zap.String("package", pkg), zap.Error(err))
		return true
	}
	return v != nil
}

// AddWhitelisted adds a user-managed whitelist entry.
func (s *Store) AddWhitelisted(pkg string) error {
	return s.kv.Put(nsWhitelist, pkg, []byte("user"))
}

// RemoveWhitelisted removes a user entry. Seeded system entries stay.
func (s *Store) RemoveWhitelisted(pkg string) error {
	v, err := s.kv.Get(nsWhitelist, pkg)
	if err != nil {
		return err
	}
	if string(v) == "seed" {
		return fmt.Errorf("cannot remove seeded whitelist entry: %s", pkg)
	}
	return s.kv.Delete(nsWhitelist, pkg)
}

// WhitelistEntries returns all whitelisted packages, sorted.
func (s *Store) WhitelistEntries() []string {
	keys, err := s.kv.Keys(nsWhitelist)
	if err != nil {
		s.logger.Warn("whitelist listing failed", zap.Error(err))
		return nil
	}
	sort.Strings(keys)
	return keys
}

// --- focus mode ---

// SetFocus persists the standalone focus-mode state.
func (s *Store) SetFocus(f domain.FocusState) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.kv.Put(nsState, keyFocus, raw)
}

// Focus returns the persisted focus-mode state. Corrupt or absent state
// reads as focus off.
func (s *Store) Focus() domain.FocusState {
	raw, err := s.kv.Get(nsState, keyFocus)
	if err != nil || raw == nil {
		return domain.FocusState{}
	}
	var f domain.FocusState
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn("corrupt focus state, treating as off", zap.Error(err))
		return domain.FocusState{}
	}
	return f
}

// --- persistence internals ---

// loadRoutines reads the full routine list. Malformed persisted JSON is
// treated as an empty list: fail open to "no restrictions" rather than
// crash. Intentional, see error handling notes in DESIGN.md.
func (s *Store) loadRoutines() []domain.Routine {
	raw, err := s.kv.Get(nsRoutines, keyList)
	if err != nil {
		s.logger.Warn("routine list read failed", zap.Error(err))
		return nil
	}
	if raw == nil {
		return nil
	}
	var list routineList
	if err := json.Unmarshal(raw, &list); err != nil {
		s.logger.Warn("corrupt routine list, treating as empty", zap.Error(err))
		return nil
	}
	return list.Routines
}

func (s *Store) writeRoutines(routines []domain.Routine) error {
	raw, err := json.Marshal(routineList{Version: schemaVersion, Routines: routines})
	if err != nil {
		return err
	}
	return s.kv.Put(nsRoutines, keyList, raw)
}

func (s *Store) loadSessions() []domain.Session {
	raw, err := s.kv.Get(nsSessions, keyList)
	if err != nil {
		s.logger.Warn("session list read failed", zap.Error(err))
		return nil
	}
	if raw == nil {
		return nil
	}
	var list sessionList
	if err := json.Unmarshal(raw, &list); err != nil {
		s.logger.Warn("corrupt session list, treating as empty", zap.Error(err))
		return nil
	}
	return list.Sessions
}

func (s *Store) writeSessions(sessions []domain.Session) error {
	raw, err := json.Marshal(sessionList{Version: schemaVersion, Sessions: sessions})
	if err != nil {
		return err
	}
	return s.kv.Put(nsSessions, keyList, raw)
}

func (s *Store) publish(sessions []domain.Session) {
	if s.broadcast != nil {
		s.broadcast.SessionsChanged(append([]domain.Session(nil), sessions...))
	}
}

func (s *Store) post(n domain.Notice) {
	if s.notifier != nil {
		s.notifier.Post(n)
	}
}

// snapshotSession captures a routine's limits into a session snapshot.
func snapshotSession(r domain.Routine, start time.Time) domain.Session {
	limits := make(map[string]time.Duration, len(r.Limits))
	for _, l := range r.Limits {
		limits[l.Package] = l.Limit
	}
	sites := make(map[string]time.Duration, len(r.WebsiteLimits))
	for _, l := range r.WebsiteLimits {
		sites[l.Domain] = l.Limit
	}
	return domain.Session{
		RoutineID:     r.ID,
		StartTime:     start,
		Limits:        limits,
		WebsiteLimits: sites,
	}
}
