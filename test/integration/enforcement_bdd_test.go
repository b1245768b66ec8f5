//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/infra"
	"github.com/routined/routined/internal/policy"
	"github.com/routined/routined/internal/schedule"
	"github.com/routined/routined/internal/scheduler"
	"github.com/routined/routined/internal/store"
	"github.com/routined/routined/internal/store/bolt"
	"github.com/routined/routined/internal/usecase"
)

// recordedTimers keeps registrations addressable so the suite can fire
// them as the OS alarm service would.
type recordedTimers struct {
	scheduled map[string]recordedCall
}

type recordedCall struct {
	when time.Time
	fn   func()
}

func newRecordedTimers() *recordedTimers {
	return &recordedTimers{scheduled: make(map[string]recordedCall)}
}

func (r *recordedTimers) ScheduleAt(key string, when time.Time, fn func()) error {
	r.scheduled[key] = recordedCall{when: when, fn: fn}
	return nil
}

func (r *recordedTimers) Cancel(key string) { delete(r.scheduled, key) }
func (r *recordedTimers) Stop()             {}

func (r *recordedTimers) fire(key string) {
	call, ok := r.scheduled[key]
	Expect(ok).To(BeTrue(), "no timer registered under %q", key)
	delete(r.scheduled, key)
	call.fn()
}

type capturingNotifier struct {
	posted []domain.Notice
}

func (c *capturingNotifier) Post(n domain.Notice) {
	c.posted = append(c.posted, n)
}

func (c *capturingNotifier) kinds() []domain.NoticeKind {
	var out []domain.NoticeKind
	for _, n := range c.posted {
		out = append(out, n.Kind)
	}
	return out
}

type openProber struct{}

func (openProber) Launchable(string) bool { return true }

var _ = Describe("Enforcement", func() {
	var (
		tmpDir   string
		kv       domain.KV
		clock    *schedule.TestClock
		st       *store.Store
		timers   *recordedTimers
		notifier *capturingNotifier
		bridge   *scheduler.Bridge
		manager  *usecase.Manager
		eventLog *infra.EventLog
		engine   *policy.Engine

		monday9 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.Local)
	)

	// reopen recreates every component over the same database file, as
	// a process restart would.
	build := func() {
		var err error
		kv, err = bolt.Open(filepath.Join(tmpDir, "routined.db"))
		Expect(err).NotTo(HaveOccurred())

		notifier = &capturingNotifier{}
		st = store.New(kv, clock, notifier, infra.NewSessionBus(), zap.NewNop())
		Expect(st.Init()).To(Succeed())

		timers = newRecordedTimers()
		bridge = scheduler.New(st, timers, clock, notifier, zap.NewNop())
		manager = usecase.NewManager(st, bridge, clock, zap.NewNop())
		engine = policy.NewEngine(st, eventLog, openProber{}, clock, "com.routined.app", zap.NewNop())
	}

	reopen := func() {
		Expect(kv.Close()).To(Succeed())
		build()
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "routined-integration-*")
		Expect(err).NotTo(HaveOccurred())

		clock = &schedule.TestClock{CurrentTime: monday9}
		eventLog = infra.NewEventLog()
		build()
	})

	AfterEach(func() {
		kv.Close()
		os.RemoveAll(tmpDir)
	})

	use := func(pkg string, from, to time.Time) {
		eventLog.Append(domain.Event{Package: pkg, Kind: domain.EventResumed, Time: from})
		eventLog.Append(domain.Event{Package: pkg, Kind: domain.EventPaused, Time: to})
	}

	Describe("a routine with an app limit", func() {
		var routineID string

		BeforeEach(func() {
			saved, err := manager.SaveRoutine(domain.Routine{
				Name:    "Work",
				Enabled: true,
				Schedule: domain.Schedule{
					Type:      domain.ScheduleDaily,
					Start:     &domain.ClockTime{Hour: 9},
					End:       &domain.ClockTime{Hour: 17},
					Recurring: true,
				},
				Limits: []domain.AppLimit{{Package: "com.chat", Limit: 30 * time.Minute}},
			})
			Expect(err).NotTo(HaveOccurred())
			routineID = saved.ID
		})

		It("starts a session immediately because the window is open", func() {
			sess, ok := st.SessionFor(routineID)
			Expect(ok).To(BeTrue())
			Expect(sess.StartTime).To(Equal(monday9))
		})

		It("allows the app below the limit and blocks it above", func() {
			use("com.chat", monday9.Add(10*time.Minute), monday9.Add(25*time.Minute))
			clock.CurrentTime = monday9.Add(26 * time.Minute)
			decision := engine.Evaluate(context.Background(), "com.chat", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictAllow))

			use("com.chat", monday9.Add(30*time.Minute), monday9.Add(50*time.Minute))
			clock.CurrentTime = monday9.Add(51 * time.Minute)
			decision = engine.Evaluate(context.Background(), "com.chat", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictBlock))
			Expect(decision.Reason).To(Equal(domain.ReasonRoutineLimit))
		})

		It("reminds once when usage crosses the threshold", func() {
			// 26 of 30 minutes is over the reminder threshold.
			use("com.chat", monday9, monday9.Add(26*time.Minute))
			clock.CurrentTime = monday9.Add(27 * time.Minute)

			decision := engine.Evaluate(context.Background(), "com.chat", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictAllow))
			Expect(decision.Notices).To(HaveLen(1))
			Expect(decision.Notices[0].Kind).To(Equal(domain.NoticeReminder))

			decision = engine.Evaluate(context.Background(), "com.chat", clock.CurrentTime)
			Expect(decision.Notices).To(BeEmpty())
		})

		It("stops enforcing when the window closes", func() {
			clock.CurrentTime = time.Date(2025, 6, 2, 17, 0, 0, 0, time.Local)
			timers.fire(routineID + "/deactivate")

			_, ok := st.SessionFor(routineID)
			Expect(ok).To(BeFalse())

			use("com.chat", monday9, monday9.Add(2*time.Hour))
			decision := engine.Evaluate(context.Background(), "com.chat", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictAllow))
		})

		It("survives a restart mid-window with the original start time", func() {
			clock.CurrentTime = monday9.Add(3 * time.Hour)
			reopen()
			bridge.ScheduleAll()

			sess, ok := st.SessionFor(routineID)
			Expect(ok).To(BeTrue())
			Expect(sess.StartTime).To(Equal(monday9))
			Expect(timers.scheduled).To(HaveKey(routineID + "/deactivate"))
		})
	})

	Describe("daily limits", func() {
		BeforeEach(func() {
			Expect(st.SetDailyLimit("com.video", time.Hour)).To(Succeed())
		})

		It("accumulates since local midnight regardless of routines", func() {
			midnight := time.Date(2025, 6, 2, 0, 0, 0, 0, time.Local)
			use("com.video", midnight.Add(6*time.Hour), midnight.Add(7*time.Hour).Add(time.Minute))
			clock.CurrentTime = monday9

			decision := engine.Evaluate(context.Background(), "com.video", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictBlock))
			Expect(decision.Reason).To(Equal(domain.ReasonDailyLimit))
		})

		It("resets at midnight", func() {
			midnight := time.Date(2025, 6, 2, 0, 0, 0, 0, time.Local)
			use("com.video", midnight.Add(-3*time.Hour), midnight.Add(-time.Hour))
			clock.CurrentTime = monday9

			decision := engine.Evaluate(context.Background(), "com.video", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictAllow))
		})
	})

	Describe("focus mode", func() {
		It("blocks everything except the whitelist until the countdown ends", func() {
			Expect(manager.StartFocus(25 * time.Minute)).To(Succeed())

			decision := engine.Evaluate(context.Background(), "com.game", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictBlock))
			Expect(decision.Reason).To(Equal(domain.ReasonFocusMode))

			decision = engine.Evaluate(context.Background(), "com.android.settings", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictAllow))

			clock.CurrentTime = clock.CurrentTime.Add(25 * time.Minute)
			timers.fire("focus/end")

			decision = engine.Evaluate(context.Background(), "com.game", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictAllow))
			Expect(notifier.kinds()).To(ContainElement(domain.NoticeFocusEnded))
		})

		It("clears an expired countdown after a restart", func() {
			Expect(manager.StartFocus(25 * time.Minute)).To(Succeed())

			clock.CurrentTime = clock.CurrentTime.Add(time.Hour)
			reopen()
			bridge.ScheduleAll()

			Expect(st.Focus().Enabled).To(BeFalse())
		})
	})

	Describe("manual routines", func() {
		It("enforces only between start and stop", func() {
			saved, err := manager.SaveRoutine(domain.Routine{
				Name:     "Deep work",
				Enabled:  true,
				Schedule: domain.Schedule{Type: domain.ScheduleManual},
				Limits:   []domain.AppLimit{{Package: "com.chat", Limit: 0}},
			})
			Expect(err).NotTo(HaveOccurred())

			decision := engine.Evaluate(context.Background(), "com.chat", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictAllow))

			Expect(manager.StartManual(saved.ID)).To(Succeed())
			decision = engine.Evaluate(context.Background(), "com.chat", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictBlock))

			Expect(manager.StopManual(saved.ID)).To(Succeed())
			decision = engine.Evaluate(context.Background(), "com.chat", clock.CurrentTime)
			Expect(decision.Verdict).To(Equal(domain.VerdictAllow))
		})
	})
})
