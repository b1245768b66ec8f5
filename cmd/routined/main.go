// Package main is the CLI entry point for routined.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/routined/routined/internal/config"
	"github.com/routined/routined/internal/daemon"
	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/infra"
	"github.com/routined/routined/internal/metrics"
	"github.com/routined/routined/internal/policy"
	"github.com/routined/routined/internal/scheduler"
	"github.com/routined/routined/internal/store"
	"github.com/routined/routined/internal/store/bolt"
	"github.com/routined/routined/internal/store/sqlite"
	"github.com/routined/routined/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "routined",
	Short: "Personal app and screen-time limits",
	Long: `routined enforces the limits you set on yourself: scheduled routines
with per-app budgets, standing daily limits, and an all-or-nothing
focus mode. The daemon watches foreground apps and blocks the ones
that are over their limit.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enforcement daemon",
	Long: `Runs the enforcement daemon in the foreground. On startup all timers
are re-derived from the saved routines, so a reboot never loses
scheduled activations.`,
	RunE: runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show routines, sessions and focus state",
	RunE:  runStatus,
}

var checkCmd = &cobra.Command{
	Use:   "check <package>",
	Short: "Show what would happen if a package came to the foreground",
	Long: `Evaluates a package against the saved limits, whitelist and focus
state. Accumulated usage lives in the running daemon, so this command
reports usage-independent outcomes: focus-mode blocks, zero-duration
limits, and which limits would govern the package.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Control focus mode",
}

var focusDuration time.Duration

var focusStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start focus mode (everything but the whitelist is blocked)",
	RunE:  runFocusStart,
}

var focusStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop focus mode",
	RunE:  runFocusStop,
}

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Manage standing daily limits",
}

var dailySetCmd = &cobra.Command{
	Use:   "set <package> <limit>",
	Short: "Set a daily limit, e.g. routined daily set com.chat 1h30m",
	Args:  cobra.ExactArgs(2),
	RunE:  runDailySet,
}

var dailyRemoveCmd = &cobra.Command{
	Use:   "remove <package>",
	Short: "Remove a daily limit",
	Args:  cobra.ExactArgs(1),
	RunE:  runDailyRemove,
}

var dailyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List daily limits",
	RunE:  runDailyList,
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage never-blocked packages",
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add <package>",
	Short: "Add a package to the whitelist",
	Args:  cobra.ExactArgs(1),
	RunE:  runWhitelistAdd,
}

var whitelistRemoveCmd = &cobra.Command{
	Use:   "remove <package>",
	Short: "Remove a user-added package from the whitelist",
	Args:  cobra.ExactArgs(1),
	RunE:  runWhitelistRemove,
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List whitelisted packages",
	RunE:  runWhitelistList,
}

var routinesCmd = &cobra.Command{
	Use:   "routines",
	Short: "Manage routines",
}

var routinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List routines",
	RunE:  runStatus,
}

var (
	routineName    string
	routineFrom    string
	routineTo      string
	routineDays    string
	routineManual  bool
	routineOneShot bool
	routineLimits  []string
)

var routinesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a routine",
	Long: `Adds a routine. Examples:

  routined routines add --name Work --from 09:00 --to 17:00 --limit com.chat=30m
  routined routines add --name Weekend --from 22:00 --to 06:00 --days sat,sun --limit com.game=0
  routined routines add --name "Deep work" --manual --limit com.chat=0`,
	RunE: runRoutinesAdd,
}

var routinesToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Enable or disable a routine",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutinesToggle,
}

var routinesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a routine",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutinesDelete,
}

var routinesStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a manual routine now",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutinesStart,
}

var routinesStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a manual routine",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutinesStop,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("routined %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	focusStartCmd.Flags().DurationVar(&focusDuration, "for", 0, "Countdown duration (0 = until stopped)")

	routinesAddCmd.Flags().StringVar(&routineName, "name", "", "Routine name")
	routinesAddCmd.Flags().StringVar(&routineFrom, "from", "", "Window start, HH:MM")
	routinesAddCmd.Flags().StringVar(&routineTo, "to", "", "Window end, HH:MM (may wrap past midnight)")
	routinesAddCmd.Flags().StringVar(&routineDays, "days", "", "Comma-separated days for a weekly routine, e.g. mon,tue,fri")
	routinesAddCmd.Flags().BoolVar(&routineManual, "manual", false, "Manually controlled, no schedule")
	routinesAddCmd.Flags().BoolVar(&routineOneShot, "once", false, "Disarm after the first window")
	routinesAddCmd.Flags().StringSliceVar(&routineLimits, "limit", nil, "App limit as package=duration; 0 blocks outright")

	focusCmd.AddCommand(focusStartCmd, focusStopCmd)
	dailyCmd.AddCommand(dailySetCmd, dailyRemoveCmd, dailyListCmd)
	whitelistCmd.AddCommand(whitelistAddCmd, whitelistRemoveCmd, whitelistListCmd)
	routinesCmd.AddCommand(routinesListCmd, routinesAddCmd, routinesToggleCmd,
		routinesDeleteCmd, routinesStartCmd, routinesStopCmd)
	rootCmd.AddCommand(runCmd, statusCmd, checkCmd, focusCmd, dailyCmd,
		whitelistCmd, routinesCmd, versionCmd)
}

// app bundles the wired components every command needs.
type app struct {
	cfg    *config.Config
	kv     domain.KV
	store  *store.Store
	logger *zap.Logger
}

func buildApp(withNotifier bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := createLogger(cfg)

	kv, err := openKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var notifier domain.Notifier
	if withNotifier {
		notifier = infra.NewLogNotifier(nil, logger)
	}
	st := store.New(kv, nil, notifier, infra.NewSessionBus(), logger)
	if err := st.Init(); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &app{cfg: cfg, kv: kv, store: st, logger: logger}, nil
}

func (a *app) close() {
	_ = a.kv.Close()
	_ = a.logger.Sync()
}

func openKV(cfg *config.Config) (domain.KV, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		key, err := sqlite.EnsureKey(sqlite.NewFileKeyProvider(cfg.Storage.Dir))
		if err != nil {
			return nil, err
		}
		return sqlite.Open(cfg.Storage.Dir, key)
	default:
		return bolt.Open(filepath.Join(cfg.Storage.Dir, "routined.db"))
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg
	logger := a.logger

	timers := infra.NewKeyedTimer(logger)
	defer timers.Stop()
	notifier := infra.NewLogNotifier(nil, logger)
	bridge := scheduler.New(a.store, timers, nil, notifier, logger)

	eventLog := infra.NewEventLog()
	engine := policy.NewEngine(a.store, eventLog, alwaysLaunchable{}, nil, cfg.Foreground.OwnPackage, logger)
	feed := infra.NewPollingFeed(cfg.Foreground.Watched, cfg.Foreground.PollInterval, logger)
	blocker := infra.NewProcessBlockAction(logger)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Address, logger)
		srv.Start()
		defer func() { _ = srv.Stop() }()
	}

	d := daemon.New(daemon.Config{
		DebounceWindow: cfg.Scheduler.DebounceWindow,
		SafetyNetSpec:  cfg.Scheduler.SafetyNetSpec,
	}, feed, eventLog, engine, bridge, blocker, notifier, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := d.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// alwaysLaunchable is the desktop probe: the polling feed only reports
// packages from the watched list, so everything it emits is real.
type alwaysLaunchable struct{}

func (alwaysLaunchable) Launchable(string) bool { return true }

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Println("=== routined status ===")

	f := a.store.Focus()
	switch {
	case f.Enabled && f.EndTime.IsZero():
		fmt.Printf("Focus mode: %s (until stopped)\n", red("ON"))
	case f.Enabled:
		fmt.Printf("Focus mode: %s (ends %s)\n", red("ON"), f.EndTime.Format(time.Kitchen))
	default:
		fmt.Printf("Focus mode: %s\n", green("off"))
	}

	routines := a.store.Routines()
	if len(routines) == 0 {
		fmt.Println("\nNo routines configured.")
	} else {
		fmt.Println("\nRoutines:")
		for _, r := range routines {
			state := green("enabled")
			if !r.Enabled {
				state = yellow("disabled")
			}
			fmt.Printf("  [%s] %s (%s, %s)\n", r.ID, r.Name, describeSchedule(r.Schedule), state)
			for _, l := range r.Limits {
				fmt.Printf("      %s: %s\n", l.Package, describeLimit(l.Limit))
			}
			for _, l := range r.WebsiteLimits {
				fmt.Printf("      %s: %s\n", l.Domain, describeLimit(l.Limit))
			}
		}
	}

	sessions := a.store.Sessions()
	if len(sessions) > 0 {
		fmt.Println("\nActive sessions:")
		for _, s := range sessions {
			fmt.Printf("  %s (since %s)\n", s.RoutineID, s.StartTime.Format(time.Kitchen))
		}
	}

	daily := a.store.DailyLimits()
	if len(daily) > 0 {
		fmt.Println("\nDaily limits:")
		for _, l := range daily {
			fmt.Printf("  %s: %s\n", l.Package, describeLimit(l.Limit))
		}
	}

	fmt.Println("=======================")
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	pkg := args[0]
	engine := policy.NewEngine(a.store, infra.NewEventLog(), alwaysLaunchable{},
		nil, a.cfg.Foreground.OwnPackage, a.logger)
	decision := engine.Evaluate(context.Background(), pkg, time.Now())

	if decision.Verdict == domain.VerdictBlock {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Printf("%s would be %s (%s)\n", pkg, red("BLOCKED"), decision.Reason)
	} else {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s would be %s\n", pkg, green("allowed"))
		if limit, _, ok := a.store.LimitFor(pkg, time.Now()); ok {
			fmt.Printf("  routine limit in effect: %s\n", describeLimit(limit))
		}
		if limit, ok := a.store.DailyLimit(pkg); ok {
			fmt.Printf("  daily limit: %s\n", describeLimit(limit))
		}
	}
	return nil
}

func runFocusStart(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	timers := infra.NewKeyedTimer(a.logger)
	bridge := scheduler.New(a.store, timers, nil, nil, a.logger)
	if err := bridge.StartFocus(focusDuration); err != nil {
		return err
	}
	if focusDuration > 0 {
		fmt.Printf("Focus mode started for %s.\n", focusDuration)
	} else {
		fmt.Println("Focus mode started. Run 'routined focus stop' to end it.")
	}
	return nil
}

func runFocusStop(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	timers := infra.NewKeyedTimer(a.logger)
	bridge := scheduler.New(a.store, timers, nil, nil, a.logger)
	if err := bridge.StopFocus(); err != nil {
		return err
	}
	fmt.Println("Focus mode stopped.")
	return nil
}

func runDailySet(cmd *cobra.Command, args []string) error {
	limit, err := time.ParseDuration(args[1])
	if err != nil {
		return fmt.Errorf("invalid limit %q: %w", args[1], err)
	}
	if limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}

	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.SetDailyLimit(args[0], limit); err != nil {
		return err
	}
	fmt.Printf("Daily limit for %s set to %s.\n", args[0], describeLimit(limit))
	return nil
}

func runDailyRemove(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.RemoveDailyLimit(args[0]); err != nil {
		return err
	}
	fmt.Printf("Daily limit for %s removed.\n", args[0])
	return nil
}

func runDailyList(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	limits := a.store.DailyLimits()
	if len(limits) == 0 {
		fmt.Println("No daily limits configured.")
		return nil
	}
	sort.Slice(limits, func(i, j int) bool { return limits[i].Package < limits[j].Package })
	for _, l := range limits {
		fmt.Printf("%s: %s\n", l.Package, describeLimit(l.Limit))
	}
	return nil
}

func runWhitelistAdd(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.AddWhitelisted(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s added to whitelist.\n", args[0])
	return nil
}

func runWhitelistRemove(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.RemoveWhitelisted(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s removed from whitelist.\n", args[0])
	return nil
}

func runWhitelistList(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	entries := a.store.WhitelistEntries()
	sort.Strings(entries)
	for _, pkg := range entries {
		fmt.Println(pkg)
	}
	return nil
}

func (a *app) manager() *usecase.Manager {
	timers := infra.NewKeyedTimer(a.logger)
	bridge := scheduler.New(a.store, timers, nil, nil, a.logger)
	return usecase.NewManager(a.store, bridge, nil, a.logger)
}

func runRoutinesAdd(cmd *cobra.Command, args []string) error {
	r := domain.Routine{
		Name:    routineName,
		Enabled: true,
	}

	switch {
	case routineManual:
		r.Schedule = domain.Schedule{Type: domain.ScheduleManual}
	default:
		start, err := parseClock(routineFrom)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		end, err := parseClock(routineTo)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
		r.Schedule = domain.Schedule{
			Type:      domain.ScheduleDaily,
			Start:     start,
			End:       end,
			Recurring: !routineOneShot,
		}
		if routineDays != "" {
			days, err := parseDays(routineDays)
			if err != nil {
				return err
			}
			r.Schedule.Type = domain.ScheduleWeekly
			r.Schedule.DaysOfWeek = days
		}
	}

	for _, spec := range routineLimits {
		pkg, dur, found := strings.Cut(spec, "=")
		if !found {
			return fmt.Errorf("invalid --limit %q, expected package=duration", spec)
		}
		limit, err := time.ParseDuration(dur)
		if err != nil {
			return fmt.Errorf("invalid --limit %q: %w", spec, err)
		}
		r.Limits = append(r.Limits, domain.AppLimit{Package: pkg, Limit: limit})
	}

	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	saved, err := a.manager().SaveRoutine(r)
	if err != nil {
		return err
	}
	fmt.Printf("Routine %q created with id %s.\n", saved.Name, saved.ID)
	return nil
}

func runRoutinesToggle(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.manager().ToggleRoutine(args[0])
	if err != nil {
		return err
	}
	if r.Enabled {
		fmt.Printf("Routine %q enabled.\n", r.Name)
	} else {
		fmt.Printf("Routine %q disabled.\n", r.Name)
	}
	return nil
}

func runRoutinesDelete(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager().DeleteRoutine(args[0]); err != nil {
		return err
	}
	fmt.Println("Routine deleted.")
	return nil
}

func runRoutinesStart(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager().StartManual(args[0]); err != nil {
		return err
	}
	fmt.Println("Routine started.")
	return nil
}

func runRoutinesStop(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager().StopManual(args[0]); err != nil {
		return err
	}
	fmt.Println("Routine stopped.")
	return nil
}

func parseClock(s string) (*domain.ClockTime, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return nil, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("clock time %q out of range", s)
	}
	return &domain.ClockTime{Hour: hour, Minute: minute}, nil
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

func parseDays(s string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		day, ok := dayNames[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", part)
		}
		days = append(days, day)
	}
	return days, nil
}

func describeSchedule(s domain.Schedule) string {
	switch s.Type {
	case domain.ScheduleManual:
		return "manual"
	case domain.ScheduleWeekly:
		days := make([]string, 0, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			days = append(days, d.String()[:3])
		}
		return fmt.Sprintf("%s %s-%s", strings.Join(days, ","), clockString(s.Start), clockString(s.End))
	default:
		return fmt.Sprintf("daily %s-%s", clockString(s.Start), clockString(s.End))
	}
}

func clockString(ct *domain.ClockTime) string {
	if ct == nil {
		return "?"
	}
	return fmt.Sprintf("%02d:%02d", ct.Hour, ct.Minute)
}

func describeLimit(limit time.Duration) string {
	if limit == 0 {
		return "blocked outright"
	}
	return limit.String()
}

func createLogger(cfg *config.Config) *zap.Logger {
	zc := zap.NewProductionConfig()
	if cfg.Logging.File != "" {
		zc.OutputPaths = []string{cfg.Logging.File}
		zc.ErrorOutputPaths = []string{cfg.Logging.File}
	}
	if lvl, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
