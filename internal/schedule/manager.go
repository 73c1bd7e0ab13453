package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mhm/internal/eventbus"
	"mhm/internal/prefs"
	"mhm/internal/taskstore"
	"mhm/internal/timewindow"
	"mhm/internal/wake"
	"mhm/pkg/logx"
)

// CategoryCheckin is the reserved category for conversational check-ins.
// It is scheduled like any other category but composed differently at
// delivery time.
const CategoryCheckin = "checkin"

// CategoryTasks names the window set used for task reminder slots.
const CategoryTasks = "tasks"

// Recurring system job names.
const (
	jobRebuild     = "daily_rebuild"
	jobArchive     = "history_archive"
	jobOrphanSweep = "orphan_sweep"
)

// Sender is the slice of the delivery orchestrator the scheduler fires
// into. Both calls block until the send resolved or failed.
type Sender interface {
	HandleMessageSending(ctx context.Context, userID, category string) error
	HandleTaskReminder(ctx context.Context, userID, taskID string) error
}

type Config struct {
	PollInterval     time.Duration
	StopTimeout      time.Duration
	MinLead          time.Duration
	ConflictWindow   time.Duration
	SlotRetries      int
	ActionRetries    int
	ActionRetryDelay time.Duration

	// Daily fire times "HH:MM" for the recurring system jobs.
	RebuildAt     string
	ArchiveAt     string
	OrphanSweepAt string

	// WakeLead is how long before a job's fire time the system wake is
	// requested. Zero disables wake scheduling.
	WakeLead time.Duration

	Location *time.Location
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = 2 * time.Hour
	}
	if c.SlotRetries <= 0 {
		c.SlotRetries = 10
	}
	if c.ActionRetries <= 0 {
		c.ActionRetries = 3
	}
	if c.ActionRetryDelay <= 0 {
		c.ActionRetryDelay = 30 * time.Second
	}
	if c.RebuildAt == "" {
		c.RebuildAt = "01:00"
	}
	if c.ArchiveAt == "" {
		c.ArchiveAt = "02:00"
	}
	if c.OrphanSweepAt == "" {
		c.OrphanSweepAt = "03:00"
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Manager wires the store, the slot picker, and the capability stores into
// the scheduling operations, and runs the poll loop that fires due jobs.
type Manager struct {
	cfg      Config
	log      logx.Logger
	store    *Store
	resolver *timewindow.Resolver
	picker   *timewindow.SlotPicker
	prefs    prefs.Store
	tasks    taskstore.Store
	sender   Sender
	waker    wake.Scheduler
	bus      eventbus.Bus
	selector *taskSelector

	// archive is the recurring archival job body, injected by the app so
	// the scheduler stays ignorant of history storage.
	archive func(ctx context.Context) error

	now func() time.Time

	mu      sync.Mutex
	running bool
	jobWG   sync.WaitGroup
}

type Deps struct {
	Prefs   prefs.Store
	Tasks   taskstore.Store
	Sender  Sender
	Waker   wake.Scheduler
	Bus     eventbus.Bus
	Archive func(ctx context.Context) error
}

func NewManager(cfg Config, deps Deps, log logx.Logger) (*Manager, error) {
	cfg.normalize()
	if deps.Prefs == nil {
		return nil, errors.New("schedule: prefs store is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("schedule: sender is required")
	}
	if deps.Waker == nil {
		deps.Waker = wake.Noop()
	}
	m := &Manager{
		cfg:      cfg,
		log:      log,
		store:    NewStore(),
		resolver: timewindow.NewResolver(deps.Prefs),
		picker:   timewindow.NewSlotPicker(cfg.MinLead),
		prefs:    deps.Prefs,
		tasks:    deps.Tasks,
		sender:   deps.Sender,
		waker:    deps.Waker,
		bus:      deps.Bus,
		selector: newTaskSelector(time.Now().UnixNano()),
		archive:  deps.Archive,
		now:      func() time.Time { return time.Now().In(cfg.Location) },
	}
	return m, nil
}

// Store exposes the job store for status reporting.
func (m *Manager) Store() *Store { return m.store }

// Run is the poll loop. It blocks until ctx is canceled, then waits up to
// StopTimeout for in-flight job actions.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("schedule: already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.log.Info("scheduler loop started",
		logx.Duration("poll_interval", m.cfg.PollInterval),
		logx.Int("jobs", m.store.Len()))

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.drain()
		case <-ticker.C:
			m.fireDue(ctx)
		}
	}
}

func (m *Manager) drain() error {
	done := make(chan struct{})
	go func() {
		m.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("scheduler loop stopped")
		return nil
	case <-time.After(m.cfg.StopTimeout):
		m.log.Warn("scheduler stop timed out with jobs in flight",
			logx.Duration("timeout", m.cfg.StopTimeout))
		return nil
	}
}

func (m *Manager) fireDue(ctx context.Context) {
	due := m.store.Due(m.now())
	for _, j := range due {
		job := j
		m.jobWG.Add(1)
		go func() {
			defer m.jobWG.Done()
			m.runJob(ctx, job)
		}()
	}
}

// runJob executes one job action with bounded retries, then removes
// one-shot jobs from the store whatever the outcome.
func (m *Manager) runJob(ctx context.Context, j Job) {
	if j.Kind != KindRecurringSystem {
		defer m.store.Remove(j.ID)
	}

	log := m.log.With(
		logx.String("job_id", j.ID),
		logx.String("kind", j.Kind.String()),
		logx.String("user_id", j.UserID))
	m.publish(eventbus.TypeJobFired, j)

	var err error
	for attempt := 1; attempt <= m.cfg.ActionRetries; attempt++ {
		err = m.runAction(ctx, j)
		if err == nil {
			if attempt > 1 {
				log.Info("job action recovered", logx.Int("attempt", attempt))
			}
			return
		}
		if ctx.Err() != nil {
			log.Warn("job action aborted by shutdown", logx.Err(err))
			return
		}
		if attempt < m.cfg.ActionRetries {
			log.Warn("job action failed, will retry",
				logx.Int("attempt", attempt), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.ActionRetryDelay):
			}
		}
	}

	log.Error("job action exhausted retries",
		logx.Int("attempts", m.cfg.ActionRetries), logx.Err(err))
	m.publish(eventbus.TypeJobAbandoned, j)
}

func (m *Manager) runAction(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job action panicked: %v", r)
			m.log.Error("job action panic",
				logx.String("job_id", j.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	if j.Action == nil {
		return errors.New("job has no action")
	}
	return j.Action(ctx)
}

func (m *Manager) publish(typ string, j Job) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"job_id":   j.ID,
		"kind":     j.Kind.String(),
		"user_id":  j.UserID,
		"category": j.Category,
		"task_id":  j.TaskID,
		"name":     j.Name,
	}})
}

// ---- scheduling operations ----

// ScheduleCategoryJob purges the user's pending jobs for the category and
// schedules one fresh job per window whose day filter matches today.
// Rescheduling is idempotent: calling it twice leaves one job per window.
func (m *Manager) ScheduleCategoryJob(ctx context.Context, userID, category string) error {
	m.store.RemoveIf(func(j *Job) bool {
		return j.Kind == KindOneTimeMessage && j.UserID == userID && j.Category == category
	})

	windows, err := m.resolver.WindowsFor(userID, category)
	if err != nil {
		return fmt.Errorf("resolve windows for %s/%s: %w", userID, category, err)
	}

	now := m.now()
	scheduled := 0
	for _, w := range windows {
		if !w.MatchesDay(now) {
			continue
		}
		at, err := m.pickSlot(userID, w, now)
		if err != nil {
			m.log.Warn("no slot for window",
				logx.String("user_id", userID),
				logx.String("category", category),
				logx.String("window", w.Name),
				logx.Err(err))
			continue
		}
		uid, cat := userID, category
		m.store.Add(newOneTimeMessage(uid, cat, at, func(ctx context.Context) error {
			return m.sender.HandleMessageSending(ctx, uid, cat)
		}))
		m.requestWake(ctx, at)
		scheduled++
	}

	m.log.Debug("category scheduled",
		logx.String("user_id", userID),
		logx.String("category", category),
		logx.Int("jobs", scheduled))
	return nil
}

// ScheduleTaskReminders purges the user's pending task reminders and, when
// the user has task reminders enabled and incomplete tasks, schedules one
// weighted-pick reminder per matching task window.
func (m *Manager) ScheduleTaskReminders(ctx context.Context, userID string) error {
	m.store.RemoveIf(func(j *Job) bool {
		return j.Kind == KindTaskReminder && j.UserID == userID
	})

	if m.tasks == nil || !m.tasks.TasksEnabled(ctx, userID) {
		return nil
	}
	incomplete, err := m.tasks.ListIncomplete(ctx, userID)
	if err != nil {
		return fmt.Errorf("list tasks for %s: %w", userID, err)
	}
	if len(incomplete) == 0 {
		return nil
	}

	keep := make(map[string]struct{}, len(incomplete))
	for _, t := range incomplete {
		keep[t.ID] = struct{}{}
	}
	m.selector.Forget(keep)

	windows, err := m.resolver.WindowsFor(userID, CategoryTasks)
	if err != nil {
		if errors.Is(err, prefs.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolve task windows for %s: %w", userID, err)
	}

	now := m.now()
	for _, w := range windows {
		if !w.MatchesDay(now) {
			continue
		}
		task := m.selector.Pick(incomplete, now)
		if task == nil {
			break
		}
		at, err := m.pickSlot(userID, w, now)
		if err != nil {
			m.log.Warn("no slot for task window",
				logx.String("user_id", userID),
				logx.String("window", w.Name),
				logx.Err(err))
			continue
		}
		uid, tid := userID, task.ID
		m.store.Add(newTaskReminder(uid, tid, at, func(ctx context.Context) error {
			return m.sender.HandleTaskReminder(ctx, uid, tid)
		}))
		m.requestWake(ctx, at)
	}
	return nil
}

// ScheduleCheckins schedules the check-in prompt when enabled. Weekly
// check-ins only land on Mondays; any other frequency is treated as daily.
func (m *Manager) ScheduleCheckins(ctx context.Context, userID string) error {
	cs, err := m.prefs.Checkin(userID)
	if err != nil {
		if errors.Is(err, prefs.ErrNotFound) {
			return nil
		}
		return err
	}
	if !cs.Enabled {
		return nil
	}
	if cs.Frequency == "weekly" && m.now().Weekday() != time.Monday {
		return nil
	}
	err = m.ScheduleCategoryJob(ctx, userID, CategoryCheckin)
	if errors.Is(err, prefs.ErrNotFound) {
		return nil
	}
	return err
}

// ScheduleNewUser builds the full job set for one user: every configured
// category, check-ins, and task reminders. Per-part failures are logged
// and do not stop the rest.
func (m *Manager) ScheduleNewUser(ctx context.Context, userID string) {
	cats, err := m.prefs.Categories(userID)
	if err != nil {
		m.log.Warn("cannot list categories", logx.String("user_id", userID), logx.Err(err))
	}
	for _, cat := range cats {
		if cat == CategoryCheckin || cat == CategoryTasks {
			continue
		}
		if err := m.ScheduleCategoryJob(ctx, userID, cat); err != nil {
			m.log.Warn("category scheduling failed",
				logx.String("user_id", userID),
				logx.String("category", cat),
				logx.Err(err))
		}
	}
	if err := m.ScheduleCheckins(ctx, userID); err != nil {
		m.log.Warn("checkin scheduling failed", logx.String("user_id", userID), logx.Err(err))
	}
	if err := m.ScheduleTaskReminders(ctx, userID); err != nil {
		m.log.Warn("task reminder scheduling failed", logx.String("user_id", userID), logx.Err(err))
	}
}

// RebuildAll clears the whole store, re-installs the recurring system jobs,
// and rebuilds every user's job set from preferences. Runs at startup and
// from the daily rebuild job.
func (m *Manager) RebuildAll(ctx context.Context) error {
	m.store.Clear()
	if err := m.installSystemJobs(); err != nil {
		return err
	}

	users, err := m.prefs.Users()
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		m.ScheduleNewUser(ctx, u)
	}
	m.log.Info("schedule rebuilt",
		logx.Int("users", len(users)),
		logx.Int("jobs", m.store.Len()))
	return nil
}

func (m *Manager) installSystemJobs() error {
	now := m.now()

	rebuild, err := dailySchedule(m.cfg.RebuildAt, m.cfg.Location)
	if err != nil {
		return fmt.Errorf("rebuild time: %w", err)
	}
	m.store.Add(newRecurringSystem(jobRebuild, rebuild, now, m.RebuildAll))

	sweep, err := dailySchedule(m.cfg.OrphanSweepAt, m.cfg.Location)
	if err != nil {
		return fmt.Errorf("orphan sweep time: %w", err)
	}
	m.store.Add(newRecurringSystem(jobOrphanSweep, sweep, now, func(ctx context.Context) error {
		m.CleanupOrphanedTaskReminders(ctx)
		return nil
	}))

	if m.archive != nil {
		arch, err := dailySchedule(m.cfg.ArchiveAt, m.cfg.Location)
		if err != nil {
			return fmt.Errorf("archive time: %w", err)
		}
		m.store.Add(newRecurringSystem(jobArchive, arch, now, m.archive))
	}
	return nil
}

// dailySchedule builds a cron schedule firing once a day at "HH:MM".
func dailySchedule(at string, loc *time.Location) (cron.Schedule, error) {
	ct, err := timewindow.ParseClock(at)
	if err != nil {
		return nil, err
	}
	spec := fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), ct.Minute, ct.Hour)
	return cron.ParseStandard(spec)
}

// CleanupTaskReminders drops pending reminders for one task, used when the
// task is completed or deleted.
func (m *Manager) CleanupTaskReminders(userID, taskID string) int {
	return m.store.RemoveIf(func(j *Job) bool {
		return j.Kind == KindTaskReminder && j.UserID == userID && j.TaskID == taskID
	})
}

// CleanupOrphanedTaskReminders removes reminders whose task is gone or
// completed. Lookup errors other than not-found leave the job in place.
func (m *Manager) CleanupOrphanedTaskReminders(ctx context.Context) int {
	if m.tasks == nil {
		return 0
	}
	removed := 0
	for _, j := range m.store.Snapshot() {
		if j.Kind != KindTaskReminder {
			continue
		}
		t, err := m.tasks.TaskByID(ctx, j.UserID, j.TaskID)
		switch {
		case errors.Is(err, taskstore.ErrNotFound):
		case err != nil:
			m.log.Warn("orphan sweep lookup failed",
				logx.String("task_id", j.TaskID), logx.Err(err))
			continue
		case !t.Completed:
			continue
		}
		if m.store.Remove(j.ID) {
			removed++
			m.log.Debug("orphaned reminder removed",
				logx.String("user_id", j.UserID),
				logx.String("task_id", j.TaskID))
		}
	}
	if removed > 0 {
		m.log.Info("orphan sweep done", logx.Int("removed", removed))
	}
	return removed
}

// ---- slot picking ----

// pickSlot draws a random instant in the window, retrying a bounded number
// of times until it does not conflict with the user's existing jobs.
func (m *Manager) pickSlot(userID string, w timewindow.Window, now time.Time) (time.Time, error) {
	var last time.Time
	for i := 0; i < m.cfg.SlotRetries; i++ {
		t, err := m.picker.Pick(w, now)
		if err != nil {
			return time.Time{}, err
		}
		if !m.store.HasConflict(userID, t, m.cfg.ConflictWindow) {
			return t, nil
		}
		last = t
	}
	return time.Time{}, fmt.Errorf("window %q: no conflict-free slot in %d tries (last %s)",
		w.Name, m.cfg.SlotRetries, last.Format(time.RFC3339))
}

func (m *Manager) requestWake(ctx context.Context, at time.Time) {
	if m.cfg.WakeLead <= 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.waker.ScheduleWakeAt(wctx, at.Add(-m.cfg.WakeLead)); err != nil {
		m.log.Debug("wake scheduling failed", logx.Time("at", at), logx.Err(err))
	}
}
