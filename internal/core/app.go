// Package core is the composition root: it loads configuration, builds the
// stores, channels, orchestrator, and scheduler, and runs the supervised
// loops until shutdown.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mhm/internal/channel"
	"mhm/internal/channel/email"
	"mhm/internal/channel/telegram"
	"mhm/internal/config"
	"mhm/internal/delivery"
	"mhm/internal/eventbus"
	"mhm/internal/history"
	"mhm/internal/prefs"
	"mhm/internal/runtime/supervisor"
	"mhm/internal/schedule"
	"mhm/internal/taskstore"
	"mhm/internal/wake"
	"mhm/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	prefs prefs.Store
	tasks taskstore.Store
	hist  history.Store
	waker wake.Scheduler

	reg   *channel.Registry
	orch  *delivery.Orchestrator
	sched *schedule.Manager

	monitorOn bool
	sup       *supervisor.Supervisor
}

// New builds the whole engine from the config file. Nothing is started yet.
func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging))
	cfgMgr.SetLogger(log.With(logx.String("component", "config")))

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	a := &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
		reg:    channel.NewRegistry(),
		prefs:  prefs.NewYAMLStore(filepath.Join(dataDir, "users")),
	}

	if a.tasks, err = openTasks(cfg, dataDir, log); err != nil {
		return nil, err
	}
	if a.hist, err = openHistory(cfg, dataDir, log); err != nil {
		return nil, err
	}
	a.waker = openWaker(cfg, dataDir, log)

	dcfg, err := deliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.orch, err = delivery.New(dcfg, delivery.Deps{
		Registry: a.reg,
		Prefs:    a.prefs,
		Tasks:    a.tasks,
		History:  a.hist,
		Bus:      a.bus,
	}, log.With(logx.String("component", "delivery")))
	if err != nil {
		return nil, err
	}

	scfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched, err = schedule.NewManager(scfg, schedule.Deps{
		Prefs:   a.prefs,
		Tasks:   a.tasks,
		Sender:  a.orch,
		Waker:   a.waker,
		Bus:     a.bus,
		Archive: a.archiveJob(cfg),
	}, log.With(logx.String("component", "schedule")))
	if err != nil {
		return nil, err
	}

	a.monitorOn = cfg.Monitor.Enabled
	a.installForwarder(cfg)
	return a, nil
}

// Start brings channels up, builds the initial schedule, and launches the
// supervised loops. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	chans, err := buildChannels(cfg, a.log)
	if err != nil {
		return err
	}
	a.orch.InitializeChannels(ctx, chans)

	if err := a.sched.RebuildAll(ctx); err != nil {
		return fmt.Errorf("initial schedule: %w", err)
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("component", "supervisor"))))
	a.sup.GoRestart("schedule.loop", a.sched.Run)
	a.sup.GoRestart("delivery.retry", a.orch.Retry().Run)
	a.sup.GoRestart("delivery.inbound", a.orch.RunInbound)
	if a.monitorOn {
		a.sup.GoRestart("delivery.monitor", a.orch.RunMonitor)
	}
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)

	sub := a.cfgMgr.Subscribe(4)
	a.sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-sub:
				if next == nil {
					return nil
				}
				a.applyReload(ctx, next)
			}
		}
	})

	a.log.Info("engine started",
		logx.Int("channels", len(chans)),
		logx.Int("jobs", a.sched.Store().Len()))
	return nil
}

// Wait blocks until a supervised loop fails fatally or ctx ends.
func (a *App) Wait(ctx context.Context) error {
	<-ctx.Done()
	return a.sup.Err()
}

// Stop shuts the loops, channels, and stores down in dependency order.
func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
	}
	a.orch.StopAll(ctx)
	if a.hist != nil {
		if err := a.hist.Close(); err != nil {
			a.log.Warn("history close", logx.Err(err))
		}
	}
	if a.tasks != nil {
		if err := a.tasks.Close(); err != nil {
			a.log.Warn("task store close", logx.Err(err))
		}
	}
	if err := a.waker.Close(); err != nil {
		a.log.Warn("wake scheduler close", logx.Err(err))
	}
	a.log.Info("engine stopped")
	return a.logSvc.Close()
}

// applyReload reacts to a config file change: logging is re-applied live,
// preference caches are dropped, and the schedule is rebuilt. Policy
// changes (intervals, retries) need a restart and say so.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.log.Info("config change detected, applying")
	a.logSvc.Apply(logxConfig(cfg.Logging))
	if r, ok := a.prefs.(interface{ Reload() }); ok {
		r.Reload()
	}
	if err := a.sched.RebuildAll(ctx); err != nil {
		a.log.Error("rebuild after config change failed", logx.Err(err))
	}
	a.log.Info("config applied; scheduler and delivery policy changes take effect on restart")
}

// installForwarder mirrors warn+ log lines to the operator user's channel.
func (a *App) installForwarder(cfg *config.Config) {
	if !cfg.Logging.ForwardEnabled || cfg.Logging.ForwardUserID == "" {
		return
	}
	userID := cfg.Logging.ForwardUserID
	a.logSvc.SetForwarder(func(ctx context.Context, line string) {
		pref, err := a.prefs.ChannelFor(userID)
		if err != nil {
			return
		}
		a.orch.SendViaChannel(ctx, pref.Type, pref.Recipient, line, nil)
	})
}

// archiveJob returns the daily archival body: trim history older than the
// retention cutoff.
func (a *App) archiveJob(cfg *config.Config) func(ctx context.Context) error {
	if a.hist == nil {
		return nil
	}
	keepFor, err := config.ParseDurationOrDefault("history.keep_for", cfg.History.KeepFor, 60*24*time.Hour)
	if err != nil {
		keepFor = 60 * 24 * time.Hour
	}
	hist := a.hist
	log := a.log
	return func(ctx context.Context) error {
		n, err := hist.ArchiveOlderThan(ctx, time.Now().Add(-keepFor))
		if err != nil {
			return err
		}
		log.Info("history archived", logx.Int("rows", n))
		return nil
	}
}

// ---- construction helpers ----

func logxConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.FileEnabled, Path: lc.FilePath},
		Forward: logx.ForwardConfig{
			Enabled:    lc.ForwardEnabled,
			MinLevel:   lc.ForwardMinLevel,
			RatePerSec: lc.ForwardRatePerSec,
		},
	}
}

func openTasks(cfg *config.Config, dataDir string, log logx.Logger) (taskstore.Store, error) {
	if cfg.Tasks.Driver == "memory" {
		return taskstore.NewMemStore(), nil
	}
	path := cfg.Tasks.Path
	if path == "" {
		path = filepath.Join(dataDir, "tasks.db")
	}
	return taskstore.OpenSQLite(taskstore.Config{Path: path},
		log.With(logx.String("component", "taskstore")))
}

func openHistory(cfg *config.Config, dataDir string, log logx.Logger) (history.Store, error) {
	hc := history.Config{Driver: cfg.History.Driver, Path: cfg.History.Path}
	if hc.Path == "" {
		hc.Path = filepath.Join(dataDir, "history.db")
	}
	bt, err := config.ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout)
	if err != nil {
		return nil, err
	}
	hc.BusyTimeout = bt
	return history.Open(hc, log.With(logx.String("component", "history")))
}

// openWaker picks the wake implementation. Disabled config, the isolation
// flag, and temp-dir data roots (test sandboxes) all get the noop.
func openWaker(cfg *config.Config, dataDir string, log logx.Logger) wake.Scheduler {
	if !cfg.Wake.Enabled || cfg.Isolation || underTempDir(dataDir) {
		return wake.Noop()
	}
	w, err := wake.NewSystemd(context.Background(), log.With(logx.String("component", "wake")))
	if err != nil {
		log.Warn("system wake unavailable, continuing without", logx.Err(err))
		return wake.Noop()
	}
	return w
}

func underTempDir(dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, os.TempDir())
}

func buildChannels(cfg *config.Config, log logx.Logger) ([]channel.Channel, error) {
	var out []channel.Channel
	if tc := cfg.Channels.Telegram; tc != nil {
		ch, err := telegram.New(telegram.Config{Token: tc.Token},
			log.With(logx.String("channel", telegram.Name)))
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		out = append(out, ch)
	}
	if ec := cfg.Channels.Email; ec != nil {
		ch, err := email.New(email.Config{
			Host:     ec.SMTPHost,
			Port:     ec.SMTPPort,
			From:     ec.From,
			Username: ec.Username,
			Password: ec.Password,
		}, log.With(logx.String("channel", email.Name)))
		if err != nil {
			return nil, fmt.Errorf("email channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, nil
}

func schedulerConfig(cfg *config.Config) (schedule.Config, error) {
	sc := cfg.Scheduler
	out := schedule.Config{
		SlotRetries:   sc.SlotRetries,
		ActionRetries: sc.ActionRetries,
		RebuildAt:     sc.RebuildAt,
		ArchiveAt:     sc.ArchiveAt,
		OrphanSweepAt: sc.OrphanSweepAt,
	}
	var err error
	if out.PollInterval, err = config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, 10*time.Second); err != nil {
		return out, err
	}
	if out.StopTimeout, err = config.ParseDurationOrDefault("scheduler.stop_timeout", sc.StopTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.MinLead, err = config.ParseDurationOrDefault("scheduler.min_lead", sc.MinLead, 30*time.Minute); err != nil {
		return out, err
	}
	if out.ConflictWindow, err = config.ParseDurationOrDefault("scheduler.conflict_window", sc.ConflictWindow, 2*time.Hour); err != nil {
		return out, err
	}
	if out.ActionRetryDelay, err = config.ParseDurationOrDefault("scheduler.action_retry_delay", sc.ActionRetryDelay, 30*time.Second); err != nil {
		return out, err
	}
	if out.WakeLead, err = config.ParseDurationOrDefault("scheduler.wake_lead", sc.WakeLead, 4*time.Minute); err != nil {
		return out, err
	}
	if sc.Timezone != "" {
		loc, err := time.LoadLocation(sc.Timezone)
		if err != nil {
			return out, fmt.Errorf("scheduler.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

func deliveryConfig(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	out := delivery.Config{
		InitMaxAttempts: dc.InitMaxAttempts,
		RatePerSec:      float64(dc.RatePerSec),
		DedupScan:       dc.DedupScan,
		WindowBias:      dc.WindowBias,
		RetryCap:        cfg.Retry.MaxEntries,
		ProbeAddr:       dc.ProbeAddr,
	}
	var err error
	if out.SendTimeout, err = config.ParseDurationOrDefault("delivery.send_timeout", dc.SendTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.InitTimeout, err = config.ParseDurationOrDefault("delivery.init_timeout", dc.InitTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.InitBackoff, err = config.ParseDurationOrDefault("delivery.init_backoff", dc.InitBackoff, 2*time.Second); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("delivery.dedup_window", dc.DedupWindow, 60*24*time.Hour); err != nil {
		return out, err
	}
	if out.InboundPollInterval, err = config.ParseDurationOrDefault("delivery.inbound_poll_interval", dc.InboundPollInterval, 30*time.Second); err != nil {
		return out, err
	}
	if out.ProbeTimeout, err = config.ParseDurationOrDefault("delivery.probe_timeout", dc.ProbeTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.RetryInterval, err = config.ParseDurationOrDefault("retry.interval", cfg.Retry.Interval, time.Minute); err != nil {
		return out, err
	}
	if out.MonitorInterval, err = config.ParseDurationOrDefault("monitor.interval", cfg.Monitor.Interval, time.Minute); err != nil {
		return out, err
	}
	return out, nil
}
