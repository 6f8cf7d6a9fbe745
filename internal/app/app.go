// Package app assembles the process: config, logging, storage, the executor
// backend, the orchestrator and the channel adapters, plus the two tick loops
// that drive everything.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"attache/internal/config"
	"attache/internal/executor"
	"attache/internal/orchestrator"
	"attache/internal/schedule"
	"attache/internal/storage"
	"attache/internal/transport/telegram"
	"attache/pkg/logx"
)

const defaultStateDir = "./state"

type App struct {
	cfgMgr *config.Manager
	logs   *logx.Service
	log    logx.Logger

	db     *storage.DB
	keys   *storage.SessionKeys
	states *storage.ScheduleStates
	exec   executor.Executor
	orch   *orchestrator.Orchestrator
	tg     *telegram.Adapter // nil when disabled

	scheduleTick time.Duration
	channelTick  time.Duration
}

// New loads the config file and builds every component. Nothing is running
// yet; Run or RunOnce drive the assembled app.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(loggingConfig(cfg))
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = defaultStateDir
	}

	db, err := storage.OpenDB(filepath.Join(stateDir, "attache.db"), log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, err
	}

	keys := storage.NewSessionKeys(filepath.Join(stateDir, "session-keys.json"), cfg.Location())
	states := storage.NewScheduleStates(filepath.Join(stateDir, "schedule-state.json"))

	exec, err := executor.New(cfg.Executor, stateDir, log.With(logx.String("comp", "executor")))
	if err != nil {
		db.Close()
		logs.Close()
		return nil, err
	}

	grace, _ := config.ParseDurationOrDefault("timers.grace_window", cfg.Timers.GraceWindow, config.DefaultGraceWindow)
	scheduleTick, _ := config.ParseDurationOrDefault("timers.schedule_tick", cfg.Timers.ScheduleTick, config.DefaultScheduleTick)
	channelTick, _ := config.ParseDurationOrDefault("timers.channel_tick", cfg.Timers.ChannelTick, config.DefaultChannelTick)

	orch := orchestrator.New(orchestrator.Options{
		Executor:      exec,
		Keys:          keys,
		History:       db.History(),
		Activity:      db.Activity(),
		States:        states,
		Tracker:       schedule.NewTracker(cfg.Location(), log.With(logx.String("comp", "schedule"))),
		Log:           log.With(logx.String("comp", "orchestrator")),
		GraceWindow:   grace,
		UsageWarnPct:  cfg.Timers.UsageWarnPct,
		RecentHistory: cfg.RecentHistory(),
	})

	a := &App{
		cfgMgr:       mgr,
		logs:         logs,
		log:          log.With(logx.String("comp", "app")),
		db:           db,
		keys:         keys,
		states:       states,
		exec:         exec,
		orch:         orch,
		scheduleTick: scheduleTick,
		channelTick:  channelTick,
	}

	if cfg.Telegram.Enabled {
		tg, err := telegram.New(cfg.Telegram, orch, stateDir, log.With(logx.String("comp", "telegram")))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.tg = tg
		orch.RegisterSender(tg.Name(), tg.SendReply)
	}

	return a, nil
}

// Run is daemon mode: config watching, systemd readiness, both tick loops.
// It blocks until ctx is cancelled, then shuts down in order.
func (a *App) Run(ctx context.Context) error {
	if err := a.cfgMgr.Watch(ctx); err != nil {
		return err
	}
	a.cfgMgr.OnChange(func(cfg *config.Config) {
		a.logs.Apply(loggingConfig(cfg))
	})

	if a.tg != nil {
		a.tg.Start(ctx)
	}

	a.orch.SyncSchedules(a.definitions())

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.startWatchdog(ctx)

	go a.loop(ctx, "schedule", a.scheduleTick, func() {
		a.orch.SyncSchedules(a.definitions())
		a.orch.TickSchedules(ctx)
	})
	go a.loop(ctx, "channel", a.channelTick, func() {
		if a.tg != nil {
			if err := a.tg.Poll(ctx); err != nil {
				a.log.Warn("adapter poll failed", logx.Err(err))
			}
		}
		a.orch.TickChannels(ctx)
	})

	a.log.Info("running",
		logx.Duration("schedule_tick", a.scheduleTick), logx.Duration("channel_tick", a.channelTick))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.tg != nil {
		a.tg.Stop()
	}
	a.orch.Shutdown(shutdownCtx)
	a.Close()
	return nil
}

// RunOnce fires one schedule immediately and waits for its terminal state.
// The adapter never polls in this mode; outbound delivery to the schedule's
// targets still works.
func (a *App) RunOnce(ctx context.Context, name string) error {
	defer a.Close()
	a.orch.SyncSchedules(a.definitions())
	if err := a.orch.RunNow(ctx, name); err != nil {
		return fmt.Errorf("run %q: %w", name, err)
	}
	a.log.Info("run finished", logx.String("schedule", name))
	return nil
}

func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("closing database", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// loop runs fn on a fixed cadence until ctx is done. A panicking tick is
// logged and the loop keeps going.
func (a *App) loop(ctx context.Context, name string, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						a.log.Error("tick panicked", logx.String("loop", name), logx.Any("panic", r))
					}
				}()
				fn()
			}()
		}
	}
}

func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	a.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
}

// definitions converts the committed config snapshot into tracker input.
// Called every coarse tick so config edits apply without a restart.
func (a *App) definitions() []schedule.Definition {
	cfg := a.cfgMgr.Get()
	if cfg == nil {
		return nil
	}
	defs := make([]schedule.Definition, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		defs = append(defs, schedule.Definition{
			Name:      s.Name,
			Expr:      s.Cron,
			Steps:     s.Steps,
			Targets:   s.Targets,
			MaxErrors: s.MaxErrors(),
		})
	}
	return defs
}

func loggingConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
