// Package app assembles the daemon: storage, mail count client, surface hub,
// acknowledgement machine, scheduler, housekeeping, and the optional
// escalator, wired together and driven by the config manager.
package app

import (
	"context"
	"sync"
	"time"

	"mailnag/internal/ackflow"
	"mailnag/internal/calendar"
	"mailnag/internal/config"
	"mailnag/internal/escalate"
	"mailnag/internal/eventbus"
	"mailnag/internal/housekeeping"
	"mailnag/internal/hub"
	"mailnag/internal/mailcount"
	"mailnag/internal/schedule"
	"mailnag/internal/store"
	"mailnag/pkg/logx"
)

type App struct {
	logSvc *logx.Service
	log    logx.Logger

	mu  sync.Mutex
	cfg *config.Config

	st      store.Store
	client  *mailcount.Client
	bus     eventbus.Bus
	sched   *schedule.Scheduler
	hub     *hub.Hub
	machine *ackflow.Machine
	keeper  *housekeeping.Keeper
	esc     *escalate.Escalator
}

// orchestrator adapts the app for the hub, which is constructed before the
// machine (the machine in turn holds the hub as its fanout).
type orchestrator struct{ a *App }

func (o orchestrator) Acknowledge(ctx context.Context, dayKey string, now time.Time) error {
	return o.a.machine.Acknowledge(ctx, dayKey, now)
}

func (o orchestrator) EvaluateCheckpoint(ctx context.Context, now time.Time, forced bool) {
	o.a.machine.EvaluateCheckpoint(ctx, now, forced)
}

func New(cfg *config.Config, logSvc *logx.Service, log logx.Logger) (*App, error) {
	a := &App{logSvc: logSvc, log: log, cfg: cfg}

	st, err := store.Open(storeConfig(cfg), log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	a.st = st
	if st == nil {
		log.Warn("storage disabled; reminder state will not survive restarts")
	}

	a.client = mailcount.New(mailConfig(cfg), st, tokenProvider(cfg), log.With(logx.String("comp", "mailcount")))
	a.bus = eventbus.New()

	a.sched = schedule.New(scheduleConfig(cfg), schedule.Hooks{
		OnDaily:    func(ctx context.Context, now time.Time) { a.machine.EvaluateCheckpoint(ctx, now, false) },
		OnHourly:   func(ctx context.Context, _ time.Time) { a.refreshCounts(ctx) },
		OnDeadline: func(ctx context.Context, dayKey string, now time.Time) { a.machine.ExpireDeadline(ctx, dayKey, now) },
	}, log.With(logx.String("comp", "schedule")))

	a.hub = hub.New(hub.Config{Listen: cfg.Listen}, orchestrator{a}, a.client,
		log.With(logx.String("comp", "hub")))

	a.machine = ackflow.New(ackflow.Config{
		TargetHour:   cfg.TargetHour,
		DeadlineHour: cfg.DeadlineHour,
	}, st, a.client, a.hub, a.sched, a.bus, log.With(logx.String("comp", "ackflow")))

	a.keeper = housekeeping.New(housekeeping.Config{
		Retention:    cfg.RetentionDuration(),
		DeadlineHour: cfg.DeadlineHour,
	}, st, a.machine, a.sched, log.With(logx.String("comp", "housekeeping")))

	a.esc, err = escalate.New(escalateConfig(cfg), a.bus, log.With(logx.String("comp", "escalate")))
	if err != nil {
		// Escalation is an optional side channel; a broken bot never
		// stops the reminder engine.
		log.Warn("escalation disabled", logx.Err(err))
		a.esc, _ = escalate.New(escalate.Config{}, a.bus, log)
	}

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return err
	}
	if err := a.sched.Start(ctx); err != nil {
		a.hub.Stop(ctx)
		return err
	}
	a.esc.Start(ctx)

	now := time.Now()
	a.keeper.Run(ctx, now)

	cfg := a.config()
	if !calendar.IsWeekend(now) && calendar.WithinWorkingHours(now, cfg.WorkStartHour, cfg.WorkEndHour) {
		go a.initialRefresh(ctx)
	}

	a.log.Info("daemon started", logx.String("listen", a.hub.Addr()))
	return nil
}

// initialRefresh warms the count cache and nudges attached surfaces once at
// startup, then lets the machine decide whether today's banner is due.
func (a *App) initialRefresh(ctx context.Context) {
	a.refreshCounts(ctx)
	a.machine.EvaluateCheckpoint(ctx, time.Now(), false)
}

// refreshCounts forces an exact backlog count and asks every matched surface
// to re-render. Also the hourly working-hours job.
func (a *App) refreshCounts(ctx context.Context) {
	identity, err := a.client.Identity(ctx)
	if err != nil {
		a.log.Debug("count refresh skipped", logx.Err(err))
		return
	}
	count := a.client.Refresh(ctx, identity)
	a.hub.RefreshAll(ctx, identity)
	a.log.Debug("counts refreshed", logx.String("identity", identity), logx.Int("count", count))
}

func (a *App) Stop(ctx context.Context) {
	a.esc.Stop(ctx)
	a.sched.Stop(ctx)
	a.hub.Stop(ctx)
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
	}
	a.log.Info("daemon stopped")
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Apply pushes a reloaded config into the running components. Listen address
// and storage changes need a restart and are ignored here.
func (a *App) Apply(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	if a.logSvc != nil {
		a.logSvc.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.ConsoleLogging(),
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
	}
	a.machine.Apply(ackflow.Config{TargetHour: cfg.TargetHour, DeadlineHour: cfg.DeadlineHour})
	a.sched.Apply(scheduleConfig(cfg))
	a.log.Info("configuration applied",
		logx.Int("target_hour", cfg.TargetHour), logx.Int("deadline_hour", cfg.DeadlineHour))
}

// ---- config plumbing ----

func storeConfig(cfg *config.Config) store.Config {
	if cfg.Storage == nil {
		return store.Config{}
	}
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func mailConfig(cfg *config.Config) mailcount.Config {
	fallback, _ := config.ParseDurationOrDefault("mail_api.backoff_fallback", cfg.MailAPI.BackoffFallback, 0)
	timeout, _ := config.ParseDurationOrDefault("mail_api.timeout", cfg.MailAPI.Timeout, 0)
	return mailcount.Config{
		BaseURL:         cfg.MailAPI.BaseURL,
		Label:           cfg.Label,
		RatePerSec:      cfg.MailAPI.RatePerSec,
		BackoffFallback: fallback,
		Timeout:         timeout,
	}
}

func tokenProvider(cfg *config.Config) mailcount.TokenProvider {
	if cfg.MailAPI.Token != "" {
		return mailcount.StaticToken(cfg.MailAPI.Token)
	}
	return mailcount.FileToken(cfg.MailAPI.TokenFile)
}

func scheduleConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{
		TargetHour:    cfg.TargetHour,
		WorkStartHour: cfg.WorkStartHour,
		WorkEndHour:   cfg.WorkEndHour,
	}
}

func escalateConfig(cfg *config.Config) escalate.Config {
	if cfg.Escalation == nil {
		return escalate.Config{}
	}
	return escalate.Config{
		Enabled: cfg.Escalation.Enabled,
		Token:   cfg.Escalation.Token,
		ChatID:  cfg.Escalation.ChatID,
	}
}
