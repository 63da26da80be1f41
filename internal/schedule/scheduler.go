// Package schedule drives the orchestration clock: the daily reminder tick,
// the hourly catch-up sweep, and the per-day acknowledgement deadline timers.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailnag/internal/calendar"
	"mailnag/pkg/logx"
)

type Config struct {
	TargetHour    int
	WorkStartHour int
	WorkEndHour   int
}

// Hooks are the scheduler's outputs. All three are invoked on scheduler
// goroutines with the context passed to Start.
type Hooks struct {
	// OnDaily fires at TargetHour:00 on working days.
	OnDaily func(ctx context.Context, now time.Time)
	// OnHourly fires at minute zero of working hours on working days.
	OnHourly func(ctx context.Context, now time.Time)
	// OnDeadline fires when a day's armed acknowledgement deadline elapses.
	OnDeadline func(ctx context.Context, dayKey string, now time.Time)
}

type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	hooks Hooks
	log   logx.Logger
	now   func() time.Time

	parser cron.Parser
	c      *cron.Cron

	runCtx context.Context
	stopCh chan struct{}
	daily  *time.Timer

	// per-day deadline timers
	tmu    sync.Mutex
	timers map[string]*time.Timer
}

func New(cfg Config, hooks Hooks, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		hooks:  hooks,
		log:    log,
		now:    time.Now,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers: map[string]*time.Timer{},
	}
}

// SetClock swaps the wall clock (tests).
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Apply updates tunables on config reload and re-arms the daily timer so a
// changed target hour takes effect without a restart.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	changed := cfg.TargetHour != s.cfg.TargetHour
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if running && changed {
		s.armDaily()
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.runCtx = ctx

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.Local))
	if _, err := s.c.AddFunc("0 * * * *", s.hourlyTick); err != nil {
		s.stopCh = nil
		return err
	}
	s.c.Start()
	s.armDailyLocked()

	s.log.Info("scheduler started", logx.Int("target_hour", s.cfg.TargetHour))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil

	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if s.daily != nil {
		s.daily.Stop()
		s.daily = nil
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped")
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// armDaily re-points the single daily timer at the next working-day target
// hour. The timer is re-armed before the hook runs so a slow hook cannot skip
// a day.
func (s *Scheduler) armDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armDailyLocked()
}

func (s *Scheduler) armDailyLocked() {
	if s.stopCh == nil {
		return
	}
	now := s.now()
	next := calendar.NextDailyRun(now, s.cfg.TargetHour)
	if s.daily != nil {
		s.daily.Stop()
	}
	s.daily = time.AfterFunc(next.Sub(now), s.dailyTick)
	s.log.Debug("daily reminder armed", logx.Time("at", next))
}

func (s *Scheduler) dailyTick() {
	s.armDaily()

	s.mu.Lock()
	ctx, stopped := s.runCtx, s.stopCh == nil
	s.mu.Unlock()
	if stopped || s.hooks.OnDaily == nil {
		return
	}
	s.hooks.OnDaily(ctx, s.now())
}

// hourlyTick fires the hourly hook at minute zero, but only on working days
// inside working hours. Outside that window the cron entry still fires and
// simply does nothing.
func (s *Scheduler) hourlyTick() {
	cfg := s.config()
	now := s.now()
	if calendar.IsWeekend(now) || !calendar.WithinWorkingHours(now, cfg.WorkStartHour, cfg.WorkEndHour) {
		return
	}

	s.mu.Lock()
	ctx, stopped := s.runCtx, s.stopCh == nil
	s.mu.Unlock()
	if stopped || s.hooks.OnHourly == nil {
		return
	}
	s.hooks.OnHourly(ctx, now)
}

// Arm schedules (or reschedules) the deadline timer for dayKey. A deadline
// already in the past fires immediately.
func (s *Scheduler) Arm(dayKey string, at time.Time) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.timers[dayKey]; ok {
		old.Stop()
	}
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timers[dayKey] = time.AfterFunc(d, func() { s.deadlineFired(dayKey) })
	s.log.Debug("deadline armed", logx.String("day", dayKey), logx.Time("at", at))
}

// Cancel drops the deadline timer for dayKey, if any.
func (s *Scheduler) Cancel(dayKey string) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[dayKey]; ok {
		t.Stop()
		delete(s.timers, dayKey)
	}
}

func (s *Scheduler) deadlineFired(dayKey string) {
	s.tmu.Lock()
	delete(s.timers, dayKey)
	s.tmu.Unlock()

	s.mu.Lock()
	ctx, stopped := s.runCtx, s.stopCh == nil
	s.mu.Unlock()
	if stopped || s.hooks.OnDeadline == nil {
		return
	}
	s.hooks.OnDeadline(ctx, dayKey, s.now())
}
