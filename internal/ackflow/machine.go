// Package ackflow owns the per-day acknowledgement lifecycle: when a
// reminder cycle starts, how it is acknowledged, and when an unanswered one
// is written off as ignored.
package ackflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailnag/internal/calendar"
	"mailnag/internal/eventbus"
	"mailnag/internal/mailcount"
	"mailnag/internal/store"
	"mailnag/pkg/logx"
)

var (
	// ErrNoRecord means an acknowledgement arrived for a day that never
	// had a reminder shown.
	ErrNoRecord = errors.New("no acknowledgement record for day")
	// ErrLateAck means the acknowledgement arrived at or after the
	// deadline; the record stays pending for the deadline path to close.
	ErrLateAck = errors.New("acknowledgement past deadline")
)

// Counter is the slice of the mail count client the machine needs.
type Counter interface {
	Identity(ctx context.Context) (string, error)
	Count(ctx context.Context, identity string, opts mailcount.Options) (int, error)
	Estimate(ctx context.Context) int
}

// Fanout delivers reminder messages to every matched surface.
type Fanout interface {
	Notify(ctx context.Context, identity string, count int, dayKey string, auto bool)
	CloseAll(ctx context.Context, identity string)
}

// DeadlineTimers arms and cancels the per-day deadline timer.
type DeadlineTimers interface {
	Arm(dayKey string, at time.Time)
	Cancel(dayKey string)
}

type Config struct {
	TargetHour   int
	DeadlineHour int
}

// Machine is the single writer of acknowledgement records.
//
// Every durable decision is written to the store before surfaces are
// notified, so a restart between the write and the fanout loses at most a
// banner (re-shown by the next on-load checkpoint), never a state change.
type Machine struct {
	mu  sync.Mutex
	cfg Config

	// recmu serializes every record read-decide-write sequence.
	// Checkpoints, acknowledgements, and deadline expiries arrive on
	// different goroutines; a terminal record must never be overwritten.
	recmu sync.Mutex

	st      store.Store // may be nil (storage disabled)
	counter Counter
	fanout  Fanout
	timers  DeadlineTimers
	bus     eventbus.Bus
	log     logx.Logger

	now func() time.Time
}

func New(cfg Config, st store.Store, counter Counter, fanout Fanout, timers DeadlineTimers, bus eventbus.Bus, log logx.Logger) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Machine{
		cfg:     cfg,
		st:      st,
		counter: counter,
		fanout:  fanout,
		timers:  timers,
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// SetClock swaps the wall clock (tests).
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Apply updates tunables on config reload.
func (m *Machine) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Machine) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// EvaluateCheckpoint decides whether a new reminder cycle must start.
//
// Guard order matters: the calendar guard is free, the record guard costs a
// storage read, and only then is the rate-limited count service consulted.
// A forced evaluation (operator-triggered) skips the first two guards.
func (m *Machine) EvaluateCheckpoint(ctx context.Context, now time.Time, forced bool) {
	cfg := m.config()

	if !forced {
		if calendar.IsWeekend(now) {
			m.log.Debug("checkpoint skipped: weekend")
			return
		}
		if now.Hour() < cfg.TargetHour {
			m.log.Debug("checkpoint skipped: before target hour", logx.Int("target_hour", cfg.TargetHour))
			return
		}
	}

	identity, err := m.counter.Identity(ctx)
	if err != nil {
		m.log.Warn("checkpoint skipped: identity unresolved", logx.Err(err))
		return
	}

	dayKey := calendar.DayKey(now)
	count, deadline, started := m.startCycle(ctx, cfg, identity, dayKey, now, forced)
	if !started {
		return
	}

	m.fanout.Notify(ctx, identity, count, dayKey, !forced)

	if !forced {
		m.timers.Arm(dayKey, deadline)
	}
}

// startCycle runs the record-guarded part of a checkpoint under the record
// lock and reports whether a new pending cycle was written.
func (m *Machine) startCycle(ctx context.Context, cfg Config, identity, dayKey string, now time.Time, forced bool) (int, time.Time, bool) {
	m.recmu.Lock()
	defer m.recmu.Unlock()

	rec, exists := m.getAck(ctx, dayKey)

	if !forced && exists {
		switch {
		case rec.State.Terminal():
			m.log.Debug("checkpoint skipped: day already resolved",
				logx.String("day", dayKey), logx.String("state", string(rec.State)))
			return 0, time.Time{}, false
		case rec.State == store.StatePending && now.Before(rec.DeadlineAt):
			m.log.Debug("checkpoint skipped: reminder already showing", logx.String("day", dayKey))
			return 0, time.Time{}, false
		}
	}

	count, err := m.counter.Count(ctx, identity, mailcount.Options{Exact: true, UseCache: true})
	if err != nil {
		m.log.Warn("exact count failed; trying estimate", logx.Err(err))
		count = m.counter.Estimate(ctx)
	}
	if count <= 0 {
		m.log.Info("no overdue backlog; nothing to show", logx.String("day", dayKey))
		return 0, time.Time{}, false
	}

	deadline, err := calendar.DeadlineForDayKey(dayKey, cfg.DeadlineHour)
	if err != nil {
		m.log.Error("deadline computation failed", logx.String("day", dayKey), logx.Err(err))
		return 0, time.Time{}, false
	}

	source := store.SourceAuto
	if forced {
		source = store.SourceManual
	}
	next := store.AckRecord{
		State:      store.StatePending,
		ShownAt:    now,
		DeadlineAt: deadline,
		Source:     source,
	}
	m.putAck(ctx, dayKey, next)
	m.publish(dayKey, rec, exists, next, count)

	m.log.Info("reminder cycle started",
		logx.String("day", dayKey), logx.Int("count", count),
		logx.Time("deadline", deadline), logx.String("source", string(source)))
	return count, deadline, true
}

// Acknowledge records the user's acknowledgement for dayKey. It is globally
// authoritative: whichever surface relayed it, all surfaces are closed.
func (m *Machine) Acknowledge(ctx context.Context, dayKey string, now time.Time) error {
	identity, idErr := m.counter.Identity(ctx)

	err := m.recordAck(ctx, dayKey, now)
	m.closeSurfaces(ctx, identity, idErr)
	if err == nil {
		m.timers.Cancel(dayKey)
	}
	return err
}

// recordAck applies the acknowledgement under the record lock.
func (m *Machine) recordAck(ctx context.Context, dayKey string, now time.Time) error {
	m.recmu.Lock()
	defer m.recmu.Unlock()

	rec, exists := m.getAck(ctx, dayKey)
	if !exists {
		m.log.Warn("acknowledgement without record", logx.String("day", dayKey))
		return ErrNoRecord
	}
	if !now.Before(rec.DeadlineAt) {
		m.log.Warn("acknowledgement past deadline",
			logx.String("day", dayKey), logx.Time("deadline", rec.DeadlineAt))
		return ErrLateAck
	}
	if rec.State.Terminal() {
		// Already resolved; the caller still converges the surfaces.
		return nil
	}

	prev := rec
	rec.State = store.StateAck
	m.putAck(ctx, dayKey, rec)
	m.publish(dayKey, prev, true, rec, 0)
	m.log.Info("acknowledgement recorded", logx.String("day", dayKey))
	return nil
}

// ExpireDeadline is the deadline-timer target: if the day is still pending
// at its deadline, it becomes ignored and all surfaces are closed.
func (m *Machine) ExpireDeadline(ctx context.Context, dayKey string, now time.Time) {
	if !m.settleIgnored(ctx, dayKey, now) {
		return
	}

	identity, idErr := m.counter.Identity(ctx)
	m.closeSurfaces(ctx, identity, idErr)
	m.log.Info("missed acknowledgement marked", logx.String("day", dayKey))
}

// settleIgnored runs the deadline decision under the record lock and reports
// whether the day transitioned to ignored.
func (m *Machine) settleIgnored(ctx context.Context, dayKey string, now time.Time) bool {
	m.recmu.Lock()
	defer m.recmu.Unlock()

	rec, exists := m.getAck(ctx, dayKey)
	if !exists {
		m.log.Debug("deadline fired with no record", logx.String("day", dayKey))
		return false
	}
	if rec.State.Terminal() {
		m.timers.Cancel(dayKey)
		return false
	}
	if now.Before(rec.DeadlineAt) {
		// Clock moved; push the timer back out instead of expiring early.
		m.timers.Arm(dayKey, rec.DeadlineAt)
		return false
	}

	prev := rec
	rec.State = store.StateIgnored
	m.putAck(ctx, dayKey, rec)
	m.publish(dayKey, prev, true, rec, 0)
	return true
}

func (m *Machine) closeSurfaces(ctx context.Context, identity string, idErr error) {
	if idErr != nil {
		m.log.Debug("surface close skipped: identity unresolved", logx.Err(idErr))
		return
	}
	m.fanout.CloseAll(ctx, identity)
}

func (m *Machine) publish(dayKey string, prev store.AckRecord, hadPrev bool, next store.AckRecord, count int) {
	if m.bus == nil {
		return
	}
	ev := eventbus.Event{
		DayKey: dayKey,
		To:     next.State,
		Source: next.Source,
		Count:  count,
	}
	if hadPrev {
		ev.From = prev.State
	}
	m.bus.Publish(ev)
}

// Storage failures degrade to "no data" so an outage can never wedge the
// orchestration loop.

func (m *Machine) getAck(ctx context.Context, dayKey string) (store.AckRecord, bool) {
	if m.st == nil {
		return store.AckRecord{}, false
	}
	rec, ok, err := m.st.GetAck(ctx, dayKey)
	if err != nil {
		m.log.Warn("record read failed", logx.String("day", dayKey), logx.Err(err))
		return store.AckRecord{}, false
	}
	return rec, ok
}

func (m *Machine) putAck(ctx context.Context, dayKey string, rec store.AckRecord) {
	if m.st == nil {
		return
	}
	if err := m.st.PutAck(ctx, dayKey, rec); err != nil {
		m.log.Error("record write failed", logx.String("day", dayKey), logx.Err(err))
	}
}
