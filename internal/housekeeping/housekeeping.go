// Package housekeeping reconciles persisted reminder state with the clock:
// it prunes aged-out records, settles deadlines that elapsed while the daemon
// was down, and migrates state left behind by pre-record builds.
package housekeeping

import (
	"context"
	"strings"
	"time"

	"mailnag/internal/calendar"
	"mailnag/internal/store"
	"mailnag/pkg/logx"
)

// Expirer is the deadline path of the acknowledgement machine. It marks
// pending-past-deadline days ignored (closing surfaces) and re-arms the timer
// for pending days whose deadline is still ahead.
type Expirer interface {
	ExpireDeadline(ctx context.Context, dayKey string, now time.Time)
}

// Timers cancels deadline timers for pruned days.
type Timers interface {
	Cancel(dayKey string)
}

type Config struct {
	Retention    time.Duration
	DeadlineHour int
}

type Keeper struct {
	cfg     Config
	st      store.Store // may be nil (storage disabled)
	expirer Expirer
	timers  Timers
	log     logx.Logger
}

func New(cfg Config, st store.Store, expirer Expirer, timers Timers, log logx.Logger) *Keeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Keeper{cfg: cfg, st: st, expirer: expirer, timers: timers, log: log}
}

// Run performs one full housekeeping pass. It is idempotent and safe to call
// at any time; the daemon runs it on every start.
func (k *Keeper) Run(ctx context.Context, now time.Time) {
	if k.st == nil {
		return
	}

	// Legacy keys first so migrated records take part in pruning and
	// deadline settlement below.
	k.migrateLegacy(ctx)

	acks, err := k.st.AllAcks(ctx)
	if err != nil {
		k.log.Warn("housekeeping: record scan failed", logx.Err(err))
		return
	}

	pruned := 0
	for dayKey, rec := range acks {
		if k.cfg.Retention > 0 && now.Sub(rec.ShownAt) > k.cfg.Retention {
			if err := k.st.DeleteAck(ctx, dayKey); err != nil {
				k.log.Warn("housekeeping: prune failed", logx.String("day", dayKey), logx.Err(err))
				continue
			}
			if k.timers != nil {
				k.timers.Cancel(dayKey)
			}
			pruned++
			continue
		}
		if rec.State == store.StatePending && k.expirer != nil {
			// Settles past-deadline days as ignored and re-arms the
			// timer otherwise.
			k.expirer.ExpireDeadline(ctx, dayKey, now)
		}
	}

	if pruned > 0 {
		k.log.Info("housekeeping: records pruned", logx.Int("pruned", pruned))
	}
}

// migrateLegacy converts pre-record keys into acknowledgement records:
//
//	pending-ack-date  -> pending record for the stored day
//	ack-YYYYMMDD      -> acknowledged record
//	ignore-YYYYMMDD   -> ignored record
//
// Existing records always win, so re-running the migration is harmless. The
// legacy keys are removed once consumed.
func (k *Keeper) migrateLegacy(ctx context.Context) {
	legacy, err := k.st.LegacyKeys(ctx)
	if err != nil {
		k.log.Warn("housekeeping: legacy scan failed", logx.Err(err))
		return
	}
	if len(legacy) == 0 {
		return
	}

	consumed := make([]string, 0, len(legacy))
	for key, value := range legacy {
		var dayKey string
		var state store.AckState
		switch {
		case key == "pending-ack-date":
			dayKey, state = strings.TrimSpace(value), store.StatePending
		case strings.HasPrefix(key, "ack-"):
			dayKey, state = strings.TrimPrefix(key, "ack-"), store.StateAck
		case strings.HasPrefix(key, "ignore-"):
			dayKey, state = strings.TrimPrefix(key, "ignore-"), store.StateIgnored
		default:
			k.log.Debug("housekeeping: unrecognized legacy key", logx.String("key", key))
			continue
		}

		if k.migrateOne(ctx, dayKey, state) {
			consumed = append(consumed, key)
		}
	}

	if len(consumed) == 0 {
		return
	}
	if err := k.st.DeleteLegacy(ctx, consumed...); err != nil {
		k.log.Warn("housekeeping: legacy cleanup failed", logx.Err(err))
		return
	}
	k.log.Info("housekeeping: legacy keys migrated", logx.Int("keys", len(consumed)))
}

// migrateOne reports whether the legacy entry was absorbed (migrated or
// already superseded by a real record) and its key may be deleted.
func (k *Keeper) migrateOne(ctx context.Context, dayKey string, state store.AckState) bool {
	shown, err := calendar.ParseDayKey(dayKey)
	if err != nil {
		k.log.Warn("housekeeping: legacy key with invalid day", logx.String("day", dayKey), logx.Err(err))
		return true // junk; drop the key
	}
	if _, exists, err := k.st.GetAck(ctx, dayKey); err != nil {
		return false
	} else if exists {
		return true
	}

	rec := store.AckRecord{
		State:      state,
		ShownAt:    shown,
		DeadlineAt: calendar.NextWorkingDeadline(shown, k.cfg.DeadlineHour),
		Source:     store.SourceAuto,
	}
	if err := k.st.PutAck(ctx, dayKey, rec); err != nil {
		k.log.Warn("housekeeping: legacy migration write failed", logx.String("day", dayKey), logx.Err(err))
		return false
	}
	return true
}
