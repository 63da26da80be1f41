package housekeeping

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"mailnag/internal/ackflow"
	"mailnag/internal/calendar"
	"mailnag/internal/eventbus"
	"mailnag/internal/mailcount"
	"mailnag/internal/store"
	"mailnag/pkg/logx"
)

type fakeExpirer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeExpirer) ExpireDeadline(_ context.Context, dayKey string, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dayKey)
}

type fakeTimers struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeTimers) Cancel(dayKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, dayKey)
}

// openSeeded opens a file-backed store over a pre-written snapshot, the way
// an upgraded daemon finds state left by an earlier build.
func openSeeded(t *testing.T, legacy map[string]string, acks map[string]store.AckRecord) store.Store {
	t.Helper()
	dir := t.TempDir()

	snap := struct {
		Acks   map[string]store.AckRecord `json:"acks"`
		Legacy map[string]string          `json:"legacy,omitempty"`
	}{Acks: acks, Legacy: legacy}
	if snap.Acks == nil {
		snap.Acks = map[string]store.AckRecord{}
	}
	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mailnag.state.snapshot.json"), b, 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(dir, "mailnag.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRetentionPrunesOldRecords(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, time.August, 31, 9, 0, 0, 0, time.Local)
	// Age, not state, decides pruning: an old pending day goes too.
	oldAck := store.AckRecord{State: store.StateAck, ShownAt: now.AddDate(0, 0, -8), DeadlineAt: now.AddDate(0, 0, -7), Source: store.SourceAuto}
	oldPending := store.AckRecord{State: store.StatePending, ShownAt: now.AddDate(0, 0, -9), DeadlineAt: now.AddDate(0, 0, -8), Source: store.SourceAuto}
	recent := store.AckRecord{State: store.StateAck, ShownAt: now.AddDate(0, 0, -2), DeadlineAt: now.AddDate(0, 0, -1), Source: store.SourceAuto}
	st := openSeeded(t, nil, map[string]store.AckRecord{"20260823": oldAck, "20260822": oldPending, "20260829": recent})

	exp := &fakeExpirer{}
	timers := &fakeTimers{}
	k := New(Config{Retention: 7 * 24 * time.Hour, DeadlineHour: 8}, st, exp, timers, logx.Nop())
	k.Run(context.Background(), now)

	acks, err := st.AllAcks(context.Background())
	if err != nil {
		t.Fatalf("AllAcks: %v", err)
	}
	if _, ok := acks["20260823"]; ok {
		t.Fatal("aged-out ack record survived pruning")
	}
	if _, ok := acks["20260822"]; ok {
		t.Fatal("aged-out pending record survived pruning")
	}
	if _, ok := acks["20260829"]; !ok {
		t.Fatal("recent record was pruned")
	}
	if len(exp.calls) != 0 {
		t.Fatalf("pruned pending record reached the expirer: %v", exp.calls)
	}
	sort.Strings(timers.cancelled)
	if want := []string{"20260822", "20260823"}; len(timers.cancelled) != 2 || timers.cancelled[0] != want[0] || timers.cancelled[1] != want[1] {
		t.Fatalf("cancelled = %v, want %v", timers.cancelled, want)
	}
}

func TestPendingRecordsHandedToExpirer(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, time.August, 31, 9, 0, 0, 0, time.Local)
	pending := store.AckRecord{State: store.StatePending, ShownAt: now.AddDate(0, 0, -3), DeadlineAt: now.AddDate(0, 0, -2), Source: store.SourceAuto}
	done := store.AckRecord{State: store.StateAck, ShownAt: now.AddDate(0, 0, -1), DeadlineAt: now, Source: store.SourceAuto}
	st := openSeeded(t, nil, map[string]store.AckRecord{"20260828": pending, "20260830": done})

	exp := &fakeExpirer{}
	k := New(Config{Retention: 30 * 24 * time.Hour, DeadlineHour: 8}, st, exp, &fakeTimers{}, logx.Nop())
	k.Run(context.Background(), now)

	if len(exp.calls) != 1 || exp.calls[0] != "20260828" {
		t.Fatalf("expirer calls = %v, want only the pending day", exp.calls)
	}
}

type stubCounter struct{}

func (stubCounter) Identity(context.Context) (string, error) { return "me@example.com", nil }
func (stubCounter) Count(context.Context, string, mailcount.Options) (int, error) {
	return 0, nil
}
func (stubCounter) Estimate(context.Context) int { return 0 }

type closeRecorder struct {
	mu     sync.Mutex
	closes int
}

func (c *closeRecorder) Notify(context.Context, string, int, string, bool) {}
func (c *closeRecorder) CloseAll(context.Context, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

type armRecorder struct {
	mu    sync.Mutex
	armed map[string]time.Time
}

func (a *armRecorder) Arm(dayKey string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.armed == nil {
		a.armed = map[string]time.Time{}
	}
	a.armed[dayKey] = at
}
func (a *armRecorder) Cancel(string) {}

// TestRunSettlesOvertakenDeadlines wires the real acknowledgement machine in
// as the expirer: a pending day whose deadline passed while the daemon was
// down ends up ignored with its surfaces closed, and a pending day whose
// deadline is still ahead gets its timer re-armed.
func TestRunSettlesOvertakenDeadlines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, time.August, 31, 9, 0, 0, 0, time.Local)
	missed := store.AckRecord{
		State:      store.StatePending,
		ShownAt:    time.Date(2026, time.August, 27, 16, 5, 0, 0, time.Local),
		DeadlineAt: time.Date(2026, time.August, 28, 8, 0, 0, 0, time.Local),
		Source:     store.SourceAuto,
	}
	open := store.AckRecord{
		State:      store.StatePending,
		ShownAt:    time.Date(2026, time.August, 28, 16, 5, 0, 0, time.Local),
		DeadlineAt: time.Date(2026, time.August, 31, 10, 0, 0, 0, time.Local),
		Source:     store.SourceAuto,
	}
	st := openSeeded(t, nil, map[string]store.AckRecord{"20260827": missed, "20260828": open})

	fanout := &closeRecorder{}
	timers := &armRecorder{}
	m := ackflow.New(ackflow.Config{TargetHour: 16, DeadlineHour: 8},
		st, stubCounter{}, fanout, timers, eventbus.New(), logx.Nop())

	k := New(Config{Retention: 30 * 24 * time.Hour, DeadlineHour: 8}, st, m, timers, logx.Nop())
	k.Run(ctx, now)

	rec, _, _ := st.GetAck(ctx, "20260827")
	if rec.State != store.StateIgnored {
		t.Fatalf("missed day state = %s, want ignored", rec.State)
	}
	if fanout.closes != 1 {
		t.Fatalf("closes = %d, want 1", fanout.closes)
	}

	rec, _, _ = st.GetAck(ctx, "20260828")
	if rec.State != store.StatePending {
		t.Fatalf("open day state = %s, want pending", rec.State)
	}
	if at, ok := timers.armed["20260828"]; !ok || !at.Equal(open.DeadlineAt) {
		t.Fatalf("open day timer not re-armed: %v, %v", at, ok)
	}
}

func TestLegacyMigration(t *testing.T) {
	t.Parallel()
	st := openSeeded(t, map[string]string{
		"ack-20260825":     "1",
		"ignore-20260826":  "1",
		"pending-ack-date": "20260828",
		"unrelated":        "x",
	}, nil)
	ctx := context.Background()
	now := time.Date(2026, time.August, 28, 17, 0, 0, 0, time.Local)

	k := New(Config{Retention: 30 * 24 * time.Hour, DeadlineHour: 8}, st, &fakeExpirer{}, &fakeTimers{}, logx.Nop())
	k.Run(ctx, now)

	for _, tt := range []struct {
		dayKey string
		state  store.AckState
	}{
		{"20260825", store.StateAck},
		{"20260826", store.StateIgnored},
		{"20260828", store.StatePending},
	} {
		rec, ok, err := st.GetAck(ctx, tt.dayKey)
		if err != nil || !ok {
			t.Fatalf("%s: record missing (%v, %v)", tt.dayKey, ok, err)
		}
		if rec.State != tt.state {
			t.Errorf("%s: state = %s, want %s", tt.dayKey, rec.State, tt.state)
		}
		day, _ := calendar.ParseDayKey(tt.dayKey)
		if want := calendar.NextWorkingDeadline(day, 8); !rec.DeadlineAt.Equal(want) {
			t.Errorf("%s: deadline = %v, want %v", tt.dayKey, rec.DeadlineAt, want)
		}
	}

	left, err := st.LegacyKeys(ctx)
	if err != nil {
		t.Fatalf("LegacyKeys: %v", err)
	}
	var keys []string
	for key := range left {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "unrelated" {
		t.Fatalf("leftover legacy keys = %v, want only the unrecognized one", keys)
	}
}

func TestLegacyMigrationKeepsExistingRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	existing := store.AckRecord{
		State:      store.StateIgnored,
		ShownAt:    time.Date(2026, time.August, 25, 16, 5, 0, 0, time.Local),
		DeadlineAt: time.Date(2026, time.August, 26, 8, 0, 0, 0, time.Local),
		Source:     store.SourceAuto,
	}
	st := openSeeded(t,
		map[string]string{"ack-20260825": "1"},
		map[string]store.AckRecord{"20260825": existing})

	k := New(Config{Retention: 30 * 24 * time.Hour, DeadlineHour: 8}, st, &fakeExpirer{}, &fakeTimers{}, logx.Nop())
	k.Run(ctx, time.Date(2026, time.August, 28, 9, 0, 0, 0, time.Local))

	// The real record wins over the legacy key, but the key is consumed.
	rec, _, _ := st.GetAck(ctx, "20260825")
	if rec.State != store.StateIgnored || !rec.ShownAt.Equal(existing.ShownAt) {
		t.Fatalf("existing record overwritten: %+v", rec)
	}
	left, _ := st.LegacyKeys(ctx)
	if _, ok := left["ack-20260825"]; ok {
		t.Fatal("consumed legacy key not deleted")
	}
}

func TestLegacyMigrationIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openSeeded(t, map[string]string{"pending-ack-date": "20260828"}, nil)
	now := time.Date(2026, time.August, 28, 17, 0, 0, 0, time.Local)

	exp := &fakeExpirer{}
	k := New(Config{Retention: 30 * 24 * time.Hour, DeadlineHour: 8}, st, exp, &fakeTimers{}, logx.Nop())
	k.Run(ctx, now)
	first, _, _ := st.GetAck(ctx, "20260828")

	k.Run(ctx, now)
	second, _, _ := st.GetAck(ctx, "20260828")
	if first != second {
		t.Fatalf("second run changed the record: %+v vs %+v", first, second)
	}

	// The migrated pending record takes part in deadline settlement on the
	// same pass.
	if len(exp.calls) == 0 || exp.calls[0] != "20260828" {
		t.Fatalf("expirer calls = %v", exp.calls)
	}
}
