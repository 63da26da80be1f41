package escalate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mailnag/internal/eventbus"
	"mailnag/internal/store"
	"mailnag/pkg/logx"
)

type sendRecorder struct {
	mu    sync.Mutex
	texts []string
	sent  chan struct{}
}

func newSendRecorder() *sendRecorder {
	return &sendRecorder{sent: make(chan struct{}, 8)}
}

func (r *sendRecorder) send(text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	r.sent <- struct{}{}
	return nil
}

func TestEscalatesIgnoredTransitionsOnly(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	rec := newSendRecorder()
	e := newWithSender(Config{Enabled: true, ChatID: 42}, bus, rec.send, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop(context.Background())

	// Non-terminal and acknowledged transitions stay quiet.
	bus.Publish(eventbus.Event{DayKey: "20260831", To: store.StatePending, Source: store.SourceAuto})
	bus.Publish(eventbus.Event{DayKey: "20260831", From: store.StatePending, To: store.StateAck})
	bus.Publish(eventbus.Event{DayKey: "20260901", From: store.StatePending, To: store.StateIgnored})

	select {
	case <-rec.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("ignored transition was not escalated")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.texts) != 1 {
		t.Fatalf("sends = %d, want 1: %v", len(rec.texts), rec.texts)
	}
	if !strings.Contains(rec.texts[0], "not acknowledged") {
		t.Fatalf("message = %q", rec.texts[0])
	}
}

func TestDisabledEscalatorIsInert(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	e, err := New(Config{Enabled: false}, bus, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Enabled() {
		t.Fatal("escalator enabled without a token")
	}
	e.Start(context.Background())
	e.Stop(context.Background())

	// Publishing with no subscriber must be harmless.
	bus.Publish(eventbus.Event{DayKey: "20260831", From: store.StatePending, To: store.StateIgnored})
}

func TestStopDrainsSubscription(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	rec := newSendRecorder()
	e := newWithSender(Config{Enabled: true, ChatID: 42}, bus, rec.send, logx.Nop())

	e.Start(context.Background())
	e.Stop(context.Background())

	bus.Publish(eventbus.Event{DayKey: "20260831", From: store.StatePending, To: store.StateIgnored})
	select {
	case <-rec.sent:
		t.Fatal("escalation sent after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}
