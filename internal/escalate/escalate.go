// Package escalate forwards missed-acknowledgement transitions to a Telegram
// chat. It is an optional listener: when disabled it subscribes to nothing.
package escalate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"mailnag/internal/eventbus"
	"mailnag/internal/store"
	"mailnag/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
}

type Escalator struct {
	cfg  Config
	bus  eventbus.Bus
	log  logx.Logger
	send func(text string) error

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

// New builds the escalator. With escalation disabled (or no token) it
// returns an inert instance; Start and Stop are then no-ops.
func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Escalator, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Escalator{cfg: cfg, bus: bus, log: log}
	if !cfg.Enabled || strings.TrimSpace(cfg.Token) == "" {
		return e, nil
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	e.send = func(text string) error {
		_, serr := bot.Send(tele.ChatID(cfg.ChatID), text)
		return serr
	}
	return e, nil
}

// newWithSender is the test seam: same pipeline, fake transport.
func newWithSender(cfg Config, bus eventbus.Bus, send func(string) error, log logx.Logger) *Escalator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Escalator{cfg: cfg, bus: bus, log: log, send: send}
}

func (e *Escalator) Enabled() bool { return e.send != nil }

func (e *Escalator) Start(ctx context.Context) {
	if !e.Enabled() || e.bus == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsub != nil {
		return
	}

	ch, unsub := e.bus.Subscribe(16)
	e.unsub = unsub
	e.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				e.handle(ev)
			}
		}
	}(e.done)
}

func (e *Escalator) Stop(ctx context.Context) {
	e.mu.Lock()
	unsub, done := e.unsub, e.done
	e.unsub, e.done = nil, nil
	e.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Escalator) handle(ev eventbus.Event) {
	// Only the write-off transition escalates.
	if ev.To != store.StateIgnored || ev.From != store.StatePending {
		return
	}
	text := fmt.Sprintf("Overdue-mail reminder for %s was not acknowledged by its deadline.", formatDay(ev.DayKey))
	if err := e.send(text); err != nil {
		e.log.Warn("escalation delivery failed", logx.String("day", ev.DayKey), logx.Err(err))
		return
	}
	e.log.Info("escalation sent", logx.String("day", ev.DayKey))
}

func formatDay(dayKey string) string {
	if t, err := time.ParseInLocation("20060102", dayKey, time.Local); err == nil {
		return t.Format("Mon 2 Jan 2006")
	}
	return dayKey
}
