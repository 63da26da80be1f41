// Package hub owns the WebSocket side of the daemon: mailbox surfaces attach
// here, report which account they show, and receive reminder banners. All
// bindings are in-memory; surfaces re-introduce themselves on reconnect.
package hub

import (
	"context"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"mailnag/internal/mailcount"
	"mailnag/pkg/logx"
)

// Orchestrator is the slice of the acknowledgement machine the hub relays
// surface traffic into.
type Orchestrator interface {
	Acknowledge(ctx context.Context, dayKey string, now time.Time) error
	EvaluateCheckpoint(ctx context.Context, now time.Time, forced bool)
}

// Identities resolves the account the daemon is watching and its counts.
type Identities interface {
	Identity(ctx context.Context) (string, error)
	Count(ctx context.Context, identity string, opts mailcount.Options) (int, error)
}

// frame is the single wire shape for both directions. Types in: hello, ack,
// check, count. Types out: notify, close, refresh, reinit, ackResult,
// countResult.
type frame struct {
	Type   string `json:"type"`
	Email  string `json:"email,omitempty"`
	DayKey string `json:"dayKey,omitempty"`
	Count  int    `json:"count,omitempty"`
	Auto   bool   `json:"auto,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
}

type surface struct {
	id   uint64
	conn *websocket.Conn

	// wmu serializes writes; reads happen only on the surface's own loop.
	wmu sync.Mutex

	mu      sync.Mutex
	email   string
	matched bool // has this surface ever matched the account identity
}

func (s *surface) setEmail(email string) {
	s.mu.Lock()
	s.email = email
	s.mu.Unlock()
}

func (s *surface) getEmail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email
}

// markMatched reports whether this is the surface's first identity match.
func (s *surface) markMatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.matched {
		return false
	}
	s.matched = true
	return true
}

const writeTimeout = 5 * time.Second

func (s *surface) write(ctx context.Context, f frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, s.conn, f)
}

// SurfaceInfo is a read-only snapshot of one attached surface.
type SurfaceInfo struct {
	ID    uint64 `json:"id"`
	Email string `json:"email"`
}

// Matched returns the surfaces currently bound to identity and the number of
// attached surfaces that were skipped for showing a different account.
func (h *Hub) Matched(identity string) ([]SurfaceInfo, int) {
	identity = normalizeEmail(identity)
	var out []SurfaceInfo
	skipped := 0
	for _, s := range h.snapshot() {
		email := s.getEmail()
		if email == identity && identity != "" {
			out = append(out, SurfaceInfo{ID: s.id, Email: email})
		} else {
			skipped++
		}
	}
	return out, skipped
}

// Notify shows the reminder banner on every surface bound to identity.
func (h *Hub) Notify(ctx context.Context, identity string, count int, dayKey string, auto bool) {
	h.broadcast(ctx, identity, frame{Type: "notify", DayKey: dayKey, Count: count, Auto: auto})
}

// CloseAll dismisses the banner on every surface bound to identity.
func (h *Hub) CloseAll(ctx context.Context, identity string) {
	h.broadcast(ctx, identity, frame{Type: "close"})
}

// RefreshAll asks every surface bound to identity to re-render its count.
func (h *Hub) RefreshAll(ctx context.Context, identity string) {
	h.broadcast(ctx, identity, frame{Type: "refresh"})
}

// broadcast delivers f to matched surfaces only, best-effort. A failed write
// gets one reattach attempt: a reinit frame asking the surface to re-run its
// bootstrap, then a single retry. Surfaces that still fail are logged and
// skipped.
func (h *Hub) broadcast(ctx context.Context, identity string, f frame) {
	identity = normalizeEmail(identity)
	if identity == "" {
		return
	}
	skipped := 0
	for _, s := range h.snapshot() {
		if s.getEmail() != identity {
			skipped++
			continue
		}
		if err := s.write(ctx, f); err != nil {
			if rerr := h.reattach(ctx, s, f); rerr != nil {
				h.log.Warn("surface delivery failed",
					logx.Int64("surface", int64(s.id)), logx.String("op", f.Type), logx.Err(rerr))
			}
		}
	}
	if skipped > 0 {
		h.log.Debug("surfaces skipped on identity mismatch",
			logx.String("op", f.Type), logx.Int("skipped", skipped))
	}
}

func (h *Hub) reattach(ctx context.Context, s *surface, f frame) error {
	if err := s.write(ctx, frame{Type: "reinit"}); err != nil {
		return err
	}
	return s.write(ctx, f)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
