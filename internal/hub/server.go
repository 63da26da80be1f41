package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"mailnag/internal/calendar"
	"mailnag/internal/mailcount"
	"mailnag/pkg/logx"
)

type Config struct {
	Listen string
}

type Hub struct {
	cfg  Config
	orch Orchestrator
	ids  Identities
	log  logx.Logger
	now  func() time.Time

	mu       sync.Mutex
	nextID   uint64
	surfaces map[uint64]*surface
	srv      *http.Server
	addr     string
	runCtx   context.Context
}

func New(cfg Config, orch Orchestrator, ids Identities, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		cfg:      cfg,
		orch:     orch,
		ids:      ids,
		log:      log,
		now:      time.Now,
		surfaces: map[uint64]*surface{},
	}
}

// SetClock swaps the wall clock (tests).
func (h *Hub) SetClock(now func() time.Time) { h.now = now }

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv != nil {
		return nil
	}
	h.runCtx = ctx

	ln, err := net.Listen("tcp", h.cfg.Listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/status", h.handleStatus)
	h.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	h.addr = ln.Addr().String()

	go func(srv *http.Server) {
		if serr := srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			h.log.Error("hub server stopped", logx.Err(serr))
		}
	}(h.srv)

	h.log.Info("hub listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (h *Hub) Stop(ctx context.Context) {
	h.mu.Lock()
	srv := h.srv
	h.srv = nil
	conns := make([]*surface, 0, len(h.surfaces))
	for _, s := range h.surfaces {
		conns = append(conns, s)
	}
	h.surfaces = map[uint64]*surface{}
	h.mu.Unlock()

	for _, s := range conns {
		_ = s.conn.Close(websocket.StatusGoingAway, "daemon shutting down")
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
}

// Addr returns the bound listen address ("" until started). Useful when the
// config asks for port 0.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

func (h *Hub) snapshot() []*surface {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*surface, 0, len(h.surfaces))
	for _, s := range h.surfaces {
		out = append(out, s)
	}
	return out
}

func (h *Hub) add(conn *websocket.Conn) *surface {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &surface{id: h.nextID, conn: conn}
	h.surfaces[s.id] = s
	return s
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.surfaces, id)
	h.mu.Unlock()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", logx.Err(err))
		return
	}

	s := h.add(conn)
	h.log.Debug("surface attached", logx.Int64("surface", int64(s.id)))
	defer func() {
		h.remove(s.id)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.log.Debug("surface detached", logx.Int64("surface", int64(s.id)))
	}()

	ctx := h.runContext()
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		h.dispatch(ctx, s, f)
	}
}

func (h *Hub) runContext() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runCtx != nil {
		return h.runCtx
	}
	return context.Background()
}

func (h *Hub) dispatch(ctx context.Context, s *surface, f frame) {
	switch f.Type {
	case "hello":
		h.handleHello(ctx, s, f.Email)
	case "ack":
		h.handleAck(ctx, s, f.DayKey)
	case "check":
		// Surface finished loading; let the machine decide whether the
		// banner is due. Guards apply as usual.
		h.orch.EvaluateCheckpoint(ctx, h.now(), false)
	case "count":
		h.handleCount(ctx, s)
	default:
		h.log.Debug("unknown surface frame", logx.String("type", f.Type))
	}
}

// handleHello records (or re-records, on account switch) which mailbox the
// surface shows. The first time a surface matches the watched identity, the
// checkpoint is re-evaluated eagerly so a surface opened after the daily tick
// still gets its banner.
func (h *Hub) handleHello(ctx context.Context, s *surface, email string) {
	email = normalizeEmail(email)
	s.setEmail(email)
	if email == "" {
		return
	}

	identity, err := h.ids.Identity(ctx)
	if err != nil {
		h.log.Debug("hello with identity unresolved", logx.Err(err))
		return
	}
	if email != identity {
		h.log.Debug("surface bound to different account",
			logx.Int64("surface", int64(s.id)))
		return
	}
	if s.markMatched() {
		h.log.Info("surface matched; running catch-up checkpoint",
			logx.Int64("surface", int64(s.id)))
		h.orch.EvaluateCheckpoint(ctx, h.now(), false)
	}
}

// handleAck relays a surface acknowledgement into the machine and reports the
// outcome back to the relaying surface. The machine closes every matched
// surface itself.
func (h *Hub) handleAck(ctx context.Context, s *surface, dayKey string) {
	if dayKey == "" {
		dayKey = calendar.DayKey(h.now())
	}
	res := frame{Type: "ackResult", DayKey: dayKey, OK: true}
	if err := h.orch.Acknowledge(ctx, dayKey, h.now()); err != nil {
		res.OK = false
		res.Error = err.Error()
	}
	if err := s.write(ctx, res); err != nil {
		h.log.Debug("ack result delivery failed", logx.Int64("surface", int64(s.id)), logx.Err(err))
	}
}

func (h *Hub) handleCount(ctx context.Context, s *surface) {
	res := frame{Type: "countResult"}
	identity, err := h.ids.Identity(ctx)
	if err == nil {
		if n, cerr := h.ids.Count(ctx, identity, mailcount.Options{UseCache: true}); cerr == nil {
			res.Count = n
			res.OK = true
		}
	}
	if err := s.write(ctx, res); err != nil {
		h.log.Debug("count reply delivery failed", logx.Int64("surface", int64(s.id)), logx.Err(err))
	}
}

func (h *Hub) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	identity := ""
	if id, err := h.ids.Identity(r.Context()); err == nil {
		identity = id
	}
	matched, skipped := h.Matched(identity)
	h.mu.Lock()
	total := len(h.surfaces)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, struct {
		Identity string        `json:"identity"`
		Surfaces int           `json:"surfaces"`
		Matched  []SurfaceInfo `json:"matched"`
		Skipped  int           `json:"skipped"`
	}{
		Identity: identity,
		Surfaces: total,
		Matched:  matched,
		Skipped:  skipped,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
