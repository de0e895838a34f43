// Package monitor streams lockstep progress to websocket clients and serves
// an IPC chart of the run.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/lockstep/difftest"
	"github.com/colorfulnotion/lockstep/log"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one websocket message.
type Event struct {
	Type   string               `json:"type"` // "cycle" or "result"
	Cycle  *difftest.CycleEvent `json:"cycle,omitempty"`
	Result *Verdict             `json:"result,omitempty"`
}

// Verdict is the wire form of a finished run.
type Verdict struct {
	State    string   `json:"state"`
	Cycles   uint64   `json:"cycles"`
	Retired  uint64   `json:"retired"`
	IPC      float64  `json:"ipc"`
	Register string   `json:"register,omitempty"`
	Ref      string   `json:"ref,omitempty"`
	DUT      string   `json:"dut,omitempty"`
	History  []string `json:"history,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func newVerdict(res *difftest.Result) *Verdict {
	v := &Verdict{
		State:   res.State.String(),
		Cycles:  res.Cycles,
		Retired: res.Retired,
		IPC:     res.Stats.IPC(),
	}
	if m := res.Mismatch; m != nil {
		v.Register = m.Field.Name
		v.Ref = fmt.Sprintf("0x%016x", m.Ref)
		v.DUT = fmt.Sprintf("0x%016x", m.DUT)
		for _, pc := range m.History {
			v.History = append(v.History, fmt.Sprintf("0x%016x", pc))
		}
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	return v
}

// Hub fans controller events out to websocket clients. It implements
// difftest.Observer and never blocks the controller: events are dropped when
// the broadcast queue is full.
type Hub struct {
	// Interval is the number of DUT cycles between published cycle events.
	Interval uint64

	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	samplesMu sync.Mutex
	samples   []difftest.Sample
	last      difftest.Sample
	verdict   *Verdict
	dropped   atomic.Uint64
	pending   atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		Interval:   1000,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run delivers events until ctx is done, then disconnects every client.
// A Hub runs at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Debug(log.MonitorMonitoring, "client connected", "clients", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Debug(log.MonitorMonitoring, "client disconnected", "clients", n)

		case ev := <-h.broadcast:
			h.deliver(ev)
			h.pending.Add(-1)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn(log.MonitorMonitoring, "encode event", "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			go h.drop(conn)
		}
	}
}

// Drain waits until every queued event has been written to the connected
// clients, or until ctx is done or the hub has stopped.
func (h *Hub) Drain(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for h.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return errors.New("monitor stopped with undelivered events")
		case <-tick.C:
		}
	}
	return nil
}

// Clients is the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped is the number of events discarded because the queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) publish(ev Event) {
	h.pending.Add(1)
	select {
	case h.broadcast <- ev:
	default:
		h.pending.Add(-1)
		h.dropped.Add(1)
	}
}

func (h *Hub) OnCycle(ev difftest.CycleEvent) {
	h.samplesMu.Lock()
	due := h.Interval == 0 || ev.Cycle-h.last.Cycle >= h.Interval
	if due {
		s := difftest.Sample{Cycle: ev.Cycle, Retired: ev.Total}
		if d := s.Cycle - h.last.Cycle; d > 0 {
			s.IPC = float64(s.Retired-h.last.Retired) / float64(d)
		}
		h.samples = append(h.samples, s)
		h.last = s
	}
	h.samplesMu.Unlock()
	if due {
		h.publish(Event{Type: "cycle", Cycle: &ev})
	}
}

func (h *Hub) OnResult(res *difftest.Result) {
	v := newVerdict(res)
	h.samplesMu.Lock()
	if len(res.Stats.Samples) > 0 {
		h.samples = append(h.samples[:0], res.Stats.Samples...)
	}
	h.verdict = v
	h.samplesMu.Unlock()
	h.publish(Event{Type: "result", Result: v})
}

// Samples returns the IPC samples gathered so far.
func (h *Hub) Samples() []difftest.Sample {
	h.samplesMu.Lock()
	defer h.samplesMu.Unlock()
	return append([]difftest.Sample(nil), h.samples...)
}

// Handler serves /ws, /ipc and /result.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.wsHandler)
	mux.HandleFunc("/ipc", func(w http.ResponseWriter, r *http.Request) {
		if err := RenderIPC(w, h.Samples()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		h.samplesMu.Lock()
		v := h.verdict
		h.samplesMu.Unlock()
		if v == nil {
			http.Error(w, "run in progress", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	})
	mux.Handle("/", http.RedirectHandler("/ipc", http.StatusFound))
	return mux
}

func (h *Hub) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.MonitorMonitoring, "websocket upgrade failed", "err", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Serve runs the hub and its HTTP endpoints on addr until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go h.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info(log.MonitorMonitoring, "monitor listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
