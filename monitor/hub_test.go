package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/colorfulnotion/lockstep/difftest"
	"github.com/colorfulnotion/lockstep/regfile"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, h *Hub, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHubBroadcastsCycles(t *testing.T) {
	h, srv := startHub(t)
	h.Interval = 2
	conn := dial(t, h, srv)

	for c := uint64(1); c <= 4; c++ {
		h.OnCycle(difftest.CycleEvent{Cycle: c, Retired: 1, Total: c, PC: 0x80000000 + 4*c})
	}

	ev := readEvent(t, conn)
	require.Equal(t, "cycle", ev.Type)
	require.NotNil(t, ev.Cycle)
	assert.Equal(t, uint64(2), ev.Cycle.Cycle)

	ev = readEvent(t, conn)
	assert.Equal(t, uint64(4), ev.Cycle.Cycle)

	samples := h.Samples()
	require.Len(t, samples, 2)
	assert.InDelta(t, 1.0, samples[1].IPC, 1e-9)
}

func TestHubBroadcastsVerdict(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, h, srv)

	res := &difftest.Result{
		State:   difftest.StateDiverged,
		Cycles:  7,
		Retired: 5,
		Mismatch: &difftest.Mismatch{
			Index:   5,
			Field:   regfile.FieldAt(5),
			Ref:     1,
			DUT:     2,
			History: []uint64{0x80000000, 0x80000004},
		},
		Stats: difftest.Stats{Cycles: 7, Retired: 5, Samples: []difftest.Sample{{Cycle: 7, Retired: 5, IPC: 5.0 / 7.0}}},
	}
	h.OnResult(res)

	ev := readEvent(t, conn)
	require.Equal(t, "result", ev.Type)
	require.NotNil(t, ev.Result)
	assert.Equal(t, "DIVERGED", ev.Result.State)
	assert.Equal(t, "t0", ev.Result.Register)
	assert.Equal(t, "0x0000000000000001", ev.Result.Ref)
	assert.Equal(t, "0x0000000000000002", ev.Result.DUT)
	assert.Equal(t, []string{"0x0000000080000000", "0x0000000080000004"}, ev.Result.History)
	assert.Equal(t, res.Stats.Samples, h.Samples())

	resp, err := http.Get(srv.URL + "/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v Verdict
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, uint64(7), v.Cycles)
}

func TestHubResultPending(t *testing.T) {
	_, srv := startHub(t)
	resp, err := http.Get(srv.URL + "/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	h.Interval = 0
	for c := uint64(1); c <= uint64(cap(h.broadcast))+3; c++ {
		h.OnCycle(difftest.CycleEvent{Cycle: c})
	}
	assert.Equal(t, uint64(3), h.Dropped())
}

func TestHubServesChart(t *testing.T) {
	h, srv := startHub(t)
	h.Interval = 1
	h.OnCycle(difftest.CycleEvent{Cycle: 1, Total: 1})

	resp, err := http.Get(srv.URL + "/ipc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Lockstep IPC")
}

func TestHubServeStopsOnCancel(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHubDrainDeliversVerdictBeforeShutdown(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()
	conn := dial(t, h, srv)

	h.OnResult(&difftest.Result{State: difftest.StateFinished, Cycles: 3, Retired: 3})
	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	require.NoError(t, h.Drain(dctx))
	cancel()

	ev := readEvent(t, conn)
	require.Equal(t, "result", ev.Type)
	assert.Equal(t, "FINISHED", ev.Result.State)
}

func TestHubDrainTimesOutWithoutRun(t *testing.T) {
	h := NewHub()
	h.OnResult(&difftest.Result{State: difftest.StateFinished})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Drain(ctx), context.DeadlineExceeded)
}

func TestHubDrainAfterStop(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	// nothing queued
	assert.NoError(t, h.Drain(context.Background()))
	h.OnResult(&difftest.Result{State: difftest.StateFinished})
	assert.Error(t, h.Drain(context.Background()))
}
