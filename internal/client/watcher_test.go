package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage-queue-backend/internal/events"
	"triage-queue-backend/internal/model"
	"triage-queue-backend/internal/queue"
	"triage-queue-backend/internal/stream"
)

func TestReconnectDelay(t *testing.T) {
	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: time.Second},
		{attempt: 1, expected: time.Second},
		{attempt: 3, expected: 3 * time.Second},
		{attempt: 5, expected: 5 * time.Second},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, ReconnectDelay(tc.attempt, time.Second))
	}
}

func TestWatcher_ApplyKeepsNewest(t *testing.T) {
	w := NewWatcher(Options{BaseURL: "http://unused"})

	w.apply(model.Entry{EncounterID: "enc_1", PriorityScore: 50000, UpdatedAt: 10})
	w.apply(model.Entry{EncounterID: "enc_1", PriorityScore: 70000, UpdatedAt: 20})
	w.apply(model.Entry{EncounterID: "enc_1", PriorityScore: 10000, UpdatedAt: 15})
	w.apply(model.Entry{EncounterID: "enc_2", PriorityScore: 100000, UpdatedAt: 5, CreatedAt: 5})

	got := w.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "enc_2", got[0].EncounterID)
	assert.Equal(t, 70000, got[1].PriorityScore)
}

type states struct {
	mu  sync.Mutex
	all []State
}

func (s *states) record(st State) {
	s.mu.Lock()
	s.all = append(s.all, st)
	s.mu.Unlock()
}

func (s *states) list() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.all...)
}

func TestWatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &states{}
	w := NewWatcher(Options{
		BaseURL:      srv.URL,
		BaseDelay:    time.Millisecond,
		MaxAttempts:  3,
		PollInterval: -1,
		OnState:      rec.record,
	})

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, StateDisconnected, w.State())
	assert.Equal(t, int32(4), dials.Load(), "initial dial plus three retries")
	assert.Contains(t, rec.list(), StateReconnecting)
}

func TestWatcher_OpenResetsAttempts(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 4 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteJSON(stream.SnapshotFrame{Type: "snapshot", Entries: []model.Entry{}})
		conn.Close()
	}))
	defer srv.Close()

	w := NewWatcher(Options{
		BaseURL:      srv.URL,
		BaseDelay:    time.Millisecond,
		MaxAttempts:  2,
		PollInterval: -1,
	})

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, int32(6), dials.Load(), "four opened connections, then two failed attempts")
}

func TestWatcher_FollowsGateway(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := events.NewBus()
	q := queue.NewService(nil, bus)
	gw := stream.NewGateway(q, bus, stream.Options{})

	r := gin.New()
	r.GET("/queue/stream", gw.ServeWS)
	r.GET("/api/queue", func(c *gin.Context) { c.JSON(http.StatusOK, q.List(c.Request.Context())) })
	srv := httptest.NewServer(r)
	defer func() {
		gw.Shutdown()
		srv.Close()
	}()

	ctx := context.Background()
	first, err := q.Enqueue(ctx, queue.Encounter{}, queue.Risk{Score: 40, Band: model.BandMedium})
	require.NoError(t, err)

	w := NewWatcher(Options{BaseURL: srv.URL, PollInterval: -1})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	assert.Eventually(t, func() bool { return w.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(w.Entries()) == 1 }, 2*time.Second, 10*time.Millisecond)

	second, err := q.Enqueue(ctx, queue.Encounter{}, queue.Risk{Score: 95, Band: model.BandCritical})
	require.NoError(t, err)
	_, err = q.Assign(ctx, first.EncounterID, "p1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got := w.Entries()
		return len(got) == 2 && got[0].EncounterID == second.EncounterID && got[1].Status == model.StatusAssigned
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_Refresh(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/queue", func(c *gin.Context) {
		c.JSON(http.StatusOK, []model.Entry{
			{EncounterID: "enc_1", PriorityScore: 30000, CreatedAt: 1, UpdatedAt: 1},
			{EncounterID: "enc_2", PriorityScore: 90000, CreatedAt: 2, UpdatedAt: 2},
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	var changes atomic.Int32
	w := NewWatcher(Options{BaseURL: srv.URL + "/", OnChange: func([]model.Entry) { changes.Add(1) }})
	require.NoError(t, w.Refresh(context.Background()))

	got := w.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "enc_2", got[0].EncounterID)
	assert.Equal(t, int32(1), changes.Load())

	// Same data again changes nothing visible but still full-replaces.
	require.NoError(t, w.Refresh(context.Background()))
	assert.Len(t, w.Entries(), 2)
}

func TestWatcher_SilentConnectionTimesOut(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(stream.SnapshotFrame{Type: "snapshot", Entries: []model.Entry{}})
		// No frames and no pings from here on.
		<-release
	}))
	defer srv.Close()
	defer close(release)

	w := NewWatcher(Options{
		BaseURL:      srv.URL,
		BaseDelay:    time.Millisecond,
		MaxAttempts:  1,
		PollInterval: -1,
		ReadTimeout:  50 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
		assert.Equal(t, int32(2), dials.Load())
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never noticed the silent connection")
	}
}

func TestWatcher_AppliesAgingBatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(stream.SnapshotFrame{Type: "snapshot", Entries: []model.Entry{
			{EncounterID: "enc_1", PriorityScore: 40000, CreatedAt: 1, UpdatedAt: 1},
			{EncounterID: "enc_2", PriorityScore: 30000, CreatedAt: 2, UpdatedAt: 2},
		}})
		conn.WriteJSON(events.Event{Type: events.EntriesAged, Entries: []model.Entry{
			{EncounterID: "enc_1", PriorityScore: 40002, CreatedAt: 1, UpdatedAt: 60001},
			{EncounterID: "enc_2", PriorityScore: 30002, CreatedAt: 2, UpdatedAt: 60001},
		}})
		<-release
	}))
	defer srv.Close()
	defer close(release)

	w := NewWatcher(Options{BaseURL: srv.URL, PollInterval: -1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	assert.Eventually(t, func() bool {
		entries := w.Entries()
		return len(entries) == 2 && entries[0].PriorityScore == 40002 && entries[1].PriorityScore == 30002
	}, 2*time.Second, 10*time.Millisecond)
}
