// Package client is a Go observer of the queue stream. It keeps a local copy of the queue,
// reconnects with a linear backoff, and polls the list endpoint as a backstop.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/model"
	"triage-queue-backend/internal/priority"
)

// State is the watcher's view of its stream connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// ErrDisconnected is returned by Run once every reconnect attempt has failed.
var ErrDisconnected = errors.New("queue stream disconnected: reconnect attempts exhausted")

// Options configures a Watcher.
type Options struct {
	BaseURL      string        // e.g. http://localhost:8082
	BaseDelay    time.Duration // reconnect delay unit, default 1s
	MaxAttempts  int           // default 5
	PollInterval time.Duration // default 30s; negative disables polling
	ReadTimeout  time.Duration // silence allowed between frames or pings, default 75s

	OnChange func(entries []model.Entry)
	OnState  func(s State)

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
}

// Watcher mirrors the server queue.
type Watcher struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]model.Entry
	state   State
}

// NewWatcher creates a watcher. Zero option values fall back to defaults.
func NewWatcher(opts Options) *Watcher {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 75 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Watcher{
		opts:    opts,
		entries: make(map[string]model.Entry),
		state:   StateConnecting,
	}
}

// ReconnectDelay is the wait before reconnect attempt n (1-based).
func ReconnectDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}

// Entries returns the local queue in priority order.
func (w *Watcher) Entries() []model.Entry {
	w.mu.RLock()
	out := make([]model.Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	w.mu.RUnlock()

	priority.Sort(out)
	return out
}

// State returns the current connection state.
func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Run streams until ctx is done or reconnects are exhausted.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.opts.PollInterval > 0 {
		go w.poll(ctx)
	}

	attempt := 0
	for {
		w.setState(StateConnecting)
		opened, err := w.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			attempt = 0
		}

		attempt++
		if attempt > w.opts.MaxAttempts {
			w.setState(StateDisconnected)
			log.Error().Err(err).Int("attempts", w.opts.MaxAttempts).Msg("giving up on queue stream")
			return ErrDisconnected
		}

		delay := ReconnectDelay(attempt, w.opts.BaseDelay)
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("queue stream closed, reconnecting")
		w.setState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type frame struct {
	Type    string        `json:"type"`
	Entry   *model.Entry  `json:"entry"`
	Entries []model.Entry `json:"entries"`
}

// stream runs one connection. opened reports whether the snapshot arrived.
func (w *Watcher) stream(ctx context.Context) (opened bool, err error) {
	url := "ws" + strings.TrimPrefix(w.opts.BaseURL, "http") + "/queue/stream"
	conn, _, err := w.opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// A half-open connection delivers neither frames nor server pings; the deadline turns it into an error.
	extend := func() { conn.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return opened, fmt.Errorf("read frame: %w", err)
		}
		extend()

		switch f.Type {
		case "snapshot":
			w.apply(f.Entries...)
			if !opened {
				opened = true
				w.setState(StateOpen)
			}
		case "entry.created", "entry.updated":
			if f.Entry != nil {
				w.apply(*f.Entry)
			}
		case "entries.aged":
			w.apply(f.Entries...)
		default:
			log.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("queue poll failed")
			}
		}
	}
}

// Refresh fetches the full list once and merges it.
func (w *Watcher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.opts.BaseURL+"/api/queue", nil)
	if err != nil {
		return err
	}
	resp, err := w.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch queue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var entries []model.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode queue: %w", err)
	}
	w.apply(entries...)
	return nil
}

// apply full-replaces entries by encounterId, keeping whichever copy was updated last.
func (w *Watcher) apply(entries ...model.Entry) {
	changed := false
	w.mu.Lock()
	for _, e := range entries {
		cur, ok := w.entries[e.EncounterID]
		if ok && cur.UpdatedAt > e.UpdatedAt {
			continue
		}
		w.entries[e.EncounterID] = e
		changed = true
	}
	w.mu.Unlock()

	if changed && w.opts.OnChange != nil {
		w.opts.OnChange(w.Entries())
	}
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()

	if prev != s && w.opts.OnState != nil {
		w.opts.OnState(s)
	}
}
