// Package stream pushes the queue to live observers: a snapshot on connect, then every bus event.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/events"
	"triage-queue-backend/internal/model"
)

// Lister supplies the snapshot sent to a new observer.
type Lister interface {
	List(ctx context.Context) []model.Entry
}

// Subscriber is the part of the event bus the gateway uses.
type Subscriber interface {
	Subscribe(name string, buffer int) *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

// Transport identifies how an observer is connected.
type Transport string

const (
	TransportWS  Transport = "ws"
	TransportSSE Transport = "sse"
)

// State is an observer's connection state. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Close reasons reported to Options.OnClose.
const (
	ReasonClient     = "client"
	ReasonShutdown   = "shutdown"
	ReasonDropped    = "dropped"
	ReasonWriteError = "write_error"
)

// SnapshotFrame is the first frame every observer receives.
type SnapshotFrame struct {
	Type    string        `json:"type"`
	Entries []model.Entry `json:"entries"`
}

// Options configures a Gateway.
type Options struct {
	Buffer       int
	Heartbeat    time.Duration
	WriteTimeout time.Duration

	// OnClose, if set, is called once per observer when it closes.
	OnClose func(t Transport, reason string)
}

// Gateway tracks observers across both transports.
type Gateway struct {
	queue Lister
	bus   Subscriber
	opts  Options

	done     chan struct{}
	shutdown sync.Once

	mu        sync.Mutex
	observers map[*observer]struct{}
	seq       atomic.Uint64
}

type observer struct {
	name      string
	transport Transport
	state     atomic.Int32
}

func (o *observer) State() State {
	return State(o.state.Load())
}

// advance moves the observer to s if that is forward. It reports whether the state changed.
func (o *observer) advance(s State) bool {
	for {
		cur := o.state.Load()
		if State(cur) >= s {
			return false
		}
		if o.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// NewGateway creates a gateway. Zero option values fall back to defaults.
func NewGateway(queue Lister, bus Subscriber, opts Options) *Gateway {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Gateway{
		queue:     queue,
		bus:       bus,
		opts:      opts,
		done:      make(chan struct{}),
		observers: make(map[*observer]struct{}),
	}
}

// Count returns the number of observers on transport t that have not closed.
func (g *Gateway) Count(t Transport) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for o := range g.observers {
		if o.transport == t {
			n++
		}
	}
	return n
}

// Shutdown closes every observer and rejects new ones.
func (g *Gateway) Shutdown() {
	g.shutdown.Do(func() {
		close(g.done)
		log.Info().Msg("stream gateway shutting down")
	})
}

// connect registers a Connecting observer and subscribes it to the bus before any snapshot is taken,
// so no event between the snapshot and the first live frame is lost.
func (g *Gateway) connect(t Transport) (*observer, *events.Subscription) {
	o := &observer{name: fmt.Sprintf("%s-%d", t, g.seq.Add(1)), transport: t}
	sub := g.bus.Subscribe(o.name, g.opts.Buffer)

	g.mu.Lock()
	g.observers[o] = struct{}{}
	g.mu.Unlock()

	log.Debug().Str("observer", o.name).Msg("observer connecting")
	return o, sub
}

func (g *Gateway) snapshot(ctx context.Context) SnapshotFrame {
	return SnapshotFrame{Type: "snapshot", Entries: g.queue.List(ctx)}
}

func (g *Gateway) open(o *observer) {
	if o.advance(StateOpen) {
		log.Info().Str("observer", o.name).Msg("observer open")
	}
}

// disconnect moves o to Closed and releases its subscription. Later calls are no-ops.
func (g *Gateway) disconnect(o *observer, sub *events.Subscription, reason string) {
	if !o.advance(StateClosed) {
		return
	}
	g.bus.Unsubscribe(sub)

	g.mu.Lock()
	delete(g.observers, o)
	g.mu.Unlock()

	ev := log.Info()
	if reason == ReasonWriteError || reason == ReasonDropped {
		ev = log.Warn()
	}
	ev.Str("observer", o.name).Str("reason", reason).Msg("observer closed")

	if g.opts.OnClose != nil {
		g.opts.OnClose(o.transport, reason)
	}
}
