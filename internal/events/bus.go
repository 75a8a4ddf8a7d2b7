// Package events is the in-process topic carrying queue mutations to observers.
package events

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/model"
)

// Type names a queue event on the wire.
type Type string

const (
	EntryCreated Type = "entry.created"
	EntryUpdated Type = "entry.updated"

	// EntriesAged carries every entry one aging cycle changed, so a cycle costs each
	// subscriber one buffer slot however long the queue is.
	EntriesAged Type = "entries.aged"
)

// Event is one queue mutation, or one aging batch. The JSON form is the frame sent to observers.
type Event struct {
	Type    Type          `json:"type"`
	Entry   model.Entry   `json:"entry"`
	Entries []model.Entry `json:"entries,omitempty"`
}

// Affected returns the entries e carries.
func (e Event) Affected() []model.Entry {
	if e.Type == EntriesAged {
		return e.Entries
	}
	return []model.Entry{e.Entry}
}

// MarshalJSON writes {type, entry} for single-entry events and {type, entries} for batches.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == EntriesAged {
		entries := e.Entries
		if entries == nil {
			entries = []model.Entry{}
		}
		return json.Marshal(struct {
			Type    Type          `json:"type"`
			Entries []model.Entry `json:"entries"`
		}{e.Type, entries})
	}
	return json.Marshal(struct {
		Type  Type        `json:"type"`
		Entry model.Entry `json:"entry"`
	}{e.Type, e.Entry})
}

// Subscription receives events on C until it is unsubscribed, dropped, or the bus closes.
type Subscription struct {
	C    <-chan Event
	Name string

	ch     chan Event
	closed bool
}

// Hooks lets callers observe bus activity. Either field may be nil.
type Hooks struct {
	OnPublish func(Event)
	OnDrop    func(name string)
}

// Bus fans each published event out to every live subscription.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	hooks  Hooks
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// SetHooks installs metric callbacks.
func (b *Bus) SetHooks(h Hooks) {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
}

// Subscribe registers a subscription with a bounded buffer.
// On a closed bus the returned subscription's channel is already closed.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, Name: name, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// Publish delivers e to every subscription without blocking.
// A subscription whose buffer is full is dropped.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if b.hooks.OnPublish != nil {
		b.hooks.OnPublish(e)
	}

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			log.Warn().Str("subscriber", sub.Name).Str("event", string(e.Type)).Msg("subscriber buffer full, dropping")
			b.remove(sub)
			if b.hooks.OnDrop != nil {
				b.hooks.OnDrop(sub.Name)
			}
		}
	}
}

// Count returns the number of live subscriptions.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		b.remove(sub)
	}
	b.closed = true
}

// remove must be called with b.mu held.
func (b *Bus) remove(sub *Subscription) {
	if sub == nil || sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}
