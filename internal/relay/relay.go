// Package relay mirrors queue events onto a Redis pub/sub channel for downstream consumers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"triage-queue-backend/config"
	"triage-queue-backend/internal/events"
)

const publishTimeout = 2 * time.Second

// Publisher is satisfied by *redis.Client.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Subscriber is the part of the event bus the relay uses.
type Subscriber interface {
	Subscribe(name string, buffer int) *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

// Recorder counts publishes. *metrics.Metrics satisfies it.
type Recorder interface {
	RelayPublished(err error)
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Relay forwards bus events to one Redis channel.
type Relay struct {
	client   Publisher
	channel  string
	recorder Recorder
}

// New creates a relay publishing to channel.
func New(client Publisher, channel string) *Relay {
	return &Relay{client: client, channel: channel}
}

// SetRecorder installs a publish counter.
func (r *Relay) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Forward publishes one event frame. The returned error is informational; Run only logs it.
func (r *Relay) Forward(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = r.client.Publish(ctx, r.channel, data).Err()
	if r.recorder != nil {
		r.recorder.RelayPublished(err)
	}
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Run forwards events until ctx is done.
func (r *Relay) Run(ctx context.Context, bus Subscriber) {
	log.Info().Str("channel", r.channel).Msg("redis relay started")
	for {
		sub := bus.Subscribe("relay", 256)
		if r.pump(ctx, sub) {
			bus.Unsubscribe(sub)
			log.Info().Msg("redis relay stopped")
			return
		}
		log.Warn().Msg("redis relay fell behind, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *Relay) pump(ctx context.Context, sub *events.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case e, ok := <-sub.C:
			if !ok {
				return ctx.Err() != nil
			}
			if err := r.Forward(ctx, e); err != nil {
				log.Warn().Err(err).Str("encounterId", e.Entry.EncounterID).Msg("relay publish failed")
			}
		}
	}
}
