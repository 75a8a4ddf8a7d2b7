package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionStore is the persistence the pool needs.
type SubscriptionStore interface {
	SubscriptionsFor(ctx context.Context, providerID string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// Recorder counts deliveries. *metrics.Metrics satisfies it.
type Recorder interface {
	PushSent(result string)
}

// JobKind selects the audience and wording of an alert.
type JobKind string

const (
	// JobCritical goes to every subscription.
	JobCritical JobKind = "critical"
	// JobAssigned goes to the assigned provider's subscriptions.
	JobAssigned JobKind = "assigned"
)

// Job is one alert to fan out.
type Job struct {
	Kind  JobKind
	Entry model.Entry
}

// Payload is the JSON body delivered to the browser.
type Payload struct {
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	EncounterID string     `json:"encounterId"`
	Band        model.Band `json:"band"`
	Priority    int        `json:"priorityScore"`
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size     int
	jobs     chan Job
	store    SubscriptionStore
	webpush  *webpush.Options
	sender   NotificationSender
	recorder Recorder
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, store SubscriptionStore, webpushOptions *webpush.Options) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, size*16),
		store:   store,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// SetRecorder installs a delivery counter.
func (wp *WorkerPool) SetRecorder(r Recorder) {
	wp.recorder = r
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Debug().Int("worker", id).Msg("notification worker started")
	for {
		select {
		case job := <-wp.jobs:
			wp.process(ctx, job)
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("notification worker shutting down")
			return
		}
	}
}

// Dispatch queues a job without blocking. It reports false when the pool is saturated.
func (wp *WorkerPool) Dispatch(job Job) bool {
	select {
	case wp.jobs <- job:
		return true
	default:
		log.Warn().Str("kind", string(job.Kind)).Str("encounterId", job.Entry.EncounterID).Msg("notification queue full, dropping alert")
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Job {
	return wp.jobs
}

func (wp *WorkerPool) process(ctx context.Context, job Job) {
	providerID := ""
	if job.Kind == JobAssigned {
		if job.Entry.AssignedProviderID == nil {
			return
		}
		providerID = *job.Entry.AssignedProviderID
	}

	subscriptions, err := wp.store.SubscriptionsFor(ctx, providerID)
	if err != nil {
		log.Error().Err(err).Str("encounterId", job.Entry.EncounterID).Msg("failed to fetch subscriptions")
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(buildPayload(job))
	if err != nil {
		log.Error().Err(err).Msg("failed to encode push payload")
		return
	}

	log.Info().
		Str("kind", string(job.Kind)).
		Str("encounterId", job.Entry.EncounterID).
		Int("subscriptions", len(subscriptions)).
		Msg("sending push notifications")
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func buildPayload(job Job) Payload {
	p := Payload{
		EncounterID: job.Entry.EncounterID,
		Band:        job.Entry.Band,
		Priority:    job.Entry.PriorityScore,
	}
	switch job.Kind {
	case JobCritical:
		p.Title = "Critical patient in queue"
		p.Body = fmt.Sprintf("Encounter %s needs immediate attention", job.Entry.EncounterID)
	case JobAssigned:
		p.Title = "Patient assigned to you"
		p.Body = fmt.Sprintf("Encounter %s (%s) has been assigned to you", job.Entry.EncounterID, job.Entry.Band)
	}
	return p
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to send notification")
		wp.record("error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		log.Info().Str("endpoint", sub.Endpoint).Msg("subscription expired, deleting")
		wp.record("expired")
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
		return
	}
	wp.record("ok")
}

func (wp *WorkerPool) record(result string) {
	if wp.recorder != nil {
		wp.recorder.PushSent(result)
	}
}
