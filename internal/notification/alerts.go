package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/events"
	"triage-queue-backend/internal/model"
)

const resubscribeDelay = time.Second

// Subscriber is the part of the event bus the alert watcher uses.
type Subscriber interface {
	Subscribe(name string, buffer int) *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

// alerter turns queue events into jobs. It remembers just enough per encounter to alert once per change.
type alerter struct {
	bands    map[string]model.Band
	assigned map[string]string
}

func newAlerter() *alerter {
	return &alerter{
		bands:    make(map[string]model.Band),
		assigned: make(map[string]string),
	}
}

// jobsFor returns the alerts e should raise. An aging batch is read as one update per entry.
func (a *alerter) jobsFor(e events.Event) []Job {
	var jobs []Job
	for _, entry := range e.Affected() {
		jobs = append(jobs, a.jobsForEntry(e.Type == events.EntryCreated, entry)...)
	}
	return jobs
}

func (a *alerter) jobsForEntry(created bool, entry model.Entry) []Job {
	id := entry.EncounterID
	var jobs []Job

	prevBand, seen := a.bands[id]
	a.bands[id] = entry.Band
	if entry.Band == model.BandCritical {
		if created || (seen && prevBand != model.BandCritical) {
			jobs = append(jobs, Job{Kind: JobCritical, Entry: entry})
		}
	}

	if entry.AssignedProviderID != nil && entry.Status == model.StatusAssigned {
		provider := *entry.AssignedProviderID
		if a.assigned[id] != provider {
			a.assigned[id] = provider
			jobs = append(jobs, Job{Kind: JobAssigned, Entry: entry})
		}
	}

	if entry.Status == model.StatusComplete {
		delete(a.bands, id)
		delete(a.assigned, id)
	}
	return jobs
}

// Watch dispatches alerts for bus events until ctx is done. A dropped subscription is renewed.
func (wp *WorkerPool) Watch(ctx context.Context, bus Subscriber) {
	a := newAlerter()
	for {
		sub := bus.Subscribe("notification", 256)
		if done := wp.drain(ctx, sub, a); done {
			bus.Unsubscribe(sub)
			return
		}
		log.Warn().Msg("notification watcher fell behind, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (wp *WorkerPool) drain(ctx context.Context, sub *events.Subscription, a *alerter) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case e, ok := <-sub.C:
			if !ok {
				return ctx.Err() != nil
			}
			for _, job := range a.jobsFor(e) {
				wp.Dispatch(job)
			}
		}
	}
}
