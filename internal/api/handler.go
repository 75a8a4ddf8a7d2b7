package api

import (
	"context"

	"github.com/SherClockHolmes/webpush-go"

	"triage-queue-backend/internal/intake"
	"triage-queue-backend/internal/model"
	"triage-queue-backend/internal/queue"
	"triage-queue-backend/internal/store"
)

// Queue is the queue surface the API exposes.
type Queue interface {
	Enqueue(ctx context.Context, encounter queue.Encounter, risk queue.Risk) (queue.EnqueueResult, error)
	Rescore(ctx context.Context, encounterID string, risk queue.Risk) (model.Entry, error)
	Assign(ctx context.Context, encounterID, providerID string) (model.Entry, error)
	Advance(ctx context.Context, encounterID string, status model.Status) (model.Entry, error)
	Get(ctx context.Context, encounterID string) (model.Entry, error)
	List(ctx context.Context) []model.Entry
}

// IntakeSubmitter runs a full intake and later re-assessments of the same encounter.
type IntakeSubmitter interface {
	Submit(ctx context.Context, req intake.Request) (intake.Result, error)
	Reassess(ctx context.Context, encounterID string, updates intake.Updates) (intake.ReassessResult, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	queue   Queue
	store   store.Store
	intake  IntakeSubmitter
	webpush *webpush.Options
}

// NewHandler creates a new API handler. intake and webpushOptions may be nil.
func NewHandler(q Queue, s store.Store, in IntakeSubmitter, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		queue:   q,
		store:   s,
		intake:  in,
		webpush: webpushOptions,
	}
}
