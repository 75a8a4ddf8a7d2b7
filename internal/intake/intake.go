// Package intake scores a new encounter with the external risk service and queues it.
// Narrative extraction runs alongside and never holds up or fails the submission.
package intake

import (
	"context"

	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/apperr"
	"triage-queue-backend/internal/model"
	"triage-queue-backend/internal/queue"
)

// RiskScorer produces an opaque risk assessment.
type RiskScorer interface {
	Score(ctx context.Context, req Request) (Assessment, error)
	Recalculate(ctx context.Context, encounterID string, updates Updates) (Assessment, error)
}

// Extractor produces optional structured findings from the narrative.
type Extractor interface {
	Extract(ctx context.Context, narrative string) (*Enrichment, error)
}

// Queue is the subset of the queue service intake drives.
type Queue interface {
	Enqueue(ctx context.Context, encounter queue.Encounter, risk queue.Risk) (queue.EnqueueResult, error)
	Rescore(ctx context.Context, encounterID string, risk queue.Risk) (model.Entry, error)
	Get(ctx context.Context, encounterID string) (model.Entry, error)
}

// Recorder counts failed enrichments. *metrics.Metrics satisfies it.
type Recorder interface {
	EnrichmentFailed()
}

// Result is returned to the intake caller.
type Result struct {
	EncounterID string              `json:"encounterId"`
	InitialRisk Assessment          `json:"initialRisk"`
	Queue       queue.EnqueueResult `json:"queue"`
	Enrichment  *Enrichment         `json:"enrichment,omitempty"`
}

// ReassessResult is returned to the re-assessment caller.
type ReassessResult struct {
	EncounterID string      `json:"encounterId"`
	UpdatedRisk Assessment  `json:"updatedRisk"`
	Queue       model.Entry `json:"queue"`
}

// Service orchestrates one intake.
type Service struct {
	risk      RiskScorer
	extractor Extractor
	queue     Queue
	recorder  Recorder
}

// NewService creates an intake service. extractor may be nil.
func NewService(risk RiskScorer, extractor Extractor, q Queue) *Service {
	return &Service{risk: risk, extractor: extractor, queue: q}
}

// SetRecorder installs an enrichment failure counter.
func (s *Service) SetRecorder(r Recorder) {
	s.recorder = r
}

// Submit validates req, scores it, and enqueues the encounter.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	enrichment := s.startExtraction(ctx, req.Narrative)

	assessment, err := s.risk.Score(ctx, req)
	if err != nil {
		return Result{}, apperr.Upstream("risk service unavailable", err)
	}

	queued, err := s.queue.Enqueue(ctx,
		queue.Encounter{Patient: req.Patient, SpecialNeeds: req.SpecialNeeds},
		queue.Risk{Score: assessment.Score, Band: assessment.Band},
	)
	if apperr.Is(err, apperr.TypeValidation) {
		return Result{}, apperr.Upstream("risk service returned an invalid assessment", err)
	}
	if err != nil {
		return Result{}, err
	}

	return Result{
		EncounterID: queued.EncounterID,
		InitialRisk: assessment,
		Queue:       queued,
		Enrichment:  <-enrichment,
	}, nil
}

// Reassess re-scores a queued encounter with updates and rescores its entry.
// Unknown encounters fail with NotFound before the risk service is called.
func (s *Service) Reassess(ctx context.Context, encounterID string, updates Updates) (ReassessResult, error) {
	if err := updates.Validate(); err != nil {
		return ReassessResult{}, err
	}
	if _, err := s.queue.Get(ctx, encounterID); err != nil {
		return ReassessResult{}, err
	}

	assessment, err := s.risk.Recalculate(ctx, encounterID, updates)
	if err != nil {
		return ReassessResult{}, apperr.Upstream("risk service unavailable", err)
	}

	entry, err := s.queue.Rescore(ctx, encounterID, queue.Risk{Score: assessment.Score, Band: assessment.Band})
	if apperr.Is(err, apperr.TypeValidation) {
		return ReassessResult{}, apperr.Upstream("risk service returned an invalid assessment", err)
	}
	if err != nil {
		return ReassessResult{}, err
	}

	log.Info().Str("encounterId", encounterID).Int("score", assessment.Score).Str("band", string(assessment.Band)).Msg("encounter reassessed")
	return ReassessResult{EncounterID: encounterID, UpdatedRisk: assessment, Queue: entry}, nil
}

// startExtraction runs the extractor in the background. The channel always yields exactly once,
// nil when extraction is disabled or failed.
func (s *Service) startExtraction(ctx context.Context, narrative string) <-chan *Enrichment {
	out := make(chan *Enrichment, 1)
	if s.extractor == nil {
		out <- nil
		return out
	}

	// Detached from the request; the extractor's client timeout bounds the call.
	ctx = context.WithoutCancel(ctx)
	go func() {
		e, err := s.extractor.Extract(ctx, narrative)
		if err != nil {
			log.Warn().Err(apperr.Upstream("narrative extraction failed", err)).Msg("continuing without enrichment")
			if s.recorder != nil {
				s.recorder.EnrichmentFailed()
			}
			e = nil
		}
		out <- e
	}()
	return out
}
