// Package queue holds the authoritative encounter-to-entry index. Every mutation is validated,
// persisted and swapped in whole before its event is published.
package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"triage-queue-backend/internal/apperr"
	"triage-queue-backend/internal/events"
	"triage-queue-backend/internal/model"
	"triage-queue-backend/internal/priority"
)

// Repository persists entries. A nil Repository keeps the queue in memory only.
type Repository interface {
	LoadEntries(ctx context.Context) ([]model.Entry, error)
	SaveEntry(ctx context.Context, entry model.Entry) error
}

// Publisher receives every successful mutation.
type Publisher interface {
	Publish(e events.Event)
}

// Encounter is the caller's description of the patient being queued.
type Encounter struct {
	Patient      map[string]any `json:"patient"`
	SpecialNeeds []string       `json:"specialNeeds"`
}

// Risk is an opaque risk assessment.
type Risk struct {
	Score int        `json:"score"`
	Band  model.Band `json:"band"`
}

// EnqueueResult identifies a newly queued entry.
type EnqueueResult struct {
	EncounterID   string `json:"encounterId"`
	QueueID       string `json:"queueId"`
	PriorityScore int    `json:"priorityScore"`
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the uuid generator used for encounter and queue IDs.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// Service is the single authoritative queue.
type Service struct {
	repo  Repository
	bus   Publisher
	now   func() time.Time
	newID func() string

	mu      sync.RWMutex
	entries map[string]model.Entry
	locks   *keyedMutex
}

// NewService creates an empty queue. Call Load to hydrate it from the repository.
func NewService(repo Repository, bus Publisher, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		bus:     bus,
		now:     time.Now,
		newID:   uuid.NewString,
		entries: make(map[string]model.Entry),
		locks:   newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory index with the repository contents.
func (s *Service) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	loaded, err := s.repo.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	index := make(map[string]model.Entry, len(loaded))
	for _, e := range loaded {
		index[e.EncounterID] = e
	}

	s.mu.Lock()
	s.entries = index
	s.mu.Unlock()

	log.Info().Int("entries", len(index)).Msg("queue loaded")
	return nil
}

// Enqueue creates a waiting entry for encounter. The supplied band is trusted as given.
func (s *Service) Enqueue(ctx context.Context, encounter Encounter, risk Risk) (EnqueueResult, error) {
	if !priority.ValidScore(risk.Score) {
		return EnqueueResult{}, apperr.Validation("risk score %d is outside [%d,%d]", risk.Score, priority.MinRiskScore, priority.MaxRiskScore)
	}
	if !risk.Band.Valid() {
		return EnqueueResult{}, apperr.Validation("unknown risk band %q", risk.Band)
	}

	now := s.now()
	ms := now.UnixMilli()
	specialNeeds := len(encounter.SpecialNeeds) > 0
	entry := model.Entry{
		QueueID:       "q_" + s.newID(),
		EncounterID:   "enc_" + s.newID(),
		Band:          risk.Band,
		RiskScore:     risk.Score,
		PriorityScore: priority.Compute(risk.Score, risk.Band, 0, 0, specialNeeds, 0),
		SpecialNeeds:  specialNeeds,
		Status:        model.StatusWaiting,
		CreatedAt:     ms,
		UpdatedAt:     ms,
	}

	unlock := s.locks.Lock(entry.EncounterID)
	defer unlock()

	if err := s.commit(ctx, entry, events.EntryCreated); err != nil {
		return EnqueueResult{}, err
	}

	log.Info().
		Str("encounterId", entry.EncounterID).
		Str("band", string(entry.Band)).
		Int("priorityScore", entry.PriorityScore).
		Msg("entry enqueued")

	return EnqueueResult{
		EncounterID:   entry.EncounterID,
		QueueID:       entry.QueueID,
		PriorityScore: entry.PriorityScore,
	}, nil
}

// Rescore applies a new risk score. The band is always derived from the score.
func (s *Service) Rescore(ctx context.Context, encounterID string, risk Risk) (model.Entry, error) {
	if !priority.ValidScore(risk.Score) {
		return model.Entry{}, apperr.Validation("risk score %d is outside [%d,%d]", risk.Score, priority.MinRiskScore, priority.MaxRiskScore)
	}

	unlock := s.locks.Lock(encounterID)
	defer unlock()

	current, err := s.lookup(encounterID)
	if err != nil {
		return model.Entry{}, err
	}

	now := s.now()
	next := current.WithWait(now)
	next.RiskScore = risk.Score
	next.Band = priority.BandFromScore(risk.Score)
	next.PriorityScore = priority.Compute(next.RiskScore, next.Band, next.WaitMinutes, next.AgeFactor, next.SpecialNeeds, next.ProviderMatchScore)
	next.UpdatedAt = stamp(now, current)

	if err := s.commit(ctx, next, events.EntryUpdated); err != nil {
		return model.Entry{}, err
	}
	return next, nil
}

// Assign gives the entry to providerID. The provider is not checked against the provider list.
func (s *Service) Assign(ctx context.Context, encounterID, providerID string) (model.Entry, error) {
	if encounterID == "" || providerID == "" {
		return model.Entry{}, apperr.Validation("encounterId and providerId are required")
	}

	unlock := s.locks.Lock(encounterID)
	defer unlock()

	current, err := s.lookup(encounterID)
	if err != nil {
		return model.Entry{}, err
	}
	if current.Status.Rank() > model.StatusAssigned.Rank() {
		return model.Entry{}, apperr.Conflict("encounter %q is already %s", encounterID, current.Status)
	}

	now := s.now()
	next := current.WithWait(now)
	next.Status = model.StatusAssigned
	next.AssignedProviderID = &providerID
	next.UpdatedAt = stamp(now, current)

	if err := s.commit(ctx, next, events.EntryUpdated); err != nil {
		return model.Entry{}, err
	}

	log.Info().Str("encounterId", encounterID).Str("providerId", providerID).Msg("entry assigned")
	return next, nil
}

// Advance moves an assigned entry forward to in_room or complete.
func (s *Service) Advance(ctx context.Context, encounterID string, status model.Status) (model.Entry, error) {
	if status != model.StatusInRoom && status != model.StatusComplete {
		return model.Entry{}, apperr.Validation("status must be %q or %q", model.StatusInRoom, model.StatusComplete)
	}

	unlock := s.locks.Lock(encounterID)
	defer unlock()

	current, err := s.lookup(encounterID)
	if err != nil {
		return model.Entry{}, err
	}
	if current.Status == model.StatusWaiting {
		return model.Entry{}, apperr.Conflict("encounter %q must be assigned before it can move to %s", encounterID, status)
	}
	if status.Rank() <= current.Status.Rank() {
		return model.Entry{}, apperr.Conflict("encounter %q cannot move from %s to %s", encounterID, current.Status, status)
	}

	now := s.now()
	next := current.WithWait(now)
	next.Status = status
	next.UpdatedAt = stamp(now, current)

	if err := s.commit(ctx, next, events.EntryUpdated); err != nil {
		return model.Entry{}, err
	}
	return next, nil
}

// Age recomputes the priority of every waiting entry for the current wait time, keeping its
// stored band. Changed entries are persisted one by one and published together as a single
// EntriesAged event.
func (s *Service) Age(ctx context.Context) (int, error) {
	s.mu.RLock()
	waiting := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if e.Status == model.StatusWaiting {
			waiting = append(waiting, id)
		}
	}
	s.mu.RUnlock()

	var (
		aged = make(map[string]model.Entry)
		errs []error
	)
	for _, id := range waiting {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		entry, ok, err := s.age(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			aged[id] = entry
		}
	}

	s.publishAged(aged)
	return len(aged), errors.Join(errs...)
}

func (s *Service) age(ctx context.Context, encounterID string) (model.Entry, bool, error) {
	unlock := s.locks.Lock(encounterID)
	defer unlock()

	current, err := s.lookup(encounterID)
	if err != nil || current.Status != model.StatusWaiting {
		return model.Entry{}, false, nil
	}

	now := s.now()
	next := current.WithWait(now)
	next.PriorityScore = priority.Compute(next.RiskScore, next.Band, next.WaitMinutes, next.AgeFactor, next.SpecialNeeds, next.ProviderMatchScore)
	if next.PriorityScore == current.PriorityScore {
		return model.Entry{}, false, nil
	}
	next.UpdatedAt = stamp(now, current)

	if err := s.persist(ctx, next); err != nil {
		return model.Entry{}, false, err
	}
	return next, true, nil
}

// publishAged publishes the aged entries that no later mutation has replaced. Those that were
// replaced already went out with their newer state. The encounters stay locked until the batch
// is on the bus, so no mutation can slip in between the check and the publish.
func (s *Service) publishAged(aged map[string]model.Entry) {
	if s.bus == nil || len(aged) == 0 {
		return
	}

	ids := slices.Sorted(maps.Keys(aged))
	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		unlocks = append(unlocks, s.locks.Lock(id))
	}
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()

	batch := make([]model.Entry, 0, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		if cur, ok := s.entries[id]; ok && cur == aged[id] {
			batch = append(batch, cur)
		}
	}
	s.mu.RUnlock()
	if len(batch) == 0 {
		return
	}

	priority.Sort(batch)
	s.bus.Publish(events.Event{Type: events.EntriesAged, Entries: batch})
}

// Get returns one entry with a fresh wait time.
func (s *Service) Get(ctx context.Context, encounterID string) (model.Entry, error) {
	e, err := s.lookup(encounterID)
	if err != nil {
		return model.Entry{}, err
	}
	return e.WithWait(s.now()), nil
}

// List returns every entry with a fresh wait time, highest priority first.
func (s *Service) List(ctx context.Context) []model.Entry {
	now := s.now()

	s.mu.RLock()
	out := make([]model.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.WithWait(now))
	}
	s.mu.RUnlock()

	priority.Sort(out)
	return out
}

// Stats counts entries per status.
func (s *Service) Stats() map[model.Status]int {
	counts := make(map[model.Status]int, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		counts[st] = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		counts[e.Status]++
	}
	return counts
}

func (s *Service) lookup(encounterID string) (model.Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[encounterID]
	s.mu.RUnlock()
	if !ok {
		return model.Entry{}, apperr.NotFound("encounter %q not found", encounterID)
	}
	return e, nil
}

// commit persists entry, swaps it into the index and publishes it. The caller holds the
// encounter's lock, so events for one encounter leave in mutation order.
func (s *Service) commit(ctx context.Context, entry model.Entry, t events.Type) error {
	if err := s.persist(ctx, entry); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: t, Entry: entry})
	}
	return nil
}

// persist saves entry and swaps it into the index without publishing.
func (s *Service) persist(ctx context.Context, entry model.Entry) error {
	if s.repo != nil {
		if err := s.repo.SaveEntry(ctx, entry); err != nil {
			return apperr.Internal("failed to persist entry", err)
		}
	}

	s.mu.Lock()
	s.entries[entry.EncounterID] = entry
	s.mu.Unlock()
	return nil
}

// stamp returns now in ms, never earlier than the entry's previous update.
func stamp(now time.Time, current model.Entry) int64 {
	return max(now.UnixMilli(), current.UpdatedAt)
}
