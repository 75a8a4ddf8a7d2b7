package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage-queue-backend/internal/apperr"
	"triage-queue-backend/internal/events"
	"triage-queue-backend/internal/model"
	"triage-queue-backend/internal/priority"
)

// fakeRepo is an in-memory Repository whose SaveEntry can be made to fail.
type fakeRepo struct {
	mu       sync.Mutex
	saved    map[string]model.Entry
	SaveFunc func(model.Entry) error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{saved: make(map[string]model.Entry)}
}

func (r *fakeRepo) LoadEntries(ctx context.Context) ([]model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Entry, 0, len(r.saved))
	for _, e := range r.saved {
		out = append(out, e)
	}
	return out, nil
}

func (r *fakeRepo) SaveEntry(ctx context.Context, e model.Entry) error {
	if r.SaveFunc != nil {
		if err := r.SaveFunc(e); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.saved[e.EncounterID] = e
	r.mu.Unlock()
	return nil
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *recorder, *clock) {
	t.Helper()
	repo := newFakeRepo()
	rec := &recorder{}
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	n := 0
	svc := NewService(repo, rec,
		WithClock(clk.Now),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("%04d", n) }),
	)
	return svc, repo, rec, clk
}

func TestService_EnqueueThenList(t *testing.T) {
	svc, repo, rec, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 50, Band: model.BandMedium})
	require.NoError(t, err)
	assert.Equal(t, 50000, res.PriorityScore)
	assert.NotEqual(t, res.EncounterID, res.QueueID)

	list := svc.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, res.EncounterID, list[0].EncounterID)
	assert.Equal(t, model.StatusWaiting, list[0].Status)
	assert.Nil(t, list[0].AssignedProviderID)
	assert.Equal(t, list[0].CreatedAt, list[0].UpdatedAt)

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.EntryCreated, got[0].Type)
	assert.Equal(t, res.EncounterID, got[0].Entry.EncounterID)

	assert.Contains(t, repo.saved, res.EncounterID)
}

func TestService_EnqueueScenario(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	ctx := context.Background()

	medium, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 50, Band: model.BandMedium})
	require.NoError(t, err)
	clk.Advance(time.Second)
	critical, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 95, Band: model.BandCritical})
	require.NoError(t, err)

	assert.Equal(t, 100000, critical.PriorityScore)
	assert.Equal(t, 50000, medium.PriorityScore)

	list := svc.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, critical.EncounterID, list[0].EncounterID)
}

func TestService_EnqueueSpecialNeeds(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	res, err := svc.Enqueue(context.Background(), Encounter{SpecialNeeds: []string{"wheelchair"}}, Risk{Score: 50, Band: model.BandMedium})
	require.NoError(t, err)
	assert.Equal(t, 50050, res.PriorityScore)

	e, err := svc.Get(context.Background(), res.EncounterID)
	require.NoError(t, err)
	assert.True(t, e.SpecialNeeds)
}

func TestService_EnqueueTrustsSuppliedBand(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	res, err := svc.Enqueue(context.Background(), Encounter{}, Risk{Score: 20, Band: model.BandCritical})
	require.NoError(t, err)
	assert.Equal(t, priority.CriticalBase, res.PriorityScore)
}

func TestService_EnqueueValidation(t *testing.T) {
	testCases := []struct {
		name string
		risk Risk
	}{
		{name: "score above range", risk: Risk{Score: 101, Band: model.BandHigh}},
		{name: "negative score", risk: Risk{Score: -1, Band: model.BandLow}},
		{name: "unknown band", risk: Risk{Score: 50, Band: "SEVERE"}},
		{name: "empty band", risk: Risk{Score: 50}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo, rec, _ := newTestService(t)
			_, err := svc.Enqueue(context.Background(), Encounter{}, tc.risk)
			assert.True(t, apperr.Is(err, apperr.TypeValidation), "got %v", err)
			assert.Empty(t, rec.all())
			assert.Empty(t, repo.saved)
			assert.Empty(t, svc.List(context.Background()))
		})
	}
}

func TestService_Rescore(t *testing.T) {
	svc, _, rec, clk := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, Encounter{SpecialNeeds: []string{"interpreter"}}, Risk{Score: 50, Band: model.BandMedium})
	require.NoError(t, err)
	clk.Advance(12*time.Minute + 30*time.Second)

	updated, err := svc.Rescore(ctx, res.EncounterID, Risk{Score: 75, Band: model.BandLow})
	require.NoError(t, err)
	assert.Equal(t, model.BandHigh, updated.Band, "band derives from score, supplied band ignored")
	assert.Equal(t, 12, updated.WaitMinutes)
	assert.Equal(t, 75000+24+50, updated.PriorityScore)
	assert.Equal(t, model.StatusWaiting, updated.Status)
	assert.Equal(t, clk.Now().UnixMilli(), updated.UpdatedAt)

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, events.EntryUpdated, got[1].Type)
	assert.Equal(t, updated, got[1].Entry)
}

func TestService_RescoreToCritical(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 60, Band: model.BandMedium})
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)

	updated, err := svc.Rescore(ctx, res.EncounterID, Risk{Score: 90})
	require.NoError(t, err)
	assert.Equal(t, model.BandCritical, updated.Band)
	assert.Equal(t, 100005, updated.PriorityScore)
}

func TestService_RescoreErrors(t *testing.T) {
	svc, _, rec, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Rescore(ctx, "enc_missing", Risk{Score: 10})
	assert.True(t, apperr.Is(err, apperr.TypeNotFound))

	res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 10, Band: model.BandLow})
	require.NoError(t, err)
	_, err = svc.Rescore(ctx, res.EncounterID, Risk{Score: 250})
	assert.True(t, apperr.Is(err, apperr.TypeValidation))

	assert.Len(t, rec.all(), 1)
}

func TestService_RescoreKeepsAssignment(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 40, Band: model.BandMedium})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, res.EncounterID, "p1")
	require.NoError(t, err)

	updated, err := svc.Rescore(ctx, res.EncounterID, Risk{Score: 80})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, updated.Status)
	require.NotNil(t, updated.AssignedProviderID)
	assert.Equal(t, "p1", *updated.AssignedProviderID)
}

func TestService_Assign(t *testing.T) {
	svc, _, rec, clk := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 70, Band: model.BandHigh})
	require.NoError(t, err)
	clk.Advance(3 * time.Minute)

	updated, err := svc.Assign(ctx, res.EncounterID, "p2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, updated.Status)
	require.NotNil(t, updated.AssignedProviderID)
	assert.Equal(t, "p2", *updated.AssignedProviderID)
	assert.Equal(t, res.PriorityScore, updated.PriorityScore, "assignment does not recompute priority")

	// Reassignment replaces the provider; unknown providers are accepted.
	updated, err = svc.Assign(ctx, res.EncounterID, "p-unknown")
	require.NoError(t, err)
	assert.Equal(t, "p-unknown", *updated.AssignedProviderID)

	assert.Len(t, rec.all(), 3)
}

func TestService_AssignErrors(t *testing.T) {
	svc, _, rec, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Assign(ctx, "enc_missing", "p1")
	assert.True(t, apperr.Is(err, apperr.TypeNotFound))
	assert.Empty(t, rec.all(), "unknown encounter publishes nothing")

	_, err = svc.Assign(ctx, "", "p1")
	assert.True(t, apperr.Is(err, apperr.TypeValidation))
	_, err = svc.Assign(ctx, "enc_1", "")
	assert.True(t, apperr.Is(err, apperr.TypeValidation))

	res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 70, Band: model.BandHigh})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, res.EncounterID, "p1")
	require.NoError(t, err)
	_, err = svc.Advance(ctx, res.EncounterID, model.StatusInRoom)
	require.NoError(t, err)

	_, err = svc.Assign(ctx, res.EncounterID, "p2")
	assert.True(t, apperr.Is(err, apperr.TypeConflict))
}

func TestService_Advance(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 30, Band: model.BandLow})
	require.NoError(t, err)

	_, err = svc.Advance(ctx, res.EncounterID, model.StatusInRoom)
	assert.True(t, apperr.Is(err, apperr.TypeConflict), "waiting entries must be assigned first")

	_, err = svc.Assign(ctx, res.EncounterID, "p3")
	require.NoError(t, err)

	_, err = svc.Advance(ctx, res.EncounterID, model.StatusWaiting)
	assert.True(t, apperr.Is(err, apperr.TypeValidation))
	_, err = svc.Advance(ctx, res.EncounterID, "discharged")
	assert.True(t, apperr.Is(err, apperr.TypeValidation))

	e, err := svc.Advance(ctx, res.EncounterID, model.StatusComplete)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, e.Status)
	assert.Equal(t, "p3", *e.AssignedProviderID)

	_, err = svc.Advance(ctx, res.EncounterID, model.StatusInRoom)
	assert.True(t, apperr.Is(err, apperr.TypeConflict))
	_, err = svc.Advance(ctx, res.EncounterID, model.StatusComplete)
	assert.True(t, apperr.Is(err, apperr.TypeConflict))

	_, err = svc.Advance(ctx, "enc_missing", model.StatusComplete)
	assert.True(t, apperr.Is(err, apperr.TypeNotFound))
}

func TestService_PersistenceFailurePublishesNothing(t *testing.T) {
	svc, repo, rec, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 50, Band: model.BandMedium})
	require.NoError(t, err)

	repo.SaveFunc = func(model.Entry) error { return errors.New("disk full") }

	_, err = svc.Rescore(ctx, res.EncounterID, Risk{Score: 99})
	assert.True(t, apperr.Is(err, apperr.TypeInternal))
	_, err = svc.Assign(ctx, res.EncounterID, "p1")
	assert.Error(t, err)
	_, err = svc.Enqueue(ctx, Encounter{}, Risk{Score: 10, Band: model.BandLow})
	assert.Error(t, err)

	assert.Len(t, rec.all(), 1)
	list := svc.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, model.BandMedium, list[0].Band)
	assert.Equal(t, model.StatusWaiting, list[0].Status)
}

func TestService_ListRecomputesWait(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 50, Band: model.BandMedium})
	require.NoError(t, err)

	first := svc.List(ctx)
	second := svc.List(ctx)
	assert.Equal(t, first, second)

	clk.Advance(7*time.Minute + 59*time.Second)
	later := svc.List(ctx)
	assert.Equal(t, 7, later[0].WaitMinutes)
	assert.Equal(t, first[0].PriorityScore, later[0].PriorityScore, "reads never rewrite priority")
}

func TestService_ListOrdering(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	ctx := context.Background()

	scores := []int{10, 95, 50, 50, 72, 0, 89, 90, 50}
	for _, score := range scores {
		_, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: score, Band: priority.BandFromScore(score)})
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
	}

	list := svc.List(ctx)
	require.Len(t, list, len(scores))
	for i := 1; i < len(list); i++ {
		a, b := list[i-1], list[i]
		assert.True(t, a.PriorityScore > b.PriorityScore ||
			(a.PriorityScore == b.PriorityScore && a.CreatedAt <= b.CreatedAt),
			"entries %d and %d out of order", i-1, i)
	}
}

func TestService_Age(t *testing.T) {
	svc, _, rec, clk := newTestService(t)
	ctx := context.Background()

	waiting, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 50, Band: model.BandMedium})
	require.NoError(t, err)
	critical, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 95, Band: model.BandCritical})
	require.NoError(t, err)
	assigned, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 60, Band: model.BandMedium})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, assigned.EncounterID, "p1")
	require.NoError(t, err)
	before := len(rec.all())

	// Nothing changes within the first minute.
	n, err := svc.Age(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, rec.all(), before)

	clk.Advance(10 * time.Minute)
	n, err = svc.Age(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, err := svc.Get(ctx, waiting.EncounterID)
	require.NoError(t, err)
	assert.Equal(t, 50020, e.PriorityScore)
	assert.Equal(t, model.BandMedium, e.Band)

	e, err = svc.Get(ctx, critical.EncounterID)
	require.NoError(t, err)
	assert.Equal(t, 100010, e.PriorityScore)

	e, err = svc.Get(ctx, assigned.EncounterID)
	require.NoError(t, err)
	assert.Equal(t, 60000, e.PriorityScore, "only waiting entries age")

	got := rec.all()
	require.Len(t, got, before+1, "one aging cycle is one event")
	batch := got[before]
	assert.Equal(t, events.EntriesAged, batch.Type)
	require.Len(t, batch.Entries, 2)
	assert.Equal(t, critical.EncounterID, batch.Entries[0].EncounterID)
	assert.Equal(t, waiting.EncounterID, batch.Entries[1].EncounterID)
}

func TestService_AgeLongQueueIsOneEvent(t *testing.T) {
	svc, _, rec, clk := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 300; i++ {
		_, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 40, Band: model.BandMedium})
		require.NoError(t, err)
	}
	before := len(rec.all())

	clk.Advance(time.Minute)
	n, err := svc.Age(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300, n)

	got := rec.all()[before:]
	require.Len(t, got, 1)
	assert.Len(t, got[0].Entries, 300)
	for _, e := range got[0].Entries {
		assert.Equal(t, 40002, e.PriorityScore)
	}
}

func TestService_ListIsDeterministicForSameInstant(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 50, Band: model.BandMedium})
		require.NoError(t, err)
	}

	first := svc.List(ctx)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, svc.List(ctx))
	}
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].QueueID, first[i].QueueID)
	}
}

func TestService_LoadAndStats(t *testing.T) {
	repo := newFakeRepo()
	repo.saved["enc_a"] = model.Entry{QueueID: "q_a", EncounterID: "enc_a", Band: model.BandLow, Status: model.StatusWaiting, CreatedAt: 1}
	repo.saved["enc_b"] = model.Entry{QueueID: "q_b", EncounterID: "enc_b", Band: model.BandHigh, Status: model.StatusComplete, CreatedAt: 2}

	svc := NewService(repo, nil)
	require.NoError(t, svc.Load(context.Background()))

	assert.Len(t, svc.List(context.Background()), 2)
	stats := svc.Stats()
	assert.Equal(t, 1, stats[model.StatusWaiting])
	assert.Equal(t, 1, stats[model.StatusComplete])
	assert.Equal(t, 0, stats[model.StatusAssigned])
	assert.Equal(t, 0, stats[model.StatusInRoom])
}

func TestService_UpdatedAtNeverGoesBackward(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: 50, Band: model.BandMedium})
	require.NoError(t, err)
	clk.Advance(-time.Minute)

	e, err := svc.Rescore(ctx, res.EncounterID, Risk{Score: 55})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, e.UpdatedAt, e.CreatedAt)
	assert.Zero(t, e.WaitMinutes)
}

func TestService_ConcurrentMutations(t *testing.T) {
	svc := NewService(nil, events.NewBus())
	ctx := context.Background()

	ids := make([]string, 20)
	for i := range ids {
		res, err := svc.Enqueue(ctx, Encounter{}, Risk{Score: i * 5, Band: priority.BandFromScore(i * 5)})
		require.NoError(t, err)
		ids[i] = res.EncounterID
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = svc.Rescore(ctx, id, Risk{Score: (i * 7) % 101})
		}()
		go func() {
			defer wg.Done()
			_, _ = svc.Assign(ctx, id, "p1")
		}()
		go func() {
			defer wg.Done()
			for _, e := range svc.List(ctx) {
				// A reader never sees a band that disagrees with the stored risk score after a rescore.
				if e.UpdatedAt > e.CreatedAt && e.Status == model.StatusWaiting {
					assert.Equal(t, priority.BandFromScore(e.RiskScore), e.Band)
				}
			}
		}()
	}
	wg.Wait()

	for _, e := range svc.List(ctx) {
		assert.Equal(t, model.StatusAssigned, e.Status)
		assert.Equal(t, priority.Compute(e.RiskScore, e.Band, 0, 0, false, 0), e.PriorityScore)
	}
}
