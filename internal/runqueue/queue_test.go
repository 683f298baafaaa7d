package runqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/observability"
	"github.com/vipul43/adr-worker/internal/repository"
	"github.com/vipul43/adr-worker/internal/testutil"
)

type fakeRunner struct {
	mu        sync.Mutex
	active    int
	maxActive int
	calls     []models.Phase
	runFunc   func(ctx context.Context, phase models.Phase) (models.RunCounters, error)
}

func (f *fakeRunner) RunPhase(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.calls = append(f.calls, phase)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.runFunc != nil {
		return f.runFunc(ctx, phase)
	}
	return models.RunCounters{JobsCreated: 1}, nil
}

func (f *fakeRunner) phases() []models.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Phase(nil), f.calls...)
}

type staticConfig struct{}

func (staticConfig) Get(ctx context.Context) (models.OrchestrationConfig, error) {
	return models.DefaultOrchestrationConfig(), nil
}

type brokenHistoryStore struct {
	*MemoryStore
}

func (brokenHistoryStore) ListRecent(ctx context.Context, n int) ([]models.OrchestrationRun, error) {
	return nil, errors.New("database is unavailable")
}

// slowCancelStore delays writes of a Cancelling run so they land after the
// worker has finished the run.
type slowCancelStore struct {
	*MemoryStore
	delay time.Duration
}

func (s slowCancelStore) Save(ctx context.Context, run *models.OrchestrationRun) error {
	if run.Status == models.RunCancelling {
		time.Sleep(s.delay)
	}
	return s.MemoryStore.Save(ctx, run)
}

func newQueue(t *testing.T, store RunStore, runner PhaseRunner) *Queue {
	t.Helper()
	return New(store, runner, staticConfig{}, observability.NewNoopMetrics())
}

func start(t *testing.T, q *Queue) {
	t.Helper()
	background(t, q.Start)
}

// consume runs the queue without orphan recovery.
func consume(t *testing.T, q *Queue) {
	t.Helper()
	background(t, q.Run)
}

func background(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func countRunning(store RunStore) int {
	active, err := store.ListActive(context.Background())
	if err != nil {
		return -1
	}
	n := 0
	for _, r := range active {
		if r.Status == models.RunRunning {
			n++
		}
	}
	return n
}

func waitForStatus(t *testing.T, q *Queue, id string, want models.RunStatus) *models.OrchestrationRun {
	t.Helper()
	var run *models.OrchestrationRun
	require.Eventually(t, func() bool {
		got, err := q.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		run = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond, "run %s never reached %s", id, want)
	return run
}

func TestQueue_SingleActiveRun(t *testing.T) {
	runner := &fakeRunner{
		runFunc: func(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
			time.Sleep(5 * time.Millisecond)
			return models.RunCounters{}, nil
		},
	}
	q := newQueue(t, NewMemoryStore(), runner)
	start(t, q)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := q.Enqueue(context.Background(), Request{
				Phases:      []models.Phase{models.PhaseSync},
				RequestedBy: fmt.Sprintf("user-%d", i),
			})
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		waitForStatus(t, q, id, models.RunCompleted)
	}
	assert.Equal(t, 1, runner.maxActive)
	assert.Len(t, runner.phases(), n)
	assert.False(t, q.IsBusy())
}

func TestQueue_FIFOAndPhaseOrder(t *testing.T) {
	gate := make(chan struct{})
	var order []string
	var mu sync.Mutex
	runner := &fakeRunner{
		runFunc: func(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
			<-gate
			mu.Lock()
			order = append(order, string(phase))
			mu.Unlock()
			return models.RunCounters{JobsCreated: 2, StatusesChecked: 1}, nil
		},
	}
	q := newQueue(t, NewMemoryStore(), runner)

	first, err := q.Enqueue(context.Background(), Request{
		Phases:      []models.Phase{models.PhaseProcessScraping, models.PhaseSync, models.PhaseSync},
		RequestedBy: "alice",
	})
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseCreateJobs}})
	require.NoError(t, err)

	start(t, q)
	close(gate)

	run := waitForStatus(t, q, first, models.RunCompleted)
	assert.Equal(t, "sync,process-scraping", run.Phases)
	assert.Equal(t, 4, run.Counters.JobsCreated)
	assert.Nil(t, run.CurrentPhase)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt)

	second2 := waitForStatus(t, q, second, models.RunCompleted)
	assert.Equal(t, "unknown", second2.RequestedBy)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sync", "process-scraping", "create-jobs"}, order)
}

func TestQueue_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{
		runFunc: func(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
			close(started)
			<-ctx.Done()
			return models.RunCounters{ItemErrors: 1}, ctx.Err()
		},
	}
	q := newQueue(t, NewMemoryStore(), runner)
	start(t, q)

	id, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseFullCycle}})
	require.NoError(t, err)
	<-started

	current := q.GetCurrentRun()
	require.NotNil(t, current)
	assert.Equal(t, id, current.ID)
	require.NotNil(t, current.CurrentPhase)
	assert.Equal(t, "sync", *current.CurrentPhase)

	ok, err := q.CancelRequest(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	run := waitForStatus(t, q, id, models.RunCancelled)
	assert.Equal(t, 1, run.Counters.ItemErrors)
	assert.Equal(t, []models.Phase{models.PhaseSync}, runner.phases(), "later phases never start")
	assert.Nil(t, q.GetCurrentRun())

	ok, err = q.CancelRequest(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok, "finished runs cannot be cancelled")
}

func TestQueue_CancelQueued(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := &fakeRunner{
		runFunc: func(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
			started <- struct{}{}
			<-gate
			return models.RunCounters{}, nil
		},
	}
	q := newQueue(t, NewMemoryStore(), runner)
	start(t, q)

	first, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseSync}})
	require.NoError(t, err)
	<-started
	second, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseCreateJobs}})
	require.NoError(t, err)

	queued, err := q.GetStatus(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, queued.Status)

	ok, err := q.CancelRequest(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, ok)
	waitForStatus(t, q, second, models.RunCancelled)

	close(gate)
	waitForStatus(t, q, first, models.RunCompleted)
	assert.Equal(t, []models.Phase{models.PhaseSync}, runner.phases())
}

func TestQueue_FailureDoesNotBlockLaterRuns(t *testing.T) {
	runner := &fakeRunner{
		runFunc: func(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
			switch phase {
			case models.PhaseSync:
				return models.RunCounters{}, errors.New("catalog unreachable")
			case models.PhaseCreateJobs:
				panic("nil account")
			}
			return models.RunCounters{}, nil
		},
	}
	q := newQueue(t, NewMemoryStore(), runner)
	start(t, q)

	failed, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseSync, models.PhaseProcessScraping}})
	require.NoError(t, err)
	panicked, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseCreateJobs}})
	require.NoError(t, err)
	ok, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseCheckStatuses}})
	require.NoError(t, err)

	run := waitForStatus(t, q, failed, models.RunFailed)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "phase sync: catalog unreachable")

	run = waitForStatus(t, q, panicked, models.RunFailed)
	assert.Contains(t, *run.ErrorMessage, "panic")

	waitForStatus(t, q, ok, models.RunCompleted)
	assert.NotContains(t, runner.phases(), models.PhaseProcessScraping)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q := newQueue(t, NewMemoryStore(), &fakeRunner{})

	_, err := q.Enqueue(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoPhases)

	id, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseSync}, RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)

	again, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseSync}, RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", again)
	assert.Len(t, q.pending, 1)

	_, err = q.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = q.CancelRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestQueue_ReconcileStale(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	crashed := &models.OrchestrationRun{
		ID:          "crashed",
		Phases:      "sync",
		Status:      models.RunRunning,
		RequestedAt: now.Add(-5 * time.Hour),
		StartedAt:   timePtr(now.Add(-5 * time.Hour)),
	}
	recent := &models.OrchestrationRun{
		ID:          "recent",
		Phases:      "sync",
		Status:      models.RunRunning,
		RequestedAt: now.Add(-time.Hour),
		StartedAt:   timePtr(now.Add(-time.Hour)),
	}
	require.NoError(t, store.Create(ctx, crashed))
	require.NoError(t, store.Create(ctx, recent))

	q := newQueue(t, store, &fakeRunner{})
	runs, err := q.GetRecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]models.OrchestrationRun{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.Equal(t, models.RunFailed, byID["crashed"].Status)
	require.NotNil(t, byID["crashed"].ErrorMessage)
	assert.Equal(t, staleRunMessage, *byID["crashed"].ErrorMessage)
	assert.NotNil(t, byID["crashed"].CompletedAt)
	assert.Equal(t, models.RunRunning, byID["recent"].Status)
}

func TestQueue_ReconcileSkipsLiveRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{
		runFunc: func(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
			close(started)
			<-release
			return models.RunCounters{}, nil
		},
	}
	q := newQueue(t, NewMemoryStore(), runner)
	clock := time.Now().Add(-10 * time.Hour)
	var clockMu sync.Mutex
	q.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	start(t, q)

	id, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseSync}})
	require.NoError(t, err)
	<-started

	clockMu.Lock()
	clock = time.Now()
	clockMu.Unlock()

	n, err := q.ReconcileStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	close(release)
	waitForStatus(t, q, id, models.RunCompleted)
}

func TestQueue_RecoversOrphansOnStart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &models.OrchestrationRun{ID: "queued", Phases: "sync", Status: models.RunQueued, RequestedAt: time.Now()}))
	require.NoError(t, store.Create(ctx, &models.OrchestrationRun{ID: "cancelling", Phases: "sync", Status: models.RunCancelling, RequestedAt: time.Now()}))

	q := newQueue(t, store, &fakeRunner{})
	start(t, q)

	waitForStatus(t, q, "queued", models.RunFailed)
	waitForStatus(t, q, "cancelling", models.RunCancelled)
}

func TestQueue_HistoryFallsBackToMemory(t *testing.T) {
	q := newQueue(t, brokenHistoryStore{NewMemoryStore()}, &fakeRunner{})
	start(t, q)

	id, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseSync}})
	require.NoError(t, err)
	waitForStatus(t, q, id, models.RunCompleted)

	runs, err := q.GetRecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
}

func TestQueue_PersistsThroughRepository(t *testing.T) {
	db := testutil.NewDB(t)
	store := repository.NewOrchestrationRunRepository(db)
	q := newQueue(t, store, &fakeRunner{})
	start(t, q)

	id, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseFullCycle}, RequestedBy: "background"})
	require.NoError(t, err)
	waitForStatus(t, q, id, models.RunCompleted)

	stored, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.RunCompleted, stored.Status)
	assert.Equal(t, len(models.FullCyclePhases()), stored.Counters.JobsCreated)
	assert.Equal(t, "background", stored.RequestedBy)
}

func TestQueue_CancelKeepsFinalStateWhenWritesInterleave(t *testing.T) {
	store := slowCancelStore{MemoryStore: NewMemoryStore(), delay: 100 * time.Millisecond}
	started := make(chan struct{})
	runner := &fakeRunner{
		runFunc: func(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
			close(started)
			<-ctx.Done()
			return models.RunCounters{}, ctx.Err()
		},
	}
	q := newQueue(t, store, runner)
	start(t, q)

	id, err := q.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseSync}})
	require.NoError(t, err)
	<-started

	ok, err := q.CancelRequest(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	waitForStatus(t, q, id, models.RunCancelled)

	require.Eventually(t, func() bool {
		stored, err := store.Get(context.Background(), id)
		return err == nil && stored != nil && stored.Status == models.RunCancelled
	}, 2*time.Second, 5*time.Millisecond)

	// give any late write time to land
	time.Sleep(2 * store.delay)
	stored, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	runs, err := q.GetRecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunCancelled, runs[0].Status)
}

func TestQueue_WorkersSharingStoreRunOneAtATime(t *testing.T) {
	store := NewMemoryStore()
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	runner := &fakeRunner{
		runFunc: func(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
			started <- struct{}{}
			<-gate
			return models.RunCounters{}, nil
		},
	}

	server := newQueue(t, store, runner)
	start(t, server)
	first, err := server.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseSync}})
	require.NoError(t, err)
	<-started

	oneShot := newQueue(t, store, runner)
	oneShot.claimRetry = 10 * time.Millisecond
	consume(t, oneShot)
	second, err := oneShot.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseCreateJobs}})
	require.NoError(t, err)

	// the second worker keeps waiting while the first holds the slot
	assert.Never(t, func() bool {
		run, err := oneShot.GetStatus(context.Background(), second)
		return err != nil || run.Status != models.RunQueued || countRunning(store) != 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.True(t, oneShot.IsBusy())

	close(gate)
	waitForStatus(t, server, first, models.RunCompleted)
	waitForStatus(t, oneShot, second, models.RunCompleted)
	assert.Equal(t, 1, runner.maxActive)
	assert.Zero(t, countRunning(store))
}

func TestQueue_RunClosedByAnotherWorkerIsSkipped(t *testing.T) {
	store := NewMemoryStore()
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	runner := &fakeRunner{
		runFunc: func(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
			started <- struct{}{}
			<-gate
			return models.RunCounters{}, nil
		},
	}

	first := newQueue(t, store, runner)
	start(t, first)
	running, err := first.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseSync}})
	require.NoError(t, err)
	<-started
	waiting, err := first.Enqueue(context.Background(), Request{Phases: []models.Phase{models.PhaseCreateJobs}})
	require.NoError(t, err)

	// a restarted server closes rows requested before it came up
	restarted := newQueue(t, store, &fakeRunner{})
	start(t, restarted)
	require.Eventually(t, func() bool {
		stored, err := store.Get(context.Background(), waiting)
		return err == nil && stored.Status == models.RunFailed
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	waitForStatus(t, first, running, models.RunCompleted)
	run := waitForStatus(t, first, waiting, models.RunFailed)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, orphanedRunMessage, *run.ErrorMessage)

	stored, err := store.Get(context.Background(), waiting)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stored.Status, "a closed run is never reopened")
	assert.Nil(t, stored.StartedAt)
	assert.Equal(t, []models.Phase{models.PhaseSync}, runner.phases())
}

func TestQueue_GetStatusReconcilesStaleRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-5 * time.Hour)
	require.NoError(t, store.Create(ctx, &models.OrchestrationRun{
		ID:          "crashed",
		Phases:      "sync",
		Status:      models.RunRunning,
		RequestedAt: old,
		StartedAt:   &old,
	}))

	q := newQueue(t, store, &fakeRunner{})
	run, err := q.GetStatus(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, staleRunMessage, *run.ErrorMessage)
	assert.NotNil(t, run.CompletedAt)
}

func TestMemoryStore_SaveGuardsStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	a := &models.OrchestrationRun{ID: "a", Status: models.RunQueued, RequestedAt: now}
	b := &models.OrchestrationRun{ID: "b", Status: models.RunQueued, RequestedAt: now}
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	a.Status = models.RunRunning
	require.NoError(t, store.Save(ctx, a))
	b.Status = models.RunRunning
	assert.ErrorIs(t, store.Save(ctx, b), repository.ErrRunSlotTaken)

	a.Status = models.RunFailed
	require.NoError(t, store.Save(ctx, a))
	a.Status = models.RunRunning
	assert.ErrorIs(t, store.Save(ctx, a), repository.ErrRunFinished)

	stored, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stored.Status)

	assert.ErrorIs(t, store.Save(ctx, &models.OrchestrationRun{ID: "missing", Status: models.RunQueued}), repository.ErrRunFinished)
}

func timePtr(t time.Time) *time.Time { return &t }
