// Package runqueue serializes orchestration runs. One worker goroutine owns
// the run slot and further requests wait in FIFO order. The run store admits
// a single Running row, so workers sharing a database never run concurrently.
package runqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/observability"
	"github.com/vipul43/adr-worker/internal/repository"
	"github.com/vipul43/adr-worker/internal/service"
)

var (
	// ErrRunNotFound is returned for an unknown request id.
	ErrRunNotFound = errors.New("orchestration run not found")
	// ErrNoPhases is returned when a request names no runnable phase.
	ErrNoPhases = errors.New("no phases requested")
)

const (
	staleRunMessage    = "Run exceeded the maximum orchestration duration without completing; the worker is presumed to have crashed"
	orphanedRunMessage = "Run was still queued when the worker restarted"
	abandonedMessage   = "Run was closed by another worker before it started"
	shutdownMessage    = "Worker shut down before the run started"
	cancelledMessage   = "Cancelled by request"

	defaultClaimRetry = 30 * time.Second

	// recentLimit bounds the in-memory history used when the store is unavailable.
	recentLimit = 50
)

// PhaseRunner executes one pipeline phase.
type PhaseRunner interface {
	RunPhase(ctx context.Context, phase models.Phase) (models.RunCounters, error)
}

// ConfigSource provides the orchestration configuration.
type ConfigSource interface {
	Get(ctx context.Context) (models.OrchestrationConfig, error)
}

// Request asks for one run of the given phases.
type Request struct {
	Phases      []models.Phase
	RequestedBy string
	// RequestID is optional. Enqueueing an id that already exists returns it
	// without creating a second run.
	RequestID string
}

type Queue struct {
	store   RunStore
	runner  PhaseRunner
	configs ConfigSource
	metrics *observability.Metrics
	now     func() time.Time

	// slot is the run lock. A run holds it from Running until it finishes.
	slot chan struct{}
	wake chan struct{}
	// claimRetry is how long a run waits when another worker holds the slot.
	claimRetry time.Duration
	startedAt  time.Time

	// writeMu orders run row writes. Each write snapshots the run while
	// holding it, so the last write carries the newest state.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending []string
	live    map[string]*models.OrchestrationRun
	cancels map[string]context.CancelFunc
	current string
	recent  []models.OrchestrationRun
}

func New(store RunStore, runner PhaseRunner, configs ConfigSource, metrics *observability.Metrics) *Queue {
	return &Queue{
		store:      store,
		runner:     runner,
		configs:    configs,
		metrics:    metrics,
		now:        time.Now,
		slot:       make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
		claimRetry: defaultClaimRetry,
		live:       make(map[string]*models.OrchestrationRun),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Enqueue persists a Queued run and schedules it behind any earlier requests.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	phases := models.OrderPhases(req.Phases)
	if len(phases) == 0 {
		return "", ErrNoPhases
	}

	id := req.RequestID
	if id != "" {
		existing, err := q.GetStatus(ctx, id)
		if err == nil && existing != nil {
			return id, nil
		}
		if err != nil && !errors.Is(err, ErrRunNotFound) {
			return "", err
		}
	} else {
		id = uuid.NewString()
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = "unknown"
	}
	run := &models.OrchestrationRun{
		ID:          id,
		RequestedBy: requestedBy,
		Phases:      models.JoinPhases(phases),
		Status:      models.RunQueued,
		RequestedAt: q.now().UTC(),
	}
	if err := q.store.Create(ctx, run); err != nil {
		return "", fmt.Errorf("failed to enqueue orchestration run: %w", err)
	}

	q.mu.Lock()
	q.live[id] = run
	q.pending = append(q.pending, id)
	depth := len(q.pending)
	q.mu.Unlock()

	log.Printf("Queued orchestration run %s (%s) requested by %s, %d waiting", id, run.Phases, requestedBy, depth)
	q.signal()
	return id, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// GetStatus returns a snapshot of the run, live or historical. A stored run
// left Running past the maximum run duration is reconciled first.
func (q *Queue) GetStatus(ctx context.Context, id string) (*models.OrchestrationRun, error) {
	if snapshot, ok := q.snapshot(id); ok {
		return &snapshot, nil
	}

	run, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	if !q.isStale(ctx, run) {
		return run, nil
	}

	if _, err := q.ReconcileStale(ctx); err != nil {
		log.Printf("Warning: stale run reconciliation failed: %v", err)
		return run, nil
	}
	if reconciled, err := q.store.Get(ctx, id); err == nil && reconciled != nil {
		run = reconciled
	}
	return run, nil
}

// snapshot copies a run this process knows about.
func (q *Queue) snapshot(id string) (models.OrchestrationRun, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if run, ok := q.live[id]; ok {
		return *run, true
	}
	for i := range q.recent {
		if q.recent[i].ID == id {
			return q.recent[i], true
		}
	}
	return models.OrchestrationRun{}, false
}

// isStale reports whether a stored run has been Running longer than the
// maximum run duration.
func (q *Queue) isStale(ctx context.Context, run *models.OrchestrationRun) bool {
	if run.Status != models.RunRunning || run.CompletedAt != nil || run.StartedAt == nil {
		return false
	}
	cfg, err := q.configs.Get(ctx)
	if err != nil {
		return false
	}
	return run.StartedAt.Before(q.now().UTC().Add(-cfg.MaxRunDuration()))
}

// GetCurrentRun returns the run holding the slot, or nil when idle.
func (q *Queue) GetCurrentRun() *models.OrchestrationRun {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == "" {
		return nil
	}
	snapshot := *q.live[q.current]
	return &snapshot
}

// IsBusy reports whether a run is running or waiting.
func (q *Queue) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != "" || len(q.pending) > 0
}

// GetRecentRuns reconciles stale runs and returns the n most recent runs.
// When the store cannot be read it falls back to the runs this process has
// seen.
func (q *Queue) GetRecentRuns(ctx context.Context, n int) ([]models.OrchestrationRun, error) {
	if _, err := q.ReconcileStale(ctx); err != nil {
		log.Printf("Warning: stale run reconciliation failed: %v", err)
	}

	runs, err := q.store.ListRecent(ctx, n)
	if err == nil {
		q.mu.Lock()
		for i := range runs {
			if live, ok := q.live[runs[i].ID]; ok {
				runs[i] = *live
			}
		}
		q.mu.Unlock()
		return runs, nil
	}
	log.Printf("Warning: failed to read run history, using in-memory history: %v", err)

	q.mu.Lock()
	runs = make([]models.OrchestrationRun, 0, len(q.live)+len(q.recent))
	for _, run := range q.live {
		runs = append(runs, *run)
	}
	runs = append(runs, q.recent...)
	q.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].RequestedAt.After(runs[j].RequestedAt) })
	if n >= 0 && len(runs) > n {
		runs = runs[:n]
	}
	return runs, nil
}

// CancelRequest asks a run to stop. A queued run is cancelled at once. A
// running run moves to Cancelling and stops at the next item or phase
// boundary; in-flight vendor calls finish first. It reports false when the
// run has already finished or belongs to no live worker.
func (q *Queue) CancelRequest(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	run, ok := q.live[id]
	if !ok {
		q.mu.Unlock()
		stored, err := q.GetStatus(ctx, id)
		if err != nil {
			return false, err
		}
		log.Printf("Cannot cancel run %s in status %s: not owned by this worker", id, stored.Status)
		return false, nil
	}

	var next models.RunStatus
	switch run.Status {
	case models.RunQueued:
		next = models.RunCancelled
	case models.RunRunning:
		next = models.RunCancelling
	case models.RunCancelling:
		q.mu.Unlock()
		return true, nil
	default:
		q.mu.Unlock()
		return false, nil
	}
	if err := run.Transition(next); err != nil {
		q.mu.Unlock()
		return false, err
	}
	if next == models.RunCancelled {
		q.removePending(id)
		now := q.now().UTC()
		run.CompletedAt = &now
		run.ErrorMessage = strPtr(cancelledMessage)
		q.retire(id)
	} else if cancel := q.cancels[id]; cancel != nil {
		cancel()
	}
	q.mu.Unlock()

	log.Printf("Cancellation requested for run %s (%s)", id, next)
	q.save(ctx, id)
	if next == models.RunCancelled {
		q.metrics.RecordRun(ctx, string(next))
	}
	return true, nil
}

// ReconcileStale fails runs left Running past the maximum run duration. The
// run this process is executing is never touched.
func (q *Queue) ReconcileStale(ctx context.Context) (int64, error) {
	cfg, err := q.configs.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load configuration: %w", err)
	}
	cutoff := q.now().UTC().Add(-cfg.MaxRunDuration())

	q.mu.Lock()
	var exclude []string
	if q.current != "" {
		exclude = append(exclude, q.current)
	}
	q.mu.Unlock()

	n, err := q.store.FailStale(ctx, cutoff, exclude, staleRunMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("Marked %d stale orchestration run(s) as failed", n)
	}
	return n, nil
}

// Start recovers runs orphaned by a previous process and then consumes the
// queue until ctx is done.
func (q *Queue) Start(ctx context.Context) error {
	log.Println("Starting orchestration run queue...")

	q.startedAt = q.now().UTC()
	if err := q.recoverOrphans(ctx); err != nil {
		log.Printf("Warning: failed to recover orphaned runs on startup: %v", err)
	}
	return q.Run(ctx)
}

// Run consumes the queue until ctx is done. Unlike Start it leaves rows of
// other processes alone, so it is safe next to a running server. The run in
// progress at shutdown is cancelled and recorded as such.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if id, ok := q.next(); ok {
			if q.execute(ctx, id) {
				continue
			}
			// another worker holds the slot; free it if that worker is gone
			if _, err := q.ReconcileStale(ctx); err != nil {
				log.Printf("Warning: stale run reconciliation failed: %v", err)
			}
			timer := time.NewTimer(q.claimRetry)
			select {
			case <-ctx.Done():
				timer.Stop()
				return q.shutdown(ctx)
			case <-timer.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return q.shutdown(ctx)
		case <-q.wake:
		}
	}
}

func (q *Queue) shutdown(ctx context.Context) error {
	log.Println("Run queue shutting down...")
	q.cancelPending(context.WithoutCancel(ctx))
	return ctx.Err()
}

// recoverOrphans closes Queued and Cancelling rows requested before this
// process started and not owned by it. Running rows are left to stale
// reconciliation.
func (q *Queue) recoverOrphans(ctx context.Context) error {
	active, err := q.store.ListActive(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	owned := make(map[string]bool, len(q.live))
	for id := range q.live {
		owned[id] = true
	}
	q.mu.Unlock()

	now := q.now().UTC()
	for i := range active {
		run := active[i]
		if owned[run.ID] || !run.RequestedAt.Before(q.startedAt) {
			continue
		}
		var message string
		switch run.Status {
		case models.RunQueued:
			message = orphanedRunMessage
			err = run.Transition(models.RunFailed)
		case models.RunCancelling:
			message = cancelledMessage
			err = run.Transition(models.RunCancelled)
		default:
			continue
		}
		if err != nil {
			return err
		}
		run.ErrorMessage = strPtr(message)
		run.CompletedAt = &now
		if err := q.store.Save(ctx, &run); err != nil {
			if errors.Is(err, repository.ErrRunFinished) {
				continue
			}
			return err
		}
		log.Printf("Closed orphaned run %s as %s", run.ID, run.Status)
	}
	return nil
}

func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	return id, true
}

// requeue puts a run that could not claim the slot back at the head of the
// line.
func (q *Queue) requeue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if run, ok := q.live[id]; ok && run.Status == models.RunQueued {
		q.pending = append([]string{id}, q.pending...)
	}
}

// execute runs one queued run. It returns false when another worker holds
// the run slot and the run went back to the head of the line.
func (q *Queue) execute(parent context.Context, id string) bool {
	q.slot <- struct{}{}
	defer func() { <-q.slot }()

	runCtx, cancel := context.WithCancel(parent)
	defer cancel()
	// the run row is persisted even after shutdown begins
	storeCtx := context.WithoutCancel(parent)

	run, err := q.claim(storeCtx, id, cancel)
	switch {
	case errors.Is(err, repository.ErrRunSlotTaken):
		log.Printf("Run %s is waiting: another worker holds the run slot", id)
		q.requeue(id)
		return false
	case err != nil:
		q.abandon(storeCtx, id, err)
		return true
	case run == nil:
		return true
	}

	log.Printf("Starting orchestration run %s (%s)", id, run.Phases)
	err = q.runPhases(service.WithRunID(runCtx, id), run)

	q.mu.Lock()
	run.CurrentPhase = nil
	var next models.RunStatus
	switch {
	case run.Status == models.RunCancelling || (err != nil && errors.Is(err, context.Canceled)):
		next = models.RunCancelled
		run.ErrorMessage = strPtr(cancelledMessage)
	case err != nil:
		next = models.RunFailed
		run.ErrorMessage = strPtr(err.Error())
	default:
		next = models.RunCompleted
	}
	if terr := run.Transition(next); terr != nil {
		log.Printf("Warning: run %s: %v", id, terr)
	}
	finished := q.now().UTC()
	run.CompletedAt = &finished
	status := run.Status
	delete(q.cancels, id)
	q.current = ""
	q.retire(id)
	q.mu.Unlock()

	q.save(storeCtx, id)
	q.metrics.RecordRun(storeCtx, string(status))
	if err != nil && status == models.RunFailed {
		log.Printf("Orchestration run %s failed: %v", id, err)
		return true
	}
	log.Printf("Orchestration run %s finished as %s", id, status)
	return true
}

// claim moves a queued run to Running, first in the store and then in
// memory. It returns nil when the run was cancelled before it could start.
func (q *Queue) claim(ctx context.Context, id string, cancel context.CancelFunc) (*models.OrchestrationRun, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	q.mu.Lock()
	run, ok := q.live[id]
	if !ok || run.Status != models.RunQueued {
		q.mu.Unlock()
		return nil, nil
	}
	claimed := *run
	q.mu.Unlock()

	if err := claimed.Transition(models.RunRunning); err != nil {
		return nil, err
	}
	now := q.now().UTC()
	claimed.StartedAt = &now
	if err := q.store.Save(ctx, &claimed); err != nil {
		if errors.Is(err, repository.ErrRunSlotTaken) || errors.Is(err, repository.ErrRunFinished) {
			return nil, err
		}
		log.Printf("Warning: failed to persist run %s: %v", id, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// a cancel that raced the store write has already retired the run and
	// its own write follows this one
	if run.Status != models.RunQueued {
		return nil, nil
	}
	if err := run.Transition(models.RunRunning); err != nil {
		return nil, err
	}
	run.StartedAt = &now
	q.current = id
	q.cancels[id] = cancel
	return run, nil
}

// abandon drops a run the store refused to start, keeping whatever the store
// recorded for it.
func (q *Queue) abandon(ctx context.Context, id string, cause error) {
	stored, err := q.store.Get(ctx, id)

	q.mu.Lock()
	defer q.mu.Unlock()
	run, ok := q.live[id]
	if !ok {
		return
	}
	switch {
	case err == nil && stored != nil:
		*run = *stored
	case run.Transition(models.RunFailed) == nil:
		now := q.now().UTC()
		run.CompletedAt = &now
		run.ErrorMessage = strPtr(abandonedMessage)
	}
	q.retire(id)
	log.Printf("Skipping run %s (%s): %v", id, run.Status, cause)
}

// runPhases runs each phase in order. A panic inside a phase fails the run
// instead of the worker.
func (q *Queue) runPhases(ctx context.Context, run *models.OrchestrationRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during orchestration run: %v", r)
		}
	}()

	storeCtx := context.WithoutCancel(ctx)
	for _, phase := range run.PhaseList() {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		run.CurrentPhase = strPtr(string(phase))
		q.mu.Unlock()
		q.save(storeCtx, run.ID)

		counters, err := q.runner.RunPhase(ctx, phase)

		q.mu.Lock()
		run.Counters.Add(counters)
		q.mu.Unlock()
		q.save(storeCtx, run.ID)

		if err != nil {
			return fmt.Errorf("phase %s: %w", phase, err)
		}
	}
	return nil
}

// persist writes the newest known state of a run.
func (q *Queue) persist(ctx context.Context, id string) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	snapshot, ok := q.snapshot(id)
	if !ok {
		return nil
	}
	return q.store.Save(ctx, &snapshot)
}

func (q *Queue) save(ctx context.Context, id string) {
	if err := q.persist(ctx, id); err != nil {
		log.Printf("Warning: failed to persist run %s: %v", id, err)
	}
}

// cancelPending records every still-queued run as cancelled at shutdown.
func (q *Queue) cancelPending(ctx context.Context) {
	q.mu.Lock()
	ids := q.pending
	q.pending = nil
	var cancelled []string
	now := q.now().UTC()
	for _, id := range ids {
		run, ok := q.live[id]
		if !ok || run.Transition(models.RunCancelled) != nil {
			continue
		}
		run.CompletedAt = &now
		run.ErrorMessage = strPtr(shutdownMessage)
		cancelled = append(cancelled, id)
		q.retire(id)
	}
	q.mu.Unlock()

	for _, id := range cancelled {
		q.save(ctx, id)
	}
}

// removePending drops id from the FIFO. Callers hold q.mu.
func (q *Queue) removePending(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// retire moves a finished run from the live set into the in-memory history.
// Callers hold q.mu.
func (q *Queue) retire(id string) {
	run, ok := q.live[id]
	if !ok {
		return
	}
	delete(q.live, id)
	q.recent = append([]models.OrchestrationRun{*run}, q.recent...)
	if len(q.recent) > recentLimit {
		q.recent = q.recent[:recentLimit]
	}
}

func strPtr(s string) *string { return &s }
