package watcher

import (
	"context"
	"log"
	"time"

	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/runqueue"
)

// BackgroundRequester is recorded as the requester of runs started by the watcher.
const BackgroundRequester = "background"

// RunQueue is the part of the run queue the watcher drives.
type RunQueue interface {
	Enqueue(ctx context.Context, req runqueue.Request) (string, error)
	IsBusy() bool
	ReconcileStale(ctx context.Context) (int64, error)
}

// ConfigSource provides the orchestration configuration.
type ConfigSource interface {
	Get(ctx context.Context) (models.OrchestrationConfig, error)
}

type Watcher struct {
	queue         RunQueue
	configs       ConfigSource
	pollInterval  time.Duration
	sweepInterval time.Duration
}

func New(queue RunQueue, configs ConfigSource, pollInterval, sweepInterval time.Duration) *Watcher {
	return &Watcher{
		queue:         queue,
		configs:       configs,
		pollInterval:  pollInterval,
		sweepInterval: sweepInterval,
	}
}

// Start enqueues a background full cycle every poll interval and sweeps stale
// runs every sweep interval until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	log.Printf("Starting watcher (poll every %s, stale sweep every %s)...", w.pollInterval, w.sweepInterval)

	// Close out runs orphaned by a previous process
	w.sweep(ctx)

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Watcher shutting down...")
			return ctx.Err()
		case <-poll.C:
			if _, err := w.trigger(ctx); err != nil {
				log.Printf("Error triggering background run: %v", err)
			}
		case <-sweep.C:
			w.sweep(ctx)
		}
	}
}

// trigger enqueues a full cycle unless orchestration is disabled or a run is
// already queued or running. It returns the new run id, or "" when skipped.
func (w *Watcher) trigger(ctx context.Context) (string, error) {
	cfg, err := w.configs.Get(ctx)
	if err != nil {
		return "", err
	}
	if !cfg.IsOrchestrationEnabled {
		log.Println("Orchestration is disabled, skipping background run")
		return "", nil
	}
	if w.queue.IsBusy() {
		log.Println("A run is already queued or running, skipping background run")
		return "", nil
	}
	return w.queue.Enqueue(ctx, runqueue.Request{
		Phases:      []models.Phase{models.PhaseFullCycle},
		RequestedBy: BackgroundRequester,
	})
}

func (w *Watcher) sweep(ctx context.Context) {
	if _, err := w.queue.ReconcileStale(ctx); err != nil {
		log.Printf("Warning: stale run sweep failed: %v", err)
	}
}
