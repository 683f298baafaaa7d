package runqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/repository"
)

// RunStore persists orchestration run history. Get returns nil, nil for an
// unknown id. Save rejects writes the stored status cannot transition to
// with repository.ErrRunFinished, and a second Running row with
// repository.ErrRunSlotTaken.
type RunStore interface {
	Create(ctx context.Context, run *models.OrchestrationRun) error
	Save(ctx context.Context, run *models.OrchestrationRun) error
	Get(ctx context.Context, id string) (*models.OrchestrationRun, error)
	ListRecent(ctx context.Context, n int) ([]models.OrchestrationRun, error)
	ListActive(ctx context.Context) ([]models.OrchestrationRun, error)
	FailStale(ctx context.Context, cutoff time.Time, exclude []string, message string) (int64, error)
}

var _ RunStore = (*repository.OrchestrationRunRepository)(nil)

// MemoryStore is a RunStore that keeps runs in process memory. History is
// lost on restart. Save enforces the same write rules as the database.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]models.OrchestrationRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]models.OrchestrationRun)}
}

func (s *MemoryStore) Create(ctx context.Context, run *models.OrchestrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = *run
	return nil
}

func (s *MemoryStore) Save(ctx context.Context, run *models.OrchestrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[run.ID]
	if !ok || !stored.Status.CanTransitionTo(run.Status) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrRunFinished, run.ID, run.Status)
	}
	if run.Status == models.RunRunning {
		for id, other := range s.runs {
			if id != run.ID && other.Status == models.RunRunning {
				return repository.ErrRunSlotTaken
			}
		}
	}
	run.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = *run
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.OrchestrationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, n int) ([]models.OrchestrationRun, error) {
	s.mu.RLock()
	runs := make([]models.OrchestrationRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].RequestedAt.After(runs[j].RequestedAt) })
	if n >= 0 && len(runs) > n {
		runs = runs[:n]
	}
	return runs, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]models.OrchestrationRun, error) {
	s.mu.RLock()
	var runs []models.OrchestrationRun
	for _, run := range s.runs {
		if run.Status.IsActive() {
			runs = append(runs, run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].RequestedAt.Before(runs[j].RequestedAt) })
	return runs, nil
}

func (s *MemoryStore) FailStale(ctx context.Context, cutoff time.Time, exclude []string, message string) (int64, error) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for id, run := range s.runs {
		if skip[id] || run.Status != models.RunRunning || run.CompletedAt != nil {
			continue
		}
		if run.StartedAt == nil || !run.StartedAt.Before(cutoff) {
			continue
		}
		run.Status = models.RunFailed
		run.ErrorMessage = &message
		run.CompletedAt = &now
		run.UpdatedAt = now
		s.runs[id] = run
		n++
	}
	return n, nil
}
