package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/adr-worker/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrRunFinished is returned when a write would move a stored run along a
	// transition its current status forbids, such as reopening a finished run.
	ErrRunFinished = errors.New("orchestration run is finished or missing")
	// ErrRunSlotTaken is returned when another run already holds the single
	// Running slot.
	ErrRunSlotTaken = errors.New("another orchestration run is already running")
)

// OrchestrationRunRepository is the durable run history store.
type OrchestrationRunRepository struct {
	db *gorm.DB
}

func NewOrchestrationRunRepository(db *gorm.DB) *OrchestrationRunRepository {
	return &OrchestrationRunRepository{db: db}
}

// Create inserts a run row
func (r *OrchestrationRunRepository) Create(ctx context.Context, run *models.OrchestrationRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create orchestration run: %w", err)
	}
	return nil
}

// Save writes every field of a run, provided the stored status may move to
// run.Status. At most one row may be Running at a time.
func (r *OrchestrationRunRepository) Save(ctx context.Context, run *models.OrchestrationRun) error {
	result := r.db.WithContext(ctx).Model(run).
		Where("status IN ?", models.StatusesReaching(run.Status)).
		Select("*").
		Updates(run)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrRunSlotTaken
		}
		return fmt.Errorf("failed to save orchestration run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrRunFinished, run.ID, run.Status)
	}
	return nil
}

// Get returns a run, or nil when it does not exist.
func (r *OrchestrationRunRepository) Get(ctx context.Context, id string) (*models.OrchestrationRun, error) {
	var run models.OrchestrationRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get orchestration run: %w", err)
	}
	return &run, nil
}

// ListRecent returns the n most recently requested runs.
func (r *OrchestrationRunRepository) ListRecent(ctx context.Context, n int) ([]models.OrchestrationRun, error) {
	var runs []models.OrchestrationRun
	if err := r.db.WithContext(ctx).
		Order("requested_at DESC").
		Limit(n).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list orchestration runs: %w", err)
	}
	return runs, nil
}

// ListActive returns runs that are queued, running or cancelling.
func (r *OrchestrationRunRepository) ListActive(ctx context.Context) ([]models.OrchestrationRun, error) {
	var runs []models.OrchestrationRun
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []models.RunStatus{models.RunQueued, models.RunRunning, models.RunCancelling}).
		Order("requested_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list active orchestration runs: %w", err)
	}
	return runs, nil
}

// FailStale marks runs still Running that started before cutoff and never
// completed as Failed. Runs listed in exclude are left alone.
func (r *OrchestrationRunRepository) FailStale(ctx context.Context, cutoff time.Time, exclude []string, message string) (int64, error) {
	now := time.Now().UTC()
	q := r.db.WithContext(ctx).Model(&models.OrchestrationRun{}).
		Where("status = ?", models.RunRunning).
		Where("completed_at IS NULL").
		Where("started_at < ?", cutoff)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	result := q.Updates(map[string]interface{}{
		"status":        models.RunFailed,
		"error_message": message,
		"completed_at":  now,
		"updated_at":    now,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reconcile stale runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
