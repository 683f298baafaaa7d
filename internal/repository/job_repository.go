package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/adr-worker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrConcurrentUpdate is returned when a job row changed since it was read.
	ErrConcurrentUpdate = errors.New("job was modified concurrently")
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	result := r.db.WithContext(ctx).First(&job, "id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", result.Error)
	}
	return &job, nil
}

// FindActiveForPeriod returns the non-cancelled job of an account for the
// billing period ending on periodEnd, or nil when there is none.
func (r *JobRepository) FindActiveForPeriod(ctx context.Context, accountID string, periodEnd time.Time) (*models.Job, error) {
	var jobs []models.Job
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND billing_period_end = ?", accountID, periodEnd).
		Where("status <> ?", models.JobCancelled).
		Limit(1).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query jobs for period: %w", result.Error)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// Create inserts a single job
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// BulkCreate inserts jobs, silently skipping rows that collide with an
// existing job for the same account and period. Returns rows inserted.
func (r *JobRepository) BulkCreate(ctx context.Context, jobs []models.Job) (int64, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&jobs, 200)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to bulk create jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// JobFilter selects jobs for a phase. Nil time bounds are not applied.
type JobFilter struct {
	Statuses      []models.JobStatus
	IncludeManual bool
	// NextRunBy keeps jobs whose next run date is on or before it.
	NextRunBy *time.Time
	// RetryDueBy keeps jobs with no retry scheduled or a retry due by it.
	RetryDueBy *time.Time
	// ScheduledRetryBy keeps only jobs with a retry scheduled and due by it.
	ScheduledRetryBy *time.Time
	// ScrapedBy keeps jobs whose scrape was requested on or before it.
	ScrapedBy *time.Time
	// CheckedBy keeps jobs never polled or last polled on or before it.
	CheckedBy *time.Time
	Limit     int
}

// List returns jobs matching filter, least recently touched first.
func (r *JobRepository) List(ctx context.Context, filter JobFilter) ([]models.Job, error) {
	var jobs []models.Job
	q := r.db.WithContext(ctx).Order("updated_at ASC").Order("id ASC")
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if !filter.IncludeManual {
		q = q.Where("is_manual_request = ?", false)
	}
	if filter.NextRunBy != nil {
		q = q.Where("next_run_date <= ?", *filter.NextRunBy)
	}
	if filter.RetryDueBy != nil {
		q = q.Where("(next_retry_at IS NULL OR next_retry_at <= ?)", *filter.RetryDueBy)
	}
	if filter.ScheduledRetryBy != nil {
		q = q.Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", *filter.ScheduledRetryBy)
	}
	if filter.ScrapedBy != nil {
		q = q.Where("(scrape_requested_at IS NULL OR scrape_requested_at <= ?)", *filter.ScrapedBy)
	}
	if filter.CheckedBy != nil {
		q = q.Where("(last_status_check_at IS NULL OR last_status_check_at <= ?)", *filter.CheckedBy)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateState writes updates to a job only if its version still matches
// job.Version, then bumps the version. On success job.Version is advanced.
func (r *JobRepository) UpdateState(ctx context.Context, job *models.Job, updates map[string]interface{}) error {
	if status, ok := updates["status"].(models.JobStatus); ok {
		if err := job.Status.Transition(status); err != nil {
			return err
		}
	}
	updates["version"] = job.Version + 1
	updates["updated_at"] = time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	job.Version++
	if status, ok := updates["status"].(models.JobStatus); ok {
		job.Status = status
	}
	return nil
}

// Refire resets a job to Pending and clears its progress. When purge is set
// the job's execution history is deleted as well. Refire is a deliberate human
// override, so it wins over any concurrent pipeline write (last writer wins);
// the pipeline's next versioned write on the job then fails and is skipped.
func (r *JobRepository) Refire(ctx context.Context, jobID string, purge bool) (*models.Job, int64, error) {
	var job models.Job
	var purged int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}

		if purge {
			res := tx.Where("job_id = ?", jobID).Delete(&models.JobExecution{})
			if res.Error != nil {
				return res.Error
			}
			purged = res.RowsAffected
		}

		return tx.Model(&models.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"status":                 models.JobPending,
			"retry_count":            0,
			"next_retry_at":          nil,
			"error_message":          nil,
			"adr_status_id":          nil,
			"adr_status_description": nil,
			"credential_verified_at": nil,
			"scrape_requested_at":    nil,
			"last_status_check_at":   nil,
			"completed_at":           nil,
			"version":                job.Version + 1,
			"updated_at":             time.Now().UTC(),
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("failed to refire job: %w", err)
	}
	refired, err := r.GetByID(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	return refired, purged, nil
}

// CountByStatus returns the number of jobs in each status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	out := make(map[models.JobStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
