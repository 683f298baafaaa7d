package repository

import (
	"context"
	"fmt"

	"github.com/vipul43/adr-worker/internal/models"
	"gorm.io/gorm"
)

type JobExecutionRepository struct {
	db *gorm.DB
}

func NewJobExecutionRepository(db *gorm.DB) *JobExecutionRepository {
	return &JobExecutionRepository{db: db}
}

// Create records the start of an external call
func (r *JobExecutionRepository) Create(ctx context.Context, exec *models.JobExecution) error {
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("failed to create job execution: %w", err)
	}
	return nil
}

// Complete writes the outcome of an external call
func (r *JobExecutionRepository) Complete(ctx context.Context, exec *models.JobExecution) error {
	result := r.db.WithContext(ctx).Model(&models.JobExecution{}).
		Where("id = ?", exec.ID).
		Updates(map[string]interface{}{
			"completed_at":       exec.CompletedAt,
			"is_success":         exec.IsSuccess,
			"is_error":           exec.IsError,
			"is_final":           exec.IsFinal,
			"http_status_code":   exec.HTTPStatusCode,
			"adr_status_id":      exec.AdrStatusID,
			"status_description": exec.StatusDescription,
			"error_message":      exec.ErrorMessage,
			"raw_response":       exec.RawResponse,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete job execution: %w", result.Error)
	}
	return nil
}

// HasSuccessful reports whether a successful call of requestType is already on
// record for the job.
func (r *JobExecutionRepository) HasSuccessful(ctx context.Context, jobID string, requestType models.RequestType) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.JobExecution{}).
		Where("job_id = ? AND request_type = ? AND is_success = ?", jobID, requestType, true).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to query job executions: %w", result.Error)
	}
	return count > 0, nil
}

// ListByJobID returns a job's executions, oldest first
func (r *JobExecutionRepository) ListByJobID(ctx context.Context, jobID string) ([]models.JobExecution, error) {
	var execs []models.JobExecution
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("started_at ASC").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("failed to list job executions: %w", err)
	}
	return execs, nil
}
