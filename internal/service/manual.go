package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/repository"
)

var (
	// ErrJobExists is returned when a manual request hits a job that is already past dispatch.
	ErrJobExists = errors.New("job already exists for this billing period")
	// ErrJobNotRefirable is returned when refiring a job that is still in flight or cancelled.
	ErrJobNotRefirable = errors.New("job cannot be refired in its current status")
	// ErrAccountNotSchedulable is returned when an account has no next run date.
	ErrAccountNotSchedulable = errors.New("account has no next run date")
	// ErrNoCredential is returned when an account has no credential to scrape with.
	ErrNoCredential = errors.New("account has no credential")
)

// RefireResult is the outcome of refiring one job.
type RefireResult struct {
	JobID            string
	Job              *models.Job
	PurgedExecutions int64
	Err              error
}

// Refire resets a finished or failed job to Pending, clearing its error,
// timestamps and retry count. With forceRefire the job's execution history is
// deleted too, so the idempotency guards no longer short-circuit the next
// attempt. A refire always wins over a concurrent pipeline write.
func (o *Orchestrator) Refire(ctx context.Context, jobID string, forceRefire bool) (*RefireResult, error) {
	job, err := o.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !refirable(job.Status) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotRefirable, job.Status)
	}

	refired, purged, err := o.jobRepo.Refire(ctx, jobID, forceRefire)
	if err != nil {
		return nil, err
	}
	log.Printf("Refired job %s from %s (purged %d execution(s))", jobID, job.Status, purged)
	return &RefireResult{JobID: jobID, Job: refired, PurgedExecutions: purged}, nil
}

// RefireMany refires each job independently; one failure does not stop the rest.
func (o *Orchestrator) RefireMany(ctx context.Context, jobIDs []string, forceRefire bool) []RefireResult {
	results := make([]RefireResult, 0, len(jobIDs))
	for _, id := range jobIDs {
		res, err := o.Refire(ctx, id, forceRefire)
		if err != nil {
			results = append(results, RefireResult{JobID: id, Err: err})
			continue
		}
		results = append(results, *res)
	}
	return results
}

func refirable(status models.JobStatus) bool {
	switch status {
	case models.JobCompleted, models.JobFailed, models.JobNeedsReview, models.JobCredentialFailed:
		return true
	}
	return false
}

// ManualScrape dispatches a high-priority download for the account's current
// period right away. It reuses the period's job when that job has not been
// dispatched yet and creates a manual job otherwise. Manual jobs are left out
// of automated credential checks and dispatch, so a manual job whose request
// fails transiently goes to NeedsReview instead of waiting for a retry that
// would never come. Blacklist entries only suppress automated retrieval, so
// they do not block a manual request.
func (o *Orchestrator) ManualScrape(ctx context.Context, accountID, requestedBy string) (*models.Job, error) {
	cfg, err := o.configRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	account, err := o.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.NextRunDate == nil {
		return nil, ErrAccountNotSchedulable
	}
	if account.CredentialID == nil {
		return nil, ErrNoCredential
	}

	job, err := o.jobRepo.FindActiveForPeriod(ctx, account.ID, *account.NextRunDate)
	if err != nil {
		return nil, err
	}
	if job == nil {
		created := newJobForPeriod(account, cfg)
		created.IsManualRequest = true
		created.RequestedBy = &requestedBy
		if err := o.jobRepo.Create(ctx, &created); err != nil {
			return nil, err
		}
		job = &created
	} else if job.Status != models.JobPending && job.Status != models.JobCredentialVerified {
		return job, fmt.Errorf("%w (job %s is %s)", ErrJobExists, job.ID, job.Status)
	}

	log.Printf("Manual scrape requested by %s for account %s (job %s)", requestedBy, account.ExternalAccountID, job.ID)

	out, err := o.requestDownload(context.WithoutCancel(ctx), job, account, cfg, true)
	if err != nil {
		return nil, err
	}
	if out == outcomeRetry && job.IsManualRequest {
		if err := o.jobRepo.UpdateState(context.WithoutCancel(ctx), job, map[string]interface{}{
			"status":        models.JobNeedsReview,
			"next_retry_at": nil,
		}); err != nil {
			return nil, err
		}
		log.Printf("Manual job %s could not be dispatched and needs review", job.ID)
		out = outcomeNeedsReview
	}
	if out == outcomeNeedsReview {
		o.notifyEscalated(context.WithoutCancel(ctx), []models.Job{*job})
	}

	refreshed, err := o.jobRepo.GetByID(ctx, job.ID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return job, nil
		}
		return nil, err
	}
	return refreshed, nil
}
