package service

import (
	"context"
	"fmt"
	"log"

	"github.com/vipul43/adr-worker/internal/adrapi"
	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/repository"
)

var scrapedStatuses = []models.JobStatus{models.JobScrapeRequested, models.JobStatusCheckInProgress}

// CheckPendingStatuses polls the vendor for automated jobs whose scrape was
// requested at least FinalStatusCheckDelayDays ago and that were not polled
// within the last DailyStatusCheckDelayDays.
func (o *Orchestrator) CheckPendingStatuses(ctx context.Context) (models.RunCounters, error) {
	cfg, err := o.configRepo.Get(ctx)
	if err != nil {
		return models.RunCounters{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	now := o.now().UTC()
	scrapedBy := now.AddDate(0, 0, -cfg.FinalStatusCheckDelayDays)
	checkedBy := now.AddDate(0, 0, -cfg.DailyStatusCheckDelayDays)
	jobs, err := o.jobRepo.List(ctx, repository.JobFilter{
		Statuses:   scrapedStatuses,
		ScrapedBy:  &scrapedBy,
		CheckedBy:  &checkedBy,
		RetryDueBy: &now,
		Limit:      cfg.BatchSize,
	})
	if err != nil {
		return models.RunCounters{}, err
	}
	return o.checkStatuses(ctx, models.PhaseCheckStatuses, jobs, cfg)
}

// CheckAllScrapedStatuses polls every scraped job, manual ones included,
// regardless of timing. Polling has no side effects on the vendor.
func (o *Orchestrator) CheckAllScrapedStatuses(ctx context.Context) (models.RunCounters, error) {
	cfg, err := o.configRepo.Get(ctx)
	if err != nil {
		return models.RunCounters{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	jobs, err := o.jobRepo.List(ctx, repository.JobFilter{
		Statuses:      scrapedStatuses,
		IncludeManual: true,
		Limit:         cfg.BatchSize,
	})
	if err != nil {
		return models.RunCounters{}, err
	}
	return o.checkStatuses(ctx, models.PhaseCheckAllStatuses, jobs, cfg)
}

func (o *Orchestrator) checkStatuses(ctx context.Context, phase models.Phase, jobs []models.Job, cfg models.OrchestrationConfig) (models.RunCounters, error) {
	if len(jobs) == 0 {
		return models.RunCounters{}, nil
	}
	log.Printf("Found %d job(s) to check status for", len(jobs))

	return o.forEachJob(ctx, phase, jobs, cfg.MaxParallelRequests, true,
		func(ctx context.Context, job *models.Job) (outcome, error) {
			return o.checkStatus(ctx, job, cfg)
		})
}

func (o *Orchestrator) checkStatus(ctx context.Context, job *models.Job, cfg models.OrchestrationConfig) (outcome, error) {
	if job.Status != models.JobStatusCheckInProgress {
		if err := o.jobRepo.UpdateState(ctx, job, map[string]interface{}{
			"status": models.JobStatusCheckInProgress,
		}); err != nil {
			return outcomeError, err
		}
	}

	res, callErr := o.call(ctx, job, models.RequestStatusCheck, func(ctx context.Context) (*adrapi.Result, error) {
		return o.client.GetRequestStatusByJobID(ctx, job.ID)
	}, func(res *adrapi.Result) bool {
		return res.Response.Outcome() != adrapi.OutcomeError
	})

	now := o.now().UTC()
	if callErr != nil {
		return o.retryOrEscalate(ctx, job, cfg, models.JobScrapeRequested, callErr.Error(), map[string]interface{}{
			"last_status_check_at": now,
		})
	}

	updates := responseFields(res)
	updates["last_status_check_at"] = now
	switch res.Response.Outcome() {
	case adrapi.OutcomeSucceeded:
		updates["status"] = models.JobCompleted
		updates["completed_at"] = now
		updates["error_message"] = nil
		updates["next_retry_at"] = nil
		if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
			return outcomeError, err
		}
		return outcomeCompleted, nil
	case adrapi.OutcomeFailed:
		updates["status"] = models.JobFailed
		updates["completed_at"] = now
		updates["error_message"] = res.Response.Description()
		updates["next_retry_at"] = nil
		if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
			return outcomeError, err
		}
		return outcomeFailed, nil
	case adrapi.OutcomeError:
		return o.retryOrEscalate(ctx, job, cfg, models.JobScrapeRequested, res.Response.Description(), updates)
	}

	// Not final yet, or not understood: poll again later.
	updates["status"] = models.JobScrapeRequested
	updates["next_retry_at"] = nil
	if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
		return outcomeError, err
	}
	return outcomeInProgress, nil
}
