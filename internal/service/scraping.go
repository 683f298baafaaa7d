package service

import (
	"context"
	"fmt"
	"log"

	"github.com/vipul43/adr-worker/internal/adrapi"
	"github.com/vipul43/adr-worker/internal/billing"
	"github.com/vipul43/adr-worker/internal/blacklist"
	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/repository"
)

// ProcessScraping dispatches the download request for every CredentialVerified
// job that is not blacklisted and has no retry pending.
func (o *Orchestrator) ProcessScraping(ctx context.Context) (models.RunCounters, error) {
	cfg, err := o.configRepo.Get(ctx)
	if err != nil {
		return models.RunCounters{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	now := o.now().UTC()
	jobs, err := o.jobRepo.List(ctx, repository.JobFilter{
		Statuses:   []models.JobStatus{models.JobCredentialVerified},
		RetryDueBy: &now,
		Limit:      cfg.BatchSize,
	})
	if err != nil {
		return models.RunCounters{}, err
	}
	if len(jobs) == 0 {
		return models.RunCounters{}, nil
	}

	accounts, err := o.loadAccounts(ctx, jobs)
	if err != nil {
		return models.RunCounters{}, err
	}
	entries, err := o.blacklistRepo.ListActive(ctx)
	if err != nil {
		return models.RunCounters{}, err
	}
	matcher := blacklist.NewMatcher(entries, billing.DateOf(now))

	log.Printf("Found %d job(s) ready for scraping", len(jobs))

	return o.forEachJob(ctx, models.PhaseProcessScraping, jobs, cfg.MaxParallelRequests, false,
		func(ctx context.Context, job *models.Job) (outcome, error) {
			account := accounts[job.AccountID]
			if account == nil || !account.IsActive {
				return outcomeSkipped, nil
			}
			if matcher.IsExcluded(blacklist.SubjectFor(account)) {
				log.Printf("Job %s is blacklisted, not dispatching", job.ID)
				return outcomeSkipped, nil
			}
			return o.requestDownload(ctx, job, account, cfg, job.IsManualRequest)
		})
}

// requestDownload sends the download request for job. A download already
// accepted for the job is adopted instead of being sent twice.
func (o *Orchestrator) requestDownload(ctx context.Context, job *models.Job, account *models.Account, cfg models.OrchestrationConfig, highPriority bool) (outcome, error) {
	requested, err := o.executionRepo.HasSuccessful(ctx, job.ID, models.RequestDownload)
	if err != nil {
		return outcomeError, err
	}
	if requested {
		updates := map[string]interface{}{"status": models.JobScrapeRequested}
		if job.ScrapeRequestedAt == nil {
			updates["scrape_requested_at"] = o.now().UTC()
		}
		if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
			return outcomeError, err
		}
		return outcomeScrapeRequested, nil
	}

	req := o.buildRequest(job, account, models.RequestDownload, highPriority)
	res, callErr := o.call(ctx, job, models.RequestDownload, func(ctx context.Context) (*adrapi.Result, error) {
		return o.client.IngestRequest(ctx, req)
	}, downloadAccepted)
	if callErr != nil {
		return o.retryOrEscalate(ctx, job, cfg, job.Status, callErr.Error(), nil)
	}

	now := o.now().UTC()
	updates := responseFields(res)
	switch res.Response.Outcome() {
	case adrapi.OutcomeFailed:
		updates["status"] = models.JobFailed
		updates["error_message"] = res.Response.Description()
		updates["completed_at"] = now
		updates["next_retry_at"] = nil
		if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
			return outcomeError, err
		}
		return outcomeFailed, nil
	case adrapi.OutcomeError:
		return o.retryOrEscalate(ctx, job, cfg, job.Status, res.Response.Description(), updates)
	case adrapi.OutcomeSucceeded:
		updates["status"] = models.JobCompleted
		updates["scrape_requested_at"] = now
		updates["completed_at"] = now
		updates["error_message"] = nil
		updates["next_retry_at"] = nil
		if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
			return outcomeError, err
		}
		return outcomeCompleted, nil
	}

	updates["status"] = models.JobScrapeRequested
	updates["scrape_requested_at"] = now
	updates["error_message"] = nil
	updates["next_retry_at"] = nil
	updates["retry_count"] = 0
	if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
		return outcomeError, err
	}
	job.ScrapeRequestedAt = &now
	return outcomeScrapeRequested, nil
}

// downloadAccepted reports whether the vendor took the download request.
func downloadAccepted(res *adrapi.Result) bool {
	switch res.Response.Outcome() {
	case adrapi.OutcomeFailed, adrapi.OutcomeError:
		return false
	}
	return true
}
