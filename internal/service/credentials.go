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

// VerifyCredentials asks the vendor to check the credential of every job whose
// next run date is within the lead window. It picks up Pending jobs, jobs left
// in CredentialCheckRequested by a crash, jobs still in progress at the vendor
// and failed checks whose retry is due.
func (o *Orchestrator) VerifyCredentials(ctx context.Context) (models.RunCounters, error) {
	cfg, err := o.configRepo.Get(ctx)
	if err != nil {
		return models.RunCounters{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	now := o.now().UTC()
	leadBy := billing.DateOf(now).AddDate(0, 0, cfg.CredentialCheckLeadDays)

	jobs, err := o.jobRepo.List(ctx, repository.JobFilter{
		Statuses: []models.JobStatus{
			models.JobPending,
			models.JobCredentialCheckRequested,
			models.JobCredentialCheckInProgress,
		},
		NextRunBy: &leadBy,
		Limit:     cfg.BatchSize,
	})
	if err != nil {
		return models.RunCounters{}, err
	}
	if remaining := cfg.BatchSize - len(jobs); remaining > 0 {
		retries, err := o.jobRepo.List(ctx, repository.JobFilter{
			Statuses:         []models.JobStatus{models.JobCredentialFailed},
			NextRunBy:        &leadBy,
			ScheduledRetryBy: &now,
			Limit:            remaining,
		})
		if err != nil {
			return models.RunCounters{}, err
		}
		jobs = append(jobs, retries...)
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

	log.Printf("Found %d job(s) for credential verification", len(jobs))

	return o.forEachJob(ctx, models.PhaseVerifyCredentials, jobs, cfg.MaxParallelRequests, false,
		func(ctx context.Context, job *models.Job) (outcome, error) {
			account := accounts[job.AccountID]
			if account == nil || !account.IsActive {
				return outcomeSkipped, nil
			}
			if matcher.IsExcluded(blacklist.SubjectFor(account)) {
				return outcomeSkipped, nil
			}
			return o.verifyCredential(ctx, job, account, cfg)
		})
}

func (o *Orchestrator) verifyCredential(ctx context.Context, job *models.Job, account *models.Account, cfg models.OrchestrationConfig) (outcome, error) {
	verified, err := o.executionRepo.HasSuccessful(ctx, job.ID, models.RequestCredentialCheck)
	if err != nil {
		return outcomeError, err
	}
	if verified {
		// Already verified by an earlier attempt whose job update was lost.
		return o.markVerified(ctx, job, nil)
	}

	if account.CredentialID == nil {
		if err := o.jobRepo.UpdateState(ctx, job, map[string]interface{}{
			"status":        models.JobNeedsReview,
			"error_message": "account has no credential",
		}); err != nil {
			return outcomeError, err
		}
		return outcomeNeedsReview, nil
	}

	var res *adrapi.Result
	var callErr error
	if job.Status == models.JobCredentialCheckInProgress {
		res, callErr = o.call(ctx, job, models.RequestStatusCheck, func(ctx context.Context) (*adrapi.Result, error) {
			return o.client.GetRequestStatusByJobID(ctx, job.ID)
		}, credentialConfirmed)
	} else {
		if job.Status != models.JobCredentialCheckRequested {
			if err := o.jobRepo.UpdateState(ctx, job, map[string]interface{}{
				"status": models.JobCredentialCheckRequested,
			}); err != nil {
				return outcomeError, err
			}
		}
		req := o.buildRequest(job, account, models.RequestCredentialCheck, job.IsManualRequest)
		res, callErr = o.call(ctx, job, models.RequestCredentialCheck, func(ctx context.Context) (*adrapi.Result, error) {
			return o.client.IngestRequest(ctx, req)
		}, credentialConfirmed)
	}

	if callErr != nil {
		return o.retryOrEscalate(ctx, job, cfg, models.JobCredentialFailed, callErr.Error(), nil)
	}

	updates := responseFields(res)
	switch res.Response.Outcome() {
	case adrapi.OutcomeFailed:
		updates["status"] = models.JobCredentialFailed
		updates["error_message"] = res.Response.Description()
		updates["next_retry_at"] = nil
		if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
			return outcomeError, err
		}
		return outcomeCredentialFailed, nil
	case adrapi.OutcomeError:
		return o.retryOrEscalate(ctx, job, cfg, models.JobCredentialFailed, res.Response.Description(), updates)
	}

	if credentialConfirmed(res) {
		return o.markVerified(ctx, job, updates)
	}

	updates["status"] = models.JobCredentialCheckInProgress
	if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
		return outcomeError, err
	}
	return outcomeInProgress, nil
}

// credentialConfirmed reports whether a response proves the credential works:
// a final non-error status, or a bare request id.
func credentialConfirmed(res *adrapi.Result) bool {
	switch res.Response.Shape {
	case adrapi.ShapeNumeric:
		return true
	case adrapi.ShapeObject, adrapi.ShapeArray:
		return res.Response.Outcome() == adrapi.OutcomeSucceeded
	}
	return false
}

func (o *Orchestrator) markVerified(ctx context.Context, job *models.Job, updates map[string]interface{}) (outcome, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	now := o.now().UTC()
	updates["status"] = models.JobCredentialVerified
	updates["credential_verified_at"] = now
	updates["error_message"] = nil
	updates["next_retry_at"] = nil
	updates["retry_count"] = 0
	if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
		return outcomeError, err
	}
	job.CredentialVerifiedAt = &now
	return outcomeVerified, nil
}
