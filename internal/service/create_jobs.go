package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/vipul43/adr-worker/internal/billing"
	"github.com/vipul43/adr-worker/internal/blacklist"
	"github.com/vipul43/adr-worker/internal/models"
)

// CreateJobsForDueAccounts creates a Pending job for every active account
// whose search window has opened and that has no live job for the period
// yet. Blacklisted accounts are skipped. Running it twice creates nothing new.
func (o *Orchestrator) CreateJobsForDueAccounts(ctx context.Context) (models.RunCounters, error) {
	start := time.Now()
	counters, err := o.createJobs(ctx)
	o.metrics.RecordPhase(ctx, string(models.PhaseCreateJobs), time.Since(start), err)
	o.metrics.AddItems(ctx, string(models.PhaseCreateJobs), "created", counters.JobsCreated)
	o.metrics.AddItems(ctx, string(models.PhaseCreateJobs), "skipped", counters.JobsSkipped)
	return counters, err
}

func (o *Orchestrator) createJobs(ctx context.Context) (models.RunCounters, error) {
	var counters models.RunCounters

	cfg, err := o.configRepo.Get(ctx)
	if err != nil {
		return counters, fmt.Errorf("failed to load configuration: %w", err)
	}
	today := billing.DateOf(o.now())

	accounts, err := o.accountRepo.ListDue(ctx, today, cfg.BatchSize)
	if err != nil {
		return counters, err
	}
	if len(accounts) == 0 {
		return counters, nil
	}

	entries, err := o.blacklistRepo.ListActive(ctx)
	if err != nil {
		return counters, err
	}
	matcher := blacklist.NewMatcher(entries, today)

	log.Printf("Found %d due account(s) to create jobs for", len(accounts))

	jobs := make([]models.Job, 0, len(accounts))
	for i := range accounts {
		if err := ctx.Err(); err != nil {
			return counters, err
		}
		account := &accounts[i]
		if matcher.IsExcluded(blacklist.SubjectFor(account)) {
			log.Printf("Account %s is blacklisted, not creating a job", account.ExternalAccountID)
			counters.JobsSkipped++
			continue
		}
		jobs = append(jobs, newJobForPeriod(account, cfg))
	}

	created, err := o.jobRepo.BulkCreate(ctx, jobs)
	if err != nil {
		return counters, err
	}
	counters.JobsCreated = int(created)
	counters.JobsSkipped += len(jobs) - int(created)

	log.Printf("Created %d job(s), skipped %d", counters.JobsCreated, counters.JobsSkipped)
	return counters, nil
}

// newJobForPeriod builds the Pending job for the account's current period.
// The account must have a next run date.
func newJobForPeriod(account *models.Account, cfg models.OrchestrationConfig) models.Job {
	next := billing.DateOf(*account.NextRunDate)

	windowStart, windowEnd := account.WindowStart, account.WindowEnd
	if windowStart == nil || windowEnd == nil {
		before, after := account.WindowDaysBefore, account.WindowDaysAfter
		if before == 0 && after == 0 {
			before, after = cfg.DefaultWindowDaysBefore, cfg.DefaultWindowDaysAfter
		}
		s, e := billing.SearchWindow(next, before, after)
		windowStart, windowEnd = &s, &e
	}

	return models.Job{
		ID:                 uuid.NewString(),
		AccountID:          account.ID,
		BillingPeriodStart: billing.PreviousRunDate(account.PeriodType, next, account.AnchorDay),
		BillingPeriodEnd:   next,
		SearchWindowStart:  billing.DateOf(*windowStart),
		SearchWindowEnd:    billing.DateOf(*windowEnd),
		NextRunDate:        next,
		Status:             models.JobPending,
	}
}
