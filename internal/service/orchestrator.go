package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vipul43/adr-worker/internal/adrapi"
	"github.com/vipul43/adr-worker/internal/catalog"
	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/observability"
	"github.com/vipul43/adr-worker/internal/repository"
)

// ADRClient interface for the vendor retrieval API
type ADRClient interface {
	IngestRequest(ctx context.Context, req adrapi.Request) (*adrapi.Result, error)
	GetRequestStatusByJobID(ctx context.Context, jobID string) (*adrapi.Result, error)
}

// Notifier interface for telling humans about jobs that need review
type Notifier interface {
	NotifyNeedsReview(ctx context.Context, jobs []models.Job) error
}

// Options are the fixed fields sent with every vendor request.
type Options struct {
	SourceApplication string
	RecipientEmail    string
}

// Orchestrator drives jobs through the retrieval pipeline. Each phase selects
// its own work, so every phase is safe to re-invoke.
type Orchestrator struct {
	syncService   *AccountSyncService
	accountRepo   *repository.AccountRepository
	jobRepo       *repository.JobRepository
	executionRepo *repository.JobExecutionRepository
	blacklistRepo *repository.BlacklistRepository
	configRepo    *repository.ConfigRepository
	client        ADRClient
	notifier      Notifier
	metrics       *observability.Metrics
	opts          Options
	now           func() time.Time
}

func NewOrchestrator(
	syncService *AccountSyncService,
	accountRepo *repository.AccountRepository,
	jobRepo *repository.JobRepository,
	executionRepo *repository.JobExecutionRepository,
	blacklistRepo *repository.BlacklistRepository,
	configRepo *repository.ConfigRepository,
	client ADRClient,
	notifier Notifier,
	metrics *observability.Metrics,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		syncService:   syncService,
		accountRepo:   accountRepo,
		jobRepo:       jobRepo,
		executionRepo: executionRepo,
		blacklistRepo: blacklistRepo,
		configRepo:    configRepo,
		client:        client,
		notifier:      notifier,
		metrics:       metrics,
		opts:          opts,
		now:           time.Now,
	}
}

type runIDKey struct{}

// WithRunID tags ctx with the orchestration run it belongs to. Executions
// recorded under ctx carry the id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFrom(ctx context.Context) *string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok && id != "" {
		return &id
	}
	return nil
}

// RunPhase executes one pipeline phase. PhaseFullCycle runs the whole cycle.
func (o *Orchestrator) RunPhase(ctx context.Context, phase models.Phase) (models.RunCounters, error) {
	switch phase {
	case models.PhaseSync:
		return o.SyncAccounts(ctx)
	case models.PhaseCreateJobs:
		return o.CreateJobsForDueAccounts(ctx)
	case models.PhaseVerifyCredentials:
		return o.VerifyCredentials(ctx)
	case models.PhaseCheckStatuses:
		return o.CheckPendingStatuses(ctx)
	case models.PhaseCheckAllStatuses:
		return o.CheckAllScrapedStatuses(ctx)
	case models.PhaseProcessScraping:
		return o.ProcessScraping(ctx)
	case models.PhaseFullCycle:
		return o.RunFullCycle(ctx)
	}
	return models.RunCounters{}, fmt.Errorf("unknown phase %q", phase)
}

// RunFullCycle runs sync, job creation, credential checks, status checks and
// scrape dispatch in that order. Status checks precede dispatch so a job that
// finished since the last cycle is resolved before it could be dispatched
// again. Cancellation is observed between phases.
func (o *Orchestrator) RunFullCycle(ctx context.Context) (models.RunCounters, error) {
	var total models.RunCounters
	for _, phase := range models.FullCyclePhases() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		counters, err := o.RunPhase(ctx, phase)
		total.Add(counters)
		if err != nil {
			return total, fmt.Errorf("phase %s: %w", phase, err)
		}
	}
	return total, nil
}

// SyncAccounts runs an unfiltered account sync as a pipeline phase.
func (o *Orchestrator) SyncAccounts(ctx context.Context) (models.RunCounters, error) {
	start := time.Now()
	res, err := o.syncService.SyncAccounts(ctx, catalog.Filter{})
	o.metrics.RecordPhase(ctx, string(models.PhaseSync), time.Since(start), err)

	var counters models.RunCounters
	if res != nil {
		counters.AccountsInserted = res.Inserted
		counters.AccountsUpdated = res.Updated
		counters.AccountsUnchanged = res.Unchanged
		counters.AccountsDeactivated = res.Deactivated
		counters.ItemErrors = res.Errors
		o.metrics.AddItems(ctx, string(models.PhaseSync), "inserted", res.Inserted)
		o.metrics.AddItems(ctx, string(models.PhaseSync), "updated", res.Updated)
		o.metrics.AddItems(ctx, string(models.PhaseSync), "deactivated", res.Deactivated)
	}
	return counters, err
}

// outcome is what happened to one job in one phase.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeVerified
	outcomeCredentialFailed
	outcomeInProgress
	outcomeScrapeRequested
	outcomeCompleted
	outcomeFailed
	outcomeNeedsReview
	outcomeRetry
	outcomeError
)

func (o outcome) String() string {
	switch o {
	case outcomeVerified:
		return "verified"
	case outcomeCredentialFailed:
		return "credential_failed"
	case outcomeInProgress:
		return "in_progress"
	case outcomeScrapeRequested:
		return "scrape_requested"
	case outcomeCompleted:
		return "completed"
	case outcomeFailed:
		return "failed"
	case outcomeNeedsReview:
		return "needs_review"
	case outcomeRetry:
		return "retry"
	case outcomeError:
		return "error"
	}
	return "skipped"
}

// tally collects per-item outcomes from concurrent workers.
type tally struct {
	mu        sync.Mutex
	counters  models.RunCounters
	escalated []models.Job
}

func (t *tally) record(job *models.Job, out outcome, polled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if polled {
		t.counters.StatusesChecked++
	}
	switch out {
	case outcomeSkipped:
		t.counters.JobsSkipped++
	case outcomeVerified:
		t.counters.CredentialsVerified++
	case outcomeCredentialFailed:
		t.counters.CredentialsFailed++
	case outcomeScrapeRequested:
		t.counters.ScrapesRequested++
	case outcomeCompleted:
		t.counters.JobsCompleted++
	case outcomeFailed:
		t.counters.JobsFailed++
	case outcomeNeedsReview:
		t.counters.JobsNeedsReview++
		t.escalated = append(t.escalated, *job)
	case outcomeRetry, outcomeError:
		t.counters.ItemErrors++
	}
}

// itemFunc handles one job. Returning an error logs it and counts the item as
// failed; it never stops the batch.
type itemFunc func(ctx context.Context, job *models.Job) (outcome, error)

// forEachJob runs fn over jobs with at most parallel calls in flight.
// Cancellation is checked before each item starts; items already started
// run to completion with a context that is not cancelled with ctx, so an
// in-flight vendor call is never abandoned halfway.
func (o *Orchestrator) forEachJob(ctx context.Context, phase models.Phase, jobs []models.Job, parallel int, polled bool, fn itemFunc) (models.RunCounters, error) {
	start := time.Now()
	if parallel < 1 {
		parallel = 1
	}

	t := &tally{}
	itemCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(parallel)
	for i := range jobs {
		if ctx.Err() != nil {
			break
		}
		job := &jobs[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out, err := fn(itemCtx, job)
			if err != nil {
				if errors.Is(err, repository.ErrConcurrentUpdate) {
					log.Printf("Job %s changed concurrently during %s, skipping", job.ID, phase)
					out = outcomeSkipped
				} else {
					log.Printf("Failed to process job %s in %s: %v", job.ID, phase, err)
					out = outcomeError
				}
			}
			t.record(job, out, polled)
			o.metrics.AddItems(ctx, string(phase), out.String(), 1)
			return nil
		})
	}
	_ = g.Wait()

	o.notifyEscalated(itemCtx, t.escalated)

	err := ctx.Err()
	o.metrics.RecordPhase(ctx, string(phase), time.Since(start), err)
	return t.counters, err
}

func (o *Orchestrator) notifyEscalated(ctx context.Context, jobs []models.Job) {
	if len(jobs) == 0 || o.notifier == nil {
		return
	}
	if err := o.notifier.NotifyNeedsReview(ctx, jobs); err != nil {
		log.Printf("Warning: failed to send NeedsReview notification for %d job(s): %v", len(jobs), err)
	}
}

// call records a JobExecution around one vendor call. success decides the
// execution's IsSuccess flag from a completed exchange.
func (o *Orchestrator) call(
	ctx context.Context,
	job *models.Job,
	requestType models.RequestType,
	do func(ctx context.Context) (*adrapi.Result, error),
	success func(res *adrapi.Result) bool,
) (*adrapi.Result, error) {
	exec := &models.JobExecution{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		RunID:       runIDFrom(ctx),
		RequestType: requestType,
		StartedAt:   o.now().UTC(),
	}
	if err := o.executionRepo.Create(ctx, exec); err != nil {
		return nil, err
	}

	res, callErr := do(ctx)

	completed := o.now().UTC()
	exec.CompletedAt = &completed
	if callErr != nil {
		exec.IsError = true
		exec.ErrorMessage = strPtr(callErr.Error())
		var httpErr *adrapi.HTTPError
		if errors.As(callErr, &httpErr) {
			exec.HTTPStatusCode = intPtr(httpErr.StatusCode)
			exec.RawResponse = strPtr(models.TruncateResponse(httpErr.Body))
		}
	} else {
		exec.HTTPStatusCode = intPtr(res.StatusCode)
		exec.RawResponse = strPtr(models.TruncateResponse(res.Raw))
		if desc := res.Response.Description(); desc != "" {
			exec.StatusDescription = strPtr(desc)
		}
		if st, ok := res.Response.Primary(); ok {
			exec.AdrStatusID = intPtr(st.StatusID)
			exec.IsError = st.IsError
			exec.IsFinal = st.IsFinal
		}
		exec.IsSuccess = success(res)
	}

	if err := o.executionRepo.Complete(ctx, exec); err != nil {
		log.Printf("Warning: failed to record execution %s for job %s: %v", exec.ID, job.ID, err)
	}
	return res, callErr
}

// buildRequest fills an ingest request for job on account.
func (o *Orchestrator) buildRequest(job *models.Job, account *models.Account, requestType models.RequestType, highPriority bool) adrapi.Request {
	req := adrapi.Request{
		ADRRequestTypeID:      int(requestType),
		CredentialID:          account.CredentialIDValue(),
		StartDate:             job.SearchWindowStart.Format(adrapi.DateLayout),
		EndDate:               job.SearchWindowEnd.Format(adrapi.DateLayout),
		SourceApplicationName: o.opts.SourceApplication,
		RecipientEmail:        o.opts.RecipientEmail,
		JobID:                 job.ID,
		AccountID:             account.ExternalAccountID,
		IsHighPriority:        highPriority,
	}
	if account.InterfaceAccountID != nil {
		req.InterfaceAccountID = *account.InterfaceAccountID
	}
	return req
}

// responseFields are the job columns mirrored from a vendor response.
func responseFields(res *adrapi.Result) map[string]interface{} {
	updates := map[string]interface{}{}
	if res == nil {
		return updates
	}
	if desc := res.Response.Description(); desc != "" {
		updates["adr_status_description"] = desc
	}
	if st, ok := res.Response.Primary(); ok {
		updates["adr_status_id"] = st.StatusID
		if st.IndexID != nil {
			updates["adr_index_id"] = *st.IndexID
		}
	}
	return updates
}

// retryOrEscalate records a transient failure. The job goes back to
// retryStatus with a retry scheduled, or to NeedsReview once MaxRetries is
// reached.
func (o *Orchestrator) retryOrEscalate(ctx context.Context, job *models.Job, cfg models.OrchestrationConfig, retryStatus models.JobStatus, cause string, extra map[string]interface{}) (outcome, error) {
	retries := job.RetryCount + 1
	updates := map[string]interface{}{}
	for k, v := range extra {
		updates[k] = v
	}
	updates["retry_count"] = retries
	updates["error_message"] = cause

	if retries >= cfg.MaxRetries {
		updates["status"] = models.JobNeedsReview
		updates["next_retry_at"] = nil
		if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
			return outcomeError, err
		}
		job.RetryCount = retries
		job.ErrorMessage = &cause
		log.Printf("Job %s exhausted %d retries, needs review: %s", job.ID, retries, cause)
		return outcomeNeedsReview, nil
	}

	next := o.now().UTC().AddDate(0, 0, cfg.ScrapeRetryDays)
	updates["status"] = retryStatus
	updates["next_retry_at"] = next
	if err := o.jobRepo.UpdateState(ctx, job, updates); err != nil {
		return outcomeError, err
	}
	job.RetryCount = retries
	return outcomeRetry, nil
}

// loadAccounts fetches the accounts of jobs keyed by account id.
func (o *Orchestrator) loadAccounts(ctx context.Context, jobs []models.Job) (map[string]*models.Account, error) {
	ids := make([]string, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if !seen[job.AccountID] {
			seen[job.AccountID] = true
			ids = append(ids, job.AccountID)
		}
	}
	return o.accountRepo.GetByIDs(ctx, ids)
}

func strPtr(s string) *string { return &s }

func intPtr(v int) *int { return &v }
