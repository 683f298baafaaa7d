package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vipul43/adr-worker/internal/adrapi"
	"github.com/vipul43/adr-worker/internal/catalog"
	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/observability"
	"github.com/vipul43/adr-worker/internal/repository"
	"github.com/vipul43/adr-worker/internal/testutil"
)

var errTransport = errors.New("connection reset by peer")

func result(body string) *adrapi.Result {
	return &adrapi.Result{StatusCode: 200, Raw: body, Response: adrapi.ParseResponse([]byte(body))}
}

const (
	bodyFinalSuccess = `{"StatusId":10,"StatusDescription":"Document retrieved","IndexId":555,"IsError":false,"IsFinal":true}`
	bodyFinalError   = `[{"StatusId":3,"StatusDescription":"Queued","IsError":false,"IsFinal":false},{"StatusId":40,"StatusDescription":"Invalid credentials","IsError":true,"IsFinal":true}]`
	bodyTransient    = `{"StatusId":50,"StatusDescription":"Portal unavailable","IsError":true,"IsFinal":false}`
	bodyQueued       = `{"StatusId":3,"StatusDescription":"Queued","IsError":false,"IsFinal":false}`
	bodyNumeric      = `12345`
	bodyText         = `Request received`
)

type fakeADRClient struct {
	mu          sync.Mutex
	ingestFunc  func(req adrapi.Request) (*adrapi.Result, error)
	statusFunc  func(jobID string) (*adrapi.Result, error)
	ingestCalls []adrapi.Request
	statusCalls []string
}

func (f *fakeADRClient) IngestRequest(ctx context.Context, req adrapi.Request) (*adrapi.Result, error) {
	f.mu.Lock()
	f.ingestCalls = append(f.ingestCalls, req)
	f.mu.Unlock()
	if f.ingestFunc != nil {
		return f.ingestFunc(req)
	}
	return result(bodyQueued), nil
}

func (f *fakeADRClient) GetRequestStatusByJobID(ctx context.Context, jobID string) (*adrapi.Result, error) {
	f.mu.Lock()
	f.statusCalls = append(f.statusCalls, jobID)
	f.mu.Unlock()
	if f.statusFunc != nil {
		return f.statusFunc(jobID)
	}
	return result(bodyQueued), nil
}

func (f *fakeADRClient) ingestedFor(jobID string, requestType models.RequestType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.ingestCalls {
		if req.JobID == jobID && req.ADRRequestTypeID == int(requestType) {
			n++
		}
	}
	return n
}

func (f *fakeADRClient) polled(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.statusCalls {
		if id == jobID {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	mu      sync.Mutex
	batches [][]models.Job
}

func (f *fakeNotifier) NotifyNeedsReview(ctx context.Context, jobs []models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, jobs)
	return nil
}

type fakeSource struct {
	fetchFunc func(ctx context.Context, filter catalog.Filter) ([]catalog.SourceAccount, error)
}

func (f *fakeSource) FetchAccounts(ctx context.Context, filter catalog.Filter) ([]catalog.SourceAccount, error) {
	if f.fetchFunc != nil {
		return f.fetchFunc(ctx, filter)
	}
	return nil, nil
}

// testNow is the fixed clock used by service tests.
var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	db          *gorm.DB
	accounts    *repository.AccountRepository
	jobs        *repository.JobRepository
	executions  *repository.JobExecutionRepository
	blacklists  *repository.BlacklistRepository
	configs     *repository.ConfigRepository
	source      *fakeSource
	client      *fakeADRClient
	notifier    *fakeNotifier
	syncService *AccountSyncService
	orch        *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	h := &harness{
		db:         db,
		accounts:   repository.NewAccountRepository(db),
		jobs:       repository.NewJobRepository(db),
		executions: repository.NewJobExecutionRepository(db),
		blacklists: repository.NewBlacklistRepository(db),
		configs:    repository.NewConfigRepository(db),
		source:     &fakeSource{},
		client:     &fakeADRClient{},
		notifier:   &fakeNotifier{},
	}
	h.syncService = NewAccountSyncService(h.source, h.accounts, h.configs)
	h.syncService.now = func() time.Time { return testNow }
	h.orch = NewOrchestrator(
		h.syncService,
		h.accounts,
		h.jobs,
		h.executions,
		h.blacklists,
		h.configs,
		h.client,
		h.notifier,
		observability.NewNoopMetrics(),
		Options{SourceApplication: "adr-worker-test", RecipientEmail: "ap@example.com"},
	)
	h.orch.now = func() time.Time { return testNow }
	return h
}

func (h *harness) setConfig(t *testing.T, mutate func(cfg *models.OrchestrationConfig)) {
	t.Helper()
	cfg := models.DefaultOrchestrationConfig()
	mutate(&cfg)
	require.NoError(t, h.configs.Save(context.Background(), &cfg))
}

// seedAccount stores an active monthly account due on next.
func (h *harness) seedAccount(t *testing.T, ext string, next time.Time) *models.Account {
	t.Helper()
	start, end := next.AddDate(0, 0, -5), next.AddDate(0, 0, 7)
	acc := &models.Account{
		ID:                uuid.NewString(),
		ExternalAccountID: ext,
		VendorCode:        "ACME",
		AccountNumber:     "N-" + ext,
		CredentialID:      testutil.Int64Ptr(77),
		PeriodType:        models.PeriodMonthly,
		AnchorDay:         next.Day(),
		NextRunDate:       &next,
		WindowDaysBefore:  5,
		WindowDaysAfter:   7,
		WindowStart:       &start,
		WindowEnd:         &end,
		IsActive:          true,
	}
	require.NoError(t, h.accounts.Create(context.Background(), acc))
	return acc
}

// seedJob stores a job for account in status, adjusted by mutate.
func (h *harness) seedJob(t *testing.T, account *models.Account, status models.JobStatus, mutate func(job *models.Job)) *models.Job {
	t.Helper()
	job := newJobForPeriod(account, models.DefaultOrchestrationConfig())
	job.Status = status
	if mutate != nil {
		mutate(&job)
	}
	require.NoError(t, h.jobs.Create(context.Background(), &job))
	return &job
}

func (h *harness) reload(t *testing.T, jobID string) *models.Job {
	t.Helper()
	job, err := h.jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func (h *harness) blacklist(t *testing.T, vendor string, start, end *time.Time) {
	t.Helper()
	require.NoError(t, h.blacklists.Create(context.Background(), &models.BlacklistEntry{
		ID:             uuid.NewString(),
		VendorCode:     &vendor,
		Reason:         "vendor portal migration",
		EffectiveStart: start,
		EffectiveEnd:   end,
		IsActive:       true,
	}))
}

func timePtr(t time.Time) *time.Time { return &t }
