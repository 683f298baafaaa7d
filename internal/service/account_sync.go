package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/vipul43/adr-worker/internal/billing"
	"github.com/vipul43/adr-worker/internal/catalog"
	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/repository"
)

// AccountSource interface for the external account catalog
type AccountSource interface {
	FetchAccounts(ctx context.Context, filter catalog.Filter) ([]catalog.SourceAccount, error)
}

// SyncResult counts what one sync pass did.
type SyncResult struct {
	Inserted    int
	Updated     int
	Unchanged   int
	Deactivated int
	Errors      int
}

type AccountSyncService struct {
	source      AccountSource
	accountRepo *repository.AccountRepository
	configRepo  *repository.ConfigRepository
	validate    *validator.Validate
	now         func() time.Time
}

func NewAccountSyncService(
	source AccountSource,
	accountRepo *repository.AccountRepository,
	configRepo *repository.ConfigRepository,
) *AccountSyncService {
	return &AccountSyncService{
		source:      source,
		accountRepo: accountRepo,
		configRepo:  configRepo,
		validate:    validator.New(),
		now:         time.Now,
	}
}

// SyncAccounts upserts every catalog account matching filter by external
// account id and recomputes due dates. Re-running it with unchanged input
// writes nothing. An unfiltered pass also deactivates local accounts the
// catalog no longer lists.
func (s *AccountSyncService) SyncAccounts(ctx context.Context, filter catalog.Filter) (*SyncResult, error) {
	cfg, err := s.configRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	sourceAccounts, err := s.source.FetchAccounts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source accounts: %w", err)
	}

	localAccounts, err := s.accountRepo.ListForSync(ctx, filter.VendorCode)
	if err != nil {
		return nil, err
	}
	byExternalID := make(map[string]*models.Account, len(localAccounts))
	for i := range localAccounts {
		byExternalID[localAccounts[i].ExternalAccountID] = &localAccounts[i]
	}

	log.Printf("Syncing %d source account(s) against %d local account(s)", len(sourceAccounts), len(localAccounts))

	today := billing.DateOf(s.now())
	result := &SyncResult{}
	seen := make(map[string]bool, len(sourceAccounts))

	for _, src := range sourceAccounts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if src.ExternalAccountID == "" {
			log.Printf("Skipping source account with empty external id (vendor: %s, number: %s)", src.VendorCode, src.AccountNumber)
			result.Errors++
			continue
		}
		seen[src.ExternalAccountID] = true

		existing := byExternalID[src.ExternalAccountID]
		if existing == nil {
			account := newAccountFromSource(src, cfg, today)
			if err := s.accountRepo.Create(ctx, account); err != nil {
				log.Printf("Failed to insert account %s: %v", src.ExternalAccountID, err)
				result.Errors++
				continue
			}
			result.Inserted++
			continue
		}

		updates := accountChanges(existing, src, cfg, today)
		if len(updates) == 0 {
			result.Unchanged++
			continue
		}
		updates["last_synced_at"] = s.now().UTC()
		if err := s.accountRepo.Update(ctx, existing.ID, updates); err != nil {
			log.Printf("Failed to update account %s: %v", src.ExternalAccountID, err)
			result.Errors++
			continue
		}
		result.Updated++
	}

	// An empty unfiltered fetch is treated as a catalog outage, not as every
	// account having been removed.
	if filter.IsZero() && len(sourceAccounts) > 0 {
		var missing []string
		for _, acc := range localAccounts {
			if acc.IsActive && !seen[acc.ExternalAccountID] {
				missing = append(missing, acc.ID)
			}
		}
		if err := s.accountRepo.Deactivate(ctx, missing); err != nil {
			return result, err
		}
		result.Deactivated = len(missing)
	}

	log.Printf("Account sync finished: %d inserted, %d updated, %d unchanged, %d deactivated, %d error(s)",
		result.Inserted, result.Updated, result.Unchanged, result.Deactivated, result.Errors)
	return result, nil
}

// schedule is the billing-derived part of an account.
type schedule struct {
	PeriodType  models.PeriodType
	AnchorDay   int
	PeriodDays  int
	NextRunDate *time.Time
	DaysBefore  int
	DaysAfter   int
	WindowStart *time.Time
	WindowEnd   *time.Time
}

// computeSchedule derives due dates from the catalog's period type and last
// invoice date. Accounts without a usable cadence or reference date get no
// next run date and are never due.
func computeSchedule(src catalog.SourceAccount, existingAnchor int, cfg models.OrchestrationConfig, today time.Time) schedule {
	periodType, err := models.ParsePeriodType(src.PeriodType)
	if err != nil {
		return schedule{DaysBefore: cfg.DefaultWindowDaysBefore, DaysAfter: cfg.DefaultWindowDaysAfter}
	}

	before, after := billing.GetDefaultWindowDays(periodType)
	if before == 0 && after == 0 {
		before, after = cfg.DefaultWindowDaysBefore, cfg.DefaultWindowDaysAfter
	}
	sch := schedule{
		PeriodType: periodType,
		PeriodDays: billing.GetApproximatePeriodDays(periodType),
		DaysBefore: before,
		DaysAfter:  after,
	}
	if src.LastInvoiceDate == nil {
		return sch
	}

	ref := billing.DateOf(*src.LastInvoiceDate)
	sch.AnchorDay = billing.ResolveAnchorDay(ref, existingAnchor)
	next := billing.CalculateNextRunDateOnOrAfterToday(periodType, ref, today, sch.AnchorDay)
	start, end := billing.SearchWindow(next, before, after)
	sch.NextRunDate, sch.WindowStart, sch.WindowEnd = &next, &start, &end
	return sch
}

func newAccountFromSource(src catalog.SourceAccount, cfg models.OrchestrationConfig, today time.Time) *models.Account {
	sch := computeSchedule(src, 0, cfg, today)
	now := time.Now().UTC()
	return &models.Account{
		ID:                 uuid.NewString(),
		ExternalAccountID:  src.ExternalAccountID,
		InterfaceAccountID: src.InterfaceAccountID,
		VendorCode:         src.VendorCode,
		VendorName:         src.VendorName,
		AccountNumber:      src.AccountNumber,
		AccountName:        src.AccountName,
		CredentialID:       src.CredentialID,
		PeriodType:         sch.PeriodType,
		LastInvoiceDate:    src.LastInvoiceDate,
		AnchorDay:          sch.AnchorDay,
		PeriodDays:         sch.PeriodDays,
		NextRunDate:        sch.NextRunDate,
		WindowDaysBefore:   sch.DaysBefore,
		WindowDaysAfter:    sch.DaysAfter,
		WindowStart:        sch.WindowStart,
		WindowEnd:          sch.WindowEnd,
		IsActive:           true,
		LastSyncedAt:       &now,
	}
}

// accountChanges returns the columns of existing that differ from the catalog
// record. Billing-derived columns are left alone on overridden accounts.
func accountChanges(existing *models.Account, src catalog.SourceAccount, cfg models.OrchestrationConfig, today time.Time) map[string]interface{} {
	updates := map[string]interface{}{}

	if !equalStringPtr(existing.InterfaceAccountID, src.InterfaceAccountID) {
		updates["interface_account_id"] = src.InterfaceAccountID
	}
	if existing.VendorCode != src.VendorCode {
		updates["vendor_code"] = src.VendorCode
	}
	if existing.VendorName != src.VendorName {
		updates["vendor_name"] = src.VendorName
	}
	if existing.AccountNumber != src.AccountNumber {
		updates["account_number"] = src.AccountNumber
	}
	if existing.AccountName != src.AccountName {
		updates["account_name"] = src.AccountName
	}
	if !equalInt64Ptr(existing.CredentialID, src.CredentialID) {
		updates["credential_id"] = src.CredentialID
	}
	if !equalTimePtr(existing.LastInvoiceDate, src.LastInvoiceDate) {
		updates["last_invoice_date"] = src.LastInvoiceDate
	}
	if !existing.IsActive {
		updates["is_active"] = true
	}

	if existing.IsManuallyOverridden {
		return updates
	}

	sch := computeSchedule(src, existing.AnchorDay, cfg, today)
	if existing.PeriodType != sch.PeriodType {
		updates["period_type"] = sch.PeriodType
	}
	if existing.AnchorDay != sch.AnchorDay {
		updates["anchor_day"] = sch.AnchorDay
	}
	if existing.PeriodDays != sch.PeriodDays {
		updates["period_days"] = sch.PeriodDays
	}
	if existing.WindowDaysBefore != sch.DaysBefore {
		updates["window_days_before"] = sch.DaysBefore
	}
	if existing.WindowDaysAfter != sch.DaysAfter {
		updates["window_days_after"] = sch.DaysAfter
	}
	if !equalTimePtr(existing.NextRunDate, sch.NextRunDate) {
		updates["next_run_date"] = sch.NextRunDate
	}
	if !equalTimePtr(existing.WindowStart, sch.WindowStart) {
		updates["window_start"] = sch.WindowStart
	}
	if !equalTimePtr(existing.WindowEnd, sch.WindowEnd) {
		updates["window_end"] = sch.WindowEnd
	}
	return updates
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
