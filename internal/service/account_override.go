package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vipul43/adr-worker/internal/billing"
	"github.com/vipul43/adr-worker/internal/models"
)

// ErrInvalidOverride wraps every account override validation failure.
var ErrInvalidOverride = errors.New("invalid account override")

// AccountOverride is a user-entered billing schedule. Window days default to
// the cadence's usual window.
type AccountOverride struct {
	PeriodType  string    `json:"periodType" validate:"required"`
	NextRunDate time.Time `json:"nextRunDate" validate:"required"`
	DaysBefore  *int      `json:"daysBefore" validate:"omitempty,gte=0,lte=60"`
	DaysAfter   *int      `json:"daysAfter" validate:"omitempty,gte=0,lte=60"`
	Reason      string    `json:"reason" validate:"required,max=500"`
}

// OverrideSchedule pins an account's billing schedule. Sync leaves the
// billing columns alone until the override is cleared.
func (s *AccountSyncService) OverrideSchedule(ctx context.Context, accountID, overriddenBy string, in AccountOverride) (*models.Account, error) {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("%w: %s - %s", ErrInvalidOverride, verrs[0].Field(), verrs[0].Tag())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	periodType, err := models.ParsePeriodType(in.PeriodType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}

	before, after := billing.GetDefaultWindowDays(periodType)
	if in.DaysBefore != nil {
		before = *in.DaysBefore
	}
	if in.DaysAfter != nil {
		after = *in.DaysAfter
	}
	next := billing.DateOf(in.NextRunDate)
	start, end := billing.SearchWindow(next, before, after)

	err = s.accountRepo.SetManualOverride(ctx, accountID, overriddenBy, in.Reason, map[string]interface{}{
		"period_type":        periodType,
		"period_days":        billing.GetApproximatePeriodDays(periodType),
		"anchor_day":         next.Day(),
		"next_run_date":      next,
		"window_days_before": before,
		"window_days_after":  after,
		"window_start":       start,
		"window_end":         end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to override account %s: %w", accountID, err)
	}
	log.Printf("Account %s schedule overridden by %s: %s due %s", accountID, overriddenBy, periodType, next.Format("2006-01-02"))
	return s.accountRepo.GetByID(ctx, accountID)
}

// ClearOverride hands the billing schedule back to sync. The next sync pass
// recomputes it from the catalog.
func (s *AccountSyncService) ClearOverride(ctx context.Context, accountID string) error {
	if err := s.accountRepo.ClearManualOverride(ctx, accountID); err != nil {
		return fmt.Errorf("failed to clear override of account %s: %w", accountID, err)
	}
	log.Printf("Account %s schedule override cleared", accountID)
	return nil
}
