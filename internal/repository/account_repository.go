package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/adr-worker/internal/models"
	"gorm.io/gorm"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByID retrieves account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// GetByIDs retrieves accounts keyed by ID. Missing IDs are absent from the map.
func (r *AccountRepository) GetByIDs(ctx context.Context, accountIDs []string) (map[string]*models.Account, error) {
	out := make(map[string]*models.Account, len(accountIDs))
	if len(accountIDs) == 0 {
		return out, nil
	}
	var accounts []models.Account
	if err := r.db.WithContext(ctx).Where("id IN ?", accountIDs).Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	for i := range accounts {
		out[accounts[i].ID] = &accounts[i]
	}
	return out, nil
}

// ListForSync returns every local account, optionally limited to one vendor.
func (r *AccountRepository) ListForSync(ctx context.Context, vendorCode string) ([]models.Account, error) {
	var accounts []models.Account
	q := r.db.WithContext(ctx).Order("external_account_id ASC")
	if vendorCode != "" {
		q = q.Where("vendor_code = ?", vendorCode)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ListDue returns active accounts whose search window has opened on or before
// today and that have no live job for their current period yet.
func (r *AccountRepository) ListDue(ctx context.Context, today time.Time, limit int) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("next_run_date IS NOT NULL AND window_start IS NOT NULL").
		Where("window_start <= ?", today).
		Where(`NOT EXISTS (SELECT 1 FROM adr_job j WHERE j.account_id = adr_account.id
			AND j.billing_period_end = adr_account.next_run_date AND j.status <> ?)`, models.JobCancelled).
		Order("window_start ASC").
		Limit(limit).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query due accounts: %w", result.Error)
	}
	return accounts, nil
}

// Create inserts a new account
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Update writes the given columns of one account.
func (r *AccountRepository) Update(ctx context.Context, accountID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Deactivate marks the given accounts inactive.
func (r *AccountRepository) Deactivate(ctx context.Context, accountIDs []string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id IN ?", accountIDs).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate accounts: %w", result.Error)
	}
	return nil
}

// SetManualOverride writes user-entered billing fields and flags the account so
// sync stops recomputing them.
func (r *AccountRepository) SetManualOverride(ctx context.Context, accountID, overriddenBy, reason string, billing map[string]interface{}) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{}
	for k, v := range billing {
		updates[k] = v
	}
	updates["is_manually_overridden"] = true
	updates["overridden_by"] = overriddenBy
	updates["overridden_at"] = now
	updates["override_reason"] = reason
	return r.Update(ctx, accountID, updates)
}

// ClearManualOverride hands billing fields back to sync.
func (r *AccountRepository) ClearManualOverride(ctx context.Context, accountID string) error {
	return r.Update(ctx, accountID, map[string]interface{}{
		"is_manually_overridden": false,
		"overridden_by":          nil,
		"overridden_at":          nil,
		"override_reason":        nil,
	})
}
