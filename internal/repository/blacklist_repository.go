package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/vipul43/adr-worker/internal/models"
	"gorm.io/gorm"
)

var ErrBlacklistEntryNotFound = errors.New("blacklist entry not found")

type BlacklistRepository struct {
	db *gorm.DB
}

func NewBlacklistRepository(db *gorm.DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

// ListActive returns non-deleted entries flagged active. Date windows are
// evaluated by the caller.
func (r *BlacklistRepository) ListActive(ctx context.Context) ([]models.BlacklistEntry, error) {
	var entries []models.BlacklistEntry
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list blacklist entries: %w", err)
	}
	return entries, nil
}

// List returns every non-deleted entry
func (r *BlacklistRepository) List(ctx context.Context) ([]models.BlacklistEntry, error) {
	var entries []models.BlacklistEntry
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list blacklist entries: %w", err)
	}
	return entries, nil
}

// GetByID retrieves one non-deleted entry
func (r *BlacklistRepository) GetByID(ctx context.Context, id string) (*models.BlacklistEntry, error) {
	var entry models.BlacklistEntry
	if err := r.db.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBlacklistEntryNotFound
		}
		return nil, fmt.Errorf("failed to get blacklist entry: %w", err)
	}
	return &entry, nil
}

// Create inserts an entry
func (r *BlacklistRepository) Create(ctx context.Context, entry *models.BlacklistEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create blacklist entry: %w", err)
	}
	return nil
}

// Save writes every field of an existing entry
func (r *BlacklistRepository) Save(ctx context.Context, entry *models.BlacklistEntry) error {
	if err := r.db.WithContext(ctx).Save(entry).Error; err != nil {
		return fmt.Errorf("failed to save blacklist entry: %w", err)
	}
	return nil
}

// Delete soft-deletes an entry
func (r *BlacklistRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.BlacklistEntry{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete blacklist entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBlacklistEntryNotFound
	}
	return nil
}
