package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/vipul43/adr-worker/internal/models"
	"gorm.io/gorm"
)

type ConfigRepository struct {
	db *gorm.DB
}

func NewConfigRepository(db *gorm.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// Get returns the newest non-deleted configuration row, or the defaults when
// there is none.
func (r *ConfigRepository) Get(ctx context.Context) (models.OrchestrationConfig, error) {
	var cfg models.OrchestrationConfig
	err := r.db.WithContext(ctx).Order("id DESC").First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.DefaultOrchestrationConfig(), nil
		}
		return models.OrchestrationConfig{}, fmt.Errorf("failed to get orchestration config: %w", err)
	}
	return cfg, nil
}

// Save updates the singleton row, creating it on first save.
func (r *ConfigRepository) Save(ctx context.Context, cfg *models.OrchestrationConfig) error {
	var existing models.OrchestrationConfig
	err := r.db.WithContext(ctx).Order("id DESC").First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg.ID = 0
		if err := r.db.WithContext(ctx).Create(cfg).Error; err != nil {
			return fmt.Errorf("failed to create orchestration config: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to get orchestration config: %w", err)
	}

	cfg.ID = existing.ID
	cfg.CreatedAt = existing.CreatedAt
	if err := r.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return fmt.Errorf("failed to save orchestration config: %w", err)
	}
	return nil
}
