package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/repository"
)

// ErrInvalidConfiguration wraps every configuration validation failure.
var ErrInvalidConfiguration = errors.New("invalid orchestration configuration")

type ConfigService struct {
	configRepo *repository.ConfigRepository
	validate   *validator.Validate
}

func NewConfigService(configRepo *repository.ConfigRepository) *ConfigService {
	return &ConfigService{
		configRepo: configRepo,
		validate:   validator.New(),
	}
}

// Get returns the active configuration, or the defaults when none is stored.
func (s *ConfigService) Get(ctx context.Context) (models.OrchestrationConfig, error) {
	return s.configRepo.Get(ctx)
}

// Save validates cfg and stores it as the singleton configuration row.
func (s *ConfigService) Save(ctx context.Context, cfg models.OrchestrationConfig, updatedBy string) (models.OrchestrationConfig, error) {
	if err := s.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return cfg, fmt.Errorf("%w: %s - %s", ErrInvalidConfiguration, verrs[0].Field(), verrs[0].Tag())
		}
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if updatedBy != "" {
		cfg.UpdatedBy = &updatedBy
	}
	if err := s.configRepo.Save(ctx, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
