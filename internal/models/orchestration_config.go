package models

import (
	"time"

	"gorm.io/gorm"
)

// OrchestrationConfig holds the tunable orchestration parameters. It is a
// singleton: only the newest non-deleted row is used, and defaults apply when
// none exists.
type OrchestrationConfig struct {
	ID                              uint           `gorm:"column:id;primaryKey" json:"id"`
	CredentialCheckLeadDays         int            `gorm:"column:credential_check_lead_days" json:"credentialCheckLeadDays" validate:"gte=0,lte=90"`
	ScrapeRetryDays                 int            `gorm:"column:scrape_retry_days" json:"scrapeRetryDays" validate:"gte=0,lte=30"`
	MaxRetries                      int            `gorm:"column:max_retries" json:"maxRetries" validate:"gte=1,lte=50"`
	FinalStatusCheckDelayDays       int            `gorm:"column:final_status_check_delay_days" json:"finalStatusCheckDelayDays" validate:"gte=0,lte=60"`
	DailyStatusCheckDelayDays       int            `gorm:"column:daily_status_check_delay_days" json:"dailyStatusCheckDelayDays" validate:"gte=0,lte=30"`
	MaxParallelRequests             int            `gorm:"column:max_parallel_requests" json:"maxParallelRequests" validate:"gte=1,lte=64"`
	BatchSize                       int            `gorm:"column:batch_size" json:"batchSize" validate:"gte=1,lte=10000"`
	DefaultWindowDaysBefore         int            `gorm:"column:default_window_days_before" json:"defaultWindowDaysBefore" validate:"gte=0,lte=60"`
	DefaultWindowDaysAfter          int            `gorm:"column:default_window_days_after" json:"defaultWindowDaysAfter" validate:"gte=0,lte=60"`
	MaxOrchestrationDurationMinutes int            `gorm:"column:max_orchestration_duration_minutes" json:"maxOrchestrationDurationMinutes" validate:"gte=1"`
	IsOrchestrationEnabled          bool           `gorm:"column:is_orchestration_enabled" json:"isOrchestrationEnabled"`
	UpdatedBy                       *string        `gorm:"column:updated_by" json:"updatedBy,omitempty"`
	CreatedAt                       time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt                       time.Time      `gorm:"column:updated_at" json:"updatedAt"`
	DeletedAt                       gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

// TableName specifies the table name for GORM
func (OrchestrationConfig) TableName() string {
	return "adr_configuration"
}

// DefaultOrchestrationConfig returns the values used when no configuration row exists.
func DefaultOrchestrationConfig() OrchestrationConfig {
	return OrchestrationConfig{
		CredentialCheckLeadDays:         7,
		ScrapeRetryDays:                 1,
		MaxRetries:                      5,
		FinalStatusCheckDelayDays:       2,
		DailyStatusCheckDelayDays:       1,
		MaxParallelRequests:             8,
		BatchSize:                       500,
		DefaultWindowDaysBefore:         5,
		DefaultWindowDaysAfter:          5,
		MaxOrchestrationDurationMinutes: 240,
		IsOrchestrationEnabled:          true,
	}
}

// MaxRunDuration returns MaxOrchestrationDurationMinutes as a duration.
func (c OrchestrationConfig) MaxRunDuration() time.Duration {
	return time.Duration(c.MaxOrchestrationDurationMinutes) * time.Minute
}
