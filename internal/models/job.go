package models

import "time"

// Job is one retrieval attempt for one account and one billing period.
// At most one non-cancelled job exists per (account, billing period end).
type Job struct {
	ID                 string     `gorm:"column:id;primaryKey"`
	AccountID          string     `gorm:"column:account_id;index"`
	BillingPeriodStart time.Time  `gorm:"column:billing_period_start"`
	BillingPeriodEnd   time.Time  `gorm:"column:billing_period_end;index"`
	SearchWindowStart  time.Time  `gorm:"column:search_window_start"`
	SearchWindowEnd    time.Time  `gorm:"column:search_window_end"`
	NextRunDate        time.Time  `gorm:"column:next_run_date"`
	Status             JobStatus  `gorm:"column:status;index"`
	RetryCount         int        `gorm:"column:retry_count"`
	NextRetryAt        *time.Time `gorm:"column:next_retry_at"`
	IsManualRequest    bool       `gorm:"column:is_manual_request"`
	RequestedBy        *string    `gorm:"column:requested_by"`

	AdrStatusID          *int    `gorm:"column:adr_status_id"`
	AdrStatusDescription *string `gorm:"column:adr_status_description"`
	AdrIndexID           *int64  `gorm:"column:adr_index_id"`
	ErrorMessage         *string `gorm:"column:error_message"`

	CredentialVerifiedAt *time.Time `gorm:"column:credential_verified_at"`
	ScrapeRequestedAt    *time.Time `gorm:"column:scrape_requested_at"`
	LastStatusCheckAt    *time.Time `gorm:"column:last_status_check_at"`
	CompletedAt          *time.Time `gorm:"column:completed_at"`

	Version   int       `gorm:"column:version"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Job) TableName() string {
	return "adr_job"
}
