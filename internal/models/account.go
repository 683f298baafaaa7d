package models

import "time"

// Account is a vendor billing account tracked for automated document retrieval.
// Billing-derived fields (period type, anchor, next run date, window) are owned by
// account sync unless IsManuallyOverridden is set.
type Account struct {
	ID                 string     `gorm:"column:id;primaryKey"`
	ExternalAccountID  string     `gorm:"column:external_account_id;uniqueIndex"`
	InterfaceAccountID *string    `gorm:"column:interface_account_id"`
	VendorCode         string     `gorm:"column:vendor_code;index"`
	VendorName         string     `gorm:"column:vendor_name"`
	AccountNumber      string     `gorm:"column:account_number;index"`
	AccountName        string     `gorm:"column:account_name"`
	CredentialID       *int64     `gorm:"column:credential_id"`
	PeriodType         PeriodType `gorm:"column:period_type"`
	LastInvoiceDate    *time.Time `gorm:"column:last_invoice_date"`
	AnchorDay          int        `gorm:"column:anchor_day"`
	PeriodDays         int        `gorm:"column:period_days"`
	NextRunDate        *time.Time `gorm:"column:next_run_date;index"`
	WindowDaysBefore   int        `gorm:"column:window_days_before"`
	WindowDaysAfter    int        `gorm:"column:window_days_after"`
	WindowStart        *time.Time `gorm:"column:window_start;index"`
	WindowEnd          *time.Time `gorm:"column:window_end"`
	IsActive           bool       `gorm:"column:is_active"`

	IsManuallyOverridden bool       `gorm:"column:is_manually_overridden"`
	OverriddenBy         *string    `gorm:"column:overridden_by"`
	OverriddenAt         *time.Time `gorm:"column:overridden_at"`
	OverrideReason       *string    `gorm:"column:override_reason"`

	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "adr_account"
}

// CredentialIDValue returns the credential id or zero when the account has none.
func (a *Account) CredentialIDValue() int64 {
	if a.CredentialID == nil {
		return 0
	}
	return *a.CredentialID
}
