package models

import (
	"time"

	"gorm.io/gorm"
)

// BlacklistEntry suppresses automated retrieval for every account or job that
// matches one of its populated keys while the entry is in effect.
type BlacklistEntry struct {
	ID                string         `gorm:"column:id;primaryKey" json:"id"`
	VendorCode        *string        `gorm:"column:vendor_code" json:"vendorCode,omitempty"`
	ExternalAccountID *string        `gorm:"column:external_account_id" json:"externalAccountId,omitempty"`
	AccountNumber     *string        `gorm:"column:account_number" json:"accountNumber,omitempty"`
	CredentialID      *int64         `gorm:"column:credential_id" json:"credentialId,omitempty"`
	Reason            string         `gorm:"column:reason" json:"reason"`
	EffectiveStart    *time.Time     `gorm:"column:effective_start" json:"effectiveStart,omitempty"`
	EffectiveEnd      *time.Time     `gorm:"column:effective_end" json:"effectiveEnd,omitempty"`
	IsActive          bool           `gorm:"column:is_active" json:"isActive"`
	CreatedBy         *string        `gorm:"column:created_by" json:"createdBy,omitempty"`
	CreatedAt         time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt         time.Time      `gorm:"column:updated_at" json:"updatedAt"`
	DeletedAt         gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

// TableName specifies the table name for GORM
func (BlacklistEntry) TableName() string {
	return "adr_blacklist_entry"
}
