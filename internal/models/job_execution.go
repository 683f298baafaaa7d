package models

import "time"

// RequestType identifies which vendor call a JobExecution records. The numeric
// values are the vendor's ADRRequestTypeId.
type RequestType int

const (
	RequestCredentialCheck RequestType = 1
	RequestDownload        RequestType = 2
	RequestStatusCheck     RequestType = 3
)

func (t RequestType) String() string {
	switch t {
	case RequestCredentialCheck:
		return "credential-check"
	case RequestDownload:
		return "download"
	case RequestStatusCheck:
		return "status-check"
	}
	return "unknown"
}

// MaxRawResponseLength bounds the stored vendor response body.
const MaxRawResponseLength = 4000

// JobExecution is one external API call made for a job. Rows are append-only
// except for the completion fields written when the call returns.
type JobExecution struct {
	ID                string      `gorm:"column:id;primaryKey"`
	JobID             string      `gorm:"column:job_id;index"`
	RunID             *string     `gorm:"column:run_id"`
	RequestType       RequestType `gorm:"column:request_type"`
	StartedAt         time.Time   `gorm:"column:started_at"`
	CompletedAt       *time.Time  `gorm:"column:completed_at"`
	IsSuccess         bool        `gorm:"column:is_success"`
	IsError           bool        `gorm:"column:is_error"`
	IsFinal           bool        `gorm:"column:is_final"`
	HTTPStatusCode    *int        `gorm:"column:http_status_code"`
	AdrStatusID       *int        `gorm:"column:adr_status_id"`
	StatusDescription *string     `gorm:"column:status_description"`
	ErrorMessage      *string     `gorm:"column:error_message"`
	RawResponse       *string     `gorm:"column:raw_response"`
	CreatedAt         time.Time   `gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (JobExecution) TableName() string {
	return "adr_job_execution"
}

// TruncateResponse cuts a raw vendor body to MaxRawResponseLength bytes
// without splitting a UTF-8 sequence.
func TruncateResponse(raw string) string {
	if len(raw) <= MaxRawResponseLength {
		return raw
	}
	cut := MaxRawResponseLength
	for cut > 0 && raw[cut]&0xC0 == 0x80 {
		cut--
	}
	return raw[:cut]
}
