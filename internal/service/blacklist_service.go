package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/vipul43/adr-worker/internal/billing"
	"github.com/vipul43/adr-worker/internal/blacklist"
	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/repository"
)

// ErrInvalidBlacklistEntry wraps every blacklist validation failure.
var ErrInvalidBlacklistEntry = errors.New("invalid blacklist entry")

// BlacklistInput is the user-editable part of a blacklist entry.
type BlacklistInput struct {
	VendorCode        *string    `json:"vendorCode"`
	ExternalAccountID *string    `json:"externalAccountId"`
	AccountNumber     *string    `json:"accountNumber"`
	CredentialID      *int64     `json:"credentialId" validate:"omitempty,gt=0"`
	Reason            string     `json:"reason" validate:"required,max=500"`
	EffectiveStart    *time.Time `json:"effectiveStart"`
	EffectiveEnd      *time.Time `json:"effectiveEnd"`
	IsActive          bool       `json:"isActive"`
}

// BlacklistView is an entry with its classification for today.
type BlacklistView struct {
	models.BlacklistEntry
	Classification string `json:"classification"`
}

type BlacklistService struct {
	blacklistRepo *repository.BlacklistRepository
	validate      *validator.Validate
	now           func() time.Time
}

func NewBlacklistService(blacklistRepo *repository.BlacklistRepository) *BlacklistService {
	return &BlacklistService{
		blacklistRepo: blacklistRepo,
		validate:      validator.New(),
		now:           time.Now,
	}
}

// List returns every non-deleted entry classified against today.
func (s *BlacklistService) List(ctx context.Context) ([]BlacklistView, error) {
	entries, err := s.blacklistRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	today := billing.DateOf(s.now())
	views := make([]BlacklistView, len(entries))
	for i := range entries {
		views[i] = BlacklistView{
			BlacklistEntry: entries[i],
			Classification: blacklist.Classify(&entries[i], today).String(),
		}
	}
	return views, nil
}

// Create validates and stores a new entry. New entries need both dates.
func (s *BlacklistService) Create(ctx context.Context, in BlacklistInput, createdBy string) (*models.BlacklistEntry, error) {
	if in.EffectiveStart == nil || in.EffectiveEnd == nil {
		return nil, fmt.Errorf("%w: effective start and end are required", ErrInvalidBlacklistEntry)
	}
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	entry := &models.BlacklistEntry{ID: uuid.NewString()}
	applyBlacklistInput(entry, in)
	if createdBy != "" {
		entry.CreatedBy = &createdBy
	}
	if err := s.blacklistRepo.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Update replaces the editable fields of an existing entry.
func (s *BlacklistService) Update(ctx context.Context, id string, in BlacklistInput) (*models.BlacklistEntry, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	entry, err := s.blacklistRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	applyBlacklistInput(entry, in)
	if err := s.blacklistRepo.Save(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete soft-deletes an entry.
func (s *BlacklistService) Delete(ctx context.Context, id string) error {
	return s.blacklistRepo.Delete(ctx, id)
}

// Annotate reports the current and future entries that match account. It is
// informational and never blocks reads.
func (s *BlacklistService) Annotate(ctx context.Context, account *models.Account) (blacklist.Annotation, error) {
	entries, err := s.blacklistRepo.ListActive(ctx)
	if err != nil {
		return blacklist.Annotation{}, err
	}
	matcher := blacklist.NewMatcher(entries, billing.DateOf(s.now()))
	return matcher.Annotate(blacklist.SubjectFor(account)), nil
}

func (s *BlacklistService) validateInput(in BlacklistInput) error {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s - %s", ErrInvalidBlacklistEntry, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidBlacklistEntry, err)
	}
	if blank(in.VendorCode) && blank(in.ExternalAccountID) && blank(in.AccountNumber) && in.CredentialID == nil {
		return fmt.Errorf("%w: at least one of vendor code, external account id, account number or credential id is required", ErrInvalidBlacklistEntry)
	}
	if in.EffectiveStart != nil && in.EffectiveEnd != nil && in.EffectiveStart.After(*in.EffectiveEnd) {
		return fmt.Errorf("%w: effective start is after effective end", ErrInvalidBlacklistEntry)
	}
	return nil
}

func applyBlacklistInput(entry *models.BlacklistEntry, in BlacklistInput) {
	entry.VendorCode = trimmed(in.VendorCode)
	entry.ExternalAccountID = trimmed(in.ExternalAccountID)
	entry.AccountNumber = trimmed(in.AccountNumber)
	entry.CredentialID = in.CredentialID
	entry.Reason = in.Reason
	entry.EffectiveStart = datePtr(in.EffectiveStart)
	entry.EffectiveEnd = datePtr(in.EffectiveEnd)
	entry.IsActive = in.IsActive
}

func blank(s *string) bool {
	return trimmed(s) == nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func datePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := billing.DateOf(*t)
	return &d
}
