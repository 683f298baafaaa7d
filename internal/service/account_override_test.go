package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/repository"
	"github.com/vipul43/adr-worker/internal/testutil"
)

func TestOverrideSchedule_PinsWindowAndClears(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.seedAccount(t, "E1", testutil.Date(2024, 3, 31))

	got, err := h.syncService.OverrideSchedule(ctx, acc.ID, "alice", AccountOverride{
		PeriodType:  "Quarterly",
		NextRunDate: testutil.Date(2024, 4, 15),
		Reason:      "vendor moved to quarterly billing",
	})
	require.NoError(t, err)
	assert.True(t, got.IsManuallyOverridden)
	require.NotNil(t, got.OverriddenBy)
	assert.Equal(t, "alice", *got.OverriddenBy)
	require.NotNil(t, got.OverrideReason)
	assert.Equal(t, "vendor moved to quarterly billing", *got.OverrideReason)
	assert.Equal(t, models.PeriodQuarterly, got.PeriodType)
	assert.Equal(t, 15, got.AnchorDay)
	assert.Equal(t, 91, got.PeriodDays)
	assert.Equal(t, testutil.Date(2024, 4, 15), got.NextRunDate.UTC())
	assert.Equal(t, testutil.Date(2024, 4, 5), got.WindowStart.UTC())
	assert.Equal(t, testutil.Date(2024, 4, 29), got.WindowEnd.UTC())

	before, after := 2, 3
	got, err = h.syncService.OverrideSchedule(ctx, acc.ID, "bob", AccountOverride{
		PeriodType:  "monthly",
		NextRunDate: testutil.Date(2024, 4, 15),
		DaysBefore:  &before,
		DaysAfter:   &after,
		Reason:      "narrow window",
	})
	require.NoError(t, err)
	assert.Equal(t, testutil.Date(2024, 4, 13), got.WindowStart.UTC())
	assert.Equal(t, testutil.Date(2024, 4, 18), got.WindowEnd.UTC())

	require.NoError(t, h.syncService.ClearOverride(ctx, acc.ID))
	cleared, err := h.accounts.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, cleared.IsManuallyOverridden)
	assert.Nil(t, cleared.OverriddenBy)
	assert.Nil(t, cleared.OverrideReason)
}

func TestOverrideSchedule_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.seedAccount(t, "E1", testutil.Date(2024, 3, 31))
	negative := -1

	tests := []struct {
		name string
		in   AccountOverride
	}{
		{"missing reason", AccountOverride{PeriodType: "Monthly", NextRunDate: testutil.Date(2024, 4, 1)}},
		{"missing date", AccountOverride{PeriodType: "Monthly", Reason: "x"}},
		{"unknown cadence", AccountOverride{PeriodType: "fortnightly-ish", NextRunDate: testutil.Date(2024, 4, 1), Reason: "x"}},
		{"negative window", AccountOverride{PeriodType: "Monthly", NextRunDate: testutil.Date(2024, 4, 1), DaysBefore: &negative, Reason: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.syncService.OverrideSchedule(ctx, acc.ID, "alice", tt.in)
			assert.ErrorIs(t, err, ErrInvalidOverride)
		})
	}

	unchanged, err := h.accounts.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, unchanged.IsManuallyOverridden)

	_, err = h.syncService.OverrideSchedule(ctx, "missing", "alice", AccountOverride{PeriodType: "Monthly", NextRunDate: testutil.Date(2024, 4, 1), Reason: "x"})
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
	assert.ErrorIs(t, h.syncService.ClearOverride(ctx, "missing"), repository.ErrAccountNotFound)
}
