package blacklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vipul43/adr-worker/internal/models"
)

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestMatches(t *testing.T) {
	subject := Subject{VendorCode: "ACME", ExternalAccountID: "EXT-1", AccountNumber: "123-45", CredentialID: 77}

	tests := []struct {
		name  string
		entry models.BlacklistEntry
		want  bool
	}{
		{"vendor code", models.BlacklistEntry{VendorCode: strPtr("ACME")}, true},
		{"external account id", models.BlacklistEntry{ExternalAccountID: strPtr("EXT-1")}, true},
		{"account number", models.BlacklistEntry{AccountNumber: strPtr("123-45")}, true},
		{"credential id", models.BlacklistEntry{CredentialID: int64Ptr(77)}, true},
		{"any key matches", models.BlacklistEntry{VendorCode: strPtr("OTHER"), CredentialID: int64Ptr(77)}, true},
		{"no key matches", models.BlacklistEntry{VendorCode: strPtr("OTHER"), AccountNumber: strPtr("999")}, false},
		{"no keys at all", models.BlacklistEntry{}, false},
		{"empty key never matches", models.BlacklistEntry{VendorCode: strPtr("")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(&tt.entry, subject))
		})
	}

	blank := Subject{}
	assert.False(t, Matches(&models.BlacklistEntry{CredentialID: int64Ptr(0)}, blank))
}

func TestClassify(t *testing.T) {
	entry := models.BlacklistEntry{VendorCode: strPtr("ACME"), EffectiveEnd: day(2025, 1, 1), IsActive: true}

	assert.Equal(t, Current, Classify(&entry, *day(2024, 6, 1)))
	assert.Equal(t, Current, Classify(&entry, *day(2025, 1, 1)))
	assert.Equal(t, None, Classify(&entry, *day(2025, 1, 2)))

	future := models.BlacklistEntry{VendorCode: strPtr("ACME"), EffectiveStart: day(2025, 3, 1), EffectiveEnd: day(2025, 4, 1), IsActive: true}
	assert.Equal(t, Future, Classify(&future, *day(2025, 2, 28)))
	assert.Equal(t, Current, Classify(&future, *day(2025, 3, 1)))
	assert.Equal(t, None, Classify(&future, *day(2025, 4, 2)))

	inactive := models.BlacklistEntry{VendorCode: strPtr("ACME"), IsActive: false}
	assert.Equal(t, None, Classify(&inactive, *day(2025, 1, 1)))

	open := models.BlacklistEntry{VendorCode: strPtr("ACME"), IsActive: true}
	assert.Equal(t, Current, Classify(&open, *day(1999, 1, 1)))

	// time of day on today does not matter
	late := time.Date(2025, 1, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, Current, Classify(&entry, late))
}

func TestMatcher_CurrentExcludesFutureDoesNot(t *testing.T) {
	today := *day(2024, 6, 1)
	entries := []models.BlacklistEntry{
		{ID: "cur", VendorCode: strPtr("ACME"), EffectiveStart: day(2024, 5, 1), EffectiveEnd: day(2024, 7, 1), IsActive: true},
		{ID: "fut", AccountNumber: strPtr("555"), EffectiveStart: day(2024, 8, 1), EffectiveEnd: day(2024, 9, 1), IsActive: true},
		{ID: "old", CredentialID: int64Ptr(9), EffectiveStart: day(2023, 1, 1), EffectiveEnd: day(2023, 2, 1), IsActive: true},
	}
	m := NewMatcher(entries, today)

	cur, fut := m.Counts()
	assert.Equal(t, 1, cur)
	assert.Equal(t, 1, fut)

	assert.True(t, m.IsExcluded(Subject{VendorCode: "ACME"}))
	assert.False(t, m.IsExcluded(Subject{VendorCode: "BETA", AccountNumber: "555"}))
	assert.False(t, m.IsExcluded(Subject{VendorCode: "BETA", CredentialID: 9}))

	a := m.Annotate(Subject{VendorCode: "ACME", AccountNumber: "555"})
	assert.True(t, a.IsBlacklisted())
	assert.Len(t, a.Current, 1)
	assert.Len(t, a.Future, 1)
	assert.Equal(t, "fut", a.Future[0].ID)

	var nilMatcher *Matcher
	assert.False(t, nilMatcher.IsExcluded(Subject{VendorCode: "ACME"}))
}

func TestSubjectFor(t *testing.T) {
	acc := &models.Account{VendorCode: "ACME", ExternalAccountID: "E1", AccountNumber: "A1", CredentialID: int64Ptr(5)}
	assert.Equal(t, Subject{VendorCode: "ACME", ExternalAccountID: "E1", AccountNumber: "A1", CredentialID: 5}, SubjectFor(acc))
	assert.Equal(t, int64(0), SubjectFor(&models.Account{}).CredentialID)
}
