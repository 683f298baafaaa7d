// Package blacklist decides whether an account or job is excluded from
// automated retrieval by a blacklist entry.
package blacklist

import (
	"time"

	"github.com/vipul43/adr-worker/internal/billing"
	"github.com/vipul43/adr-worker/internal/models"
)

// Classification places an entry relative to a given day.
type Classification int

const (
	None Classification = iota
	Current
	Future
)

func (c Classification) String() string {
	switch c {
	case Current:
		return "current"
	case Future:
		return "future"
	}
	return "none"
}

// Subject is the set of identifiers an entry can match on.
type Subject struct {
	VendorCode        string
	ExternalAccountID string
	AccountNumber     string
	CredentialID      int64
}

// SubjectFor builds the match subject of an account.
func SubjectFor(account *models.Account) Subject {
	return Subject{
		VendorCode:        account.VendorCode,
		ExternalAccountID: account.ExternalAccountID,
		AccountNumber:     account.AccountNumber,
		CredentialID:      account.CredentialIDValue(),
	}
}

// Matches reports whether any populated key of entry equals the corresponding
// field of subject. Absent keys never match, and neither do empty subject fields.
func Matches(entry *models.BlacklistEntry, subject Subject) bool {
	if entry.VendorCode != nil && *entry.VendorCode != "" && *entry.VendorCode == subject.VendorCode {
		return true
	}
	if entry.ExternalAccountID != nil && *entry.ExternalAccountID != "" && *entry.ExternalAccountID == subject.ExternalAccountID {
		return true
	}
	if entry.AccountNumber != nil && *entry.AccountNumber != "" && *entry.AccountNumber == subject.AccountNumber {
		return true
	}
	if entry.CredentialID != nil && *entry.CredentialID != 0 && *entry.CredentialID == subject.CredentialID {
		return true
	}
	return false
}

// Classify returns Current when the entry is active and its window contains
// today, Future when it starts after today, and None otherwise. Missing start
// or end dates are unbounded.
func Classify(entry *models.BlacklistEntry, today time.Time) Classification {
	if !entry.IsActive {
		return None
	}
	day := billing.DateOf(today)
	if entry.EffectiveStart != nil && billing.DateOf(*entry.EffectiveStart).After(day) {
		return Future
	}
	if entry.EffectiveEnd != nil && billing.DateOf(*entry.EffectiveEnd).Before(day) {
		return None
	}
	return Current
}

// Matcher holds the entries loaded for one orchestration pass, split by
// classification against a fixed day.
type Matcher struct {
	current []models.BlacklistEntry
	future  []models.BlacklistEntry
}

// NewMatcher classifies entries against today. Expired and inactive entries
// are dropped.
func NewMatcher(entries []models.BlacklistEntry, today time.Time) *Matcher {
	m := &Matcher{}
	for _, e := range entries {
		switch Classify(&e, today) {
		case Current:
			m.current = append(m.current, e)
		case Future:
			m.future = append(m.future, e)
		}
	}
	return m
}

// IsExcluded reports whether a current entry matches subject.
func (m *Matcher) IsExcluded(subject Subject) bool {
	if m == nil {
		return false
	}
	for i := range m.current {
		if Matches(&m.current[i], subject) {
			return true
		}
	}
	return false
}

// Annotation is the read-side view of the entries affecting one subject.
type Annotation struct {
	Current []models.BlacklistEntry
	Future  []models.BlacklistEntry
}

// IsBlacklisted reports whether a current entry applies.
func (a Annotation) IsBlacklisted() bool {
	return len(a.Current) > 0
}

// Annotate returns the current and future entries matching subject. It is
// informational and never blocks a read.
func (m *Matcher) Annotate(subject Subject) Annotation {
	var a Annotation
	if m == nil {
		return a
	}
	for i := range m.current {
		if Matches(&m.current[i], subject) {
			a.Current = append(a.Current, m.current[i])
		}
	}
	for i := range m.future {
		if Matches(&m.future[i], subject) {
			a.Future = append(a.Future, m.future[i])
		}
	}
	return a
}

// Counts returns the number of current and future entries.
func (m *Matcher) Counts() (current, future int) {
	if m == nil {
		return 0, 0
	}
	return len(m.current), len(m.future)
}
