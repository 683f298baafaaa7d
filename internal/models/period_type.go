package models

import "fmt"

// PeriodType is the billing cadence of an account.
type PeriodType string

const (
	PeriodBiWeekly     PeriodType = "Bi-Weekly"
	PeriodMonthly      PeriodType = "Monthly"
	PeriodBiMonthly    PeriodType = "Bi-Monthly"
	PeriodQuarterly    PeriodType = "Quarterly"
	PeriodSemiAnnually PeriodType = "Semi-Annually"
	PeriodAnnually     PeriodType = "Annually"
)

// PeriodTypes lists every supported cadence in ascending length.
var PeriodTypes = []PeriodType{
	PeriodBiWeekly,
	PeriodMonthly,
	PeriodBiMonthly,
	PeriodQuarterly,
	PeriodSemiAnnually,
	PeriodAnnually,
}

// Valid reports whether p is one of the supported cadences.
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodBiWeekly, PeriodMonthly, PeriodBiMonthly, PeriodQuarterly, PeriodSemiAnnually, PeriodAnnually:
		return true
	}
	return false
}

// ParsePeriodType accepts the canonical names plus the loose spellings found in
// upstream catalogs ("biweekly", "semi annually", ...).
func ParsePeriodType(s string) (PeriodType, error) {
	switch normalizePeriod(s) {
	case "biweekly":
		return PeriodBiWeekly, nil
	case "monthly":
		return PeriodMonthly, nil
	case "bimonthly":
		return PeriodBiMonthly, nil
	case "quarterly":
		return PeriodQuarterly, nil
	case "semiannually", "semiannual":
		return PeriodSemiAnnually, nil
	case "annually", "annual", "yearly":
		return PeriodAnnually, nil
	}
	return "", fmt.Errorf("unknown period type %q", s)
}

func normalizePeriod(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		case c >= 'a' && c <= 'z':
			out = append(out, c)
		}
	}
	return string(out)
}
