// Package billing converts billing cadences and anchor dates into due dates
// and search windows. Stepping is done in whole calendar units from a fixed
// reference so repeated recalculation never drifts.
package billing

import (
	"time"

	"github.com/vipul43/adr-worker/internal/models"
)

type windowDays struct {
	before, after int
}

// defaultWindows is sized to how far invoices of each cadence typically land
// from their nominal date.
var defaultWindows = map[models.PeriodType]windowDays{
	models.PeriodBiWeekly:     {2, 3},
	models.PeriodMonthly:      {5, 7},
	models.PeriodBiMonthly:    {7, 10},
	models.PeriodQuarterly:    {10, 14},
	models.PeriodSemiAnnually: {14, 21},
	models.PeriodAnnually:     {21, 30},
}

var approximateDays = map[models.PeriodType]int{
	models.PeriodBiWeekly:     14,
	models.PeriodMonthly:      30,
	models.PeriodBiMonthly:    61,
	models.PeriodQuarterly:    91,
	models.PeriodSemiAnnually: 182,
	models.PeriodAnnually:     365,
}

// GetDefaultWindowDays returns the days before and after the next run date
// that make up the search window. Unknown cadences get (0, 0).
func GetDefaultWindowDays(periodType models.PeriodType) (before, after int) {
	w := defaultWindows[periodType]
	return w.before, w.after
}

// GetApproximatePeriodDays returns the nominal length of a period. It is for
// display only and never used to step dates.
func GetApproximatePeriodDays(periodType models.PeriodType) int {
	return approximateDays[periodType]
}

// GetAnchorDayOfMonth returns the day of month to preserve across steps.
func GetAnchorDayOfMonth(date time.Time) int {
	return date.Day()
}

// ResolveAnchorDay picks the anchor for a new reference date. A reference that
// falls on the last day of a short month and is earlier than the existing
// anchor is a clamped date, so the existing anchor is kept (a Feb 28 invoice
// for an account anchored on the 31st stays anchored on the 31st).
func ResolveAnchorDay(reference time.Time, existingAnchor int) int {
	day := reference.Day()
	if existingAnchor > day && existingAnchor <= 31 && day == daysInMonth(reference.Year(), reference.Month()) {
		return existingAnchor
	}
	return day
}

// monthsPerPeriod returns the calendar months in one period, or 0 for cadences
// stepped in days.
func monthsPerPeriod(periodType models.PeriodType) int {
	switch periodType {
	case models.PeriodMonthly:
		return 1
	case models.PeriodBiMonthly:
		return 2
	case models.PeriodQuarterly:
		return 3
	case models.PeriodSemiAnnually:
		return 6
	case models.PeriodAnnually:
		return 12
	}
	return 0
}

// CalculateNextRunDateOnOrAfterToday advances referenceDate by whole periods
// until the result is on or after today. Month-based cadences land on
// anchorDay, clamped to the last day of shorter months; each candidate is
// computed from referenceDate directly so clamping never accumulates.
// A referenceDate already on or after today is returned unchanged.
func CalculateNextRunDateOnOrAfterToday(periodType models.PeriodType, referenceDate, today time.Time, anchorDay int) time.Time {
	ref := DateOf(referenceDate)
	day := DateOf(today)
	if !ref.Before(day) {
		return ref
	}
	if anchorDay <= 0 || anchorDay > 31 {
		anchorDay = ref.Day()
	}

	months := monthsPerPeriod(periodType)
	if months == 0 {
		if periodType != models.PeriodBiWeekly {
			// unknown cadence: nothing sensible to step by
			return ref
		}
		elapsed := int(day.Sub(ref).Hours() / 24)
		steps := (elapsed + 13) / 14
		return ref.AddDate(0, 0, steps*14)
	}

	elapsedMonths := (day.Year()-ref.Year())*12 + int(day.Month()-ref.Month())
	k := elapsedMonths/months - 1
	if k < 1 {
		k = 1
	}
	for {
		candidate := AddMonthsAnchored(ref, k*months, anchorDay)
		if !candidate.Before(day) {
			// step back if an earlier step also qualifies
			for k > 1 {
				prev := AddMonthsAnchored(ref, (k-1)*months, anchorDay)
				if prev.Before(day) {
					break
				}
				candidate = prev
				k--
			}
			return candidate
		}
		k++
	}
}

// PreviousRunDate steps nextRunDate back by one period. It is the start of the
// billing period that ends on nextRunDate.
func PreviousRunDate(periodType models.PeriodType, nextRunDate time.Time, anchorDay int) time.Time {
	next := DateOf(nextRunDate)
	if anchorDay <= 0 || anchorDay > 31 {
		anchorDay = next.Day()
	}
	months := monthsPerPeriod(periodType)
	if months == 0 {
		if periodType == models.PeriodBiWeekly {
			return next.AddDate(0, 0, -14)
		}
		return next
	}
	return AddMonthsAnchored(next, -months, anchorDay)
}

// SearchWindow returns [next - before, next + after].
func SearchWindow(nextRunDate time.Time, before, after int) (start, end time.Time) {
	next := DateOf(nextRunDate)
	return next.AddDate(0, 0, -before), next.AddDate(0, 0, after)
}

// AddMonthsAnchored moves date by n calendar months and places it on
// anchorDay, clamped to the length of the target month.
func AddMonthsAnchored(date time.Time, n int, anchorDay int) time.Time {
	first := time.Date(date.Year(), date.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	d := anchorDay
	if last := daysInMonth(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates t to midnight UTC of its calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
