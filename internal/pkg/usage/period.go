package usage

import (
	"time"

	"github.com/ManuelReschke/quotaledger/app/models"
)

// Window returns the usage period containing now. While the subscription's
// billing period is current it is the window; otherwise monthly windows are
// rolled forward from the period start, or from the row's creation for users
// that never had a paid period.
func Window(sub *models.Subscription, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	if sub.PeriodStart != nil && sub.PeriodEnd != nil &&
		!now.Before(*sub.PeriodStart) && now.Before(*sub.PeriodEnd) {
		return normalize(*sub.PeriodStart), normalize(*sub.PeriodEnd)
	}

	anchor := sub.CreatedAt
	if sub.PeriodStart != nil {
		anchor = *sub.PeriodStart
	}
	if anchor.IsZero() || anchor.After(now) {
		anchor = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	anchor = normalize(anchor)
	return rollMonthly(anchor, now)
}

func rollMonthly(anchor, now time.Time) (time.Time, time.Time) {
	months := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
	if months < 0 {
		months = 0
	}
	start := anchor.AddDate(0, months, 0)
	for start.After(now) && months > 0 {
		months--
		start = anchor.AddDate(0, months, 0)
	}
	end := anchor.AddDate(0, months+1, 0)
	for !now.Before(end) {
		months++
		start, end = end, anchor.AddDate(0, months+1, 0)
	}
	return start, end
}

// normalize drops sub-second precision so window keys compare equal across
// databases.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
