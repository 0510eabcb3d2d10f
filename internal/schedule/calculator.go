// Package schedule computes when recurring notification jobs fire.
//
// Every calculation converts the reference instant into the site's configured
// timezone, does calendar arithmetic there, and returns the result in UTC.
// Comparisons against stored timestamps therefore never depend on the process
// timezone.
package schedule

import (
	"fmt"
	"time"

	"civicnotify/internal/types"
)

const (
	// DefaultBuffer is the minimum lead time between now and a freshly
	// computed slot. A slot closer than this is skipped for the next one.
	DefaultBuffer = 60 * time.Second

	// EditBuffer is used when an admin edit recomputes a job's schedule.
	EditBuffer = 5 * time.Minute
)

// NextFire returns the first slot for freq strictly after now, in UTC.
// Only the three concrete cadences have slots; FrequencyAll is an error.
func NextFire(freq types.Frequency, s Settings, now time.Time) (time.Time, error) {
	if !freq.Valid() {
		return time.Time{}, fmt.Errorf("schedule: no slot for frequency %q", freq)
	}
	r := s.resolve()
	return r.next(freq, now).UTC(), nil
}

// NextFireWithBuffer is NextFire with a minimum lead time. When the computed
// slot is less than buffer away, the calculator is run again from that slot,
// which yields the following period's slot (re-clamped for monthly cadences).
func NextFireWithBuffer(freq types.Frequency, s Settings, now time.Time, buffer time.Duration) (time.Time, error) {
	next, err := NextFire(freq, s, now)
	if err != nil {
		return time.Time{}, err
	}
	if next.Sub(now) < buffer {
		return NextFire(freq, s, next)
	}
	return next, nil
}

// SlotOn returns freq's slot on the local calendar day containing day, if the
// cadence has one that day. FrequencyAll shares the daily slot.
func SlotOn(freq types.Frequency, s Settings, day time.Time) (time.Time, bool) {
	r := s.resolve()
	local := day.In(r.loc)
	y, m, d := local.Date()

	switch freq {
	case types.FrequencyAll, types.FrequencyDaily:
		return r.daily.on(y, m, d, r.loc).UTC(), true
	case types.FrequencyWeekly:
		if local.Weekday() != r.weekday {
			return time.Time{}, false
		}
		return r.weekly.on(y, m, d, r.loc).UTC(), true
	case types.FrequencyMonthly:
		if d != clampDay(r.monthDay, y, m) {
			return time.Time{}, false
		}
		return r.monthly.on(y, m, d, r.loc).UTC(), true
	}
	return time.Time{}, false
}

// GateOpen reports whether now is at or past today's slot for freq. One-time
// jobs wait for the gate of their target cadence.
func GateOpen(freq types.Frequency, s Settings, now time.Time) bool {
	slot, ok := SlotOn(freq, s, now)
	return ok && !now.Before(slot)
}

// LookbackCutoff returns now minus one period of freq, measured on the local
// calendar. The monthly window clamps to the end of a shorter previous month
// (Mar 31 looks back to Feb 28). Unknown frequencies use a one-day window.
func LookbackCutoff(freq types.Frequency, s Settings, now time.Time) time.Time {
	local := now.In(s.resolve().loc)
	switch freq {
	case types.FrequencyWeekly:
		return local.AddDate(0, 0, -7).UTC()
	case types.FrequencyMonthly:
		first := time.Date(local.Year(), local.Month()-1, 1, 0, 0, 0, 0, local.Location())
		y, m := first.Year(), first.Month()
		h, mi, sec := local.Clock()
		return time.Date(y, m, clampDay(local.Day(), y, m), h, mi, sec, local.Nanosecond(), local.Location()).UTC()
	default:
		return local.AddDate(0, 0, -1).UTC()
	}
}

// next computes the slot in the configured location. The result is strictly
// after now.
func (r resolved) next(freq types.Frequency, now time.Time) time.Time {
	local := now.In(r.loc)
	y, m, d := local.Date()

	switch freq {
	case types.FrequencyDaily:
		candidate := r.daily.on(y, m, d, r.loc)
		if candidate.After(now) {
			return candidate
		}
		return candidate.AddDate(0, 0, 1)

	case types.FrequencyWeekly:
		ahead := (int(r.weekday) - int(local.Weekday()) + 7) % 7
		candidate := r.weekly.on(y, m, d+ahead, r.loc)
		if candidate.After(now) {
			return candidate
		}
		return candidate.AddDate(0, 0, 7)

	default:
		candidate := r.monthSlot(y, m)
		if candidate.After(now) {
			return candidate
		}
		return r.monthSlot(y, m+1)
	}
}

// monthSlot returns the monthly slot in the month (y, m), normalizing m first
// so December+1 rolls into January of the following year.
func (r resolved) monthSlot(y int, m time.Month) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, r.loc)
	y, m = first.Year(), first.Month()
	return r.monthly.on(y, m, clampDay(r.monthDay, y, m), r.loc)
}

// clampDay caps day at the number of days in month (y, m).
func clampDay(day, y int, m time.Month) int {
	if n := daysIn(y, m); day > n {
		return n
	}
	return day
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
