package schedule

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultTimeOfDay is used for any send time that cannot be parsed.
	DefaultTimeOfDay = "09:00"
	// DefaultWeekday is used when the weekly send day is not a weekday name.
	DefaultWeekday = "tuesday"
	// DefaultTimezone is used when the site timezone cannot be loaded.
	DefaultTimezone = "UTC"
)

// Settings is the site-wide send schedule as an administrator configures it.
// Times are "HH:MM" in the site timezone.
type Settings struct {
	DailyTime   string
	WeeklyDay   string
	WeeklyTime  string
	MonthlyDay  int
	MonthlyTime string
	Timezone    string
}

// DefaultSettings returns the schedule used on a fresh install.
func DefaultSettings() Settings {
	return Settings{
		DailyTime:   DefaultTimeOfDay,
		WeeklyDay:   DefaultWeekday,
		WeeklyTime:  DefaultTimeOfDay,
		MonthlyDay:  1,
		MonthlyTime: DefaultTimeOfDay,
		Timezone:    DefaultTimezone,
	}
}

// Normalize returns a copy with every unusable field replaced by its fallback,
// and one message per replacement so the caller can log them. A monthly day
// outside 1..31 is clamped into range.
func (s Settings) Normalize() (Settings, []string) {
	out := s
	var problems []string

	fixTime := func(name string, v *string) {
		if _, err := parseTimeOfDay(*v); err != nil {
			problems = append(problems, fmt.Sprintf("%s %q invalid, using %s", name, *v, DefaultTimeOfDay))
			*v = DefaultTimeOfDay
		}
	}
	fixTime("daily_time", &out.DailyTime)
	fixTime("weekly_time", &out.WeeklyTime)
	fixTime("monthly_time", &out.MonthlyTime)

	if _, ok := parseWeekday(out.WeeklyDay); !ok {
		problems = append(problems, fmt.Sprintf("weekly_day %q invalid, using %s", out.WeeklyDay, DefaultWeekday))
		out.WeeklyDay = DefaultWeekday
	} else {
		out.WeeklyDay = strings.ToLower(strings.TrimSpace(out.WeeklyDay))
	}

	switch {
	case out.MonthlyDay < 1:
		problems = append(problems, fmt.Sprintf("monthly_day %d below range, using 1", out.MonthlyDay))
		out.MonthlyDay = 1
	case out.MonthlyDay > 31:
		problems = append(problems, fmt.Sprintf("monthly_day %d above range, using 31", out.MonthlyDay))
		out.MonthlyDay = 31
	}

	if _, err := time.LoadLocation(out.Timezone); err != nil || out.Timezone == "" {
		problems = append(problems, fmt.Sprintf("timezone %q invalid, using %s", out.Timezone, DefaultTimezone))
		out.Timezone = DefaultTimezone
	}

	return out, problems
}

// Location returns the configured timezone, falling back to UTC.
func (s Settings) Location() *time.Location {
	return s.resolve().loc
}

// Changed returns the cadences whose slot definition differs between s and
// other. A timezone change affects all three.
func (s Settings) Changed(other Settings) (daily, weekly, monthly bool) {
	a, _ := s.Normalize()
	b, _ := other.Normalize()
	tz := a.Timezone != b.Timezone
	daily = tz || a.DailyTime != b.DailyTime
	weekly = tz || a.WeeklyDay != b.WeeklyDay || a.WeeklyTime != b.WeeklyTime
	monthly = tz || a.MonthlyDay != b.MonthlyDay || a.MonthlyTime != b.MonthlyTime
	return daily, weekly, monthly
}

type clock struct {
	hour, minute int
}

func (c clock) on(y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, c.hour, c.minute, 0, 0, loc)
}

// resolved is Settings with every field parsed and fallbacks applied.
type resolved struct {
	daily    clock
	weekly   clock
	monthly  clock
	weekday  time.Weekday
	monthDay int
	loc      *time.Location
}

func (s Settings) resolve() resolved {
	n, _ := s.Normalize()
	loc, err := time.LoadLocation(n.Timezone)
	if err != nil {
		loc = time.UTC
	}
	wd, _ := parseWeekday(n.WeeklyDay)
	d, _ := parseTimeOfDay(n.DailyTime)
	w, _ := parseTimeOfDay(n.WeeklyTime)
	m, _ := parseTimeOfDay(n.MonthlyTime)
	return resolved{
		daily:    d,
		weekly:   w,
		monthly:  m,
		weekday:  wd,
		monthDay: n.MonthlyDay,
		loc:      loc,
	}
}

// parseTimeOfDay parses a "HH:MM" string. The input must be exactly five
// characters; trailing content is rejected.
func parseTimeOfDay(s string) (clock, error) {
	if len(s) != 5 || s[2] != ':' {
		return clock{}, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	var hour, minute int
	n, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil || n != 2 {
		return clock{}, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	if hour < 0 || hour > 23 {
		return clock{}, fmt.Errorf("hour %d out of range [0,23]", hour)
	}
	if minute < 0 || minute > 59 {
		return clock{}, fmt.Errorf("minute %d out of range [0,59]", minute)
	}
	return clock{hour: hour, minute: minute}, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return time.Tuesday, false
	}
	return wd, true
}
