// Package schedule decides on which calendar dates a recurring rule fires.
//
// All functions are pure. Generation and the read-only preview share
// Occurrences, so a preview lists exactly the dates a pass would create.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"dispoline/internal/domain"
)

const (
	DateLayout = "2006-01-02"

	DefaultPreviewDays = 14
	MaxPreviewDays     = 90
)

// Rule is the subset of a schedule the evaluator needs.
type Rule struct {
	Type       domain.RuleType
	TimeLocal  string
	Weekdays   []int
	EveryNDays int
	StartDate  string
	Timezone   string
}

// FromSchedule extracts the rule from a stored schedule.
func FromSchedule(s domain.TaskSchedule) Rule {
	return Rule{
		Type:       s.RuleType,
		TimeLocal:  s.TimeLocal,
		Weekdays:   s.Weekdays,
		EveryNDays: s.EveryNDays,
		StartDate:  s.StartDate,
		Timezone:   s.Timezone,
	}
}

// Location resolves an IANA zone, defaulting to Europe/Berlin.
func Location(tz string) (*time.Location, error) {
	if strings.TrimSpace(tz) == "" {
		tz = domain.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown zone %q", tz)}
	}
	return loc, nil
}

// ISOWeekday maps time.Weekday to 1=Monday … 7=Sunday.
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// Validate rejects malformed rules before anything is stored.
func Validate(r Rule) error {
	if _, _, err := ParseTimeLocal(r.TimeLocal); err != nil {
		return err
	}
	if _, err := Location(r.Timezone); err != nil {
		return err
	}
	switch r.Type {
	case domain.RuleDaily:
	case domain.RuleWeekly:
		if len(r.Weekdays) == 0 {
			return domain.ValidationError{Field: "weekdays", Reason: "at least one weekday required"}
		}
		for _, d := range r.Weekdays {
			if d < 1 || d > 7 {
				return domain.ValidationError{Field: "weekdays", Reason: fmt.Sprintf("weekday %d out of range 1..7", d)}
			}
		}
	case domain.RuleInterval:
		if r.EveryNDays < 1 {
			return domain.ValidationError{Field: "every_n_days", Reason: "must be >= 1"}
		}
		if r.StartDate == "" {
			return domain.ValidationError{Field: "start_date", Reason: "required for INTERVAL"}
		}
		if _, err := time.Parse(DateLayout, r.StartDate); err != nil {
			return domain.ValidationError{Field: "start_date", Reason: "expected YYYY-MM-DD"}
		}
	default:
		return domain.ValidationError{Field: "rule_type", Reason: fmt.Sprintf("unknown rule type %q", r.Type)}
	}
	return nil
}

// ParseTimeLocal parses HH:MM.
func ParseTimeLocal(s string) (int, int, error) {
	bad := domain.ValidationError{Field: "time_local", Reason: "expected HH:MM"}
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, bad
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, bad
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, bad
	}
	return h, m, nil
}

// civilDays counts whole days since the epoch for the calendar date of t in
// its own location; DST shifts do not affect the count.
func civilDays(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// ShouldGenerate reports whether the rule fires on the calendar date of
// candidate as seen in tz. An empty tz falls back to the rule's zone.
func ShouldGenerate(r Rule, candidate time.Time, tz string) bool {
	if tz == "" {
		tz = r.Timezone
	}
	loc, err := Location(tz)
	if err != nil {
		return false
	}
	local := candidate.In(loc)
	switch r.Type {
	case domain.RuleDaily:
		return true
	case domain.RuleWeekly:
		wd := ISOWeekday(local.Weekday())
		for _, d := range r.Weekdays {
			if d == wd {
				return true
			}
		}
		return false
	case domain.RuleInterval:
		if r.StartDate == "" || r.EveryNDays < 1 {
			return false
		}
		start, err := time.ParseInLocation(DateLayout, r.StartDate, loc)
		if err != nil {
			return false
		}
		diff := civilDays(local) - civilDays(start)
		return diff >= 0 && diff%int64(r.EveryNDays) == 0
	}
	return false
}

// LocalDate formats the calendar date of t in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// ScheduledAt combines the rule's HH:MM with a calendar date in the rule zone.
func ScheduledAt(r Rule, date string) (time.Time, error) {
	loc, err := Location(r.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	h, m, err := ParseTimeLocal(r.TimeLocal)
	if err != nil {
		return time.Time{}, err
	}
	day, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, domain.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc), nil
}

// WallClock is the rule's configured local time as HH:MM.
func WallClock(r Rule) string {
	h, m, err := ParseTimeLocal(r.TimeLocal)
	if err != nil {
		return strings.TrimSpace(r.TimeLocal)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// Occurrence is one firing date of a rule.
type Occurrence struct {
	Date          string    `json:"date" example:"2024-01-01"`
	ScheduledTime string    `json:"scheduledTime" example:"07:30"`
	DayOfWeek     int       `json:"dayOfWeek" minimum:"1" maximum:"7"`
	At            time.Time `json:"-"`
}

// Occurrences lists the dates in [from, from+days) (local calendar days in
// the rule zone) on which the rule fires, in ascending order.
func Occurrences(r Rule, from time.Time, days int) ([]Occurrence, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	loc, _ := Location(r.Timezone)
	start := from.In(loc)
	y, m, d := start.Date()
	wall := WallClock(r)
	var out []Occurrence
	for i := 0; i < days; i++ {
		// Noon avoids DST edges when stepping day by day.
		day := time.Date(y, m, d+i, 12, 0, 0, 0, loc)
		if !ShouldGenerate(r, day, r.Timezone) {
			continue
		}
		date := day.Format(DateLayout)
		at, err := ScheduledAt(r, date)
		if err != nil {
			return nil, err
		}
		// A wall time skipped by DST still reports as configured; At holds
		// the shifted instant.
		out = append(out, Occurrence{
			Date:          date,
			ScheduledTime: wall,
			DayOfWeek:     ISOWeekday(day.Weekday()),
			At:            at,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// ClampPreviewDays applies the preview default and cap.
func ClampPreviewDays(days, def, max int) int {
	if def <= 0 {
		def = DefaultPreviewDays
	}
	if max <= 0 {
		max = MaxPreviewDays
	}
	if days <= 0 {
		days = def
	}
	if days > max {
		days = max
	}
	return days
}

// Preview is the read-only view of upcoming occurrences.
func Preview(r Rule, from time.Time, days int) ([]Occurrence, error) {
	return Occurrences(r, from, ClampPreviewDays(days, DefaultPreviewDays, MaxPreviewDays))
}
