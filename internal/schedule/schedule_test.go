package schedule

import (
	"errors"
	"testing"
	"time"

	"dispoline/internal/domain"
)

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return loc
}

func TestWeeklyMonWedFri(t *testing.T) {
	loc := berlin(t)
	r := Rule{Type: domain.RuleWeekly, TimeLocal: "07:00", Weekdays: []int{1, 3, 5}, Timezone: "Europe/Berlin"}
	monday := time.Date(2024, 1, 1, 9, 0, 0, 0, loc)
	var fired []int
	for i := 0; i < 7; i++ {
		day := monday.AddDate(0, 0, i)
		if ShouldGenerate(r, day, "Europe/Berlin") {
			fired = append(fired, ISOWeekday(day.Weekday()))
		}
	}
	if len(fired) != 3 || fired[0] != 1 || fired[1] != 3 || fired[2] != 5 {
		t.Fatalf("fired on %v, want [1 3 5]", fired)
	}
}

func TestWeeklyUsesRuleTimezone(t *testing.T) {
	r := Rule{Type: domain.RuleWeekly, TimeLocal: "07:00", Weekdays: []int{1}, Timezone: "Europe/Berlin"}
	// Sunday 23:30 UTC is already Monday in Berlin.
	sundayLate := time.Date(2024, 1, 7, 23, 30, 0, 0, time.UTC)
	if !ShouldGenerate(r, sundayLate, "Europe/Berlin") {
		t.Fatalf("expected Monday in Berlin")
	}
	if ShouldGenerate(r, sundayLate, "UTC") {
		t.Fatalf("still Sunday in UTC")
	}
}

func TestSundayIsSeven(t *testing.T) {
	r := Rule{Type: domain.RuleWeekly, TimeLocal: "07:00", Weekdays: []int{7}, Timezone: "Europe/Berlin"}
	sunday := time.Date(2024, 1, 7, 12, 0, 0, 0, berlin(t))
	if !ShouldGenerate(r, sunday, "") {
		t.Fatalf("sunday should fire for weekday 7")
	}
	if err := Validate(Rule{Type: domain.RuleWeekly, TimeLocal: "07:00", Weekdays: []int{0}}); err == nil {
		t.Fatalf("weekday 0 must be rejected")
	}
}

func TestIntervalEveryThreeDays(t *testing.T) {
	loc := berlin(t)
	r := Rule{Type: domain.RuleInterval, TimeLocal: "06:00", EveryNDays: 3, StartDate: "2024-01-01", Timezone: "Europe/Berlin"}
	for _, tc := range []struct {
		day  int
		want bool
	}{
		{1, true}, {4, true}, {7, true},
		{2, false}, {3, false}, {5, false},
	} {
		got := ShouldGenerate(r, time.Date(2024, 1, tc.day, 15, 0, 0, 0, loc), "Europe/Berlin")
		if got != tc.want {
			t.Fatalf("2024-01-%02d: got %v want %v", tc.day, got, tc.want)
		}
	}
	if ShouldGenerate(r, time.Date(2023, 12, 29, 12, 0, 0, 0, loc), "Europe/Berlin") {
		t.Fatalf("dates before start never fire")
	}
}

func TestIntervalAcrossDST(t *testing.T) {
	loc := berlin(t)
	r := Rule{Type: domain.RuleInterval, TimeLocal: "01:00", EveryNDays: 1, StartDate: "2024-03-30", Timezone: "Europe/Berlin"}
	for d := 30; d <= 31; d++ {
		if !ShouldGenerate(r, time.Date(2024, 3, d, 0, 30, 0, 0, loc), "") {
			t.Fatalf("daily interval must fire on 2024-03-%d", d)
		}
	}
	r.EveryNDays = 2
	if !ShouldGenerate(r, time.Date(2024, 4, 1, 0, 10, 0, 0, loc), "") {
		t.Fatalf("two days after start across DST")
	}
}

func TestIntervalMissingFieldsNeverFires(t *testing.T) {
	r := Rule{Type: domain.RuleInterval, TimeLocal: "06:00", EveryNDays: 0, StartDate: "2024-01-01"}
	if ShouldGenerate(r, time.Now(), "") {
		t.Fatalf("every_n_days 0 never fires")
	}
	r = Rule{Type: domain.RuleInterval, TimeLocal: "06:00", EveryNDays: 2}
	if ShouldGenerate(r, time.Now(), "") {
		t.Fatalf("missing start date never fires")
	}
}

func TestValidate(t *testing.T) {
	bad := []Rule{
		{Type: domain.RuleDaily, TimeLocal: "7:00"},
		{Type: domain.RuleDaily, TimeLocal: "24:00"},
		{Type: domain.RuleDaily, TimeLocal: "07:00", Timezone: "Mars/Olympus"},
		{Type: domain.RuleWeekly, TimeLocal: "07:00"},
		{Type: domain.RuleInterval, TimeLocal: "07:00", EveryNDays: 2},
		{Type: domain.RuleInterval, TimeLocal: "07:00", EveryNDays: 2, StartDate: "01.01.2024"},
		{Type: "HOURLY", TimeLocal: "07:00"},
	}
	for _, r := range bad {
		err := Validate(r)
		var ve domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("rule %+v: expected ValidationError, got %v", r, err)
		}
	}
	if err := Validate(Rule{Type: domain.RuleDaily, TimeLocal: "07:30"}); err != nil {
		t.Fatalf("daily rule: %v", err)
	}
}

func TestScheduledAtCombinesLocalTime(t *testing.T) {
	r := Rule{Type: domain.RuleDaily, TimeLocal: "07:30", Timezone: "Europe/Berlin"}
	at, err := ScheduledAt(r, "2024-07-01")
	if err != nil {
		t.Fatal(err)
	}
	if got := at.UTC().Format(time.RFC3339); got != "2024-07-01T05:30:00Z" {
		t.Fatalf("summer time: %s", got)
	}
	at, _ = ScheduledAt(r, "2024-01-15")
	if got := at.UTC().Format(time.RFC3339); got != "2024-01-15T06:30:00Z" {
		t.Fatalf("winter time: %s", got)
	}
}

func TestPreviewDefaultsAndCap(t *testing.T) {
	r := Rule{Type: domain.RuleDaily, TimeLocal: "08:00", Timezone: "Europe/Berlin"}
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, berlin(t))
	occ, err := Preview(r, from, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(occ) != DefaultPreviewDays {
		t.Fatalf("default preview %d", len(occ))
	}
	occ, _ = Preview(r, from, 365)
	if len(occ) != MaxPreviewDays {
		t.Fatalf("capped preview %d", len(occ))
	}
	if occ[0].Date != "2024-01-01" || occ[0].ScheduledTime != "08:00" || occ[0].DayOfWeek != 1 {
		t.Fatalf("first occurrence %+v", occ[0])
	}
}

func TestPreviewMatchesPredicate(t *testing.T) {
	loc := berlin(t)
	r := Rule{Type: domain.RuleWeekly, TimeLocal: "05:15", Weekdays: []int{2, 6}, Timezone: "Europe/Berlin"}
	from := time.Date(2024, 3, 20, 23, 50, 0, 0, loc)
	occ, err := Preview(r, from, 30)
	if err != nil {
		t.Fatal(err)
	}
	want := 0
	for i := 0; i < 30; i++ {
		day := time.Date(2024, 3, 20+i, 12, 0, 0, 0, loc)
		if ShouldGenerate(r, day, "") {
			if occ[want].Date != day.Format(DateLayout) {
				t.Fatalf("occurrence %d = %s, want %s", want, occ[want].Date, day.Format(DateLayout))
			}
			want++
		}
	}
	if want != len(occ) {
		t.Fatalf("preview listed %d dates, predicate fired %d", len(occ), want)
	}
}

func TestPreviewKeepsWallTimeOnSpringForward(t *testing.T) {
	loc := berlin(t)
	r := Rule{Type: domain.RuleDaily, TimeLocal: "02:30", Timezone: "Europe/Berlin"}
	occ, err := Occurrences(r, time.Date(2024, 3, 31, 0, 5, 0, 0, loc), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(occ) != 1 {
		t.Fatalf("expected one occurrence, got %+v", occ)
	}
	if occ[0].Date != "2024-03-31" || occ[0].ScheduledTime != "02:30" || occ[0].DayOfWeek != 7 {
		t.Fatalf("occurrence %+v", occ[0])
	}
	// 02:30 does not exist that night; the instant lands an hour later.
	if got := occ[0].At.In(loc).Format("15:04"); got != "03:30" {
		t.Fatalf("shifted instant %s", got)
	}
}
