package scheduler

import (
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, time.March, 4, hour, minute, 0, 0, time.UTC) // a Wednesday
}

func TestNextEveryFiveMinutes(t *testing.T) {
	sched, err := Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	next, ok := sched.Next(at(10, 12))
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := at(10, 15); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	sched, _ := Parse("15 * * * *")
	next, _ := sched.Next(at(10, 15).Add(30 * time.Second))
	if want := at(11, 15); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestParseSixFieldsDropsSeconds(t *testing.T) {
	sched, err := Parse("30 0 3 * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sched.String() != "0 3 * * *" {
		t.Fatalf("unexpected normalised expression %q", sched.String())
	}
	next, _ := sched.Next(at(10, 0))
	if want := time.Date(2026, time.March, 5, 3, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestDayOfWeekSevenIsSunday(t *testing.T) {
	sched, err := Parse("0 9 * * 7")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	next, _ := sched.Next(at(10, 0))
	if next.Weekday() != time.Sunday || next.Day() != 8 || next.Hour() != 9 {
		t.Fatalf("expected Sunday 8th 09:00, got %v", next)
	}
}

func TestDayFieldsAreCombinedWithAnd(t *testing.T) {
	// The 13th that is also a Friday.
	sched, err := Parse("0 0 13 * 5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	next, ok := sched.Next(at(0, 0))
	if !ok {
		t.Fatal("expected a next run within a year")
	}
	if next.Day() != 13 || next.Weekday() != time.Friday {
		t.Fatalf("expected Friday the 13th, got %v", next)
	}
}

func TestListsRangesAndSteps(t *testing.T) {
	cases := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"5,20,40 * * * *", at(10, 21), at(10, 40)},
		{"0 8-10 * * *", at(10, 30), time.Date(2026, time.March, 5, 8, 0, 0, 0, time.UTC)},
		{"0-30/10 * * * *", at(10, 21), at(10, 30)},
		{"10/20 * * * *", at(10, 31), at(10, 50)},
		{"0 0 1 6 *", at(10, 0), time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		sched, err := Parse(tc.expr)
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.expr, err)
		}
		got, ok := sched.Next(tc.from)
		if !ok || !got.Equal(tc.want) {
			t.Fatalf("%s: expected %v, got %v (ok=%v)", tc.expr, tc.want, got, ok)
		}
	}
}

func TestParseRejectsMalformedExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"1,,2 * * * *",
	} {
		if _, err := Parse(expr); err == nil {
			t.Fatalf("expected %q to be rejected", expr)
		}
	}
}

func TestNextGivesUpAfterAYear(t *testing.T) {
	sched, err := Parse("0 0 31 2 *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := sched.Next(at(0, 0)); ok {
		t.Fatal("February 31st must never fire")
	}
}
