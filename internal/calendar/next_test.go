package calendar

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestNextAfterDailySkipsWeekends(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sched := ReleaseSchedule{Frequency: FreqDaily, Hour: 9, Minute: 0}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before time same business day",
			now:  time.Date(2025, 6, 4, 8, 0, 0, 0, utc), // Wed
			want: time.Date(2025, 6, 4, 9, 0, 0, 0, utc),
		},
		{
			name: "after time rolls to next day",
			now:  time.Date(2025, 6, 4, 10, 0, 0, 0, utc),
			want: time.Date(2025, 6, 5, 9, 0, 0, 0, utc),
		},
		{
			name: "friday after time rolls over weekend",
			now:  time.Date(2025, 6, 6, 10, 0, 0, 0, utc), // Fri
			want: time.Date(2025, 6, 9, 9, 0, 0, 0, utc),  // Mon
		},
		{
			name: "saturday rolls to monday",
			now:  time.Date(2025, 6, 7, 0, 0, 0, 0, utc),
			want: time.Date(2025, 6, 9, 9, 0, 0, 0, utc),
		},
		{
			name: "exactly at fire time fires now",
			now:  time.Date(2025, 6, 4, 9, 0, 0, 0, utc),
			want: time.Date(2025, 6, 4, 9, 0, 0, 0, utc),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextAfter(sched, tt.now, utc)
			if !ok {
				t.Fatalf("NextAfter returned ok=false")
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextAfter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextAfterWeekly(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sched := ReleaseSchedule{Frequency: FreqWeekly, Weekday: time.Friday, Hour: 15, Minute: 30}

	// Wednesday -> upcoming Friday.
	now := time.Date(2025, 6, 4, 12, 0, 0, 0, utc)
	got, ok := NextAfter(sched, now, utc)
	if !ok {
		t.Fatal("ok=false")
	}
	want := time.Date(2025, 6, 6, 15, 30, 0, 0, utc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Friday 16:00 -> next Friday.
	now = time.Date(2025, 6, 6, 16, 0, 0, 0, utc)
	got, _ = NextAfter(sched, now, utc)
	want = time.Date(2025, 6, 13, 15, 30, 0, 0, utc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextAfterMonthlyNegativeDayUsesExactMonthLength(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sched := ReleaseSchedule{Frequency: FreqMonthly, DayOfMonth: -5, Hour: 8, Minute: 0}

	// April has 30 days: -5 resolves to day 26.
	now := time.Date(2025, 4, 1, 0, 0, 0, 0, utc)
	got, _ := NextAfter(sched, now, utc)
	want := time.Date(2025, 4, 26, 8, 0, 0, 0, utc)
	if !got.Equal(want) {
		t.Fatalf("30-day month: got %v, want %v", got, want)
	}

	// May has 31 days: -5 resolves to day 27.
	now = time.Date(2025, 5, 1, 0, 0, 0, 0, utc)
	got, _ = NextAfter(sched, now, utc)
	want = time.Date(2025, 5, 27, 8, 0, 0, 0, utc)
	if !got.Equal(want) {
		t.Fatalf("31-day month: got %v, want %v", got, want)
	}

	// February 2024 (leap): 29 days, -5 -> day 25.
	now = time.Date(2024, 2, 1, 0, 0, 0, 0, utc)
	got, _ = NextAfter(sched, now, utc)
	want = time.Date(2024, 2, 25, 8, 0, 0, 0, utc)
	if !got.Equal(want) {
		t.Fatalf("leap february: got %v, want %v", got, want)
	}
}

func TestNextAfterMonthlyClampsShortMonths(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sched := ReleaseSchedule{Frequency: FreqMonthly, DayOfMonth: 31, Hour: 6, Minute: 0}

	now := time.Date(2025, 2, 1, 0, 0, 0, 0, utc)
	got, _ := NextAfter(sched, now, utc)
	want := time.Date(2025, 2, 28, 6, 0, 0, 0, utc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextAfterMonthlyRollsToNextMonth(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sched := ReleaseSchedule{Frequency: FreqMonthly, DayOfMonth: 10, Hour: 9, Minute: 0}

	now := time.Date(2025, 6, 10, 9, 1, 0, 0, utc)
	got, _ := NextAfter(sched, now, utc)
	want := time.Date(2025, 7, 10, 9, 0, 0, 0, utc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextAfterQuarterly(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	sched := ReleaseSchedule{Frequency: FreqQuarterly, DayOfMonth: 15, Hour: 12, Minute: 0}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "mid quarter rolls to next quarter",
			now:  time.Date(2025, 2, 1, 0, 0, 0, 0, utc),
			want: time.Date(2025, 4, 15, 12, 0, 0, 0, utc),
		},
		{
			name: "start of quarter fires within it",
			now:  time.Date(2025, 4, 1, 0, 0, 0, 0, utc),
			want: time.Date(2025, 4, 15, 12, 0, 0, 0, utc),
		},
		{
			name: "q4 past fire rolls to january",
			now:  time.Date(2025, 10, 16, 0, 0, 0, 0, utc),
			want: time.Date(2026, 1, 15, 12, 0, 0, 0, utc),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextAfter(sched, tt.now, utc)
			if !ok {
				t.Fatal("ok=false")
			}
			if !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextAfterOnDemandNeverFires(t *testing.T) {
	t.Parallel()
	sched := ReleaseSchedule{Frequency: FreqOnDemand}
	if _, ok := NextAfter(sched, time.Now(), time.UTC); ok {
		t.Fatal("on_demand schedule returned a fire instant")
	}
}

func TestNextAfterHonorsScheduleTimezone(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	sched := ReleaseSchedule{Frequency: FreqWeekly, Weekday: time.Friday, Hour: 15, Minute: 30, Timezone: "America/New_York"}

	// now in UTC; fire must land on Friday 15:30 New York time.
	now := time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)
	got, _ := NextAfter(sched, now, time.UTC)
	want := time.Date(2025, 6, 6, 15, 30, 0, 0, ny)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDueOn(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	weekly := ReleaseSchedule{Frequency: FreqWeekly, Weekday: time.Friday, Hour: 15, Minute: 30}

	// Friday: due even if the fire time already passed.
	ref := time.Date(2025, 6, 6, 23, 0, 0, 0, utc)
	at, due := DueOn(weekly, ref, utc)
	if !due {
		t.Fatal("expected due on friday")
	}
	if want := time.Date(2025, 6, 6, 15, 30, 0, 0, utc); !at.Equal(want) {
		t.Fatalf("at = %v, want %v", at, want)
	}

	// Thursday: not due.
	ref = time.Date(2025, 6, 5, 12, 0, 0, 0, utc)
	if _, due := DueOn(weekly, ref, utc); due {
		t.Fatal("expected not due on thursday")
	}
}

func TestPlanListsWeekWindow(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	daily := ReleaseSchedule{Frequency: FreqDaily, Hour: 9, Minute: 0}

	from := time.Date(2025, 6, 2, 0, 0, 0, 0, utc) // Monday
	entries := Plan(daily, from, 7*24*time.Hour, utc)
	if len(entries) != 5 {
		t.Fatalf("expected 5 business-day fires, got %d", len(entries))
	}
	for _, e := range entries {
		if isWeekend(e.At.Weekday()) {
			t.Fatalf("plan contains weekend fire: %v", e.At)
		}
	}
}

func TestPeriodEndAppliesLagOnly(t *testing.T) {
	t.Parallel()
	sched := ReleaseSchedule{Frequency: FreqWeekly, Weekday: time.Friday, Hour: 15, Minute: 30, LagDays: 3}
	fire := time.Date(2025, 6, 6, 15, 30, 0, 0, time.UTC)
	want := time.Date(2025, 6, 3, 15, 30, 0, 0, time.UTC)
	if got := sched.PeriodEnd(fire); !got.Equal(want) {
		t.Fatalf("PeriodEnd = %v, want %v", got, want)
	}
}

func TestCronScheduleTracksDue(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	cs := NewCronSchedule(ReleaseSchedule{Frequency: FreqWeekly, Weekday: time.Friday, Hour: 15, Minute: 30}, utc)

	now := time.Date(2025, 6, 4, 0, 0, 0, 0, utc)
	next := cs.Next(now)
	if next.IsZero() {
		t.Fatal("expected a fire instant")
	}
	if !cs.Due().Equal(next) {
		t.Fatalf("Due() = %v, want %v", cs.Due(), next)
	}

	od := NewCronSchedule(ReleaseSchedule{Frequency: FreqOnDemand}, utc)
	if !od.Next(now).IsZero() {
		t.Fatal("on_demand schedule must return zero time to cron")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sched   ReleaseSchedule
		wantErr bool
	}{
		{"valid weekly", ReleaseSchedule{Frequency: FreqWeekly, Weekday: time.Friday, Hour: 15, Minute: 30}, false},
		{"valid negative day", ReleaseSchedule{Frequency: FreqMonthly, DayOfMonth: -5, Hour: 8}, false},
		{"bad hour", ReleaseSchedule{Frequency: FreqDaily, Hour: 24}, true},
		{"zero day of month", ReleaseSchedule{Frequency: FreqMonthly, DayOfMonth: 0}, true},
		{"bad timezone", ReleaseSchedule{Frequency: FreqDaily, Timezone: "Mars/Olympus"}, true},
		{"bad frequency", ReleaseSchedule{Frequency: "hourly"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}
