package scheduler

import (
	"errors"
	"testing"
	"time"

	"autopilot/internal/types"
)

func weekdays(days ...time.Weekday) []int {
	out := make([]int, len(days))
	for i, d := range days {
		out[i] = int(d)
	}
	return out
}

func almaty(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Almaty")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"09:00", 540, false},
		{"9:05", 545, false},
		{"00:00", 0, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"12:5", 0, true},
		{"123:00", 0, true},
		{"", 0, true},
		{"09:00 ", 0, true},
		{"ab:cd", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				if !types.IsConfigError(err) {
					t.Errorf("expected a config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestShouldFire_DisabledNeverFires(t *testing.T) {
	s := types.Schedule{ID: "s1", Enabled: false, Time: "09:00", DaysOfWeek: weekdays(0, 1, 2, 3, 4, 5, 6)}
	for h := 0; h < 24; h++ {
		now := time.Date(2026, 3, 2, h, 0, 0, 0, time.UTC)
		if ShouldFire(s, "UTC", now) {
			t.Fatalf("disabled schedule fired at %s", now)
		}
	}
}

func TestShouldFire_ToleranceWindow(t *testing.T) {
	s := types.Schedule{ID: "s1", Enabled: true, Time: "09:00", DaysOfWeek: weekdays(time.Monday)}
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // Monday

	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{-2 * time.Minute, false},
		{-time.Minute, true},
		{0, true},
		{30 * time.Second, true},
		{time.Minute, true},
		{time.Minute + 59*time.Second, true}, // still 09:01 on the wall clock
		{2 * time.Minute, false},
	}
	for _, tt := range tests {
		if got := ShouldFire(s, "UTC", base.Add(tt.offset)); got != tt.want {
			t.Errorf("offset %s: expected %v, got %v", tt.offset, tt.want, got)
		}
	}
}

func TestShouldFire_WrongWeekday(t *testing.T) {
	s := types.Schedule{ID: "s1", Enabled: true, Time: "09:00", DaysOfWeek: weekdays(time.Tuesday)}
	monday := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if ShouldFire(s, "UTC", monday) {
		t.Error("schedule fired on a day outside its day set")
	}
}

func TestShouldFire_UsesChannelZone(t *testing.T) {
	loc := almaty(t)
	s := types.Schedule{ID: "s1", Enabled: true, Time: "09:00", DaysOfWeek: weekdays(time.Monday)}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, loc)

	if !ShouldFire(s, "Asia/Almaty", now) {
		t.Error("expected fire at 09:00 Almaty time")
	}
	if ShouldFire(s, "UTC", now) {
		t.Error("09:00 Almaty is not 09:00 UTC")
	}
}

func TestShouldFire_LocalWeekdayDiffersFromUTC(t *testing.T) {
	loc := almaty(t)
	// Monday 00:30 in Almaty is still Sunday in UTC.
	now := time.Date(2026, 3, 2, 0, 30, 0, 0, loc)
	s := types.Schedule{ID: "s1", Enabled: true, Time: "00:30", DaysOfWeek: weekdays(time.Monday)}

	if !ShouldFire(s, "Asia/Almaty", now) {
		t.Error("expected local Monday to match")
	}
}

func TestShouldFire_MidnightDoesNotWrap(t *testing.T) {
	s := types.Schedule{ID: "s1", Enabled: true, Time: "23:59", DaysOfWeek: weekdays(0, 1, 2, 3, 4, 5, 6)}
	midnight := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if ShouldFire(s, "UTC", midnight) {
		t.Error("tolerance window must not wrap around midnight")
	}

	s.Time = "00:00"
	if !ShouldFire(s, "UTC", midnight) {
		t.Error("midnight must normalise to minute 0")
	}
}

func TestShouldFire_DSTTransition(t *testing.T) {
	s := types.Schedule{ID: "s1", Enabled: true, Time: "09:00", DaysOfWeek: weekdays(time.Sunday)}
	// 2026-03-29 is the EU spring-forward Sunday; Berlin is UTC+2 afterwards.
	now := time.Date(2026, 3, 29, 7, 0, 0, 0, time.UTC)
	if _, err := time.LoadLocation("Europe/Berlin"); err != nil {
		t.Skip("tzdata unavailable")
	}
	if !ShouldFire(s, "Europe/Berlin", now) {
		t.Error("expected 07:00 UTC to be 09:00 CEST")
	}
}

func TestEvaluate_InvalidConfiguration(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	_, err := Evaluate(types.Schedule{Enabled: true, Time: "9am", DaysOfWeek: weekdays(time.Monday)}, "UTC", now)
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeConfigInvalidTime {
		t.Errorf("expected invalid time error, got %v", err)
	}

	_, err = Evaluate(types.Schedule{Enabled: true, Time: "09:00", DaysOfWeek: weekdays(time.Monday)}, "Mars/Olympus", now)
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeConfigInvalidTimezone {
		t.Errorf("expected invalid timezone error, got %v", err)
	}

	s := types.Schedule{Enabled: true, Time: "9am", DaysOfWeek: weekdays(time.Monday)}
	if ShouldFire(s, "UTC", now) {
		t.Error("unparseable time must not fire")
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	s := types.Schedule{ID: "s1", Enabled: true, Time: "09:00", DaysOfWeek: weekdays(time.Monday)}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	first, _ := Evaluate(s, "", now)
	for i := 0; i < 5; i++ {
		got, _ := Evaluate(s, "", now)
		if got != first {
			t.Fatal("Evaluate is not deterministic")
		}
	}
}

func TestTickPayload_Now(t *testing.T) {
	fallback := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if got := (TickPayload{Tick: TickSchedules}).Now(fallback); !got.Equal(fallback) {
		t.Errorf("expected fallback, got %s", got)
	}
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	if got := (TickPayload{ReferenceTime: &ref}).Now(fallback); !got.Equal(ref) || got.Location() != time.UTC {
		t.Errorf("expected reference time in UTC, got %s", got)
	}
	if TickType("nope").Valid() || !TickFiles.Valid() {
		t.Error("TickType.Valid mismatch")
	}
}
