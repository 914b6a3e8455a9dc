package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"autopilot/internal/types"
)

// DefaultTimezone is used when a channel has no timezone configured.
const DefaultTimezone = "UTC"

// FireTolerance is the allowed distance between local now and the schedule's
// target time, absorbing tick jitter.
const FireTolerance = time.Minute

var timeOfDayRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

var (
	zoneMu    sync.RWMutex
	zoneCache = map[string]*time.Location{}
)

// LoadZone resolves an IANA zone name, caching successful lookups.
// An empty name resolves to UTC.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	zoneMu.RLock()
	loc, ok := zoneCache[name]
	zoneMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeConfigInvalidTimezone,
			fmt.Sprintf("invalid timezone %q", name), err)
	}
	zoneMu.Lock()
	zoneCache[name] = loc
	zoneMu.Unlock()
	return loc, nil
}

// ParseTimeOfDay parses "HH:MM" or "H:MM" in 24-hour form and returns the
// minutes since midnight.
func ParseTimeOfDay(s string) (int, error) {
	m := timeOfDayRe.FindStringSubmatch(s)
	if m == nil {
		return 0, types.NewAppError(types.ErrCodeConfigInvalidTime,
			fmt.Sprintf("expected format HH:MM, got %q", s), nil)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 {
		return 0, types.NewAppError(types.ErrCodeConfigInvalidTime,
			fmt.Sprintf("hour %d out of range [0,23]", hour), nil)
	}
	if minute > 59 {
		return 0, types.NewAppError(types.ErrCodeConfigInvalidTime,
			fmt.Sprintf("minute %d out of range [0,59]", minute), nil)
	}
	return hour*60 + minute, nil
}

// LocalClock is an instant seen on a channel's wall clock.
type LocalClock struct {
	Time    time.Time
	Weekday time.Weekday
	// Minute is minutes since local midnight, in [0, 1440).
	Minute int
}

// LocalClockAt converts now into the channel-local calendar time.
func LocalClockAt(tz string, now time.Time) (LocalClock, error) {
	loc, err := LoadZone(tz)
	if err != nil {
		return LocalClock{}, err
	}
	local := now.In(loc)
	return LocalClock{
		Time:    local,
		Weekday: local.Weekday(),
		Minute:  local.Hour()*60 + local.Minute(),
	}, nil
}

// Evaluate reports whether the schedule is due at now in the channel's zone.
// A disabled schedule is never due. Errors are configuration errors: a bad
// time string or an unknown zone.
func Evaluate(s types.Schedule, tz string, now time.Time) (bool, error) {
	if !s.Enabled {
		return false, nil
	}
	target, err := ParseTimeOfDay(s.Time)
	if err != nil {
		return false, err
	}
	clock, err := LocalClockAt(tz, now)
	if err != nil {
		return false, err
	}
	if !s.RunsOn(clock.Weekday) {
		return false, nil
	}
	return withinTolerance(clock.Minute, target), nil
}

// ShouldFire is Evaluate with configuration errors treated as "not due".
func ShouldFire(s types.Schedule, tz string, now time.Time) bool {
	due, err := Evaluate(s, tz, now)
	return err == nil && due
}

// withinTolerance compares minutes since midnight. The window does not wrap
// around midnight: 23:59 and 00:00 are 1439 minutes apart.
func withinTolerance(nowMinute, targetMinute int) bool {
	diff := nowMinute - targetMinute
	if diff < 0 {
		diff = -diff
	}
	return diff <= int(FireTolerance/time.Minute)
}
