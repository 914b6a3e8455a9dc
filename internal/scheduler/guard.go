package scheduler

import (
	"context"
	"sync"
	"time"

	"autopilot/internal/types"
)

// DefaultFireDedupWindow is how long an in-memory claim suppresses another
// firing of the same schedule in this process.
const DefaultFireDedupWindow = 90 * time.Second

// Reasons reported by FireDecision when firing is refused.
const (
	ReasonAlreadyFired  = "already_fired_in_window"
	ReasonRecentClaim   = "recent_run_in_memory"
	ReasonInvalidConfig = "invalid_config"
)

// RecentRuns is the process-scoped map of recent firing claims keyed by
// channelID:scheduleID. It is safe for concurrent use.
type RecentRuns struct {
	mu   sync.Mutex
	runs map[string]time.Time
}

// NewRecentRuns returns an empty claim map.
func NewRecentRuns() *RecentRuns {
	return &RecentRuns{runs: make(map[string]time.Time)}
}

// Claim records now for key unless a claim younger than window exists.
// Check and write happen under one lock.
func (r *RecentRuns) Claim(key string, now time.Time, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.runs[key]; ok && now.Sub(last) < window {
		return false
	}
	r.runs[key] = now
	return true
}

// Release drops the claim for key if it is still the one made at claimedAt.
func (r *RecentRuns) Release(key string, claimedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.runs[key]; ok && last.Equal(claimedAt) {
		delete(r.runs, key)
	}
}

// Prune removes claims older than window and returns how many were dropped.
func (r *RecentRuns) Prune(now time.Time, window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, at := range r.runs {
		if now.Sub(at) >= window {
			delete(r.runs, k)
			n++
		}
	}
	return n
}

// Len returns the number of live claims.
func (r *RecentRuns) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// ScheduleRecorder persists a schedule's last firing instant.
// docstore.ChannelRepository satisfies it.
type ScheduleRecorder interface {
	UpdateScheduleLastRun(ctx context.Context, ownerID, channelID, scheduleID string, at time.Time) error
}

// FireDecision is the result of TryClaimFiring.
type FireDecision struct {
	Fire      bool
	Reason    string
	ClaimedAt time.Time
}

// FireOnceGuard keeps a schedule from firing twice for the same slot. The
// durable lastRunAt check survives restarts; the in-memory claim closes the
// gap between deciding to fire and persisting lastRunAt.
type FireOnceGuard struct {
	recent   *RecentRuns
	recorder ScheduleRecorder
	window   time.Duration
}

// NewFireOnceGuard builds a guard. A nil recent map gets a fresh one and a
// non-positive window means DefaultFireDedupWindow.
func NewFireOnceGuard(recent *RecentRuns, recorder ScheduleRecorder, window time.Duration) *FireOnceGuard {
	if recent == nil {
		recent = NewRecentRuns()
	}
	if window <= 0 {
		window = DefaultFireDedupWindow
	}
	return &FireOnceGuard{recent: recent, recorder: recorder, window: window}
}

// FiringKey is the in-memory claim key of a schedule.
func FiringKey(channelID, scheduleID string) string {
	return channelID + ":" + scheduleID
}

// TryClaimFiring decides whether the schedule may fire at now. On success the
// in-memory claim is already written, before any generation call starts.
func (g *FireOnceGuard) TryClaimFiring(ch *types.Channel, s types.Schedule, now time.Time) FireDecision {
	fired, err := firedInWindow(s, ch.Timezone, now)
	if err != nil {
		return FireDecision{Reason: ReasonInvalidConfig}
	}
	if fired {
		return FireDecision{Reason: ReasonAlreadyFired}
	}
	if !g.recent.Claim(FiringKey(ch.ID, s.ID), now, g.window) {
		return FireDecision{Reason: ReasonRecentClaim}
	}
	return FireDecision{Fire: true, ClaimedAt: now}
}

// RecordFired persists at as the schedule's lastRunAt. Only that schedule is
// touched. The in-memory claim stays in place whether or not this succeeds.
func (g *FireOnceGuard) RecordFired(ctx context.Context, ch *types.Channel, s types.Schedule, at time.Time) error {
	return g.recorder.UpdateScheduleLastRun(ctx, ch.OwnerID, ch.ID, s.ID, at)
}

// ReleaseClaim drops the in-memory claim made by a FireDecision so the next
// tick inside the window can retry.
func (g *FireOnceGuard) ReleaseClaim(ch *types.Channel, s types.Schedule, d FireDecision) {
	if !d.Fire {
		return
	}
	g.recent.Release(FiringKey(ch.ID, s.ID), d.ClaimedAt)
}

// Prune drops expired in-memory claims.
func (g *FireOnceGuard) Prune(now time.Time) int {
	return g.recent.Prune(now, g.window)
}

// firedInWindow reports whether lastRunAt falls on the same local calendar day
// as now and within the tolerance window around the schedule's target time.
func firedInWindow(s types.Schedule, tz string, now time.Time) (bool, error) {
	target, err := ParseTimeOfDay(s.Time)
	if err != nil {
		return false, err
	}
	if s.LastRunAt == nil {
		return false, nil
	}
	nowClock, err := LocalClockAt(tz, now)
	if err != nil {
		return false, err
	}
	lastClock, err := LocalClockAt(tz, *s.LastRunAt)
	if err != nil {
		return false, err
	}
	ny, nm, nd := nowClock.Time.Date()
	ly, lm, ld := lastClock.Time.Date()
	if ny != ly || nm != lm || nd != ld {
		return false, nil
	}
	return withinTolerance(lastClock.Minute, target), nil
}
