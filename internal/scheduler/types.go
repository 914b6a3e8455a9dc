// Package scheduler implements the recurring schedule engine: the window
// evaluator, the fire-once guard, the download delay policy and the per-tick
// driver that ties them together.
//
// This file defines the tick payload shared by the HTTP cron routes, the CLI
// and the cmd/file-monitor Lambda handler.
package scheduler

import "time"

// TickType identifies which tick an external trigger asks for.
type TickType string

const (
	TickSchedules TickType = "schedule_tick"
	TickFiles     TickType = "file_tick"
)

// Valid reports whether t names a known tick.
func (t TickType) Valid() bool {
	return t == TickSchedules || t == TickFiles
}

// TickPayload is the JSON body accepted by external tick triggers:
//
//	{
//	  "tick": "schedule_tick",
//	  "reference_time": "2026-03-02T04:00:00Z"  // optional
//	}
type TickPayload struct {
	Tick TickType `json:"tick"`
	// ReferenceTime replaces "now" for manual replays. Nil means time.Now().UTC().
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
	// Manual marks an operator-triggered tick, which runs even when the
	// minute's slot is already taken. It is never read from a request body.
	Manual bool `json:"-"`
}

// Now returns the payload's reference time, or fallback when unset.
func (p TickPayload) Now(fallback time.Time) time.Time {
	if p.ReferenceTime != nil {
		return p.ReferenceTime.UTC()
	}
	return fallback
}
