package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"autopilot/internal/monitor"
	"autopilot/internal/scheduler"
	"autopilot/internal/types"
)

// tickLockTTL outlives the longest tick so a crashed holder cannot keep its
// slot, while a second replica in the same minute still sees it as held.
const tickLockTTL = 15 * time.Minute

// TickLocker claims one tick slot across replicas. *db.JobLockRepository
// satisfies it.
type TickLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// TickHistory records tick runs. *db.JobHistoryRepository satisfies it.
type TickHistory interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// ScheduleTicker runs schedule ticks.
type ScheduleTicker interface {
	RunScheduleTickAt(ctx context.Context, now time.Time) (scheduler.TickReport, error)
}

// FileTicker runs file monitor ticks.
type FileTicker interface {
	RunFileMonitorTick(ctx context.Context) (monitor.TickReport, error)
}

// TickResult is what one RunTick call did. Exactly one report is set unless
// the tick was skipped.
type TickResult struct {
	Tick      scheduler.TickType    `json:"tick"`
	Skipped   string                `json:"skipped,omitempty"`
	Schedules *scheduler.TickReport `json:"schedules,omitempty"`
	Files     *monitor.TickReport   `json:"files,omitempty"`
}

// TickRunner runs ticks for external triggers: the in-process cron, the
// CLI and the Lambda handler. With a locker, only one replica runs a given
// tick per minute; manual ticks skip the slot lock.
type TickRunner struct {
	Schedules ScheduleTicker
	Files     FileTicker
	Locks     TickLocker
	History   TickHistory
	WorkerID  string

	ScheduleTimeout time.Duration
	FileTimeout     time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// TickRunner returns a runner over the App's engine, honoring the feature
// switches.
func (a *App) TickRunner() *TickRunner {
	r := &TickRunner{
		Locks:           a.Locks,
		History:         a.History,
		WorkerID:        a.WorkerID,
		ScheduleTimeout: a.Config.Scheduler.TickTimeout,
		FileTimeout:     a.Config.Monitor.TickTimeout,
		Logger:          a.Logger,
	}
	if a.Config.Feature.EnableScheduleTick {
		r.Schedules = a.Driver
	}
	if a.Config.Feature.EnableFileMonitor {
		r.Files = a.Monitor
	}
	return r
}

// RunTick runs the tick named by payload.
func (r *TickRunner) RunTick(ctx context.Context, payload scheduler.TickPayload) (TickResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := r.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := payload.Now(nowFn().UTC())
	res := TickResult{Tick: payload.Tick}

	if !payload.Tick.Valid() {
		return res, types.NewAppError(types.ErrCodeValidationInvalidField,
			fmt.Sprintf("unknown tick type %q", payload.Tick), nil)
	}
	if (payload.Tick == scheduler.TickSchedules && r.Schedules == nil) ||
		(payload.Tick == scheduler.TickFiles && r.Files == nil) {
		res.Skipped = "disabled"
		logger.InfoContext(ctx, "tick disabled by feature switch", "tick", payload.Tick)
		return res, nil
	}

	if r.Locks != nil && !payload.Manual {
		lockID := fmt.Sprintf("%s:%s", payload.Tick, now.Truncate(time.Minute).Format("2006-01-02T15:04"))
		acquired, err := r.Locks.Acquire(ctx, lockID, r.WorkerID, tickLockTTL)
		if err != nil {
			return res, fmt.Errorf("acquiring tick lock %s: %w", lockID, err)
		}
		if !acquired {
			logger.InfoContext(ctx, "tick lock held by another worker", "lock_id", lockID)
			res.Skipped = "locked"
			return res, nil
		}
	}

	var jobID int64
	if r.History != nil {
		id, err := r.History.Start(ctx, string(payload.Tick))
		if err != nil {
			logger.WarnContext(ctx, "failed to start tick history", "tick", payload.Tick, "error", err)
		} else {
			jobID = id
		}
	}

	items, runErr := r.dispatch(ctx, payload.Tick, now, &res)

	if jobID != 0 {
		status := "success"
		if runErr != nil {
			status = "failed"
		}
		if err := r.History.Finish(ctx, jobID, status, items, runErr); err != nil {
			logger.WarnContext(ctx, "failed to finish tick history", "job_id", jobID, "error", err)
		}
	}
	if runErr != nil {
		return res, fmt.Errorf("%s failed: %w", payload.Tick, runErr)
	}
	return res, nil
}

func (r *TickRunner) dispatch(ctx context.Context, tick scheduler.TickType, now time.Time, res *TickResult) (int, error) {
	switch tick {
	case scheduler.TickSchedules:
		ctx, cancel := boundedContext(ctx, r.ScheduleTimeout)
		defer cancel()
		rep, err := r.Schedules.RunScheduleTickAt(ctx, now)
		res.Schedules = &rep
		return rep.Fired, err
	default:
		ctx, cancel := boundedContext(ctx, r.FileTimeout)
		defer cancel()
		rep, err := r.Files.RunFileMonitorTick(ctx)
		res.Files = &rep
		return rep.Processed, err
	}
}

func boundedContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
